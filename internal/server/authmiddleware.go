package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingAuth = errors.New("missing Authorization header")
	errInvalidKey  = errors.New("invalid API key")
)

// Authenticator checks bearer tokens against a set of SHA-256 key hashes.
type Authenticator struct {
	hashes [][]byte
}

// NewAuthenticator returns nil when keyHashes is empty, which disables auth.
func NewAuthenticator(keyHashes []string) *Authenticator {
	if len(keyHashes) == 0 {
		return nil
	}
	a := &Authenticator{}
	for _, h := range keyHashes {
		a.hashes = append(a.hashes, []byte(strings.ToLower(strings.TrimSpace(h))))
	}
	return a
}

// ValidateAPIKey reports whether apiKey hashes to one of the configured hashes.
func (a *Authenticator) ValidateAPIKey(apiKey string) error {
	if apiKey == "" {
		return errInvalidKey
	}
	keyHash := []byte(HashAPIKey(apiKey))

	// Compare against every hash so timing does not depend on the match position.
	ok := 0
	for _, h := range a.hashes {
		ok |= subtle.ConstantTimeCompare(keyHash, h)
	}
	if ok != 1 {
		return errInvalidKey
	}
	return nil
}

// HashAPIKey creates a SHA-256 hash of an API key for the config file.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// ExtractAPIKey returns the bearer token of r. A bare token without the scheme
// is accepted too.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingAuth
	}
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token), nil
	}
	return header, nil
}

// AuthMiddleware rejects requests without a valid API key.
// If the authenticator is nil, the middleware is a no-op.
func AuthMiddleware(authenticator *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if authenticator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := ExtractAPIKey(r)
			if err != nil {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			if err := authenticator.ValidateAPIKey(apiKey); err != nil {
				AddError(r.Context(), err)
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
