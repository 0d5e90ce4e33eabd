// Package tavern exposes characters and conversations over HTTP.
package tavern

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/litetavern/internal/card"
	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/server"
	"github.com/tjfontaine/litetavern/internal/session"
	"github.com/tjfontaine/litetavern/internal/storage"
)

// Config wires the API to its collaborators.
type Config struct {
	Importer      *card.Importer
	Characters    storage.CharacterStore
	Conversations storage.ConversationStore
	Sessions      *session.Manager
	// MaxImportBytes bounds uploaded card files.
	MaxImportBytes int64
	// RequestTimeout applies to every route except the streaming ones.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type API struct {
	router   *chi.Mux
	importer *card.Importer
	chars    storage.CharacterStore
	convs    storage.ConversationStore
	sessions *session.Manager
	maxBytes int64
	logger   *slog.Logger
}

func NewAPI(cfg Config) *API {
	a := &API{
		router:   chi.NewRouter(),
		importer: cfg.Importer,
		chars:    cfg.Characters,
		convs:    cfg.Conversations,
		sessions: cfg.Sessions,
		maxBytes: cfg.MaxImportBytes,
		logger:   cfg.Logger,
	}
	if a.importer == nil {
		a.importer = card.NewImporter()
	}
	if a.maxBytes <= 0 {
		a.maxBytes = card.DefaultMaxBytes
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.routes(cfg.RequestTimeout)
	return a
}

func (a *API) routes(timeout time.Duration) {
	a.router.Group(func(r chi.Router) {
		r.Use(server.TimeoutMiddleware(timeout))

		r.Post("/characters", a.handleImportCharacter)
		r.Get("/characters", a.handleListCharacters)
		r.Get("/characters/{id}", a.handleGetCharacter)
		r.Delete("/characters/{id}", a.handleDeleteCharacter)

		r.Post("/conversations", a.handleCreateConversation)
		r.Get("/conversations", a.handleListConversations)
		r.Get("/conversations/{id}", a.handleGetConversation)
		r.Delete("/conversations/{id}", a.handleDeleteConversation)
		r.Get("/conversations/{id}/prompt", a.handlePrompt)
		r.Post("/conversations/{id}/cancel", a.handleCancel)
		r.Post("/conversations/{id}/undo", a.handleUndo)
		r.Post("/conversations/{id}/clear", a.handleClear)
		r.Post("/conversations/{id}/time", a.handleAdvanceTime)
		r.Post("/conversations/{id}/weather", a.handleCycleWeather)
	})

	// Streaming replies run until the completion stream ends or the client leaves.
	a.router.Post("/conversations/{id}/messages", a.handleSendMessage)
	a.router.Post("/conversations/{id}/regenerate", a.handleRegenerate)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	status, errType := classify(err)
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Type: errType, Message: err.Error()}})
}

// classify maps an error to its HTTP status and error type.
func classify(err error) (int, string) {
	var importErr *domain.ImportError
	var apiErr *domain.APIError
	var reqErr *requestError
	var sizeErr *http.MaxBytesError
	switch {
	case errors.As(err, &sizeErr), errors.Is(err, card.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &importErr):
		return http.StatusUnprocessableEntity, string(importErr.Kind)
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, session.ErrNoUserTurn):
		return http.StatusConflict, "no_user_turn"
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &apiErr):
		return apiErr.HTTPStatusCode(), string(apiErr.Type)
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

// requestError marks a malformed client request.
type requestError struct {
	msg string
	err error
}

func (e *requestError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *requestError) Unwrap() error { return e.err }

func badRequest(msg string, err error) error {
	return &requestError{msg: msg, err: err}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body", err)
	}
	return nil
}

func listOptions(r *http.Request) (storage.ListOptions, error) {
	q := r.URL.Query()
	opts := storage.ListOptions{CharacterID: q.Get("character_id")}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, badRequest("invalid "+p.name, err)
		}
		*p.dst = n
	}
	return opts, nil
}
