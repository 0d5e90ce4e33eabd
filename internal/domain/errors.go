// Package domain provides the canonical types and errors shared by the pipeline.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ImportErrorKind categorizes a character import failure.
type ImportErrorKind string

const (
	// ImportErrorFormat indicates a malformed or absent binary signature or a truncated chunk.
	ImportErrorFormat ImportErrorKind = "format"

	// ImportErrorUnsupported indicates no recognizable persona schema was found.
	ImportErrorUnsupported ImportErrorKind = "unsupported_format"

	// ImportErrorDecode indicates a base64 or JSON decode failure on an otherwise
	// well-formed payload.
	ImportErrorDecode ImportErrorKind = "decode"
)

// ImportError is returned by the card scanner, normalizer and importer.
type ImportError struct {
	Kind    ImportErrorKind
	Message string
	Err     error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrFormat            = &ImportError{Kind: ImportErrorFormat}
	ErrUnsupportedFormat = &ImportError{Kind: ImportErrorUnsupported}
	ErrDecode            = &ImportError{Kind: ImportErrorDecode}
)

// Error implements the error interface.
func (e *ImportError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *ImportError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an ImportError of the same kind.
func (e *ImportError) Is(target error) bool {
	t, ok := target.(*ImportError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewFormatError creates a format error.
func NewFormatError(format string, args ...any) *ImportError {
	return &ImportError{Kind: ImportErrorFormat, Message: fmt.Sprintf(format, args...)}
}

// NewUnsupportedFormatError creates an unsupported format error wrapping cause, which may be nil.
func NewUnsupportedFormatError(message string, cause error) *ImportError {
	return &ImportError{Kind: ImportErrorUnsupported, Message: message, Err: cause}
}

// NewDecodeError creates a decode error wrapping cause.
func NewDecodeError(message string, cause error) *ImportError {
	return &ImportError{Kind: ImportErrorDecode, Message: message, Err: cause}
}

// ErrorType represents the category of a completion API error.
type ErrorType string

const (
	// ErrorTypeAPI indicates a non-2xx response or an in-band error frame.
	ErrorTypeAPI ErrorType = "api"

	// ErrorTypeStreamInterrupted indicates the connection dropped or went idle mid-stream.
	ErrorTypeStreamInterrupted ErrorType = "stream_interrupted"

	// ErrorTypeInvalidRequest indicates the request could not be built or sent.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
)

// APIError represents a failure reported by, or while talking to, the completion endpoint.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode is the upstream HTTP status, zero for in-band and transport errors
	StatusCode int `json:"-"`

	// Err is the underlying transport error, if any
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying transport error.
func (e *APIError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status to report to our own clients.
func (e *APIError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeStreamInterrupted:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithStatusCode sets the upstream HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause attaches the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.Err = err
	return e
}

// ErrAPI creates an API error.
func ErrAPI(message string) *APIError {
	return NewAPIError(ErrorTypeAPI, message)
}

// ErrStreamInterrupted creates a stream interrupted error.
func ErrStreamInterrupted(message string, cause error) *APIError {
	return NewAPIError(ErrorTypeStreamInterrupted, message).WithCause(cause)
}

// IsAPIErrorType reports whether err is an *APIError of the given type.
func IsAPIErrorType(err error, errType ErrorType) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type == errType
	}
	return false
}
