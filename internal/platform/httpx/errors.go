// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/cagiotech/cagiotech/internal/shared"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps domain errors to HTTP responses using RFC7807. Errors
// outside the sentinel set are passed through the sanitization catalog so
// raw driver text never reaches the client.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		safe := shared.Sanitize(err)
		Problem(w, safe.Status, http.StatusText(safe.Status), safe.Message)
	}
}

// ErrorBody is the flat error shape returned by function endpoints.
type ErrorBody struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

// Error writes an ErrorBody.
func Error(w http.ResponseWriter, status int, message string, details ...string) {
	JSON(w, status, ErrorBody{Error: message, Details: details})
}

// Safe writes a catalogued error.
func Safe(w http.ResponseWriter, safe shared.SafeError) {
	JSON(w, safe.Status, ErrorBody{Error: safe.Message, Code: safe.Code})
}
