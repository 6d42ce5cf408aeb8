package shared

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
	// ErrRateLimited marks a request rejected by a limiter.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrPermissionDenied marks an action outside the caller's capabilities.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrMissingField marks input lacking a required or well-formed value.
	ErrMissingField = errors.New("missing required field")
)

// SafeError is the closed set of messages allowed to leave the server.
type SafeError struct {
	Code    string
	Status  int
	Message string
}

var (
	SafeDuplicate        = SafeError{Code: "duplicate_entry", Status: http.StatusConflict, Message: "Este registo já existe."}
	SafeInvalidReference = SafeError{Code: "invalid_reference", Status: http.StatusBadRequest, Message: "Referência inválida."}
	SafeMissingField     = SafeError{Code: "missing_field", Status: http.StatusBadRequest, Message: "Campo obrigatório em falta."}
	SafePermissionDenied = SafeError{Code: "permission_denied", Status: http.StatusForbidden, Message: "Não tem permissão para realizar esta ação."}
	SafeRateLimited      = SafeError{Code: "rate_limited", Status: http.StatusTooManyRequests, Message: "Demasiados pedidos. Tente novamente mais tarde."}
	SafeTimeout          = SafeError{Code: "timeout", Status: http.StatusGatewayTimeout, Message: "O pedido demorou demasiado tempo. Tente novamente."}
	SafeSessionExpired   = SafeError{Code: "session_expired", Status: http.StatusUnauthorized, Message: "A sua sessão expirou. Inicie sessão novamente."}
	SafeInternal         = SafeError{Code: "internal_error", Status: http.StatusInternalServerError, Message: "Ocorreu um erro interno. Tente novamente mais tarde."}
)

var pgCodes = map[string]SafeError{
	"23505": SafeDuplicate,
	"23503": SafeInvalidReference,
	"23502": SafeMissingField,
	"42501": SafePermissionDenied,
}

var messagePatterns = []struct {
	pattern string
	safe    SafeError
}{
	{"duplicate key", SafeDuplicate},
	{"already exists", SafeDuplicate},
	{"already registered", SafeDuplicate},
	{"foreign key", SafeInvalidReference},
	{"violates not-null", SafeMissingField},
	{"permission denied", SafePermissionDenied},
	{"rate limit", SafeRateLimited},
	{"too many requests", SafeRateLimited},
	{"timeout", SafeTimeout},
	{"timed out", SafeTimeout},
	{"jwt expired", SafeSessionExpired},
	{"token is expired", SafeSessionExpired},
	{"session not found", SafeSessionExpired},
}

// Sanitize maps an internal error to its user-safe form. Anything outside
// the catalog becomes SafeInternal.
func Sanitize(err error) SafeError {
	if err == nil {
		return SafeInternal
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if safe, ok := pgCodes[pgErr.Code]; ok {
			return safe
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return SafeTimeout
	case errors.Is(err, ErrRateLimited):
		return SafeRateLimited
	case errors.Is(err, ErrPermissionDenied):
		return SafePermissionDenied
	case errors.Is(err, ErrMissingField):
		return SafeMissingField
	}
	lowered := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		if strings.Contains(lowered, p.pattern) {
			return p.safe
		}
	}
	return SafeInternal
}

// UserSafeMessage returns the sanitized message for err.
func UserSafeMessage(err error) string {
	return Sanitize(err).Message
}
