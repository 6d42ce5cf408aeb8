package auth

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials indicates an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrEmailNotConfirmed is returned when sign-in requires a confirmed email.
	ErrEmailNotConfirmed = errors.New("email not confirmed")
	// ErrAlreadyRegistered is returned by SignUp for an existing email.
	ErrAlreadyRegistered = errors.New("user already registered")
	// ErrWeakPassword is returned when the password fails the strength rules.
	ErrWeakPassword = errors.New("password is too weak")
	// ErrInvalidEmail is returned for malformed email addresses.
	ErrInvalidEmail = errors.New("unable to validate email address: invalid format")
	// ErrSessionNotFound indicates a missing, expired or revoked session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUserNotFound indicates a missing principal.
	ErrUserNotFound = errors.New("user not found")
)

// User represents an authenticated principal.
type User struct {
	ID             int64     `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	PasswordHash   string    `json:"-"`
	EmailConfirmed bool      `json:"email_confirmed"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Session is an issued provider session.
type Session struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Email       string    `json:"email"`
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SignUpInput carries the registration payload.
type SignUpInput struct {
	Email     string
	Password  string
	Name      string
	Confirmed bool
}

// ClientMeta identifies the client issuing a sign-in.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// EventKind names a provider state change.
type EventKind string

const (
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventUserUpdated    EventKind = "USER_UPDATED"
	EventProfileUpdated EventKind = "PROFILE_UPDATED"
)

// Event is a provider state-change notification. SessionID is empty for
// principal-wide events.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    int64     `json:"user_id"`
	At        time.Time `json:"at"`
}
