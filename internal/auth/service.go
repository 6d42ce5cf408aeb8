package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the provider-wide password floor.
const MinPasswordLength = 8

// Options tune provider behaviour.
type Options struct {
	SessionTTL               time.Duration
	RequireEmailConfirmation bool
}

// Service is the identity provider: credentials, sessions and the event
// stream consumed by the identity context.
type Service struct {
	repo     Repository
	tokens   *TokenMaker
	notifier Notifier
	logger   *slog.Logger
	opts     Options
	validate *validator.Validate
	now      func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository, tokens *TokenMaker, notifier Notifier, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = tokens.TTL()
	}
	return &Service{
		repo:     repo,
		tokens:   tokens,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		validate: validator.New(),
		now:      time.Now,
	}
}

// SignIn validates email/password credentials and opens a session.
func (s *Service) SignIn(ctx context.Context, email, password string, meta ClientMeta) (*Session, error) {
	user, err := s.CheckPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if s.opts.RequireEmailConfirmation && !user.EmailConfirmed {
		return nil, ErrEmailNotConfirmed
	}

	now := s.now()
	sessionID := uuid.NewString()
	token, expiresAt, err := s.tokens.Generate(user.ID, sessionID, user.Email, now)
	if err != nil {
		return nil, err
	}
	if ttlEnd := now.Add(s.opts.SessionTTL); ttlEnd.After(expiresAt) {
		expiresAt = ttlEnd
	}
	if err := s.repo.CreateSession(ctx, sessionID, user.ID, expiresAt, meta.IP, meta.UserAgent); err != nil {
		return nil, err
	}
	sess := &Session{ID: sessionID, UserID: user.ID, Email: user.Email, AccessToken: token, ExpiresAt: expiresAt}
	s.publish(ctx, Event{Kind: EventSignedIn, SessionID: sessionID, UserID: user.ID})
	return sess, nil
}

// CheckPassword returns the active user owning email when password matches,
// or ErrInvalidCredentials. No session is opened.
func (s *Service) CheckPassword(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// SignUp registers a principal. The account is confirmed unless the
// deployment requires email confirmation and the input is not pre-confirmed.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*User, error) {
	email := strings.TrimSpace(in.Email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, ErrInvalidEmail
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return nil, err
	}
	return s.repo.CreateUser(ctx, User{
		Email:          email,
		Name:           in.Name,
		PasswordHash:   hash,
		EmailConfirmed: in.Confirmed || !s.opts.RequireEmailConfirmation,
	})
}

// SignOut revokes the session.
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	sess, err := s.repo.FindSession(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	evt := Event{Kind: EventSignedOut, SessionID: sessionID}
	if sess != nil {
		evt.UserID = sess.UserID
	}
	s.publish(ctx, evt)
	return nil
}

// Session returns the live session or ErrSessionNotFound.
func (s *Service) Session(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	return s.repo.FindSession(ctx, sessionID)
}

// ValidateToken verifies a bearer token and the session it is bound to.
func (s *Service) ValidateToken(ctx context.Context, raw string) (*Session, error) {
	claims, err := s.tokens.Parse(raw)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, ErrSessionNotFound
	}
	sess, err := s.repo.FindSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	sess.AccessToken = raw
	return sess, nil
}

// User loads a principal by id.
func (s *Service) User(ctx context.Context, userID int64) (*User, error) {
	return s.repo.FindByID(ctx, userID)
}

// FindUserByEmail loads a principal by email.
func (s *Service) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.repo.FindByEmail(ctx, email)
}

// ResetPassword replaces a principal's password.
func (s *Service) ResetPassword(ctx context.Context, userID int64, password string) error {
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}
	s.publish(ctx, Event{Kind: EventUserUpdated, UserID: userID})
	return nil
}

// ConfirmEmail marks the principal's email as confirmed.
func (s *Service) ConfirmEmail(ctx context.Context, userID int64) error {
	if err := s.repo.ConfirmEmail(ctx, userID); err != nil {
		return err
	}
	s.publish(ctx, Event{Kind: EventUserUpdated, UserID: userID})
	return nil
}

// UpdateProfile changes the display name.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("auth: name required")
	}
	if err := s.repo.UpdateName(ctx, userID, name); err != nil {
		return err
	}
	s.publish(ctx, Event{Kind: EventUserUpdated, UserID: userID})
	return nil
}

// NotifyProfileChanged tells subscribers the principal's role data changed.
func (s *Service) NotifyProfileChanged(ctx context.Context, userID int64) {
	s.publish(ctx, Event{Kind: EventProfileUpdated, UserID: userID})
}

// Subscribe opens the provider event stream.
func (s *Service) Subscribe(ctx context.Context) (Subscription, error) {
	return s.notifier.Subscribe(ctx)
}

// PurgeExpiredSessions removes sessions past their expiry.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredSessions(ctx, s.now())
}

func (s *Service) hash(password string) (string, error) {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", ErrWeakPassword
		}
		return "", err
	}
	return string(hashed), nil
}

func (s *Service) publish(ctx context.Context, evt Event) {
	if s.notifier == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = s.now().UTC()
	}
	if err := s.notifier.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish auth event", slog.String("kind", string(evt.Kind)), slog.Any("error", err))
	}
}
