// Package identity binds provider sessions to resolved profiles and guards
// views on the result.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/auth"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("identity: context already started")

// Provider is the identity provider surface the context depends on.
type Provider interface {
	SignIn(ctx context.Context, email, password string, meta auth.ClientMeta) (*auth.Session, error)
	SignUp(ctx context.Context, in auth.SignUpInput) (*auth.User, error)
	SignOut(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (*auth.Session, error)
	ValidateToken(ctx context.Context, raw string) (*auth.Session, error)
	User(ctx context.Context, userID int64) (*auth.User, error)
	UpdateProfile(ctx context.Context, userID int64, name string) error
	Subscribe(ctx context.Context) (auth.Subscription, error)
}

// Resolver selects profiles for principals.
type Resolver interface {
	ResolveProfile(ctx context.Context, userID int64) (*access.Profile, error)
	FindAssignment(ctx context.Context, userID int64, kind access.RoleKind, companyID int64) (access.Assignment, error)
	SetPreference(ctx context.Context, userID int64, pref access.Preference) error
	ClearPreference(ctx context.Context, userID int64) error
	Assignments(ctx context.Context, userID int64) ([]access.Assignment, error)
}

// Options tunes resolution.
type Options struct {
	// ResolveWait bounds how long a request waits for a fresh resolution
	// before rendering the loading view.
	ResolveWait time.Duration
	// ResolveTimeout bounds a single resolution.
	ResolveTimeout time.Duration
	// QueueSize is the actor's event buffer.
	QueueSize int
}

func (o Options) withDefaults() Options {
	if o.ResolveWait <= 0 {
		o.ResolveWait = 2 * time.Second
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 128
	}
	return o
}

// Context owns the resolved identity of every live provider session.
// Provider events are applied by a single actor goroutine.
type Context struct {
	provider Provider
	resolver Resolver
	store    StateStore
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	group singleflight.Group
	queue chan auth.Event

	mu     sync.Mutex
	cancel context.CancelFunc
	sub    auth.Subscription
	wg     sync.WaitGroup
}

// NewContext constructs a Context. Start must be called to follow provider
// events.
func NewContext(provider Provider, resolver Resolver, store StateStore, logger *slog.Logger, opts Options) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Context{
		provider: provider,
		resolver: resolver,
		store:    store,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		queue:    make(chan auth.Event, opts.QueueSize),
	}
}

// Start subscribes to provider events and launches the actor.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	sub, err := c.provider.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("identity: subscribe: %w", err)
	}
	c.cancel = cancel
	c.sub = sub
	c.wg.Add(2)
	go c.deliver(runCtx, sub)
	go c.run(runCtx)
	return nil
}

// Close releases the subscription and waits for the actor to stop.
func (c *Context) Close() error {
	c.mu.Lock()
	cancel, sub := c.cancel, c.sub
	c.cancel, c.sub = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := sub.Close()
	c.wg.Wait()
	return err
}

// deliver moves events off the subscription so the provider's callback path
// never runs resolution inline.
func (c *Context) deliver(ctx context.Context, sub auth.Subscription) {
	defer c.wg.Done()
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			select {
			case c.queue <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Context) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.queue:
			c.handle(ctx, evt)
		}
	}
}

func (c *Context) handle(ctx context.Context, evt auth.Event) {
	logger := c.logger.With(slog.String("event", string(evt.Kind)), slog.Int64("user_id", evt.UserID))
	switch evt.Kind {
	case auth.EventSignedIn, auth.EventTokenRefreshed:
		if evt.SessionID == "" {
			return
		}
		if _, err := c.refresh(ctx, evt.SessionID, evt.UserID); err != nil {
			logger.Warn("resolve identity", slog.Any("error", err))
		}
	case auth.EventSignedOut:
		if evt.SessionID == "" {
			return
		}
		c.group.Forget(evt.SessionID)
		if err := c.store.Delete(ctx, evt.SessionID); err != nil {
			logger.Warn("drop identity state", slog.Any("error", err))
		}
	case auth.EventUserUpdated, auth.EventProfileUpdated:
		sessions, err := c.store.SessionsFor(ctx, evt.UserID)
		if err != nil {
			logger.Warn("list identity sessions", slog.Any("error", err))
			return
		}
		for _, sid := range sessions {
			if _, err := c.refresh(ctx, sid, evt.UserID); err != nil {
				logger.Warn("refresh identity", slog.String("session_id", sid), slog.Any("error", err))
			}
		}
	default:
		logger.Debug("ignore provider event")
	}
}

// refresh discards any in-flight resolution for the session and resolves
// again.
func (c *Context) refresh(ctx context.Context, sessionID string, userID int64) (State, error) {
	c.group.Forget(sessionID)
	v, err, _ := c.group.Do(sessionID, func() (any, error) {
		return c.resolve(ctx, sessionID, userID)
	})
	if err != nil {
		return State{}, err
	}
	return v.(State), nil
}

// Snapshot returns the identity bound to a provider session. A stored state
// is returned while the provider still reports the session live. Otherwise
// resolution is started (or joined) and awaited for at most ResolveWait; a
// still-running resolution yields a Loading state.
func (c *Context) Snapshot(ctx context.Context, sessionID string, userID int64) (State, error) {
	return c.snapshot(ctx, sessionID, userID, nil)
}

// snapshot is Snapshot with an optional session the caller already validated.
func (c *Context) snapshot(ctx context.Context, sessionID string, userID int64, live *auth.Session) (State, error) {
	if sessionID == "" {
		return State{}, nil
	}
	st, err := c.store.Get(ctx, sessionID)
	if err != nil {
		c.logger.Warn("read identity state", slog.String("session_id", sessionID), slog.Any("error", err))
	} else if st != nil && (userID == 0 || st.UserID == userID) {
		if c.stillLive(ctx, *st, live) {
			return *st, nil
		}
		c.group.Forget(sessionID)
		if err := c.store.Delete(ctx, sessionID); err != nil {
			c.logger.Warn("drop identity state", slog.String("session_id", sessionID), slog.Any("error", err))
		}
		return State{SessionID: sessionID, ResolvedAt: c.now()}, nil
	}

	ch := c.group.DoChan(sessionID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ResolveTimeout)
		defer cancel()
		return c.resolve(rctx, sessionID, userID)
	})
	timer := time.NewTimer(c.opts.ResolveWait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return State{}, res.Err
		}
		return res.Val.(State), nil
	case <-timer.C:
		return State{SessionID: sessionID, UserID: userID, Authenticated: true, Loading: true}, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// stillLive reports whether a stored state may still be served. Expired
// states and sessions the provider no longer knows are rejected; a provider
// outage keeps serving the state until its recorded expiry.
func (c *Context) stillLive(ctx context.Context, st State, live *auth.Session) bool {
	if st.Expired(c.now()) {
		return false
	}
	if live == nil {
		sess, err := c.provider.Session(ctx, st.SessionID)
		switch {
		case errors.Is(err, auth.ErrSessionNotFound):
			return false
		case err != nil:
			c.logger.Warn("check provider session", slog.String("session_id", st.SessionID), slog.Any("error", err))
			return true
		}
		live = sess
	}
	return live.UserID == st.UserID
}

// resolve reads the provider session and the principal's profile. Only
// authenticated states are stored.
func (c *Context) resolve(ctx context.Context, sessionID string, userID int64) (State, error) {
	anonymous := State{SessionID: sessionID, ResolvedAt: c.now()}

	sess, err := c.provider.Session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			if err := c.store.Delete(ctx, sessionID); err != nil {
				c.logger.Warn("drop identity state", slog.String("session_id", sessionID), slog.Any("error", err))
			}
			return anonymous, nil
		}
		return State{}, fmt.Errorf("identity: provider session: %w", err)
	}
	if userID != 0 && sess.UserID != userID {
		return anonymous, nil
	}

	user, err := c.provider.User(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return anonymous, nil
		}
		return State{}, fmt.Errorf("identity: provider user: %w", err)
	}

	st := State{
		SessionID:     sessionID,
		UserID:        user.ID,
		Email:         user.Email,
		Name:          user.Name,
		Authenticated: true,
		ResolvedAt:    c.now(),
		ExpiresAt:     sess.ExpiresAt,
	}
	profile, err := c.resolver.ResolveProfile(ctx, user.ID)
	switch {
	case err == nil:
		st.Profile = profile
	case errors.Is(err, access.ErrNoProfile):
		st.Failure = FailureNoProfile
	default:
		return State{}, err
	}

	if err := c.store.Put(ctx, st); err != nil {
		c.logger.Warn("store identity state", slog.String("session_id", sessionID), slog.Any("error", err))
	}
	return st, nil
}

// Login signs the principal in. The profile is resolved by the actor when the
// provider reports the new session, or by the first Snapshot, whichever
// comes first.
func (c *Context) Login(ctx context.Context, email, password string, meta auth.ClientMeta) (*auth.Session, error) {
	return c.provider.SignIn(ctx, email, password, meta)
}

// Register creates the account and signs it in.
func (c *Context) Register(ctx context.Context, in auth.SignUpInput, meta auth.ClientMeta) (*auth.Session, error) {
	if _, err := c.provider.SignUp(ctx, in); err != nil {
		return nil, err
	}
	return c.provider.SignIn(ctx, in.Email, in.Password, meta)
}

// Logout clears local state before asking the provider to end the session.
// Only the provider error is returned; callers navigate to the login view
// regardless.
func (c *Context) Logout(ctx context.Context, sessionID string, userID int64) error {
	if userID != 0 {
		if err := c.resolver.ClearPreference(ctx, userID); err != nil {
			c.logger.Warn("clear profile preference", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	if sessionID == "" {
		return nil
	}
	c.group.Forget(sessionID)
	if err := c.store.Delete(ctx, sessionID); err != nil {
		c.logger.Warn("drop identity state", slog.String("session_id", sessionID), slog.Any("error", err))
	}
	return c.provider.SignOut(ctx, sessionID)
}

// SwitchProfile makes the named assignment the active profile and returns
// the landing view of its role. The assignment must belong to the principal.
func (c *Context) SwitchProfile(ctx context.Context, sessionID string, userID int64, kind access.RoleKind, companyID int64) (string, error) {
	assignment, err := c.resolver.FindAssignment(ctx, userID, kind, companyID)
	if err != nil {
		return "", err
	}
	pref := access.Preference{Kind: assignment.Kind, CompanyID: assignment.CompanyID}
	if err := c.resolver.SetPreference(ctx, userID, pref); err != nil {
		return "", fmt.Errorf("identity: store preference: %w", err)
	}
	st, err := c.refresh(ctx, sessionID, userID)
	if err != nil {
		return "", err
	}
	if st.Profile != nil {
		return st.Profile.Role.HomePath(), nil
	}
	role, _ := access.ExternalRoleOf(assignment.Kind)
	return role.HomePath(), nil
}

// Assignments lists every profile the principal can switch to.
func (c *Context) Assignments(ctx context.Context, userID int64) ([]access.Assignment, error) {
	return c.resolver.Assignments(ctx, userID)
}

// UpdateName edits the principal's display name. The provider's
// USER_UPDATED event refreshes every live session.
func (c *Context) UpdateName(ctx context.Context, userID int64, name string) error {
	return c.provider.UpdateProfile(ctx, userID, name)
}

// Authenticate resolves a bearer token into the identity behind it.
func (c *Context) Authenticate(ctx context.Context, token string) (State, error) {
	sess, err := c.provider.ValidateToken(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			return State{}, nil
		}
		return State{}, err
	}
	return c.snapshot(ctx, sess.ID, sess.UserID, sess)
}

var _ auth.Flow = (*Context)(nil)
