package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/auth"
)

type fakeSubscription struct {
	events chan auth.Event
	once   sync.Once
	closed chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{events: make(chan auth.Event, 16), closed: make(chan struct{})}
}

func (s *fakeSubscription) Events() <-chan auth.Event { return s.events }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeProvider struct {
	mu         sync.Mutex
	users      map[int64]*auth.User
	sessions   map[string]*auth.Session
	tokens     map[string]string
	signOutErr error
	onSignOut  func(sessionID string)
	signedOut  []string
	sub        *fakeSubscription
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		users:    map[int64]*auth.User{},
		sessions: map[string]*auth.Session{},
		tokens:   map[string]string{},
		sub:      newFakeSubscription(),
	}
}

func (p *fakeProvider) addUser(id int64, email, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[id] = &auth.User{ID: id, Email: email, Name: name, IsActive: true, EmailConfirmed: true, PasswordHash: "pw:" + email}
}

func (p *fakeProvider) addSession(id string, userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[id] = &auth.Session{ID: id, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}
	p.tokens["token-"+id] = id
}

func (p *fakeProvider) SignIn(_ context.Context, email, password string, _ auth.ClientMeta) (*auth.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.Email == email && u.PasswordHash == "pw:"+password {
			sess := &auth.Session{ID: "sess-" + email, UserID: u.ID, Email: email, ExpiresAt: time.Now().Add(time.Hour)}
			p.sessions[sess.ID] = sess
			return sess, nil
		}
	}
	return nil, auth.ErrInvalidCredentials
}

func (p *fakeProvider) SignUp(_ context.Context, in auth.SignUpInput) (*auth.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.Email == in.Email {
			return nil, auth.ErrAlreadyRegistered
		}
	}
	id := int64(len(p.users) + 100)
	u := &auth.User{ID: id, Email: in.Email, Name: in.Name, PasswordHash: "pw:" + in.Password, IsActive: true}
	p.users[id] = u
	cp := *u
	return &cp, nil
}

func (p *fakeProvider) SignOut(_ context.Context, sessionID string) error {
	if p.onSignOut != nil {
		p.onSignOut(sessionID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signedOut = append(p.signedOut, sessionID)
	delete(p.sessions, sessionID)
	return p.signOutErr
}

func (p *fakeProvider) dropSession(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, id)
}

func (p *fakeProvider) expireSessionAt(id string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[id].ExpiresAt = at
}

func (p *fakeProvider) Session(_ context.Context, sessionID string) (*auth.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[sessionID]
	if !ok {
		return nil, auth.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (p *fakeProvider) ValidateToken(ctx context.Context, raw string) (*auth.Session, error) {
	p.mu.Lock()
	sid, ok := p.tokens[raw]
	p.mu.Unlock()
	if !ok {
		return nil, auth.ErrSessionNotFound
	}
	return p.Session(ctx, sid)
}

func (p *fakeProvider) User(_ context.Context, userID int64) (*auth.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (p *fakeProvider) UpdateProfile(_ context.Context, userID int64, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return auth.ErrUserNotFound
	}
	u.Name = name
	return nil
}

func (p *fakeProvider) Subscribe(context.Context) (auth.Subscription, error) {
	return p.sub, nil
}

type fakeResolver struct {
	mu          sync.Mutex
	assignments map[int64][]access.Assignment
	prefs       map[int64]access.Preference
	staff       map[int64][]access.Capability
	gate        chan struct{}
	calls       int
	err         error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		assignments: map[int64][]access.Assignment{},
		prefs:       map[int64]access.Preference{},
		staff:       map[int64][]access.Capability{},
	}
}

func (r *fakeResolver) assign(userID int64, kind access.RoleKind, companyID int64, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := access.Assignment{
		ID:        int64(len(r.assignments[userID]) + 1),
		UserID:    userID,
		Kind:      kind,
		CompanyID: companyID,
		Approved:  approved,
	}
	if companyID != 0 {
		a.Company = &access.CompanyRef{ID: companyID, Name: "Box " + string(rune('A'+companyID-1))}
	}
	r.assignments[userID] = append(r.assignments[userID], a)
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeResolver) ResolveProfile(ctx context.Context, userID int64) (*access.Profile, error) {
	r.mu.Lock()
	r.calls++
	gate, err := r.gate, r.err
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var pref *access.Preference
	if p, ok := r.prefs[userID]; ok {
		pref = &p
	}
	selected, err := access.SelectAssignment(r.assignments[userID], pref)
	if err != nil {
		return nil, err
	}
	role, _ := access.ExternalRoleOf(selected.Kind)
	staff, found := r.staff[userID]
	return &access.Profile{
		Assignment:  selected,
		Role:        role,
		Permissions: access.ResolvePermissions(role, selected.Kind, staff, found),
	}, nil
}

func (r *fakeResolver) FindAssignment(_ context.Context, userID int64, kind access.RoleKind, companyID int64) (access.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.assignments[userID] {
		if a.Matches(access.Preference{Kind: kind, CompanyID: companyID}) {
			return a, nil
		}
	}
	return access.Assignment{}, access.ErrNotFound
}

func (r *fakeResolver) SetPreference(_ context.Context, userID int64, pref access.Preference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[userID] = pref
	return nil
}

func (r *fakeResolver) ClearPreference(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prefs[userID]; !ok {
		return errors.New("no preference")
	}
	delete(r.prefs, userID)
	return nil
}

func (r *fakeResolver) Assignments(_ context.Context, userID int64) ([]access.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]access.Assignment(nil), r.assignments[userID]...), nil
}

type fixture struct {
	provider *fakeProvider
	resolver *fakeResolver
	store    *RedisStateStore
	identity *Context
	redis    *miniredis.Miniredis
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	provider := newFakeProvider()
	resolver := newFakeResolver()
	store := NewStateStore(client, time.Hour)
	return &fixture{
		provider: provider,
		resolver: resolver,
		store:    store,
		identity: NewContext(provider, resolver, store, nil, opts),
		redis:    mr,
	}
}
