package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

type memRepo struct {
	mu       sync.Mutex
	nextID   int64
	users    map[int64]*User
	sessions map[string]*Session
}

func newMemRepo() *memRepo {
	return &memRepo{users: map[int64]*User{}, sessions: map[string]*Session{}}
}

func (m *memRepo) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == normalizeEmail(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *memRepo) FindByID(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memRepo) CreateUser(ctx context.Context, user User) (*User, error) {
	if _, err := m.FindByEmail(ctx, user.Email); err == nil {
		return nil, ErrAlreadyRegistered
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	user.ID = m.nextID
	user.Email = normalizeEmail(user.Email)
	user.IsActive = true
	m.users[user.ID] = &user
	cp := user
	return &cp, nil
}

func (m *memRepo) update(userID int64, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	fn(u)
	return nil
}

func (m *memRepo) UpdatePassword(_ context.Context, userID int64, hash string) error {
	return m.update(userID, func(u *User) { u.PasswordHash = hash })
}

func (m *memRepo) ConfirmEmail(_ context.Context, userID int64) error {
	return m.update(userID, func(u *User) { u.EmailConfirmed = true })
}

func (m *memRepo) UpdateName(_ context.Context, userID int64, name string) error {
	return m.update(userID, func(u *User) { u.Name = strings.TrimSpace(name) })
}

func (m *memRepo) CreateSession(_ context.Context, id string, userID int64, expiresAt time.Time, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &Session{ID: id, UserID: userID, ExpiresAt: expiresAt}
	return nil
}

func (m *memRepo) FindSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memRepo) DeleteExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func newTestProvider(t *testing.T, opts Options) (*Service, *memRepo, *RedisNotifier) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := newMemRepo()
	notifier := NewNotifier(client, nil)
	svc := NewService(repo, NewTokenMaker("jwt-secret", time.Hour), notifier, nil, opts)
	return svc, repo, notifier
}

func TestSignUpThenSignIn(t *testing.T) {
	svc, _, _ := newTestProvider(t, Options{})
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpInput{Email: " Ana@Box.pt ", Password: "Secret123", Name: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "ana@box.pt", user.Email)
	assert.True(t, user.EmailConfirmed)

	sess, err := svc.SignIn(ctx, "ana@box.pt", "Secret123", ClientMeta{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, sess.UserID)
	assert.NotEmpty(t, sess.AccessToken)

	validated, err := svc.ValidateToken(ctx, sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, validated.ID)
}

func TestSignUpErrors(t *testing.T) {
	svc, _, _ := newTestProvider(t, Options{})
	ctx := context.Background()

	_, err := svc.SignUp(ctx, SignUpInput{Email: "nope", Password: "Secret123"})
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = svc.SignUp(ctx, SignUpInput{Email: "a@b.pt", Password: "short"})
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = svc.SignUp(ctx, SignUpInput{Email: "a@b.pt", Password: "Secret123"})
	require.NoError(t, err)
	_, err = svc.SignUp(ctx, SignUpInput{Email: "A@B.pt", Password: "Secret123"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestSignInFailures(t *testing.T) {
	svc, _, _ := newTestProvider(t, Options{RequireEmailConfirmation: true})
	ctx := context.Background()

	_, err := svc.SignIn(ctx, "ghost@box.pt", "whatever1", ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	user, err := svc.SignUp(ctx, SignUpInput{Email: "a@b.pt", Password: "Secret123"})
	require.NoError(t, err)
	assert.False(t, user.EmailConfirmed)

	_, err = svc.SignIn(ctx, "a@b.pt", "Wrong1234", ClientMeta{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.SignIn(ctx, "a@b.pt", "Secret123", ClientMeta{})
	assert.ErrorIs(t, err, ErrEmailNotConfirmed)

	require.NoError(t, svc.ConfirmEmail(ctx, user.ID))
	_, err = svc.SignIn(ctx, "a@b.pt", "Secret123", ClientMeta{})
	assert.NoError(t, err)
}

func TestCheckPasswordOpensNoSession(t *testing.T) {
	svc, repo, _ := newTestProvider(t, Options{RequireEmailConfirmation: true})
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpInput{Email: "rui@box.pt", Password: "Secret123"})
	require.NoError(t, err)

	checked, err := svc.CheckPassword(ctx, "RUI@box.pt", "Secret123")
	require.NoError(t, err)
	assert.Equal(t, user.ID, checked.ID)
	assert.Empty(t, repo.sessions)

	_, err = svc.CheckPassword(ctx, "rui@box.pt", "Wrong1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.CheckPassword(ctx, "ghost@box.pt", "Secret123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignOutRevokesTokenAndPublishes(t *testing.T) {
	svc, _, notifier := newTestProvider(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := notifier.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	_, err = svc.SignUp(ctx, SignUpInput{Email: "a@b.pt", Password: "Secret123"})
	require.NoError(t, err)
	sess, err := svc.SignIn(ctx, "a@b.pt", "Secret123", ClientMeta{})
	require.NoError(t, err)

	evt := nextEvent(t, sub)
	assert.Equal(t, EventSignedIn, evt.Kind)
	assert.Equal(t, sess.ID, evt.SessionID)

	require.NoError(t, svc.SignOut(ctx, sess.ID))
	evt = nextEvent(t, sub)
	assert.Equal(t, EventSignedOut, evt.Kind)
	assert.Equal(t, sess.UserID, evt.UserID)

	_, err = svc.ValidateToken(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	svc, _, _ := newTestProvider(t, Options{})
	other := NewTokenMaker("other-secret", time.Hour)
	raw, _, err := other.Generate(1, "sid", "a@b.pt", time.Now())
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), raw)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTokenExpiry(t *testing.T) {
	maker := NewTokenMaker("secret", time.Minute)
	raw, _, err := maker.Generate(7, "sid-1", "a@b.pt", time.Now().Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = maker.Parse(raw)
	assert.Error(t, err)

	raw, _, err = maker.Generate(7, "sid-1", "a@b.pt", time.Now())
	require.NoError(t, err)
	claims, err := maker.Parse(raw)
	require.NoError(t, err)
	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "sid-1", claims.SessionID)
}

func TestPurgeExpiredSessions(t *testing.T) {
	svc, repo, _ := newTestProvider(t, Options{})
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, "old", 1, time.Now().Add(-time.Hour), "", ""))
	require.NoError(t, repo.CreateSession(ctx, "live", 1, time.Now().Add(time.Hour), "", ""))

	n, err := svc.PurgeExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = svc.Session(ctx, "live")
	assert.NoError(t, err)
}

func TestUserMessage(t *testing.T) {
	pt := MatchLocale("pt-PT,pt;q=0.9")
	en := MatchLocale("en-GB,en;q=0.8")

	assert.Equal(t, "Email ou palavra-passe incorretos.", UserMessage(ErrInvalidCredentials, pt))
	assert.Equal(t, "Invalid email or password.", UserMessage(ErrInvalidCredentials, en))
	assert.Equal(t, "Este email já está registado.", UserMessage(ErrAlreadyRegistered, pt))
	assert.Equal(t, "Por favor introduza um email válido.", UserMessage(ErrInvalidEmail, pt))
	assert.Equal(t, "Por favor confirme o seu email antes de iniciar sessão.", UserMessage(assertErr("Email not confirmed"), pt))
	assert.Equal(t, "upstream exploded", UserMessage(assertErr("upstream exploded"), pt))
	assert.Equal(t, language.MustParse("pt-PT"), MatchLocale(""))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func nextEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case evt := <-sub.Events():
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth event")
		return Event{}
	}
}
