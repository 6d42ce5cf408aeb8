package provisioning

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/auth"
	"github.com/cagiotech/cagiotech/internal/companies"
	"github.com/cagiotech/cagiotech/internal/identity"
	"github.com/cagiotech/cagiotech/jobs"
)

type memStore struct {
	mu          sync.Mutex
	athletes    map[int64]Athlete
	staff       []Staff
	assignments []access.Assignment
	codes       map[string]memCode
	owned       map[int64]companies.Company
	adminEmails []string
	err         error
	nextID      int64
}

type memCode struct {
	code      string
	expiresAt time.Time
	used      bool
}

func newMemStore() *memStore {
	return &memStore{
		athletes: map[int64]Athlete{},
		codes:    map[string]memCode{},
		owned:    map[int64]companies.Company{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) grant(a access.Assignment) {
	for i, existing := range s.assignments {
		if existing.UserID == a.UserID && existing.Kind == a.Kind && existing.CompanyID == a.CompanyID {
			if a.Approved {
				s.assignments[i].Approved = true
			}
			return
		}
	}
	s.assignments = append(s.assignments, a)
}

func (s *memStore) assignment(userID int64, kind access.RoleKind, companyID int64) (access.Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.UserID == userID && a.Kind == kind && a.CompanyID == companyID {
			return a, true
		}
	}
	return access.Assignment{}, false
}

func (s *memStore) CreateAthlete(_ context.Context, a Athlete, approved bool) (Athlete, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Athlete{}, s.err
	}
	a.ID = s.id()
	a.Status = AthletePending
	if approved {
		a.Status = AthleteActive
	}
	s.athletes[a.ID] = a
	s.grant(access.Assignment{UserID: a.UserID, Kind: access.RoleKindStudent, CompanyID: a.CompanyID, Approved: approved})
	return a, nil
}

func (s *memStore) CreateStaff(_ context.Context, st Staff) (Staff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Staff{}, s.err
	}
	if st.StaffRoleID != nil && *st.StaffRoleID != 1 {
		return Staff{}, ErrInvalidStaffRole
	}
	st.ID = s.id()
	s.staff = append(s.staff, st)
	s.grant(access.Assignment{UserID: st.UserID, Kind: st.Kind, CompanyID: st.CompanyID, Approved: true})
	return st, nil
}

func (s *memStore) HasAthlete(_ context.Context, companyID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.athletes {
		if a.CompanyID == companyID && a.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ApproveAthlete(_ context.Context, companyID, athleteID int64) (Athlete, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.athletes[athleteID]
	if !ok || a.CompanyID != companyID || a.Status != AthletePending {
		return Athlete{}, ErrNotFound
	}
	a.Status = AthleteActive
	s.athletes[athleteID] = a
	s.grant(access.Assignment{UserID: a.UserID, Kind: access.RoleKindStudent, CompanyID: companyID, Approved: true})
	return a, nil
}

func (s *memStore) ProvisionOwner(_ context.Context, c companies.Company) (companies.Company, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := false
	company, ok := s.owned[c.OwnerUserID]
	if !ok {
		c.ID = s.id()
		company = c
		s.owned[c.OwnerUserID] = c
		created = true
	}
	s.grant(access.Assignment{UserID: c.OwnerUserID, Kind: access.RoleKindCompanyOwner, CompanyID: company.ID, Approved: true})
	return company, created, nil
}

func (s *memStore) SaveVerificationCode(_ context.Context, email, code string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[normalizeEmail(email)] = memCode{code: code, expiresAt: expiresAt}
	return nil
}

func (s *memStore) ConsumeVerificationCode(_ context.Context, email, code string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[normalizeEmail(email)]
	if !ok || c.used || c.code != code || !now.Before(c.expiresAt) {
		return ErrInvalidCode
	}
	c.used = true
	s.codes[normalizeEmail(email)] = c
	return nil
}

func (s *memStore) PurgeVerificationCodes(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *memStore) AdminEmails(context.Context, int64) ([]string, error) {
	return s.adminEmails, nil
}

type memAccounts struct {
	mu        sync.Mutex
	users     map[string]*auth.User
	passwords map[int64]string
	resets    []int64
	notified  []int64
}

func newMemAccounts() *memAccounts {
	return &memAccounts{users: map[string]*auth.User{}, passwords: map[int64]string{}}
}

func (a *memAccounts) add(email, name string, confirmed bool) *auth.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := &auth.User{ID: int64(len(a.users) + 100), Email: email, Name: name, EmailConfirmed: confirmed, IsActive: true}
	a.users[email] = u
	return u
}

func (a *memAccounts) FindUserByEmail(_ context.Context, email string) (*auth.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[normalizeEmail(email)]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (a *memAccounts) SignUp(_ context.Context, in auth.SignUpInput) (*auth.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	email := normalizeEmail(in.Email)
	if _, ok := a.users[email]; ok {
		return nil, auth.ErrAlreadyRegistered
	}
	if len(in.Password) < auth.MinPasswordLength {
		return nil, auth.ErrWeakPassword
	}
	u := &auth.User{ID: int64(len(a.users) + 100), Email: email, Name: in.Name, EmailConfirmed: true, IsActive: true}
	a.users[email] = u
	a.passwords[u.ID] = in.Password
	cp := *u
	return &cp, nil
}

func (a *memAccounts) CheckPassword(_ context.Context, email, password string) (*auth.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[normalizeEmail(email)]
	if !ok || a.passwords[u.ID] != password {
		return nil, auth.ErrInvalidCredentials
	}
	cp := *u
	return &cp, nil
}

func (a *memAccounts) ResetPassword(_ context.Context, userID int64, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets = append(a.resets, userID)
	a.passwords[userID] = password
	return nil
}

func (a *memAccounts) ConfirmEmail(_ context.Context, userID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.users {
		if u.ID == userID {
			u.EmailConfirmed = true
			return nil
		}
	}
	return auth.ErrUserNotFound
}

func (a *memAccounts) NotifyProfileChanged(_ context.Context, userID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notified = append(a.notified, userID)
}

type memCompanies struct {
	byID map[int64]companies.Company
}

func (r memCompanies) Get(_ context.Context, id int64) (companies.Company, error) {
	c, ok := r.byID[id]
	if !ok {
		return companies.Company{}, companies.ErrNotFound
	}
	return c, nil
}

func (r memCompanies) OwnedBy(context.Context, int64) ([]companies.Company, error) {
	return nil, nil
}

type captureMailer struct {
	mu            sync.Mutex
	credentials   []jobs.CredentialsPayload
	verifications []jobs.VerificationPayload
	registrations []jobs.RegistrationPayload
	err           error
}

func (m *captureMailer) EnqueueCredentials(_ context.Context, p jobs.CredentialsPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials = append(m.credentials, p)
	return m.err
}

func (m *captureMailer) EnqueueVerificationCode(_ context.Context, p jobs.VerificationPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications = append(m.verifications, p)
	return m.err
}

func (m *captureMailer) EnqueueRegistration(_ context.Context, p jobs.RegistrationPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations = append(m.registrations, p)
	return m.err
}

type tokenIdentity map[string]identity.State

func (t tokenIdentity) Snapshot(context.Context, string, int64) (identity.State, error) {
	return identity.State{}, nil
}

func (t tokenIdentity) Authenticate(_ context.Context, token string) (identity.State, error) {
	st, ok := t[token]
	if !ok {
		return identity.State{}, errors.New("unknown token")
	}
	return st, nil
}

func adminState(userID int64, role access.Role, kind access.RoleKind, companyID int64, caps ...access.Capability) identity.State {
	return identity.State{
		SessionID:     "s",
		UserID:        userID,
		Authenticated: true,
		Profile: &access.Profile{
			Assignment:  access.Assignment{UserID: userID, Kind: kind, CompanyID: companyID, Approved: true},
			Role:        role,
			Permissions: access.NewSet(caps...),
		},
	}
}

type env struct {
	store    *memStore
	accounts *memAccounts
	mailer   *captureMailer
	service  *Service
	server   *httptest.Server
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	now := time.Now()
	yesterday := now.Add(-24 * time.Hour)
	nextWeek := now.Add(7 * 24 * time.Hour)
	repo := memCompanies{byID: map[int64]companies.Company{
		1: {ID: 1, Name: "Box Expirada", Status: companies.StatusTrial, TrialEndsAt: &yesterday},
		2: {ID: 2, Name: "Box Norte", Status: companies.StatusTrial, TrialEndsAt: &nextWeek},
		3: {ID: 3, Name: "Box Sul", Status: companies.StatusActive},
	}}

	e := &env{store: newMemStore(), accounts: newMemAccounts(), mailer: &captureMailer{}, now: now}
	e.store.adminEmails = []string{"dono@boxnorte.pt"}
	e.service = NewService(e.store, e.accounts, companies.NewService(repo, 0), e.mailer, nil, nil, Config{BaseURL: "https://app.cagiotech.pt/"})

	ids := tokenIdentity{
		"owner2":    adminState(1, access.RoleCompanyAdmin, access.RoleKindCompanyOwner, 2, access.CapabilityAll),
		"reception": adminState(2, access.RoleCompanyAdmin, access.RoleKindStaffMember, 2, access.CapViewAthletes),
		"platform":  adminState(3, access.RolePlatformAdmin, access.RoleKindPlatformAdmin, 0, access.CapabilityAll),
	}
	h, err := NewHandler(nil, e.service, identity.NewGuard(ids, nil, nil, nil, nil), HandlerOptions{})
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Route("/functions/v1", h.MountRoutes)
	e.server = httptest.NewServer(r)
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) post(t *testing.T, fn, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/functions/v1/"+fn, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
