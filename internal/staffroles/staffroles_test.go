package staffroles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/identity"
	"github.com/cagiotech/cagiotech/internal/shared"
)

type stubRepo struct {
	mu      sync.Mutex
	nextID  int64
	roles   map[int64]StaffRole
	holders map[int64][]int64
}

func newStubRepo() *stubRepo {
	return &stubRepo{roles: map[int64]StaffRole{}, holders: map[int64][]int64{}}
}

func (r *stubRepo) List(_ context.Context, companyID int64) ([]StaffRole, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StaffRole
	for _, role := range r.roles {
		if role.CompanyID == companyID {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *stubRepo) Get(_ context.Context, companyID, id int64) (StaffRole, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok || role.CompanyID != companyID {
		return StaffRole{}, ErrNotFound
	}
	return role, nil
}

func (r *stubRepo) Create(_ context.Context, role StaffRole) (StaffRole, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	role.ID = r.nextID
	r.roles[role.ID] = role
	return role, nil
}

func (r *stubRepo) Update(_ context.Context, role StaffRole) (StaffRole, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.roles[role.ID]
	if !ok || current.CompanyID != role.CompanyID {
		return StaffRole{}, ErrNotFound
	}
	r.roles[role.ID] = role
	return role, nil
}

func (r *stubRepo) Delete(_ context.Context, companyID, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.roles[id]
	if !ok || current.CompanyID != companyID {
		return ErrNotFound
	}
	delete(r.roles, id)
	delete(r.holders, id)
	return nil
}

func (r *stubRepo) Holders(_ context.Context, id int64) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.holders[id]...), nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []int64
}

func (n *recordingNotifier) NotifyProfileChanged(_ context.Context, userID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func TestCreateNormalizesCapabilities(t *testing.T) {
	audit := &recordingAudit{}
	svc := NewService(newStubRepo(), nil, audit, nil)

	role, err := svc.Create(context.Background(), 7, 1, Input{
		Name:         "  Receção ",
		Capabilities: []string{"VIEW_ATHLETES", "view_schedule", "view_athletes"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Receção", role.Name)
	assert.ElementsMatch(t, []access.Capability{access.CapViewAthletes, access.CapViewSchedule}, role.Capabilities)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, shared.AuditStaffRoleChanged, audit.logs[0].Action)
}

func TestCreateRejectsInvalidBundles(t *testing.T) {
	svc := NewService(newStubRepo(), nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, 7, 1, Input{Name: "X", Capabilities: []string{"fly"}})
	assert.ErrorIs(t, err, access.ErrUnknownCapability)

	_, err = svc.Create(ctx, 7, 1, Input{Name: "X", Capabilities: []string{"all"}})
	assert.ErrorIs(t, err, ErrWildcard)

	_, err = svc.Create(ctx, 7, 1, Input{Name: "   "})
	assert.ErrorIs(t, err, ErrNameRequired)
}

func TestUpdateNotifiesHolders(t *testing.T) {
	repo := newStubRepo()
	notifier := &recordingNotifier{}
	svc := NewService(repo, notifier, nil, nil)
	ctx := context.Background()

	role, err := svc.Create(ctx, 7, 1, Input{Name: "Coach", Capabilities: []string{"view_schedule"}})
	require.NoError(t, err)
	repo.holders[role.ID] = []int64{21, 22}

	updated, err := svc.Update(ctx, 7, 1, role.ID, Input{Name: "Coach", Capabilities: []string{"view_schedule", "manage_classes"}})
	require.NoError(t, err)
	assert.Len(t, updated.Capabilities, 2)
	assert.Equal(t, []int64{21, 22}, notifier.users)

	_, err = svc.Update(ctx, 7, 2, role.ID, Input{Name: "Coach"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteNotifiesFormerHolders(t *testing.T) {
	repo := newStubRepo()
	notifier := &recordingNotifier{}
	svc := NewService(repo, notifier, nil, nil)
	ctx := context.Background()

	role, err := svc.Create(ctx, 7, 1, Input{Name: "Coach"})
	require.NoError(t, err)
	repo.holders[role.ID] = []int64{30}

	require.NoError(t, svc.Delete(ctx, 7, 1, role.ID))
	assert.Equal(t, []int64{30}, notifier.users)
	assert.ErrorIs(t, svc.Delete(ctx, 7, 1, role.ID), ErrNotFound)
}

type stubIdentity struct {
	states map[string]identity.State
}

func (s stubIdentity) Snapshot(context.Context, string, int64) (identity.State, error) {
	return identity.State{}, nil
}

func (s stubIdentity) Authenticate(_ context.Context, token string) (identity.State, error) {
	st, ok := s.states[token]
	if !ok {
		return identity.State{}, errors.New("unexpected token")
	}
	return st, nil
}

func profileState(userID int64, role access.Role, kind access.RoleKind, companyID int64, caps access.Set) identity.State {
	return identity.State{
		SessionID:     "s",
		UserID:        userID,
		Authenticated: true,
		Profile: &access.Profile{
			Assignment:  access.Assignment{UserID: userID, Kind: kind, CompanyID: companyID, Approved: true},
			Role:        role,
			Permissions: caps,
		},
	}
}

func newTestServer(t *testing.T, repo *stubRepo) *httptest.Server {
	t.Helper()
	ids := stubIdentity{states: map[string]identity.State{
		"owner":     profileState(1, access.RoleCompanyAdmin, access.RoleKindCompanyOwner, 1, access.NewSet(access.CapabilityAll)),
		"reception": profileState(2, access.RoleCompanyAdmin, access.RoleKindStaffMember, 1, access.NewSet(access.CapViewAthletes)),
		"platform":  profileState(3, access.RolePlatformAdmin, access.RoleKindPlatformAdmin, 0, access.NewSet(access.CapabilityAll)),
		"athlete":   profileState(4, access.RoleStudent, access.RoleKindStudent, 1, access.NewSet(access.CapBookClasses)),
	}}
	guard := identity.NewGuard(ids, nil, nil, nil, nil)
	handler := NewHandler(nil, NewService(repo, nil, nil, nil), guard)
	r := chi.NewRouter()
	r.Route("/api/staff-roles", handler.MountRoutes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHandlerCreateAndList(t *testing.T) {
	srv := newTestServer(t, newStubRepo())

	resp, body := call(t, srv, http.MethodPost, "/api/staff-roles/", "owner", Input{Name: "Receção", Capabilities: []string{"view_athletes"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), body["company_id"])

	resp, body = call(t, srv, http.MethodGet, "/api/staff-roles/", "owner", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["staff_roles"], 1)
}

func TestHandlerRejectsUnknownCapability(t *testing.T) {
	srv := newTestServer(t, newStubRepo())

	resp, body := call(t, srv, http.MethodPost, "/api/staff-roles/", "owner", Input{Name: "X", Capabilities: []string{"teleport"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["details"])

	resp, _ = call(t, srv, http.MethodPost, "/api/staff-roles/", "owner", Input{Capabilities: []string{"view_schedule"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerRequiresCapability(t *testing.T) {
	srv := newTestServer(t, newStubRepo())

	resp, _ := call(t, srv, http.MethodGet, "/api/staff-roles/", "reception", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = call(t, srv, http.MethodGet, "/api/staff-roles/", "athlete", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := call(t, srv, http.MethodGet, "/api/staff-roles/capabilities", "reception", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body["capabilities"], "all")
}

func TestHandlerScopesByCompany(t *testing.T) {
	repo := newStubRepo()
	srv := newTestServer(t, repo)
	other, err := repo.Create(context.Background(), StaffRole{CompanyID: 2, Name: "Outra"})
	require.NoError(t, err)

	resp, _ := call(t, srv, http.MethodDelete, "/api/staff-roles/"+strconv.FormatInt(other.ID, 10), "owner", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = call(t, srv, http.MethodGet, "/api/staff-roles/", "platform", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := call(t, srv, http.MethodGet, "/api/staff-roles/?company_id=2", "platform", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["staff_roles"], 1)

	resp, _ = call(t, srv, http.MethodDelete, "/api/staff-roles/"+strconv.FormatInt(other.ID, 10)+"?company_id=2", "platform", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
