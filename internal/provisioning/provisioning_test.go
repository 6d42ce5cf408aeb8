package provisioning

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/platform/httpx"
	"github.com/cagiotech/cagiotech/internal/shared"
)

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

const registration = `{"name":"Rui Sousa","email":"rui@mail.pt","password":"Treino2024","birth_date":"1995-04-02","phone":"912345678","company_id":%d}`

func registrationBody(companyID int64) string {
	return fmt.Sprintf(registration, companyID)
}

func TestPublicRegistrationByTrialState(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "public-registration", "", registrationBody(1))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody[httpx.ErrorBody](t, resp)
	assert.Equal(t, "not_accepting_registrations", body.Code)
	assert.Empty(t, e.accounts.users)

	resp = e.post(t, "public-registration", "", registrationBody(2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[Result](t, resp)
	assert.True(t, res.Success)
	assert.True(t, res.RequiresApproval)
	require.NotZero(t, res.UserID)

	a, ok := e.store.assignment(res.UserID, access.RoleKindStudent, 2)
	require.True(t, ok)
	assert.False(t, a.Approved)
	require.Len(t, e.mailer.registrations, 1)
	assert.Equal(t, []string{"dono@boxnorte.pt"}, e.mailer.registrations[0].To)
	assert.Equal(t, "https://app.cagiotech.pt/box", e.mailer.registrations[0].ReviewURL)
}

func TestPublicRegistrationActiveCompanyAndUnknownCompany(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "public-registration", "", registrationBody(3))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.post(t, "public-registration", "", registrationBody(99))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublicRegistrationResumesAfterFailedAttempt(t *testing.T) {
	e := newEnv(t)

	e.store.err = errors.New("connection reset by peer")
	resp := e.post(t, "public-registration", "", registrationBody(2))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Len(t, e.accounts.users, 1)
	e.store.err = nil

	resp = e.post(t, "public-registration", "", registrationBody(2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[Result](t, resp)
	assert.True(t, res.RequiresApproval)
	assert.Equal(t, e.accounts.users["rui@mail.pt"].ID, res.UserID)
	a, ok := e.store.assignment(res.UserID, access.RoleKindStudent, 2)
	require.True(t, ok)
	assert.False(t, a.Approved)

	resp = e.post(t, "public-registration", "", registrationBody(2))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	wrongPassword := strings.Replace(registrationBody(3), "Treino2024", "Outra2024x", 1)
	resp = e.post(t, "public-registration", "", wrongPassword)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Len(t, e.accounts.users, 1)
}

func TestPublicRegistrationRateLimited(t *testing.T) {
	e := newEnv(t)

	for i := 0; i < 5; i++ {
		resp := e.post(t, "public-registration", "", `{}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "call %d", i+1)
	}
	resp := e.post(t, "public-registration", "", registrationBody(2))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retry)
	body := decodeBody[httpx.ErrorBody](t, resp)
	assert.Equal(t, shared.SafeRateLimited.Code, body.Code)

	resp = e.post(t, "send-verification-code", "", `{"email":"nova@box.pt"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRetryAfterCoversSlidingWindowDecay(t *testing.T) {
	window := time.Hour
	cases := []struct {
		name       string
		prev, curr int
		elapsed    time.Duration
		want       time.Duration
	}{
		{"limit filled in current window", 0, 5, 50 * time.Minute, 10*time.Minute + 6*time.Minute},
		{"limit filled at window start", 0, 5, 0, window + 6*time.Minute},
		{"previous window still weighs", 5, 2, 10 * time.Minute, 20 * time.Minute},
		{"previous window decayed enough", 5, 2, 45 * time.Minute, 0},
		{"under the limit", 1, 1, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := retryAfter(tc.prev, tc.curr, 5, window, tc.elapsed)
			assert.InDelta(t, tc.want.Seconds(), got.Seconds(), 1, "got %s", got)
		})
	}
}

func TestRateLimitKeysOnPeerAddress(t *testing.T) {
	e := newEnv(t)

	for i := 0; i < 5; i++ {
		req, err := http.NewRequest(http.MethodPost, e.server.URL+"/functions/v1/public-registration", strings.NewReader(`{}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i+1))
		resp, err := e.server.Client().Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "call %d", i+1)
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/functions/v1/public-registration", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestValidationDetails(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "create-athlete-with-auth", "owner2", `{"name":"Ana","email":"nope","birth_date":"02/04/1995","phone":"912345678","company_id":2,"nif":"12345"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[httpx.ErrorBody](t, resp)
	assert.Contains(t, body.Details, "email: email inválido")
	assert.Contains(t, body.Details, "birth_date: data inválida, use AAAA-MM-DD")
	assert.Contains(t, body.Details, "nif: deve ter 9 caracteres")

	resp = e.post(t, "public-registration", "", `{"name":"Rui","email":"rui@mail.pt","password":"password","birth_date":"1995-04-02","phone":"912345678","company_id":2}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body = decodeBody[httpx.ErrorBody](t, resp)
	assert.Equal(t, []string{"password: mínimo 8 caracteres com maiúscula, minúscula e dígito"}, body.Details)

	resp = e.post(t, "public-registration", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

const athleteBody = `{"name":"Ana Lima","email":"ana@mail.pt","birth_date":"2001-09-12","phone":"+351912000111","company_id":2,"medical_notes":"asma"}`

func TestCreateAthleteWithAuth(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "create-athlete-with-auth", "owner2", athleteBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[Result](t, resp)
	assert.True(t, res.Success)

	a, ok := e.store.assignment(res.UserID, access.RoleKindStudent, 2)
	require.True(t, ok)
	assert.True(t, a.Approved)
	assert.Contains(t, e.accounts.notified, res.UserID)
	require.Len(t, e.mailer.credentials, 1)
	cred := e.mailer.credentials[0]
	assert.Equal(t, "ana@mail.pt", cred.To)
	assert.True(t, StrongPassword(cred.Password))
	assert.Equal(t, e.accounts.passwords[res.UserID], cred.Password)
	assert.Equal(t, "https://app.cagiotech.pt/auth/login", cred.LoginURL)

	resp = e.post(t, "create-athlete-with-auth", "owner2", athleteBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decodeBody[Result](t, resp)
	assert.Equal(t, res.UserID, again.UserID)
	require.Len(t, e.mailer.credentials, 2)
	assert.Empty(t, e.mailer.credentials[1].Password)
	assert.Empty(t, e.accounts.resets)
}

func TestCreateAthleteAuthorization(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "create-athlete-with-auth", "", athleteBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.post(t, "create-athlete-with-auth", "reception", athleteBody)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.post(t, "create-athlete-with-auth", "owner2", `{"name":"Ana Lima","email":"ana@mail.pt","birth_date":"2001-09-12","phone":"912000111","company_id":3}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.post(t, "create-athlete-with-auth", "platform", `{"name":"Ana Lima","email":"ana@mail.pt","birth_date":"2001-09-12","phone":"912000111","company_id":3}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateStaffWithAuth(t *testing.T) {
	e := newEnv(t)
	existing := e.accounts.add("joao@mail.pt", "João", true)

	resp := e.post(t, "create-staff-with-auth", "owner2", `{"name":"Marta","email":"marta@mail.pt","phone":"912000222","company_id":2,"position":"Personal Trainer"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	marta := decodeBody[Result](t, resp)
	_, ok := e.store.assignment(marta.UserID, access.RoleKindPersonalTrainer, 2)
	assert.True(t, ok)

	resp = e.post(t, "create-staff-with-auth", "owner2", `{"name":"João","email":"joao@mail.pt","phone":"912000333","company_id":2,"position":"Rececionista","staff_role_id":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	joao := decodeBody[Result](t, resp)
	assert.Equal(t, existing.ID, joao.UserID)
	_, ok = e.store.assignment(existing.ID, access.RoleKindStaffMember, 2)
	assert.True(t, ok)
	assert.Equal(t, []int64{existing.ID}, e.accounts.resets)
	require.Len(t, e.mailer.credentials, 2)
	assert.Equal(t, e.accounts.passwords[existing.ID], e.mailer.credentials[1].Password)

	resp = e.post(t, "create-staff-with-auth", "owner2", `{"name":"X","email":"x@mail.pt","phone":"912000444","company_id":2,"position":"Limpeza","staff_role_id":7}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[httpx.ErrorBody](t, resp)
	assert.NotEmpty(t, body.Details)
}

func TestInternalErrorsAreSanitized(t *testing.T) {
	e := newEnv(t)
	e.store.err = &pgconn.PgError{Code: "23505", Message: `duplicate key value violates unique constraint "athletes_user_id_company_id_key"`}

	resp := e.post(t, "create-athlete-with-auth", "owner2", athleteBody)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[httpx.ErrorBody](t, resp)
	assert.Equal(t, shared.SafeDuplicate.Message, body.Error)
	assert.NotContains(t, body.Error, "athletes_user_id_company_id_key")
}

func TestVerifyCodeAndRegister(t *testing.T) {
	e := newEnv(t)
	e.service.code = func() (string, error) { return "482910", nil }

	resp := e.post(t, "send-verification-code", "", `{"email":"Dono@NovaBox.pt","name":"Carla"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, e.mailer.verifications, 1)
	assert.Equal(t, "dono@novabox.pt", e.mailer.verifications[0].To)
	assert.Equal(t, 15, e.mailer.verifications[0].ExpiresIn)

	body := `{"email":"dono@novabox.pt","code":"%s","password":"Forte2024","name":"Carla","company_name":"Nova Box"}`
	resp = e.post(t, "verify-code-and-register", "", fmt.Sprintf(body, "111111"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_code", decodeBody[httpx.ErrorBody](t, resp).Code)

	resp = e.post(t, "verify-code-and-register", "", fmt.Sprintf(body, "48291"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.post(t, "verify-code-and-register", "", fmt.Sprintf(body, "482910"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[Result](t, resp)
	require.NotZero(t, res.CompanyID)

	company := e.store.owned[res.UserID]
	assert.Equal(t, "nova-box", company.Slug)
	require.NotNil(t, company.TrialEndsAt)
	assert.WithinDuration(t, e.now.Add(14*24*time.Hour), *company.TrialEndsAt, time.Minute)
	a, ok := e.store.assignment(res.UserID, access.RoleKindCompanyOwner, res.CompanyID)
	require.True(t, ok)
	assert.True(t, a.Approved)

	resp = e.post(t, "verify-code-and-register", "", fmt.Sprintf(body, "482910"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerifyConfirmsExistingAccount(t *testing.T) {
	e := newEnv(t)
	e.service.code = func() (string, error) { return "000123", nil }
	user := e.accounts.add("carla@mail.pt", "Carla", false)

	resp := e.post(t, "send-verification-code", "", `{"email":"carla@mail.pt"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.post(t, "verify-code-and-register", "", `{"email":"carla@mail.pt","code":"000123","password":"Forte2024","name":"Carla","company_name":"Box da Carla"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	found, err := e.accounts.FindUserByEmail(t.Context(), "carla@mail.pt")
	require.NoError(t, err)
	assert.True(t, found.EmailConfirmed)
	assert.Equal(t, "Forte2024", e.accounts.passwords[user.ID])
}

func TestApproveRegistration(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "public-registration", "", registrationBody(2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reg := decodeBody[Result](t, resp)

	var athleteID int64
	for id, a := range e.store.athletes {
		if a.UserID == reg.UserID {
			athleteID = id
		}
	}
	require.NotZero(t, athleteID)

	approve := `{"athlete_id":` + strconv.FormatInt(athleteID, 10) + `,"company_id":2}`
	resp = e.post(t, "approve-registration", "owner2", approve)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	a, ok := e.store.assignment(reg.UserID, access.RoleKindStudent, 2)
	require.True(t, ok)
	assert.True(t, a.Approved)
	assert.Contains(t, e.accounts.notified, reg.UserID)

	resp = e.post(t, "approve-registration", "owner2", approve)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t)
	req, err := http.NewRequest(http.MethodOptions, e.server.URL+"/functions/v1/public-registration", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://cagiotech.pt")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestKindForPosition(t *testing.T) {
	cases := map[string]access.RoleKind{
		"Personal Trainer": access.RoleKindPersonalTrainer,
		"personal_trainer": access.RoleKindPersonalTrainer,
		"Treinadora":       access.RoleKindPersonalTrainer,
		"Head Coach":       access.RoleKindPersonalTrainer,
		"Rececionista":     access.RoleKindStaffMember,
		"Gestor":           access.RoleKindStaffMember,
		"":                 access.RoleKindStaffMember,
	}
	for position, want := range cases {
		assert.Equal(t, want, KindForPosition(position), position)
	}
}

func TestGeneratedSecrets(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		assert.Len(t, pw, generatedPasswordLength)
		assert.True(t, StrongPassword(pw), pw)
		seen[pw] = true

		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, `^\d{6}$`, code)
	}
	assert.Greater(t, len(seen), 1)

	assert.False(t, StrongPassword("Short1"))
	assert.False(t, StrongPassword("alllowercase1"))
	assert.True(t, StrongPassword("Válido123"))
}
