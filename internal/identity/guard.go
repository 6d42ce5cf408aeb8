package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/observability"
	"github.com/cagiotech/cagiotech/internal/platform/httpx"
	"github.com/cagiotech/cagiotech/internal/shared"
	"github.com/cagiotech/cagiotech/internal/view"
)

// Snapshotter is the part of Context the guard reads.
type Snapshotter interface {
	Snapshot(ctx context.Context, sessionID string, userID int64) (State, error)
	Authenticate(ctx context.Context, token string) (State, error)
}

type stateContextKey struct{}

// WithState stores the resolved identity in ctx.
func WithState(ctx context.Context, st State) context.Context {
	return context.WithValue(ctx, stateContextKey{}, st)
}

// StateFromContext returns the identity stored by the guard.
func StateFromContext(ctx context.Context) (State, bool) {
	st, ok := ctx.Value(stateContextKey{}).(State)
	return st, ok
}

// ProfileFromContext returns the active profile, or nil.
func ProfileFromContext(ctx context.Context) *access.Profile {
	st, ok := StateFromContext(ctx)
	if !ok {
		return nil
	}
	return st.Profile
}

// Guard enforces view policies on HTTP routes.
type Guard struct {
	identity  Snapshotter
	templates *view.Engine
	csrf      *shared.CSRFManager
	logger    *slog.Logger
	outcomes  *prometheus.CounterVec
}

// NewGuard constructs a Guard. The registerer may be nil.
func NewGuard(identity Snapshotter, templates *view.Engine, csrf *shared.CSRFManager, logger *slog.Logger, registerer prometheus.Registerer) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{identity: identity, templates: templates, csrf: csrf, logger: logger}
	outcomes, err := observability.RegisterCounterVec(registerer, prometheus.CounterOpts{
		Name: "cagio_guard_outcomes_total",
		Help: "Route guard decisions by outcome.",
	}, "outcome")
	if err != nil {
		logger.Warn("register guard metrics", slog.Any("error", err))
	}
	g.outcomes = outcomes
	return g
}

// Protect gates a view behind the policy.
func (g *Guard) Protect(policy access.ViewPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st, bearer, err := g.current(r)
			if err != nil {
				g.logger.Error("resolve identity", slog.String("path", r.URL.Path), slog.Any("error", err))
				g.fail(w, r, err)
				return
			}

			outcome := access.Evaluate(st.Viewer(), policy)
			g.observe(outcome)

			switch outcome {
			case access.OutcomeLoading:
				g.loading(w, r)
			case access.OutcomeUnauthenticated:
				if !bearer {
					if sess := shared.SessionFromContext(r.Context()); sess != nil && sess.User() != "" {
						sess.ClearPrincipal()
					}
				}
				if isAPI(r) {
					httpx.Error(w, http.StatusUnauthorized, shared.SafeSessionExpired.Message)
					return
				}
				http.Redirect(w, r, shared.LoginRedirect(r.URL.RequestURI()), http.StatusSeeOther)
			case access.OutcomePendingApproval:
				if isAPI(r) {
					httpx.Error(w, http.StatusForbidden, "Conta a aguardar aprovação.")
					return
				}
				g.render(w, r, http.StatusForbidden, "pages/pending_approval.html", "A aguardar aprovação", pendingData{
					Email:   st.Email,
					Company: st.Profile.CompanyName(),
				})
			case access.OutcomeAccessDenied:
				if isAPI(r) {
					httpx.Safe(w, shared.SafePermissionDenied)
					return
				}
				g.render(w, r, http.StatusForbidden, "pages/access_denied.html", "Acesso negado", deniedData{HomePath: st.HomePath()})
			default:
				next.ServeHTTP(w, r.WithContext(WithState(r.Context(), st)))
			}
		})
	}
}

// RequireCapability admits requests whose active profile grants at least one
// of caps. It must run behind Protect.
func (g *Guard) RequireCapability(caps ...access.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st, ok := StateFromContext(r.Context())
			if !ok || !st.Authenticated {
				httpx.Error(w, http.StatusUnauthorized, shared.SafeSessionExpired.Message)
				return
			}
			if st.Profile == nil || !st.Profile.Permissions.HasAny(caps...) {
				g.logger.Info("capability denied",
					slog.Int64("user_id", st.UserID),
					slog.String("role", string(st.Role())),
					slog.Any("required", caps))
				httpx.Safe(w, shared.SafePermissionDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// current reads the identity from a bearer token or the cookie session.
func (g *Guard) current(r *http.Request) (State, bool, error) {
	ctx := r.Context()
	if token := bearerToken(r); token != "" {
		st, err := g.identity.Authenticate(ctx, token)
		return st, true, err
	}
	userID, providerSession, ok := shared.PrincipalFromContext(ctx)
	if !ok {
		return State{}, false, nil
	}
	st, err := g.identity.Snapshot(ctx, providerSession, userID)
	return st, false, err
}

type pendingData struct {
	Email   string
	Company string
}

type deniedData struct {
	HomePath string
}

func (g *Guard) loading(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	if isAPI(r) {
		httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "loading"})
		return
	}
	g.render(w, r, http.StatusAccepted, "pages/loading.html", "A carregar", nil)
}

func (g *Guard) fail(w http.ResponseWriter, r *http.Request, err error) {
	safe := shared.Sanitize(err)
	if isAPI(r) {
		httpx.Safe(w, safe)
		return
	}
	http.Error(w, safe.Message, safe.Status)
}

func (g *Guard) render(w http.ResponseWriter, r *http.Request, status int, page, title string, data any) {
	sess := shared.SessionFromContext(r.Context())
	var token string
	if sess != nil && g.csrf != nil {
		token, _ = g.csrf.EnsureToken(r.Context(), sess)
	}
	err := g.templates.RenderStatus(w, status, page, view.TemplateData{
		Title:       title,
		CSRFToken:   token,
		CurrentPath: r.URL.Path,
		Data:        data,
	})
	if err != nil {
		g.logger.Error("render guard page", slog.String("page", page), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (g *Guard) observe(outcome access.Outcome) {
	observability.Inc(g.outcomes, outcome.String())
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func isAPI(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/functions/") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
