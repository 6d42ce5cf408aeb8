package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/auth"
	"github.com/cagiotech/cagiotech/internal/identity"
	"github.com/cagiotech/cagiotech/internal/observability"
	"github.com/cagiotech/cagiotech/internal/provisioning"
	"github.com/cagiotech/cagiotech/internal/shared"
	"github.com/cagiotech/cagiotech/internal/staffroles"
	"github.com/cagiotech/cagiotech/internal/view"
	"github.com/cagiotech/cagiotech/jobs"
)

// FunctionsPrefix is where the provisioning functions are served.
const FunctionsPrefix = "/functions/v1"

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	Templates           *view.Engine
	SessionManager      *shared.SessionManager
	CSRFManager         *shared.CSRFManager
	Guard               *identity.Guard
	AuthHandler         *auth.Handler
	IdentityHandler     *identity.Handler
	StaffRolesHandler   *staffroles.Handler
	ProvisioningHandler *provisioning.Handler
	JobHandler          *jobs.Handler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with CagioTech defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if err := params.Templates.RenderStatus(w, http.StatusNotFound, "pages/not_found.html", view.TemplateData{
			Title:       "Página não encontrada",
			CurrentPath: r.URL.Path,
		}); err != nil {
			params.Logger.Error("render not found", slog.Any("error", err))
			http.NotFound(w, r)
		}
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)
	params.IdentityHandler.MountRoutes(r)

	if params.StaffRolesHandler != nil {
		r.Route("/api/staff-roles", params.StaffRolesHandler.MountRoutes)
	}
	if params.ProvisioningHandler != nil {
		r.Route(FunctionsPrefix, params.ProvisioningHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(params.Guard.Protect(access.Policy(access.RolePlatformAdmin)))
			params.JobHandler.MountRoutes(r)
		})
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
