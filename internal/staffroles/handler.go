package staffroles

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/identity"
	"github.com/cagiotech/cagiotech/internal/platform/httpx"
	"github.com/cagiotech/cagiotech/internal/shared"
)

// Handler exposes staff roles as JSON under /api/staff-roles.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     *identity.Guard
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard *identity.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, validator: validator.New()}
}

// MountRoutes registers staff role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.guard.Protect(access.Policy(access.RoleCompanyAdmin, access.RolePlatformAdmin)))
	r.Get("/capabilities", h.listCapabilities)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireCapability(access.CapManageStaffRoles))
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
	})
}

func (h *Handler) listCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := access.Capabilities()
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == access.CapabilityAll {
			continue
		}
		out = append(out, string(c))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"capabilities": out})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}
	roles, err := h.service.List(r.Context(), companyID)
	if err != nil {
		h.fail(w, "list staff roles", err)
		return
	}
	if roles == nil {
		roles = []StaffRole{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"staff_roles": roles})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	role, err := h.service.Get(r.Context(), companyID, id)
	if err != nil {
		h.fail(w, "get staff role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	st, _ := identity.StateFromContext(r.Context())
	role, err := h.service.Create(r.Context(), st.UserID, companyID, in)
	if err != nil {
		h.fail(w, "create staff role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	in, ok := h.decode(w, r)
	if !ok {
		return
	}
	st, _ := identity.StateFromContext(r.Context())
	role, err := h.service.Update(r.Context(), st.UserID, companyID, id, in)
	if err != nil {
		h.fail(w, "update staff role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	st, _ := identity.StateFromContext(r.Context())
	if err := h.service.Delete(r.Context(), st.UserID, companyID, id); err != nil {
		h.fail(w, "delete staff role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (Input, bool) {
	var in Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Error(w, http.StatusBadRequest, "Pedido inválido.")
		return Input{}, false
	}
	if err := h.validator.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		details := []string{}
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details = append(details, fe.Field()+": "+fe.Tag())
			}
		}
		httpx.Error(w, http.StatusBadRequest, "Dados inválidos.", details...)
		return Input{}, false
	}
	return in, true
}

// companyID scopes the request to the caller's company. Platform admins name
// the company with ?company_id=.
func (h *Handler) companyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	profile := identity.ProfileFromContext(r.Context())
	if profile == nil {
		httpx.Safe(w, shared.SafePermissionDenied)
		return 0, false
	}
	if profile.Role != access.RolePlatformAdmin {
		return profile.Assignment.CompanyID, true
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "company_id obrigatório.")
		return 0, false
	}
	return id, true
}

func roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "Identificador inválido.")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "Função não encontrada.")
	case errors.Is(err, access.ErrUnknownCapability):
		httpx.Error(w, http.StatusBadRequest, "Permissão desconhecida.", err.Error())
	case errors.Is(err, ErrWildcard):
		httpx.Error(w, http.StatusBadRequest, "A permissão total não pode ser atribuída a funções.")
	case errors.Is(err, ErrNameRequired):
		httpx.Error(w, http.StatusBadRequest, "Dados inválidos.", "Name: required")
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Safe(w, shared.Sanitize(err))
	}
}
