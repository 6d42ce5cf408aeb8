package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/shared"
	"github.com/cagiotech/cagiotech/internal/view"
)

// Profiles is the identity surface behind the profile and account views.
type Profiles interface {
	Snapshotter
	Assignments(ctx context.Context, userID int64) ([]access.Assignment, error)
	SwitchProfile(ctx context.Context, sessionID string, userID int64, kind access.RoleKind, companyID int64) (string, error)
	UpdateName(ctx context.Context, userID int64, name string) error
}

// Handler serves the landing, dashboard, profile and account views.
type Handler struct {
	logger    *slog.Logger
	profiles  Profiles
	guard     *Guard
	templates *view.Engine
	csrf      *shared.CSRFManager
	audit     shared.AuditRecorder
	validator *validator.Validate
}

// NewHandler constructs a Handler. audit may be nil.
func NewHandler(logger *slog.Logger, profiles Profiles, guard *Guard, templates *view.Engine, csrf *shared.CSRFManager, audit shared.AuditRecorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		profiles:  profiles,
		guard:     guard,
		templates: templates,
		csrf:      csrf,
		audit:     audit,
		validator: validator.New(),
	}
}

// MountRoutes registers the views on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.landing)

	r.With(h.guard.Protect(access.Policy())).Get("/home", h.home)

	r.Group(func(r chi.Router) {
		r.Use(h.guard.Protect(access.Policy().WithoutApproval()))
		r.Get("/profiles", h.listProfiles)
		r.Post("/profiles/switch", h.switchProfile)
		r.Get("/account", h.showAccount)
		r.Post("/account", h.updateAccount)
	})

	for _, role := range []access.Role{access.RolePlatformAdmin, access.RoleCompanyAdmin, access.RoleTrainer, access.RoleStudent} {
		r.With(h.guard.Protect(access.Policy(role))).Get(role.HomePath(), h.dashboard)
	}
}

func (h *Handler) landing(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := shared.PrincipalFromContext(r.Context()); ok {
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, "pages/landing.html", "Início", nil)
}

func (h *Handler) home(w http.ResponseWriter, r *http.Request) {
	st, _ := StateFromContext(r.Context())
	http.Redirect(w, r, st.HomePath(), http.StatusSeeOther)
}

type dashboardData struct {
	Heading      string
	Name         string
	Company      string
	Capabilities []string
}

var dashboardHeadings = map[access.Role]string{
	access.RolePlatformAdmin: "Administração da plataforma",
	access.RoleCompanyAdmin:  "Gestão da box",
	access.RoleTrainer:       "Área do treinador",
	access.RoleStudent:       "Área do atleta",
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	st, _ := StateFromContext(r.Context())
	data := dashboardData{
		Heading: dashboardHeadings[st.Role()],
		Name:    st.Name,
		Company: st.Profile.CompanyName(),
	}
	if st.Profile != nil {
		data.Capabilities = st.Profile.Permissions.Strings()
	}
	h.render(w, r, http.StatusOK, "pages/dashboard.html", data.Heading, data)
}

type profileOption struct {
	Kind        access.RoleKind
	Label       string
	CompanyID   int64
	CompanyName string
	Approved    bool
	Active      bool
}

type profilesData struct {
	Options []profileOption
}

var roleKindLabels = map[access.RoleKind]string{
	access.RoleKindPlatformAdmin:   "Administração CagioTech",
	access.RoleKindCompanyOwner:    "Proprietário",
	access.RoleKindPersonalTrainer: "Personal trainer",
	access.RoleKindStaffMember:     "Equipa",
	access.RoleKindStudent:         "Atleta",
}

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	st, _ := StateFromContext(r.Context())
	assignments, err := h.profiles.Assignments(r.Context(), st.UserID)
	if err != nil {
		h.logger.Error("list assignments", slog.Int64("user_id", st.UserID), slog.Any("error", err))
		http.Error(w, shared.UserSafeMessage(err), http.StatusInternalServerError)
		return
	}
	data := profilesData{Options: make([]profileOption, 0, len(assignments))}
	for _, a := range assignments {
		if !a.Resolvable() {
			continue
		}
		opt := profileOption{
			Kind:      a.Kind,
			Label:     roleKindLabels[a.Kind],
			CompanyID: a.CompanyID,
			Approved:  a.Approved,
		}
		if a.Company != nil {
			opt.CompanyName = a.Company.Name
		}
		if st.Profile != nil && a.Matches(access.Preference{Kind: st.Profile.Assignment.Kind, CompanyID: st.Profile.Assignment.CompanyID}) {
			opt.Active = true
		}
		data.Options = append(data.Options, opt)
	}
	h.render(w, r, http.StatusOK, "pages/profiles.html", "Perfis", data)
}

func (h *Handler) switchProfile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	sess := shared.SessionFromContext(r.Context())
	userID, providerSession, ok := sess.Principal()
	if !ok {
		http.Redirect(w, r, shared.LoginPath, http.StatusSeeOther)
		return
	}
	kind, err := access.ParseRoleKind(r.PostFormValue("kind"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	var companyID int64
	if raw := strings.TrimSpace(r.PostFormValue("company_id")); raw != "" {
		companyID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	home, err := h.profiles.SwitchProfile(r.Context(), providerSession, userID, kind, companyID)
	if err != nil {
		if errors.Is(err, access.ErrNotFound) {
			sess.AddFlash(shared.FlashMessage{Kind: "error", Message: "Perfil indisponível."})
			http.Redirect(w, r, "/profiles", http.StatusSeeOther)
			return
		}
		h.logger.Error("switch profile", slog.Int64("user_id", userID), slog.Any("error", err))
		sess.AddFlash(shared.FlashMessage{Kind: "error", Message: shared.UserSafeMessage(err)})
		http.Redirect(w, r, "/profiles", http.StatusSeeOther)
		return
	}

	shared.RecordAudit(r.Context(), h.audit, h.logger, shared.AuditLog{
		ActorID:  userID,
		Action:   shared.AuditProfileSwitched,
		Entity:   "user",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     map[string]any{"role_kind": string(kind), "company_id": companyID},
	})
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Perfil alterado."})
	http.Redirect(w, r, home, http.StatusSeeOther)
}

type accountForm struct {
	Name string `validate:"required,max=120"`
}

type accountData struct {
	Email  string
	Name   string
	Errors map[string]string
}

func (h *Handler) showAccount(w http.ResponseWriter, r *http.Request) {
	st, _ := StateFromContext(r.Context())
	h.render(w, r, http.StatusOK, "pages/account.html", "Conta", accountData{Email: st.Email, Name: st.Name})
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	st, _ := StateFromContext(r.Context())
	form := accountForm{Name: strings.TrimSpace(r.PostFormValue("name"))}
	if err := h.validator.Struct(form); err != nil {
		h.render(w, r, http.StatusBadRequest, "pages/account.html", "Conta", accountData{
			Email:  st.Email,
			Name:   form.Name,
			Errors: map[string]string{"Name": "Nome inválido"},
		})
		return
	}
	if err := h.profiles.UpdateName(r.Context(), st.UserID, form.Name); err != nil {
		h.logger.Error("update account", slog.Int64("user_id", st.UserID), slog.Any("error", err))
		h.render(w, r, http.StatusInternalServerError, "pages/account.html", "Conta", accountData{
			Email:  st.Email,
			Name:   form.Name,
			Errors: map[string]string{"general": shared.UserSafeMessage(err)},
		})
		return
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Dados atualizados."})
	}
	http.Redirect(w, r, "/account", http.StatusSeeOther)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, page, title string, data any) {
	sess := shared.SessionFromContext(r.Context())
	var (
		token string
		flash *shared.FlashMessage
	)
	if sess != nil {
		token, _ = h.csrf.EnsureToken(r.Context(), sess)
		flash = sess.PopFlash()
	}
	err := h.templates.RenderStatus(w, status, page, view.TemplateData{
		Title:       title,
		CSRFToken:   token,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	})
	if err != nil {
		h.logger.Error("render page", slog.String("page", page), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
