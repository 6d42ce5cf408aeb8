package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/cagiotech/cagiotech/internal/shared"
	"github.com/cagiotech/cagiotech/internal/view"
)

// Flow is the session-level authentication surface the handlers drive.
type Flow interface {
	Login(ctx context.Context, email, password string, meta ClientMeta) (*Session, error)
	Register(ctx context.Context, in SignUpInput, meta ClientMeta) (*Session, error)
	Logout(ctx context.Context, sessionID string, userID int64) error
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	flow           Flow
	templates      *view.Engine
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, flow Flow, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		flow:           flow,
		templates:      templates,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Get("/register", h.showRegister)
	r.Post("/register", h.handleRegister)
	r.Post("/logout", h.handleLogout)
}

type loginForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

type registerForm struct {
	Name            string `validate:"required,max=120"`
	Email           string `validate:"required,email"`
	Password        string `validate:"required,min=8"`
	PasswordConfirm string `validate:"required,eqfield=Password"`
}

type loginPageData struct {
	Form   loginForm
	Next   string
	Errors map[string]string
}

type registerPageData struct {
	Form   registerForm
	Errors map[string]string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil && sess.User() != "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	data := loginPageData{Next: shared.SanitizeNext(r.URL.Query().Get("next"))}
	h.render(w, r, http.StatusOK, "pages/login.html", "Entrar", data)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := loginForm{
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
	}
	next := shared.SanitizeNext(r.PostFormValue("next"))
	errs := h.validateForm(form)

	if len(errs) == 0 {
		session, err := h.flow.Login(r.Context(), form.Email, form.Password, clientMeta(r))
		if err == nil {
			h.establish(r, session, "Bem-vindo de volta")
			if next == "" {
				next = "/"
			}
			http.Redirect(w, r, next, http.StatusSeeOther)
			return
		}
		if !isProviderError(err) {
			h.logger.Error("login", slog.Any("error", err))
		}
		errs["general"] = UserMessage(err, MatchLocale(r.Header.Get("Accept-Language")))
	}

	form.Password = ""
	h.render(w, r, http.StatusBadRequest, "pages/login.html", "Entrar", loginPageData{Form: form, Next: next, Errors: errs})
}

func (h *Handler) showRegister(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "pages/register.html", "Criar conta", registerPageData{})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := registerForm{
		Name:            r.PostFormValue("name"),
		Email:           r.PostFormValue("email"),
		Password:        r.PostFormValue("password"),
		PasswordConfirm: r.PostFormValue("password_confirm"),
	}
	errs := h.validateForm(form)

	if len(errs) == 0 {
		session, err := h.flow.Register(r.Context(), SignUpInput{Email: form.Email, Password: form.Password, Name: form.Name}, clientMeta(r))
		if err == nil {
			h.establish(r, session, "Conta criada com sucesso")
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		if !isProviderError(err) {
			h.logger.Error("register", slog.Any("error", err))
		}
		errs["general"] = UserMessage(err, MatchLocale(r.Header.Get("Accept-Language")))
	}

	form.Password, form.PasswordConfirm = "", ""
	h.render(w, r, http.StatusBadRequest, "pages/register.html", "Criar conta", registerPageData{Form: form, Errors: errs})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		userID, _ := strconv.ParseInt(sess.User(), 10, 64)
		if err := h.flow.Logout(r.Context(), sess.Get(shared.SessionKeyProviderSession), userID); err != nil {
			h.logger.Warn("logout", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
}

func (h *Handler) establish(r *http.Request, session *Session, greeting string) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during sign-in")
		return
	}
	sess.SetUser(strconv.FormatInt(session.UserID, 10))
	sess.Set(shared.SessionKeyProviderSession, session.ID)
	if _, err := h.csrfManager.RotateToken(sess); err != nil {
		h.logger.Warn("rotate csrf token", slog.Any("error", err))
	}
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: greeting})
}

func (h *Handler) validateForm(form any) map[string]string {
	errs := make(map[string]string)
	err := h.validator.Struct(form)
	if err == nil {
		return errs
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		errs["general"] = err.Error()
		return errs
	}
	for _, fieldErr := range fieldErrs {
		errs[fieldErr.Field()] = fieldMessage(fieldErr)
	}
	return errs
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "Campo obrigatório"
	case "email":
		return "Email inválido"
	case "min":
		return "Deve ter pelo menos " + fe.Param() + " caracteres"
	case "max":
		return "Deve ter no máximo " + fe.Param() + " caracteres"
	case "eqfield":
		return "As palavras-passe não coincidem"
	default:
		return "Valor inválido"
	}
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, page, title string, data any) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrfManager.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if err := h.templates.RenderStatus(w, status, page, viewData); err != nil {
		h.logger.Error("render auth page", slog.String("page", page), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func clientMeta(r *http.Request) ClientMeta {
	return ClientMeta{IP: r.RemoteAddr, UserAgent: r.UserAgent()}
}

func isProviderError(err error) bool {
	for _, known := range []error{ErrInvalidCredentials, ErrEmailNotConfirmed, ErrAlreadyRegistered, ErrWeakPassword, ErrInvalidEmail} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
