package provisioning

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/auth"
	"github.com/cagiotech/cagiotech/internal/companies"
	"github.com/cagiotech/cagiotech/internal/identity"
	"github.com/cagiotech/cagiotech/internal/platform/httpx"
	"github.com/cagiotech/cagiotech/internal/shared"
)

// HandlerOptions tunes the public endpoints.
type HandlerOptions struct {
	AllowedOrigins []string
	// PublicLimit requests per PublicWindow per client IP and endpoint.
	PublicLimit  int
	PublicWindow time.Duration
}

// Handler serves the provisioning functions under /functions/v1.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     *identity.Guard
	validator *validator.Validate
	opts      HandlerOptions
	now       func() time.Time

	limiter *httprate.RateLimiter
	counter httprate.LimitCounter
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard *identity.Guard, opts HandlerOptions) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PublicLimit <= 0 {
		opts.PublicLimit = 5
	}
	if opts.PublicWindow <= 0 {
		opts.PublicWindow = time.Hour
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := RegisterRules(v); err != nil {
		return nil, err
	}
	counter := httprate.NewLocalLimitCounter(opts.PublicWindow)
	return &Handler{
		logger:    logger,
		service:   service,
		guard:     guard,
		validator: v,
		opts:      opts,
		now:       time.Now,
		limiter:   httprate.NewRateLimiter(opts.PublicLimit, opts.PublicWindow, httprate.WithLimitCounter(counter)),
		counter:   counter,
	}, nil
}

// MountRoutes registers the functions.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Client-Info", "Apikey"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(h.limitPublic)
		r.Post("/public-registration", h.publicRegistration)
		r.Post("/send-verification-code", h.sendVerificationCode)
		r.Post("/verify-code-and-register", h.verifyCodeAndRegister)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.guard.Protect(access.Policy(access.RoleCompanyAdmin, access.RolePlatformAdmin)))
		r.With(h.guard.RequireCapability(access.CapManageAthletes)).Post("/create-athlete-with-auth", h.createAthlete)
		r.With(h.guard.RequireCapability(access.CapManageStaff)).Post("/create-staff-with-auth", h.createStaff)
		r.With(h.guard.RequireCapability(access.CapApproveRegistrations)).Post("/approve-registration", h.approveRegistration)
	})
}

func (h *Handler) createAthlete(w http.ResponseWriter, r *http.Request) {
	var req AthleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, ok := h.authorizeCompany(w, r, req.CompanyID)
	if !ok {
		return
	}
	res, err := h.service.CreateAthlete(r.Context(), actor, req)
	h.respond(w, r, "create athlete", res, err)
}

func (h *Handler) createStaff(w http.ResponseWriter, r *http.Request) {
	var req StaffRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, ok := h.authorizeCompany(w, r, req.CompanyID)
	if !ok {
		return
	}
	res, err := h.service.CreateStaff(r.Context(), actor, req)
	h.respond(w, r, "create staff", res, err)
}

func (h *Handler) approveRegistration(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, ok := h.authorizeCompany(w, r, req.CompanyID)
	if !ok {
		return
	}
	res, err := h.service.Approve(r.Context(), actor, req)
	h.respond(w, r, "approve registration", res, err)
}

func (h *Handler) publicRegistration(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Register(r.Context(), req)
	h.respond(w, r, "public registration", res, err)
}

func (h *Handler) sendVerificationCode(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.SendCode(r.Context(), req)
	h.respond(w, r, "send verification code", res, err)
}

func (h *Handler) verifyCodeAndRegister(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.VerifyAndRegister(r.Context(), req)
	h.respond(w, r, "verify code and register", res, err)
}

// authorizeCompany admits platform admins and members of the target company.
func (h *Handler) authorizeCompany(w http.ResponseWriter, r *http.Request, companyID int64) (int64, bool) {
	st, _ := identity.StateFromContext(r.Context())
	if st.Profile == nil {
		httpx.Safe(w, shared.SafePermissionDenied)
		return 0, false
	}
	if st.Profile.Role != access.RolePlatformAdmin && st.Profile.Assignment.CompanyID != companyID {
		h.logger.Warn("cross-company provisioning refused",
			slog.Int64("user_id", st.UserID),
			slog.Int64("company_id", companyID))
		httpx.Safe(w, shared.SafePermissionDenied)
		return 0, false
	}
	return st.UserID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Error(w, http.StatusBadRequest, "Pedido inválido.", "body: JSON inválido")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			httpx.Error(w, http.StatusBadRequest, "Dados inválidos.")
			return false
		}
		details := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			details = append(details, fe.Field()+": "+fieldMessage(fe))
		}
		httpx.Error(w, http.StatusBadRequest, "Dados inválidos.", details...)
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "campo obrigatório"
	case "email":
		return "email inválido"
	case "datetime":
		return "data inválida, use AAAA-MM-DD"
	case "password":
		return "mínimo 8 caracteres com maiúscula, minúscula e dígito"
	case "numeric":
		return "apenas dígitos"
	case "len":
		return fmt.Sprintf("deve ter %s caracteres", fe.Param())
	case "min":
		return fmt.Sprintf("mínimo %s caracteres", fe.Param())
	case "max":
		return fmt.Sprintf("máximo %s caracteres", fe.Param())
	default:
		return "valor inválido"
	}
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op string, res Result, err error) {
	if err == nil {
		httpx.JSON(w, http.StatusOK, res)
		return
	}
	locale := auth.MatchLocale(r.Header.Get("Accept-Language"))
	switch {
	case errors.Is(err, companies.ErrNotAccepting):
		httpx.JSON(w, http.StatusForbidden, httpx.ErrorBody{
			Error: "Esta box não está a aceitar registos de momento.",
			Code:  "not_accepting_registrations",
		})
	case errors.Is(err, companies.ErrNotFound), errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "Registo não encontrado.")
	case errors.Is(err, ErrInvalidCode):
		httpx.JSON(w, http.StatusBadRequest, httpx.ErrorBody{Error: "Código inválido ou expirado.", Code: "invalid_code"})
	case errors.Is(err, ErrInvalidStaffRole):
		httpx.Error(w, http.StatusBadRequest, "Dados inválidos.", "staff_role_id: função inexistente nesta box")
	case errors.Is(err, auth.ErrAlreadyRegistered):
		httpx.JSON(w, http.StatusConflict, httpx.ErrorBody{Error: auth.UserMessage(err, locale), Code: shared.SafeDuplicate.Code})
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidEmail):
		httpx.Error(w, http.StatusBadRequest, auth.UserMessage(err, locale))
	default:
		safe := shared.Sanitize(err)
		h.logger.Error(op, slog.String("code", safe.Code), slog.Any("error", err))
		httpx.Safe(w, safe)
	}
}

// limitPublic throttles the public functions per peer address and endpoint.
// The peer is r.RemoteAddr, which only reflects forwarding headers when the
// server is configured to trust its proxy.
func (h *Handler) limitPublic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _ := httprate.KeyByIP(r)
		key := ip + " " + r.URL.Path
		if h.limiter.OnLimit(w, r, key) {
			h.tooManyRequests(w, r, key)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tooManyRequests answers a throttled call with the seconds until the
// limiter admits the key again.
func (h *Handler) tooManyRequests(w http.ResponseWriter, r *http.Request, key string) {
	now := h.now().UTC()
	window := h.opts.PublicWindow
	current := now.Truncate(window)
	wait := window
	if curr, prev, err := h.counter.Get(key, current, current.Add(-window)); err == nil {
		wait = retryAfter(prev, curr, h.opts.PublicLimit, window, now.Sub(current))
	}
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	h.logger.Warn("rate limited", slog.String("path", r.URL.Path), slog.String("remote", r.RemoteAddr))
	httpx.Safe(w, shared.SafeRateLimited)
}

// retryAfter returns how long until the sliding-window estimate lets one
// more request through. The estimate weights the previous window's count by
// the share of it still inside the sliding window and is rounded before it
// is compared with the limit, so admission needs an estimate below
// limit-0.5. elapsed is the time since the current window started.
func retryAfter(prev, curr, limit int, window, elapsed time.Duration) time.Duration {
	threshold := float64(limit) - 0.5
	// Decay of prev inside the current window.
	if float64(curr) < threshold {
		if prev == 0 || float64(prev)+float64(curr) < threshold {
			return 0
		}
		at := time.Duration(float64(window) * (1 - (threshold-float64(curr))/float64(prev)))
		if at > elapsed {
			return at - elapsed
		}
		return 0
	}
	// curr becomes the previous window and decays in the next one.
	return window - elapsed + time.Duration(float64(window)*(1-threshold/float64(curr)))
}
