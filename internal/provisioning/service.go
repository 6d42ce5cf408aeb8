package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/auth"
	"github.com/cagiotech/cagiotech/internal/companies"
	"github.com/cagiotech/cagiotech/internal/shared"
	"github.com/cagiotech/cagiotech/jobs"
)

// Accounts is the identity provider surface used for provisioning.
type Accounts interface {
	FindUserByEmail(ctx context.Context, email string) (*auth.User, error)
	SignUp(ctx context.Context, in auth.SignUpInput) (*auth.User, error)
	CheckPassword(ctx context.Context, email, password string) (*auth.User, error)
	ResetPassword(ctx context.Context, userID int64, password string) error
	ConfirmEmail(ctx context.Context, userID int64) error
	NotifyProfileChanged(ctx context.Context, userID int64)
}

// Companies reads tenants and builds trials.
type Companies interface {
	Get(ctx context.Context, id int64) (companies.Company, error)
	OpenForRegistration(ctx context.Context, id int64) (companies.Company, error)
	NewTrial(name, email string, ownerUserID int64) companies.Company
}

// Mailer queues transactional emails.
type Mailer interface {
	EnqueueCredentials(ctx context.Context, payload jobs.CredentialsPayload) error
	EnqueueVerificationCode(ctx context.Context, payload jobs.VerificationPayload) error
	EnqueueRegistration(ctx context.Context, payload jobs.RegistrationPayload) error
}

// Config tunes the service.
type Config struct {
	// BaseURL prefixes links placed in emails.
	BaseURL string
	// CodeTTL is how long a verification code stays valid.
	CodeTTL time.Duration
}

// Service provisions accounts, tenants and role assignments.
type Service struct {
	store     Store
	accounts  Accounts
	companies Companies
	mailer    Mailer
	audit     shared.AuditRecorder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
	password  func() (string, error)
	code      func() (string, error)
}

// NewService constructs a Service. mailer and audit may be nil.
func NewService(store Store, accounts Accounts, companies Companies, mailer Mailer, audit shared.AuditRecorder, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 15 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Service{
		store:     store,
		accounts:  accounts,
		companies: companies,
		mailer:    mailer,
		audit:     audit,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		password:  GeneratePassword,
		code:      GenerateCode,
	}
}

// CreateAthlete provisions an approved athlete in the company, creating the
// account when the email is new.
func (s *Service) CreateAthlete(ctx context.Context, actorID int64, req AthleteRequest) (Result, error) {
	birth, err := parseDate(req.BirthDate)
	if err != nil {
		return Result{}, fmt.Errorf("%w: birth_date", shared.ErrMissingField)
	}
	company, err := s.companies.Get(ctx, req.CompanyID)
	if err != nil {
		return Result{}, err
	}
	user, password, err := s.ensureAccount(ctx, req.Email, req.Name, false)
	if err != nil {
		return Result{}, err
	}
	athlete, err := s.store.CreateAthlete(ctx, Athlete{
		UserID:       user.ID,
		CompanyID:    company.ID,
		Name:         strings.TrimSpace(req.Name),
		Email:        user.Email,
		Phone:        strings.TrimSpace(req.Phone),
		BirthDate:    birth,
		NIF:          strings.TrimSpace(req.NIF),
		Address:      strings.TrimSpace(req.Address),
		MedicalNotes: strings.TrimSpace(req.MedicalNotes),
	}, true)
	if err != nil {
		return Result{}, err
	}
	s.accounts.NotifyProfileChanged(ctx, user.ID)
	s.sendCredentials(ctx, user, password, company.Name, "atleta")
	s.record(ctx, actorID, shared.AuditAthleteProvisioned, "athlete", athlete.ID, map[string]any{"company_id": company.ID, "user_id": user.ID})
	return Result{Success: true, Message: "Atleta criado com sucesso.", UserID: user.ID}, nil
}

// CreateStaff provisions a staff member. An existing account gets a fresh
// password and new credentials.
func (s *Service) CreateStaff(ctx context.Context, actorID int64, req StaffRequest) (Result, error) {
	var birth *time.Time
	if strings.TrimSpace(req.BirthDate) != "" {
		parsed, err := parseDate(req.BirthDate)
		if err != nil {
			return Result{}, fmt.Errorf("%w: birth_date", shared.ErrMissingField)
		}
		birth = &parsed
	}
	company, err := s.companies.Get(ctx, req.CompanyID)
	if err != nil {
		return Result{}, err
	}
	user, password, err := s.ensureAccount(ctx, req.Email, req.Name, true)
	if err != nil {
		return Result{}, err
	}
	kind := KindForPosition(req.Position)
	staff, err := s.store.CreateStaff(ctx, Staff{
		UserID:      user.ID,
		CompanyID:   company.ID,
		Name:        strings.TrimSpace(req.Name),
		Email:       user.Email,
		Phone:       strings.TrimSpace(req.Phone),
		BirthDate:   birth,
		NIF:         strings.TrimSpace(req.NIF),
		Address:     strings.TrimSpace(req.Address),
		Position:    strings.TrimSpace(req.Position),
		StaffRoleID: req.StaffRoleID,
		Kind:        kind,
	})
	if err != nil {
		return Result{}, err
	}
	s.accounts.NotifyProfileChanged(ctx, user.ID)
	role := "membro da equipa"
	if kind == access.RoleKindPersonalTrainer {
		role = "personal trainer"
	}
	s.sendCredentials(ctx, user, password, company.Name, role)
	s.record(ctx, actorID, shared.AuditStaffProvisioned, "staff", staff.ID, map[string]any{
		"company_id": company.ID, "user_id": user.ID, "role_kind": string(kind), "position": staff.Position,
	})
	return Result{Success: true, Message: "Membro da equipa criado com sucesso.", UserID: user.ID}, nil
}

// Register handles public self-registration. The athlete and its assignment
// stay pending until a box admin approves them.
func (s *Service) Register(ctx context.Context, req RegistrationRequest) (Result, error) {
	birth, err := parseDate(req.BirthDate)
	if err != nil {
		return Result{}, fmt.Errorf("%w: birth_date", shared.ErrMissingField)
	}
	company, err := s.companies.OpenForRegistration(ctx, req.CompanyID)
	if err != nil {
		return Result{}, err
	}
	user, err := s.registrant(ctx, company.ID, req)
	if err != nil {
		return Result{}, err
	}
	athlete, err := s.store.CreateAthlete(ctx, Athlete{
		UserID:    user.ID,
		CompanyID: company.ID,
		Name:      strings.TrimSpace(req.Name),
		Email:     user.Email,
		Phone:     strings.TrimSpace(req.Phone),
		BirthDate: birth,
		NIF:       strings.TrimSpace(req.NIF),
		Address:   strings.TrimSpace(req.Address),
	}, false)
	if err != nil {
		return Result{}, err
	}
	s.notifyAdmins(ctx, company, athlete)
	return Result{
		Success:          true,
		Message:          "Registo efetuado. A sua inscrição aguarda aprovação da box.",
		UserID:           user.ID,
		RequiresApproval: true,
	}, nil
}

// registrant creates the self-registering account. An existing account is
// reused only when the caller knows its password and it has no athlete row
// in the company, which is the state a failed earlier attempt leaves behind.
func (s *Service) registrant(ctx context.Context, companyID int64, req RegistrationRequest) (*auth.User, error) {
	user, err := s.accounts.SignUp(ctx, auth.SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     strings.TrimSpace(req.Name),
	})
	if !errors.Is(err, auth.ErrAlreadyRegistered) {
		return user, err
	}
	existing, checkErr := s.accounts.CheckPassword(ctx, req.Email, req.Password)
	if checkErr != nil {
		if errors.Is(checkErr, auth.ErrInvalidCredentials) {
			return nil, err
		}
		return nil, checkErr
	}
	enrolled, checkErr := s.store.HasAthlete(ctx, companyID, existing.ID)
	if checkErr != nil {
		return nil, checkErr
	}
	if enrolled {
		return nil, err
	}
	s.logger.Info("resuming registration", slog.Int64("user_id", existing.ID), slog.Int64("company_id", companyID))
	return existing, nil
}

// SendCode stores a fresh single-use verification code and emails it.
func (s *Service) SendCode(ctx context.Context, req CodeRequest) (Result, error) {
	code, err := s.code()
	if err != nil {
		return Result{}, err
	}
	if err := s.store.SaveVerificationCode(ctx, req.Email, code, s.now().Add(s.cfg.CodeTTL)); err != nil {
		return Result{}, err
	}
	if s.mailer != nil {
		err := s.mailer.EnqueueVerificationCode(ctx, jobs.VerificationPayload{
			To:        normalizeEmail(req.Email),
			Name:      strings.TrimSpace(req.Name),
			Code:      code,
			ExpiresIn: int(s.cfg.CodeTTL.Minutes()),
		})
		if err != nil {
			return Result{}, fmt.Errorf("enqueue verification code: %w", err)
		}
	}
	return Result{Success: true, Message: "Código de verificação enviado."}, nil
}

// VerifyAndRegister consumes the code, confirms or creates the account and
// provisions the owner's company on a trial when the owner has none.
func (s *Service) VerifyAndRegister(ctx context.Context, req VerifyRequest) (Result, error) {
	if err := s.store.ConsumeVerificationCode(ctx, req.Email, req.Code, s.now()); err != nil {
		return Result{}, err
	}
	user, err := s.accounts.FindUserByEmail(ctx, req.Email)
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		user, err = s.accounts.SignUp(ctx, auth.SignUpInput{
			Email:     req.Email,
			Password:  req.Password,
			Name:      strings.TrimSpace(req.Name),
			Confirmed: true,
		})
		if err != nil {
			return Result{}, err
		}
	case err != nil:
		return Result{}, err
	default:
		if err := s.accounts.ResetPassword(ctx, user.ID, req.Password); err != nil {
			return Result{}, err
		}
		if !user.EmailConfirmed {
			if err := s.accounts.ConfirmEmail(ctx, user.ID); err != nil {
				return Result{}, err
			}
		}
	}

	trial := s.companies.NewTrial(req.CompanyName, user.Email, user.ID)
	trial.Phone = strings.TrimSpace(req.Phone)
	company, created, err := s.store.ProvisionOwner(ctx, trial)
	if err != nil {
		return Result{}, err
	}
	s.accounts.NotifyProfileChanged(ctx, user.ID)
	if created {
		s.record(ctx, user.ID, shared.AuditCompanyProvisioned, "company", company.ID, map[string]any{"slug": company.Slug, "status": string(company.Status)})
	}
	msg := "Conta verificada. A sua box está em período experimental."
	if !created {
		msg = "Conta verificada."
	}
	return Result{Success: true, Message: msg, UserID: user.ID, CompanyID: company.ID}, nil
}

// Approve activates a pending self-registration.
func (s *Service) Approve(ctx context.Context, actorID int64, req ApproveRequest) (Result, error) {
	athlete, err := s.store.ApproveAthlete(ctx, req.CompanyID, req.AthleteID)
	if err != nil {
		return Result{}, err
	}
	s.accounts.NotifyProfileChanged(ctx, athlete.UserID)
	s.record(ctx, actorID, shared.AuditRegistrationApproved, "athlete", athlete.ID, map[string]any{"company_id": athlete.CompanyID, "user_id": athlete.UserID})
	return Result{Success: true, Message: "Registo aprovado.", UserID: athlete.UserID}, nil
}

// ensureAccount returns the account for email, creating it with a generated
// password when missing. reset replaces the password of an existing account.
// The returned password is empty when the existing password was kept.
func (s *Service) ensureAccount(ctx context.Context, email, name string, reset bool) (*auth.User, string, error) {
	password, err := s.password()
	if err != nil {
		return nil, "", err
	}
	user, err := s.accounts.SignUp(ctx, auth.SignUpInput{
		Email:     email,
		Password:  password,
		Name:      strings.TrimSpace(name),
		Confirmed: true,
	})
	if err == nil {
		return user, password, nil
	}
	if !errors.Is(err, auth.ErrAlreadyRegistered) {
		return nil, "", err
	}
	user, err = s.accounts.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}
	if !reset {
		return user, "", nil
	}
	if err := s.accounts.ResetPassword(ctx, user.ID, password); err != nil {
		return nil, "", err
	}
	s.logger.Info("reset password of existing account", slog.Int64("user_id", user.ID))
	return user, password, nil
}

func (s *Service) sendCredentials(ctx context.Context, user *auth.User, password, companyName, role string) {
	if s.mailer == nil {
		return
	}
	err := s.mailer.EnqueueCredentials(ctx, jobs.CredentialsPayload{
		To:          user.Email,
		Name:        user.Name,
		Password:    password,
		CompanyName: companyName,
		Role:        role,
		LoginURL:    s.cfg.BaseURL + shared.LoginPath,
	})
	if err != nil {
		s.logger.Error("enqueue credentials email", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
}

func (s *Service) notifyAdmins(ctx context.Context, company companies.Company, athlete Athlete) {
	if s.mailer == nil {
		return
	}
	to, err := s.store.AdminEmails(ctx, company.ID)
	if err != nil {
		s.logger.Error("list admin emails", slog.Int64("company_id", company.ID), slog.Any("error", err))
		return
	}
	if len(to) == 0 {
		s.logger.Warn("no admin to notify of registration", slog.Int64("company_id", company.ID))
		return
	}
	err = s.mailer.EnqueueRegistration(ctx, jobs.RegistrationPayload{
		To:           to,
		CompanyName:  company.Name,
		AthleteName:  athlete.Name,
		AthleteEmail: athlete.Email,
		ReviewURL:    s.cfg.BaseURL + access.RoleCompanyAdmin.HomePath(),
	})
	if err != nil {
		s.logger.Error("enqueue registration notice", slog.Int64("company_id", company.ID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action, entity string, id int64, meta map[string]any) {
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
}
