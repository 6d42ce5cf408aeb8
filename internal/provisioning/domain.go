package provisioning

import (
	"errors"
	"strings"
	"time"

	"github.com/cagiotech/cagiotech/internal/access"
)

var (
	// ErrNotFound indicates the athlete or staff record does not exist in the company.
	ErrNotFound = errors.New("provisioning: not found")
	// ErrInvalidCode is returned for wrong, expired or already used verification codes.
	ErrInvalidCode = errors.New("provisioning: invalid or expired verification code")
	// ErrInvalidStaffRole indicates the staff role is not defined by the company.
	ErrInvalidStaffRole = errors.New("provisioning: staff role not in company")
)

// Athlete statuses.
const (
	AthleteActive  = "active"
	AthletePending = "pending"
)

// Athlete is a student record within a company.
type Athlete struct {
	ID           int64
	UserID       int64
	CompanyID    int64
	Name         string
	Email        string
	Phone        string
	BirthDate    time.Time
	NIF          string
	Address      string
	MedicalNotes string
	Status       string
	CreatedAt    time.Time
}

// Staff is a staff record within a company.
type Staff struct {
	ID          int64
	UserID      int64
	CompanyID   int64
	Name        string
	Email       string
	Phone       string
	BirthDate   *time.Time
	NIF         string
	Address     string
	Position    string
	StaffRoleID *int64
	Kind        access.RoleKind
	CreatedAt   time.Time
}

// AthleteRequest is the create-athlete-with-auth payload.
type AthleteRequest struct {
	Name         string `json:"name" validate:"required,max=120"`
	Email        string `json:"email" validate:"required,email,max=254"`
	BirthDate    string `json:"birth_date" validate:"required,datetime=2006-01-02"`
	Phone        string `json:"phone" validate:"required,min=9,max=20"`
	CompanyID    int64  `json:"company_id" validate:"required,gt=0"`
	NIF          string `json:"nif,omitempty" validate:"omitempty,numeric,len=9"`
	Address      string `json:"address,omitempty" validate:"max=255"`
	MedicalNotes string `json:"medical_notes,omitempty" validate:"max=2000"`
}

// StaffRequest is the create-staff-with-auth payload.
type StaffRequest struct {
	Name        string `json:"name" validate:"required,max=120"`
	Email       string `json:"email" validate:"required,email,max=254"`
	BirthDate   string `json:"birth_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Phone       string `json:"phone" validate:"required,min=9,max=20"`
	CompanyID   int64  `json:"company_id" validate:"required,gt=0"`
	NIF         string `json:"nif,omitempty" validate:"omitempty,numeric,len=9"`
	Address     string `json:"address,omitempty" validate:"max=255"`
	Position    string `json:"position" validate:"required,max=80"`
	StaffRoleID *int64 `json:"staff_role_id,omitempty" validate:"omitempty,gt=0"`
}

// RegistrationRequest is the public-registration payload.
type RegistrationRequest struct {
	Name      string `json:"name" validate:"required,max=120"`
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,password"`
	BirthDate string `json:"birth_date" validate:"required,datetime=2006-01-02"`
	Phone     string `json:"phone" validate:"required,min=9,max=20"`
	CompanyID int64  `json:"company_id" validate:"required,gt=0"`
	NIF       string `json:"nif,omitempty" validate:"omitempty,numeric,len=9"`
	Address   string `json:"address,omitempty" validate:"max=255"`
}

// CodeRequest is the send-verification-code payload.
type CodeRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Name  string `json:"name,omitempty" validate:"max=120"`
}

// VerifyRequest is the verify-code-and-register payload.
type VerifyRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	Password    string `json:"password" validate:"required,password"`
	Name        string `json:"name" validate:"required,max=120"`
	CompanyName string `json:"company_name" validate:"required,max=120"`
	Phone       string `json:"phone,omitempty" validate:"max=20"`
}

// ApproveRequest is the approve-registration payload.
type ApproveRequest struct {
	AthleteID int64 `json:"athlete_id" validate:"required,gt=0"`
	CompanyID int64 `json:"company_id" validate:"required,gt=0"`
}

// Result is the success body shared by every function.
type Result struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	UserID           int64  `json:"user_id,omitempty"`
	CompanyID        int64  `json:"company_id,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

var trainerPositions = []string{"trainer", "treinador", "treinadora", "coach", "instrutor", "instrutora", "instructor", "pt"}

// KindForPosition derives the role kind for a staff position. Trainer-like
// positions become personal trainers, everything else staff members.
func KindForPosition(position string) access.RoleKind {
	normalized := strings.ToLower(strings.TrimSpace(position))
	for _, word := range strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '/'
	}) {
		for _, p := range trainerPositions {
			if word == p {
				return access.RoleKindPersonalTrainer
			}
		}
	}
	return access.RoleKindStaffMember
}

func parseDate(raw string) (time.Time, error) {
	return time.Parse("2006-01-02", strings.TrimSpace(raw))
}
