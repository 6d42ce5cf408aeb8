package staffroles

import (
	"errors"
	"time"

	"github.com/cagiotech/cagiotech/internal/access"
)

var (
	// ErrNotFound indicates the staff role does not exist in the company.
	ErrNotFound = errors.New("staffroles: not found")
	// ErrNameRequired is returned for blank names.
	ErrNameRequired = errors.New("staffroles: name required")
	// ErrWildcard rejects the wildcard in a bundle; only owners hold it.
	ErrWildcard = errors.New("staffroles: wildcard capability not allowed")
)

// StaffRole is a company-defined capability bundle for staff members.
type StaffRole struct {
	ID           int64               `json:"id"`
	CompanyID    int64               `json:"company_id"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Capabilities []access.Capability `json:"capabilities"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Input carries the editable fields.
type Input struct {
	Name         string   `json:"name" validate:"required,max=80"`
	Description  string   `json:"description" validate:"max=500"`
	Capabilities []string `json:"capabilities"`
}
