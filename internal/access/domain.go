package access

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoProfile indicates the principal holds no usable role assignment.
	ErrNoProfile = errors.New("access: no role assignment")
	// ErrUnknownRoleKind is returned when a stored role-kind is outside the closed set.
	ErrUnknownRoleKind = errors.New("access: unknown role kind")
	// ErrUnknownRole is returned when an external role string is outside the closed set.
	ErrUnknownRole = errors.New("access: unknown role")
	// ErrUnknownCapability is returned for capability tokens outside the closed set.
	ErrUnknownCapability = errors.New("access: unknown capability")
	// ErrNotFound indicates a missing staff record or staff role.
	ErrNotFound = errors.New("access: not found")
)

// RoleKind is the raw category stored on a role assignment.
type RoleKind string

const (
	RoleKindPlatformAdmin   RoleKind = "cagio_admin"
	RoleKindCompanyOwner    RoleKind = "box_owner"
	RoleKindPersonalTrainer RoleKind = "personal_trainer"
	RoleKindStaffMember     RoleKind = "staff_member"
	RoleKindStudent         RoleKind = "student"
)

// RoleKinds lists every role kind from highest to lowest priority.
func RoleKinds() []RoleKind {
	return []RoleKind{
		RoleKindPlatformAdmin,
		RoleKindCompanyOwner,
		RoleKindPersonalTrainer,
		RoleKindStaffMember,
		RoleKindStudent,
	}
}

// ParseRoleKind converts a stored value into a RoleKind.
func ParseRoleKind(raw string) (RoleKind, error) {
	kind := RoleKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range RoleKinds() {
		if kind == known {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRoleKind, raw)
}

// priority ranks role kinds; lower is preferred.
func (k RoleKind) priority() int {
	for i, known := range RoleKinds() {
		if k == known {
			return i
		}
	}
	return len(RoleKinds())
}

// CompanyScoped reports whether assignments of this kind must reference a company.
func (k RoleKind) CompanyScoped() bool {
	return k != RoleKindPlatformAdmin
}

// Role is the simplified role exposed to the rest of the application.
type Role string

const (
	RolePlatformAdmin Role = "cagio_admin"
	RoleCompanyAdmin  Role = "box_admin"
	RoleTrainer       Role = "trainer"
	RoleStudent       Role = "student"
)

var externalRoles = map[RoleKind]Role{
	RoleKindPlatformAdmin:   RolePlatformAdmin,
	RoleKindCompanyOwner:    RoleCompanyAdmin,
	RoleKindStaffMember:     RoleCompanyAdmin,
	RoleKindPersonalTrainer: RoleTrainer,
	RoleKindStudent:         RoleStudent,
}

// ExternalRoleOf maps a role kind to its external role. Unmapped kinds
// yield RoleStudent with ok=false so callers can report the defaulting.
func ExternalRoleOf(kind RoleKind) (Role, bool) {
	role, ok := externalRoles[kind]
	if !ok {
		return RoleStudent, false
	}
	return role, true
}

// ParseRole converts a string into a Role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RolePlatformAdmin, RoleCompanyAdmin, RoleTrainer, RoleStudent:
		return role, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
}

// ApprovalExempt reports whether the role bypasses the approval gate.
func (r Role) ApprovalExempt() bool {
	return r == RoleCompanyAdmin || r == RolePlatformAdmin
}

// HomePath returns the landing view for the role.
func (r Role) HomePath() string {
	switch r {
	case RolePlatformAdmin:
		return "/admin"
	case RoleCompanyAdmin:
		return "/box"
	case RoleTrainer:
		return "/trainer"
	default:
		return "/student"
	}
}

// CompanyRef carries the linked company's display data.
type CompanyRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Assignment binds a principal to a role kind within a company.
// CompanyID is zero only for platform admins.
type Assignment struct {
	ID        int64       `json:"id"`
	UserID    int64       `json:"user_id"`
	Kind      RoleKind    `json:"kind"`
	CompanyID int64       `json:"company_id"`
	Company   *CompanyRef `json:"company,omitempty"`
	Approved  bool        `json:"approved"`
	CreatedAt time.Time   `json:"created_at"`
}

// Resolvable reports whether the assignment can take part in ranking.
func (a Assignment) Resolvable() bool {
	if !a.Kind.CompanyScoped() {
		return true
	}
	return a.CompanyID != 0 && a.Company != nil
}

// Matches reports whether the assignment is the one named by the preference.
func (a Assignment) Matches(p Preference) bool {
	return a.Kind == p.Kind && a.CompanyID == p.CompanyID
}

// Preference is the sticky per-principal profile choice.
type Preference struct {
	Kind      RoleKind `json:"role_kind"`
	CompanyID int64    `json:"company_id"`
}

// Profile is the active operating context of a session.
type Profile struct {
	Assignment  Assignment `json:"assignment"`
	Role        Role       `json:"role"`
	Permissions Set        `json:"permissions"`
}

// Approved reports whether the profile passed approval.
func (p *Profile) Approved() bool {
	return p != nil && p.Assignment.Approved
}

// CompanyName returns the company display name, if any.
func (p *Profile) CompanyName() string {
	if p == nil || p.Assignment.Company == nil {
		return ""
	}
	return p.Assignment.Company.Name
}
