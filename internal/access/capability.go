package access

import (
	"fmt"
	"strings"
)

// Capability names one permitted action.
type Capability string

// CapabilityAll is the wildcard granting every action.
const CapabilityAll Capability = "all"

const (
	CapViewSchedule         Capability = "view_schedule"
	CapManageClasses        Capability = "manage_classes"
	CapViewAthletes         Capability = "view_athletes"
	CapBookClasses          Capability = "book_classes"
	CapViewProgress         Capability = "view_progress"
	CapManageProfile        Capability = "manage_profile"
	CapManageAthletes       Capability = "manage_athletes"
	CapManageStaff          Capability = "manage_staff"
	CapManageStaffRoles     Capability = "manage_staff_roles"
	CapApproveRegistrations Capability = "approve_registrations"
	CapManageModalities     Capability = "manage_modalities"
	CapManageRooms          Capability = "manage_rooms"
	CapManagePayroll        Capability = "manage_payroll"
	CapManageNutrition      Capability = "manage_nutrition"
	CapViewFinancials       Capability = "view_financials"
)

var knownCapabilities = []Capability{
	CapabilityAll,
	CapViewSchedule,
	CapManageClasses,
	CapViewAthletes,
	CapBookClasses,
	CapViewProgress,
	CapManageProfile,
	CapManageAthletes,
	CapManageStaff,
	CapManageStaffRoles,
	CapApproveRegistrations,
	CapManageModalities,
	CapManageRooms,
	CapManagePayroll,
	CapManageNutrition,
	CapViewFinancials,
}

// Capabilities returns the closed capability catalog, wildcard first.
func Capabilities() []Capability {
	return append([]Capability(nil), knownCapabilities...)
}

// ParseCapability validates a capability token.
func ParseCapability(raw string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range knownCapabilities {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCapability, raw)
}

// ParseCapabilities validates a list of tokens, failing on the first unknown one.
func ParseCapabilities(raw []string) ([]Capability, error) {
	out := make([]Capability, 0, len(raw))
	for _, r := range raw {
		c, err := ParseCapability(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Set is an ordered, de-duplicated list of capabilities.
type Set []Capability

// NewSet keeps the first occurrence of each capability in input order.
func NewSet(caps ...Capability) Set {
	seen := make(map[Capability]struct{}, len(caps))
	out := make(Set, 0, len(caps))
	for _, c := range caps {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// IsWildcard reports whether the set grants everything.
func (s Set) IsWildcard() bool {
	for _, c := range s {
		if c == CapabilityAll {
			return true
		}
	}
	return false
}

// Has reports whether the capability is granted.
func (s Set) Has(c Capability) bool {
	for _, granted := range s {
		if granted == CapabilityAll || granted == c {
			return true
		}
	}
	return false
}

// HasAny reports whether at least one capability is granted. An empty
// requirement is always satisfied.
func (s Set) HasAny(caps ...Capability) bool {
	if len(caps) == 0 {
		return true
	}
	for _, c := range caps {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// Strings renders the set as plain tokens.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = string(c)
	}
	return out
}

var (
	trainerDefaults = []Capability{CapViewSchedule, CapManageClasses, CapViewAthletes}
	studentDefaults = []Capability{CapBookClasses, CapViewProgress, CapManageProfile}
)

// DefaultCapabilities returns the fixed default list for a non-wildcard role.
func DefaultCapabilities(role Role) Set {
	switch role {
	case RoleTrainer:
		return NewSet(trainerDefaults...)
	case RoleStudent:
		return NewSet(studentDefaults...)
	default:
		return NewSet()
	}
}
