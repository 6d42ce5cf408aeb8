package access

// studentOverrideOrder is consulted only after the ranking picked a student
// assignment.
var studentOverrideOrder = []RoleKind{
	RoleKindPersonalTrainer,
	RoleKindStaffMember,
	RoleKindCompanyOwner,
}

// SelectAssignment picks the active assignment for a principal.
//
// Assignments whose company no longer resolves are ignored. A preference
// that still matches an assignment wins; otherwise the highest ranked kind
// is chosen, with ties going to the earliest assignment in the input. A
// student pick is replaced by a company-scoped trainer, staff or owner
// assignment when the principal holds one.
func SelectAssignment(assignments []Assignment, pref *Preference) (Assignment, error) {
	usable := make([]Assignment, 0, len(assignments))
	for _, a := range assignments {
		if a.Resolvable() {
			usable = append(usable, a)
		}
	}
	if len(usable) == 0 {
		return Assignment{}, ErrNoProfile
	}

	if pref != nil {
		for _, a := range usable {
			if a.Matches(*pref) {
				return a, nil
			}
		}
	}

	best := usable[0]
	for _, a := range usable[1:] {
		if a.Kind.priority() < best.Kind.priority() {
			best = a
		}
	}

	if best.Kind == RoleKindStudent {
		for _, kind := range studentOverrideOrder {
			for _, a := range usable {
				if a.Kind == kind && a.CompanyID != 0 {
					return a, nil
				}
			}
		}
	}
	return best, nil
}

// ResolvePermissions computes the effective permission set. staff carries
// the capabilities of the staff member's staff role; staffFound is false
// when the staff record or its role is missing.
func ResolvePermissions(role Role, kind RoleKind, staff []Capability, staffFound bool) Set {
	switch role {
	case RolePlatformAdmin:
		return NewSet(CapabilityAll)
	case RoleCompanyAdmin:
		if kind == RoleKindCompanyOwner {
			return NewSet(CapabilityAll)
		}
		if kind == RoleKindStaffMember && staffFound && len(staff) > 0 {
			return NewSet(staff...)
		}
		return DefaultCapabilities(RoleTrainer)
	case RoleTrainer, RoleStudent:
		return DefaultCapabilities(role)
	default:
		return DefaultCapabilities(RoleStudent)
	}
}
