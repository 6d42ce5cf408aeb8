package access

// Outcome is the terminal render decision for a navigation attempt.
type Outcome int

const (
	OutcomeLoading Outcome = iota
	OutcomeUnauthenticated
	OutcomePendingApproval
	OutcomeAccessDenied
	OutcomeAllowed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLoading:
		return "loading"
	case OutcomeUnauthenticated:
		return "unauthenticated"
	case OutcomePendingApproval:
		return "pending_approval"
	case OutcomeAccessDenied:
		return "access_denied"
	case OutcomeAllowed:
		return "allowed"
	default:
		return "unknown"
	}
}

// ViewPolicy is declared by each protected view. An empty Allow list admits
// any authenticated, approved principal.
type ViewPolicy struct {
	Allow           []Role
	RequireApproval bool
}

// Policy builds the default policy for a view: approval required and the
// given allow-list.
func Policy(allow ...Role) ViewPolicy {
	return ViewPolicy{Allow: allow, RequireApproval: true}
}

// WithoutApproval returns a copy of the policy that skips the approval gate.
func (p ViewPolicy) WithoutApproval() ViewPolicy {
	p.RequireApproval = false
	return p
}

func (p ViewPolicy) allows(role Role) bool {
	if len(p.Allow) == 0 {
		return true
	}
	for _, r := range p.Allow {
		if r == role {
			return true
		}
	}
	return false
}

// Viewer is what the guard knows about the requester.
type Viewer struct {
	Loading       bool
	Authenticated bool
	Profile       *Profile
}

// Evaluate decides the outcome of a navigation attempt.
func Evaluate(v Viewer, p ViewPolicy) Outcome {
	if v.Loading {
		return OutcomeLoading
	}
	if !v.Authenticated {
		return OutcomeUnauthenticated
	}
	var role Role
	if v.Profile != nil {
		role = v.Profile.Role
	}
	if p.RequireApproval && !v.Profile.Approved() && !role.ApprovalExempt() {
		return OutcomePendingApproval
	}
	if len(p.Allow) > 0 && (v.Profile == nil || !p.allows(role)) {
		return OutcomeAccessDenied
	}
	return OutcomeAllowed
}
