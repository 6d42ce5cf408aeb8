package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cagiotech/cagiotech/internal/observability"
)

// Service resolves the active profile and its permissions for a principal.
type Service struct {
	repo        Repository
	prefs       PreferenceStore
	logger      *slog.Logger
	resolutions *prometheus.CounterVec
}

// NewService constructs a Service. The registerer may be nil.
func NewService(repo Repository, prefs PreferenceStore, logger *slog.Logger, registerer prometheus.Registerer) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, prefs: prefs, logger: logger}
	resolutions, err := observability.RegisterCounterVec(registerer, prometheus.CounterOpts{
		Name: "cagio_profile_resolutions_total",
		Help: "Profile resolutions by outcome.",
	}, "outcome")
	if err != nil {
		logger.Warn("register resolution metrics", slog.Any("error", err))
	}
	s.resolutions = resolutions
	return s
}

// Assignments lists the principal's role assignments.
func (s *Service) Assignments(ctx context.Context, userID int64) ([]Assignment, error) {
	return s.repo.ListAssignments(ctx, userID)
}

// ResolveProfile selects the active profile for the principal and computes
// its effective permission set. ErrNoProfile is returned when the principal
// holds no usable assignment.
func (s *Service) ResolveProfile(ctx context.Context, userID int64) (*Profile, error) {
	assignments, err := s.repo.ListAssignments(ctx, userID)
	if err != nil {
		s.observe("error")
		return nil, fmt.Errorf("access: list assignments: %w", err)
	}

	pref, err := s.prefs.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("read profile preference", slog.Int64("user_id", userID), slog.Any("error", err))
		pref = nil
	}

	selected, err := SelectAssignment(assignments, pref)
	if err != nil {
		s.observe("no_profile")
		return nil, err
	}

	role, ok := ExternalRoleOf(selected.Kind)
	if !ok {
		s.logger.Warn("role kind has no external mapping, defaulting to student",
			slog.Int64("user_id", userID), slog.String("role_kind", string(selected.Kind)))
	}

	var (
		staff      []Capability
		staffFound bool
	)
	if role == RoleCompanyAdmin && selected.Kind == RoleKindStaffMember {
		staff, err = s.repo.StaffCapabilities(ctx, userID, selected.CompanyID)
		switch {
		case err == nil:
			staffFound = true
		case errors.Is(err, ErrNotFound):
		default:
			s.observe("error")
			return nil, fmt.Errorf("access: staff capabilities: %w", err)
		}
	}

	s.observe("resolved")
	return &Profile{
		Assignment:  selected,
		Role:        role,
		Permissions: ResolvePermissions(role, selected.Kind, staff, staffFound),
	}, nil
}

// FindAssignment returns the assignment matching kind and company.
func (s *Service) FindAssignment(ctx context.Context, userID int64, kind RoleKind, companyID int64) (Assignment, error) {
	assignments, err := s.repo.ListAssignments(ctx, userID)
	if err != nil {
		return Assignment{}, err
	}
	want := Preference{Kind: kind, CompanyID: companyID}
	for _, a := range assignments {
		if a.Matches(want) && a.Resolvable() {
			return a, nil
		}
	}
	return Assignment{}, ErrNotFound
}

// SetPreference persists the sticky profile choice.
func (s *Service) SetPreference(ctx context.Context, userID int64, pref Preference) error {
	return s.prefs.Set(ctx, userID, pref)
}

// ClearPreference removes the sticky profile choice.
func (s *Service) ClearPreference(ctx context.Context, userID int64) error {
	return s.prefs.Clear(ctx, userID)
}

func (s *Service) observe(outcome string) {
	observability.Inc(s.resolutions, outcome)
}
