package companies

import (
	"context"
	"strings"
	"time"
)

// DefaultTrialPeriod is the trial granted to a newly provisioned box.
const DefaultTrialPeriod = 14 * 24 * time.Hour

// Service applies company rules.
type Service struct {
	repo        Repository
	trialPeriod time.Duration
	now         func() time.Time
}

// NewService constructs a Service. A non-positive trial period falls back to
// DefaultTrialPeriod.
func NewService(repo Repository, trialPeriod time.Duration) *Service {
	if trialPeriod <= 0 {
		trialPeriod = DefaultTrialPeriod
	}
	return &Service{repo: repo, trialPeriod: trialPeriod, now: time.Now}
}

// Get returns the company.
func (s *Service) Get(ctx context.Context, id int64) (Company, error) {
	if id <= 0 {
		return Company{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// OpenForRegistration returns the company when it accepts public
// self-registration, ErrNotAccepting otherwise.
func (s *Service) OpenForRegistration(ctx context.Context, id int64) (Company, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return Company{}, err
	}
	if !c.AcceptsRegistrations(s.now()) {
		return Company{}, ErrNotAccepting
	}
	return c, nil
}

// OwnedBy lists companies owned by the user.
func (s *Service) OwnedBy(ctx context.Context, userID int64) ([]Company, error) {
	return s.repo.OwnedBy(ctx, userID)
}

// NewTrial builds an unsaved company in trial for its owner.
func (s *Service) NewTrial(name, email string, ownerUserID int64) Company {
	name = strings.TrimSpace(name)
	ends := s.now().Add(s.trialPeriod)
	return Company{
		Name:        name,
		Slug:        Slugify(name),
		Email:       strings.ToLower(strings.TrimSpace(email)),
		Status:      StatusTrial,
		TrialEndsAt: &ends,
		OwnerUserID: ownerUserID,
	}
}
