package staffroles

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/shared"
)

// ChangeNotifier tells the identity layer that a principal's permissions moved.
type ChangeNotifier interface {
	NotifyProfileChanged(ctx context.Context, userID int64)
}

// Service manages staff role bundles.
type Service struct {
	repo     Repository
	notifier ChangeNotifier
	audit    shared.AuditRecorder
	logger   *slog.Logger
}

// NewService constructs a Service. notifier and audit may be nil.
func NewService(repo Repository, notifier ChangeNotifier, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, notifier: notifier, audit: audit, logger: logger}
}

// List returns the company's staff roles ordered by name.
func (s *Service) List(ctx context.Context, companyID int64) ([]StaffRole, error) {
	return s.repo.List(ctx, companyID)
}

// Get returns one staff role.
func (s *Service) Get(ctx context.Context, companyID, id int64) (StaffRole, error) {
	return s.repo.Get(ctx, companyID, id)
}

// Create adds a staff role to the company.
func (s *Service) Create(ctx context.Context, actorID, companyID int64, in Input) (StaffRole, error) {
	role, err := build(companyID, in)
	if err != nil {
		return StaffRole{}, err
	}
	created, err := s.repo.Create(ctx, role)
	if err != nil {
		return StaffRole{}, err
	}
	s.record(ctx, actorID, created, "create")
	return created, nil
}

// Update replaces a staff role's fields and capability list, then refreshes
// every staff member holding it.
func (s *Service) Update(ctx context.Context, actorID, companyID, id int64, in Input) (StaffRole, error) {
	role, err := build(companyID, in)
	if err != nil {
		return StaffRole{}, err
	}
	role.ID = id
	updated, err := s.repo.Update(ctx, role)
	if err != nil {
		return StaffRole{}, err
	}
	s.record(ctx, actorID, updated, "update")
	s.notifyHolders(ctx, id)
	return updated, nil
}

// Delete removes a staff role. Holders fall back to the default staff
// capabilities.
func (s *Service) Delete(ctx context.Context, actorID, companyID, id int64) error {
	holders, err := s.repo.Holders(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, companyID, id); err != nil {
		return err
	}
	s.record(ctx, actorID, StaffRole{ID: id, CompanyID: companyID}, "delete")
	s.notify(ctx, holders)
	return nil
}

func (s *Service) notifyHolders(ctx context.Context, id int64) {
	holders, err := s.repo.Holders(ctx, id)
	if err != nil {
		s.logger.Warn("list staff role holders", slog.Int64("staff_role_id", id), slog.Any("error", err))
		return
	}
	s.notify(ctx, holders)
}

func (s *Service) notify(ctx context.Context, userIDs []int64) {
	if s.notifier == nil {
		return
	}
	for _, id := range userIDs {
		s.notifier.NotifyProfileChanged(ctx, id)
	}
}

func (s *Service) record(ctx context.Context, actorID int64, role StaffRole, op string) {
	shared.RecordAudit(ctx, s.audit, s.logger, shared.AuditLog{
		ActorID:  actorID,
		Action:   shared.AuditStaffRoleChanged,
		Entity:   "staff_role",
		EntityID: fmt.Sprint(role.ID),
		Meta:     map[string]any{"op": op, "company_id": role.CompanyID, "capabilities": role.Capabilities},
	})
}

func build(companyID int64, in Input) (StaffRole, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return StaffRole{}, ErrNameRequired
	}
	caps, err := access.ParseCapabilities(in.Capabilities)
	if err != nil {
		return StaffRole{}, err
	}
	set := access.NewSet(caps...)
	if set.IsWildcard() {
		return StaffRole{}, ErrWildcard
	}
	return StaffRole{
		CompanyID:    companyID,
		Name:         name,
		Description:  strings.TrimSpace(in.Description),
		Capabilities: []access.Capability(set),
	}, nil
}
