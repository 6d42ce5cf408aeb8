package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/auth"
	"github.com/cagiotech/cagiotech/internal/platform/db"
)

// Users finds accounts by email.
type Users interface {
	FindByEmail(ctx context.Context, email string) (*auth.User, error)
}

// Assignments writes role assignments.
type Assignments interface {
	Grant(ctx context.Context, a access.Assignment) (access.Assignment, error)
	Approve(ctx context.Context, userID int64, kind access.RoleKind, companyID int64) error
}

// Publisher announces profile changes to running servers.
type Publisher interface {
	Publish(ctx context.Context, evt auth.Event) error
}

// AdminCLI grants and approves role assignments from the command line.
type AdminCLI struct {
	users       Users
	assignments Assignments
	publisher   Publisher
	warnings    io.Writer
}

// NewAdminCLI constructs the helper. publisher may be nil.
func NewAdminCLI(users Users, assignments Assignments, publisher Publisher) *AdminCLI {
	return &AdminCLI{users: users, assignments: assignments, publisher: publisher, warnings: io.Discard}
}

// SetWarnings directs non-fatal problems, such as a failed change
// notification, to w.
func (c *AdminCLI) SetWarnings(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	c.warnings = w
}

// AssignOptions describe a grant.
type AssignOptions struct {
	Email     string
	Kind      string
	CompanyID int64
	Approved  bool
}

// Assign grants the role assignment to the account owning the email. An
// existing assignment is returned unchanged unless approval is requested.
func (c *AdminCLI) Assign(ctx context.Context, opts AssignOptions) (access.Assignment, error) {
	user, kind, err := c.resolve(ctx, opts.Email, opts.Kind, opts.CompanyID)
	if err != nil {
		return access.Assignment{}, err
	}
	a, err := c.assignments.Grant(ctx, access.Assignment{UserID: user.ID, Kind: kind, CompanyID: opts.CompanyID, Approved: opts.Approved})
	if err != nil {
		return access.Assignment{}, err
	}
	c.notify(ctx, user.ID)
	return a, nil
}

// Approve flags an existing assignment as approved.
func (c *AdminCLI) Approve(ctx context.Context, email, rawKind string, companyID int64) error {
	user, kind, err := c.resolve(ctx, email, rawKind, companyID)
	if err != nil {
		return err
	}
	if err := c.assignments.Approve(ctx, user.ID, kind, companyID); err != nil {
		return err
	}
	c.notify(ctx, user.ID)
	return nil
}

func (c *AdminCLI) resolve(ctx context.Context, email, rawKind string, companyID int64) (*auth.User, access.RoleKind, error) {
	kind, err := access.ParseRoleKind(rawKind)
	if err != nil {
		return nil, "", err
	}
	if kind.CompanyScoped() && companyID <= 0 {
		return nil, "", fmt.Errorf("role %s requires --company", kind)
	}
	if !kind.CompanyScoped() && companyID != 0 {
		return nil, "", fmt.Errorf("role %s is not company scoped", kind)
	}
	user, err := c.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil, "", fmt.Errorf("no account for %s", email)
		}
		return nil, "", err
	}
	return user, kind, nil
}

func (c *AdminCLI) notify(ctx context.Context, userID int64) {
	if c.publisher == nil {
		return
	}
	// Servers that miss the event pick the change up on the next resolution.
	if err := c.publisher.Publish(ctx, auth.Event{Kind: auth.EventProfileUpdated, UserID: userID}); err != nil {
		fmt.Fprintf(c.warnings, "warning: notify running servers: %v\n", err)
	}
}

// PGAssignments implements Assignments on PostgreSQL.
type PGAssignments struct {
	pool *pgxpool.Pool
}

// NewPGAssignments constructs the PostgreSQL writer.
func NewPGAssignments(pool *pgxpool.Pool) *PGAssignments {
	return &PGAssignments{pool: pool}
}

// Grant inserts the assignment, approving an existing one when asked.
func (s *PGAssignments) Grant(ctx context.Context, a access.Assignment) (access.Assignment, error) {
	var out access.Assignment
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		existing, err := access.InsertAssignment(ctx, tx, a)
		if err != nil {
			return err
		}
		if a.Approved && !existing.Approved {
			if err := access.ApproveAssignment(ctx, tx, a.UserID, a.Kind, a.CompanyID); err != nil {
				return err
			}
			existing.Approved = true
		}
		out = existing
		return nil
	})
	return out, err
}

// Approve flags the assignment as approved.
func (s *PGAssignments) Approve(ctx context.Context, userID int64, kind access.RoleKind, companyID int64) error {
	return access.ApproveAssignment(ctx, s.pool, userID, kind, companyID)
}
