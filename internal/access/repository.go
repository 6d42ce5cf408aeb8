package access

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cagiotech/cagiotech/internal/platform/db"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX = db.DBTX

// Repository is the role store consumed by the resolver.
type Repository interface {
	ListAssignments(ctx context.Context, userID int64) ([]Assignment, error)
	StaffCapabilities(ctx context.Context, userID, companyID int64) ([]Capability, error)
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository constructs a PostgreSQL role store.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *PGRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGRepository{pool: pool, logger: logger}
}

const listAssignmentsSQL = `
SELECT ur.id, ur.user_id, ur.role_kind, COALESCE(ur.company_id, 0), ur.is_approved, ur.created_at,
       c.id, c.name, c.slug
FROM user_roles ur
LEFT JOIN companies c ON c.id = ur.company_id
WHERE ur.user_id = $1
ORDER BY ur.created_at, ur.id`

// ListAssignments returns every role assignment held by the user, oldest
// first. Rows with an unknown role kind are skipped.
func (r *PGRepository) ListAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, listAssignmentsSQL, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var (
			a           Assignment
			rawKind     string
			companyID   *int64
			companyName *string
			companySlug *string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &rawKind, &a.CompanyID, &a.Approved, &a.CreatedAt, &companyID, &companyName, &companySlug); err != nil {
			return nil, err
		}
		kind, err := ParseRoleKind(rawKind)
		if err != nil {
			r.logger.Warn("skip role assignment", slog.Int64("assignment_id", a.ID), slog.Any("error", err))
			continue
		}
		a.Kind = kind
		if companyID != nil {
			a.Company = &CompanyRef{ID: *companyID, Name: deref(companyName), Slug: deref(companySlug)}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const staffCapabilitiesSQL = `
SELECT s.staff_role_id, p.capability
FROM staff s
LEFT JOIN staff_role_permissions p ON p.staff_role_id = s.staff_role_id
WHERE s.user_id = $1 AND s.company_id = $2
ORDER BY p.capability`

// StaffCapabilities returns the capabilities bundled in the staff member's
// staff role. ErrNotFound is returned when there is no staff record or no
// staff role assigned to it.
func (r *PGRepository) StaffCapabilities(ctx context.Context, userID, companyID int64) ([]Capability, error) {
	rows, err := r.pool.Query(ctx, staffCapabilitiesSQL, userID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := false
	var caps []Capability
	for rows.Next() {
		var (
			roleID *int64
			token  *string
		)
		if err := rows.Scan(&roleID, &token); err != nil {
			return nil, err
		}
		if roleID == nil {
			continue
		}
		found = true
		if token == nil {
			continue
		}
		c, err := ParseCapability(*token)
		if err != nil {
			r.logger.Warn("skip staff capability", slog.Int64("staff_role_id", *roleID), slog.Any("error", err))
			continue
		}
		caps = append(caps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return caps, nil
}

// InsertAssignment creates a role assignment, returning the existing one
// when the (user, kind, company) tuple is already present.
func InsertAssignment(ctx context.Context, q DBTX, a Assignment) (Assignment, error) {
	var companyID *int64
	if a.CompanyID != 0 {
		companyID = &a.CompanyID
	}
	const insertSQL = `
INSERT INTO user_roles (user_id, role_kind, company_id, is_approved)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, role_kind, company_key) DO NOTHING
RETURNING id, created_at`
	err := q.QueryRow(ctx, insertSQL, a.UserID, string(a.Kind), companyID, a.Approved).Scan(&a.ID, &a.CreatedAt)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, err
	}
	const selectSQL = `
SELECT id, is_approved, created_at FROM user_roles
WHERE user_id = $1 AND role_kind = $2 AND company_key = COALESCE($3, 0)`
	if err := q.QueryRow(ctx, selectSQL, a.UserID, string(a.Kind), companyID).Scan(&a.ID, &a.Approved, &a.CreatedAt); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

// ApproveAssignment flags the assignment as approved. It reports ErrNotFound
// when no matching assignment exists.
func ApproveAssignment(ctx context.Context, q DBTX, userID int64, kind RoleKind, companyID int64) error {
	tag, err := q.Exec(ctx, `UPDATE user_roles SET is_approved = TRUE WHERE user_id = $1 AND role_kind = $2 AND company_key = $3`, userID, string(kind), companyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Repository = (*PGRepository)(nil)
