package staffroles

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/platform/db"
)

// Repository persists staff roles.
type Repository interface {
	List(ctx context.Context, companyID int64) ([]StaffRole, error)
	Get(ctx context.Context, companyID, id int64) (StaffRole, error)
	Create(ctx context.Context, role StaffRole) (StaffRole, error)
	Update(ctx context.Context, role StaffRole) (StaffRole, error)
	Delete(ctx context.Context, companyID, id int64) error
	Holders(ctx context.Context, id int64) ([]int64, error)
}

type pgRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository constructs a PostgreSQL staff role repository.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &pgRepository{pool: pool, logger: logger}
}

func (r *pgRepository) List(ctx context.Context, companyID int64) ([]StaffRole, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, company_id, name, description, created_at, updated_at
FROM staff_roles WHERE company_id = $1 ORDER BY name, id`, companyID)
	if err != nil {
		return nil, err
	}
	var roles []StaffRole
	for rows.Next() {
		var role StaffRole
		if err := rows.Scan(&role.ID, &role.CompanyID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		roles = append(roles, role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		caps, err := r.capabilities(ctx, r.pool, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Capabilities = caps
	}
	return roles, nil
}

func (r *pgRepository) Get(ctx context.Context, companyID, id int64) (StaffRole, error) {
	var role StaffRole
	err := r.pool.QueryRow(ctx, `
SELECT id, company_id, name, description, created_at, updated_at
FROM staff_roles WHERE company_id = $1 AND id = $2`, companyID, id).
		Scan(&role.ID, &role.CompanyID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StaffRole{}, ErrNotFound
		}
		return StaffRole{}, err
	}
	role.Capabilities, err = r.capabilities(ctx, r.pool, role.ID)
	return role, err
}

func (r *pgRepository) Create(ctx context.Context, role StaffRole) (StaffRole, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO staff_roles (company_id, name, description) VALUES ($1, $2, $3)
RETURNING id, created_at, updated_at`, role.CompanyID, role.Name, role.Description).
			Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt)
		if err != nil {
			return err
		}
		return replaceCapabilities(ctx, tx, role.ID, role.Capabilities)
	})
	if err != nil {
		return StaffRole{}, err
	}
	return role, nil
}

func (r *pgRepository) Update(ctx context.Context, role StaffRole) (StaffRole, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
UPDATE staff_roles SET name = $3, description = $4, updated_at = NOW()
WHERE company_id = $1 AND id = $2
RETURNING created_at, updated_at`, role.CompanyID, role.ID, role.Name, role.Description).
			Scan(&role.CreatedAt, &role.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return replaceCapabilities(ctx, tx, role.ID, role.Capabilities)
	})
	if err != nil {
		return StaffRole{}, err
	}
	return role, nil
}

func (r *pgRepository) Delete(ctx context.Context, companyID, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE staff SET staff_role_id = NULL WHERE staff_role_id = $1 AND company_id = $2`, id, companyID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM staff_roles WHERE company_id = $1 AND id = $2`, companyID, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Holders lists the users whose staff record points at the role.
func (r *pgRepository) Holders(ctx context.Context, id int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM staff WHERE staff_role_id = $1 AND user_id IS NOT NULL ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *pgRepository) capabilities(ctx context.Context, q db.DBTX, roleID int64) ([]access.Capability, error) {
	rows, err := q.Query(ctx, `SELECT capability FROM staff_role_permissions WHERE staff_role_id = $1 ORDER BY capability`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	caps := []access.Capability{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		c, err := access.ParseCapability(raw)
		if err != nil {
			r.logger.Warn("skip staff capability", slog.Int64("staff_role_id", roleID), slog.Any("error", err))
			continue
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func replaceCapabilities(ctx context.Context, tx pgx.Tx, roleID int64, caps []access.Capability) error {
	if _, err := tx.Exec(ctx, `DELETE FROM staff_role_permissions WHERE staff_role_id = $1`, roleID); err != nil {
		return err
	}
	if len(caps) == 0 {
		return nil
	}
	tokens := make([]string, len(caps))
	for i, c := range caps {
		tokens[i] = string(c)
	}
	_, err := tx.Exec(ctx, `
INSERT INTO staff_role_permissions (staff_role_id, capability)
SELECT $1, UNNEST($2::text[])`, roleID, tokens)
	return err
}
