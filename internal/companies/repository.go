package companies

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cagiotech/cagiotech/internal/platform/db"
)

// Repository reads companies.
type Repository interface {
	Get(ctx context.Context, id int64) (Company, error)
	OwnedBy(ctx context.Context, userID int64) ([]Company, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL company repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const companyColumns = `id, name, slug, email, phone, nif, address, status, trial_ends_at, subscription_ends_at, COALESCE(owner_user_id, 0), created_at, updated_at`

func scanCompany(row pgx.Row) (Company, error) {
	var (
		c      Company
		status string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Slug, &c.Email, &c.Phone, &c.NIF, &c.Address, &status,
		&c.TrialEndsAt, &c.SubscriptionEndsAt, &c.OwnerUserID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Company{}, err
	}
	c.Status = Status(status)
	return c, nil
}

func (r *repository) Get(ctx context.Context, id int64) (Company, error) {
	c, err := scanCompany(r.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Company{}, ErrNotFound
	}
	return c, err
}

// OwnedBy lists companies where the user holds a box_owner assignment.
func (r *repository) OwnedBy(ctx context.Context, userID int64) ([]Company, error) {
	return ownedBy(ctx, r.pool, userID)
}

func ownedBy(ctx context.Context, q db.DBTX, userID int64) ([]Company, error) {
	rows, err := q.Query(ctx, `
SELECT `+companyColumns+` FROM companies
WHERE id IN (SELECT company_id FROM user_roles WHERE user_id = $1 AND role_kind = 'box_owner')
ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OwnedByTx is OwnedBy inside a transaction.
func OwnedByTx(ctx context.Context, q db.DBTX, userID int64) ([]Company, error) {
	return ownedBy(ctx, q, userID)
}

// Insert creates the company. A slug collision is resolved by appending a
// numeric suffix. q must be a transaction.
func Insert(ctx context.Context, q db.DBTX, c Company) (Company, error) {
	base := c.Slug
	if base == "" {
		base = Slugify(c.Name)
	}
	var owner *int64
	if c.OwnerUserID != 0 {
		owner = &c.OwnerUserID
	}
	for attempt := 0; attempt < 20; attempt++ {
		c.Slug = base
		if attempt > 0 {
			c.Slug = fmt.Sprintf("%s-%d", base, attempt+1)
		}
		if _, err := q.Exec(ctx, `SAVEPOINT company_slug`); err != nil {
			return Company{}, err
		}
		row := q.QueryRow(ctx, `
INSERT INTO companies (name, slug, email, phone, nif, address, status, trial_ends_at, subscription_ends_at, owner_user_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+companyColumns,
			c.Name, c.Slug, c.Email, c.Phone, c.NIF, c.Address, string(c.Status), c.TrialEndsAt, c.SubscriptionEndsAt, owner)
		created, err := scanCompany(row)
		if err == nil {
			_, _ = q.Exec(ctx, `RELEASE SAVEPOINT company_slug`)
			return created, nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23505" || pgErr.ConstraintName != "companies_slug_key" {
			return Company{}, err
		}
		if _, err := q.Exec(ctx, `ROLLBACK TO SAVEPOINT company_slug`); err != nil {
			return Company{}, err
		}
	}
	return Company{}, fmt.Errorf("companies: no free slug for %q", base)
}
