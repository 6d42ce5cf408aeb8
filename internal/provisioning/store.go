package provisioning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cagiotech/cagiotech/internal/access"
	"github.com/cagiotech/cagiotech/internal/companies"
	"github.com/cagiotech/cagiotech/internal/platform/db"
)

// Store persists provisioning records. Each method is atomic.
type Store interface {
	// CreateAthlete upserts the athlete row and its student assignment.
	CreateAthlete(ctx context.Context, a Athlete, approved bool) (Athlete, error)
	// CreateStaff upserts the staff row and its approved assignment.
	CreateStaff(ctx context.Context, s Staff) (Staff, error)
	// HasAthlete reports whether the user already has an athlete row in the company.
	HasAthlete(ctx context.Context, companyID, userID int64) (bool, error)
	// ApproveAthlete activates a pending athlete and approves the assignment.
	ApproveAthlete(ctx context.Context, companyID, athleteID int64) (Athlete, error)
	// ProvisionOwner returns the company owned by c.OwnerUserID, creating c
	// when there is none, and grants the owner assignment. The flag reports
	// whether the company was created.
	ProvisionOwner(ctx context.Context, c companies.Company) (companies.Company, bool, error)
	// SaveVerificationCode replaces any pending code for the email.
	SaveVerificationCode(ctx context.Context, email, code string, expiresAt time.Time) error
	// ConsumeVerificationCode marks a matching live code as used, or returns
	// ErrInvalidCode.
	ConsumeVerificationCode(ctx context.Context, email, code string, now time.Time) error
	PurgeVerificationCodes(ctx context.Context, before time.Time) (int64, error)
	// AdminEmails lists the addresses notified about pending registrations.
	AdminEmails(ctx context.Context, companyID int64) ([]string, error)
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore constructs the PostgreSQL store.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) CreateAthlete(ctx context.Context, a Athlete, approved bool) (Athlete, error) {
	a.Status = AthletePending
	if approved {
		a.Status = AthleteActive
	}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO athletes (user_id, company_id, name, email, phone, birth_date, nif, address, medical_notes, status)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)
ON CONFLICT (user_id, company_id) DO UPDATE SET
	name = EXCLUDED.name,
	phone = EXCLUDED.phone,
	birth_date = EXCLUDED.birth_date,
	nif = COALESCE(EXCLUDED.nif, athletes.nif),
	address = COALESCE(EXCLUDED.address, athletes.address),
	medical_notes = COALESCE(EXCLUDED.medical_notes, athletes.medical_notes),
	status = CASE WHEN EXCLUDED.status = 'active' THEN 'active' ELSE athletes.status END,
	updated_at = NOW()
RETURNING id, status, created_at`,
			a.UserID, a.CompanyID, a.Name, a.Email, a.Phone, a.BirthDate, a.NIF, a.Address, a.MedicalNotes, a.Status,
		).Scan(&a.ID, &a.Status, &a.CreatedAt)
		if err != nil {
			return err
		}
		return grant(ctx, tx, access.Assignment{UserID: a.UserID, Kind: access.RoleKindStudent, CompanyID: a.CompanyID, Approved: approved})
	})
	if err != nil {
		return Athlete{}, err
	}
	return a, nil
}

func (s *pgStore) CreateStaff(ctx context.Context, st Staff) (Staff, error) {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if st.StaffRoleID != nil {
			var ok bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM staff_roles WHERE id = $1 AND company_id = $2)`,
				*st.StaffRoleID, st.CompanyID).Scan(&ok); err != nil {
				return err
			}
			if !ok {
				return ErrInvalidStaffRole
			}
		}
		err := tx.QueryRow(ctx, `
INSERT INTO staff (user_id, company_id, staff_role_id, name, email, phone, birth_date, nif, address, position)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)
ON CONFLICT (user_id, company_id) DO UPDATE SET
	staff_role_id = EXCLUDED.staff_role_id,
	name = EXCLUDED.name,
	phone = EXCLUDED.phone,
	birth_date = COALESCE(EXCLUDED.birth_date, staff.birth_date),
	nif = COALESCE(EXCLUDED.nif, staff.nif),
	address = COALESCE(EXCLUDED.address, staff.address),
	position = EXCLUDED.position,
	updated_at = NOW()
RETURNING id, created_at`,
			st.UserID, st.CompanyID, st.StaffRoleID, st.Name, st.Email, st.Phone, st.BirthDate, st.NIF, st.Address, st.Position,
		).Scan(&st.ID, &st.CreatedAt)
		if err != nil {
			return err
		}
		return grant(ctx, tx, access.Assignment{UserID: st.UserID, Kind: st.Kind, CompanyID: st.CompanyID, Approved: true})
	})
	if err != nil {
		return Staff{}, err
	}
	return st, nil
}

func (s *pgStore) HasAthlete(ctx context.Context, companyID, userID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM athletes WHERE company_id = $1 AND user_id = $2)`, companyID, userID).Scan(&exists)
	return exists, err
}

func (s *pgStore) ApproveAthlete(ctx context.Context, companyID, athleteID int64) (Athlete, error) {
	var a Athlete
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
UPDATE athletes SET status = 'active', approved_at = NOW(), updated_at = NOW()
WHERE id = $1 AND company_id = $2 AND status = 'pending'
RETURNING id, user_id, company_id, name, email, status, created_at`, athleteID, companyID).
			Scan(&a.ID, &a.UserID, &a.CompanyID, &a.Name, &a.Email, &a.Status, &a.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return grant(ctx, tx, access.Assignment{UserID: a.UserID, Kind: access.RoleKindStudent, CompanyID: a.CompanyID, Approved: true})
	})
	if err != nil {
		return Athlete{}, err
	}
	return a, nil
}

func (s *pgStore) ProvisionOwner(ctx context.Context, c companies.Company) (companies.Company, bool, error) {
	var (
		company companies.Company
		created bool
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		owned, err := companies.OwnedByTx(ctx, tx, c.OwnerUserID)
		if err != nil {
			return err
		}
		if len(owned) > 0 {
			company = owned[0]
		} else {
			company, err = companies.Insert(ctx, tx, c)
			if err != nil {
				return err
			}
			created = true
		}
		return grant(ctx, tx, access.Assignment{UserID: c.OwnerUserID, Kind: access.RoleKindCompanyOwner, CompanyID: company.ID, Approved: true})
	})
	if err != nil {
		return companies.Company{}, false, err
	}
	return company, created, nil
}

func (s *pgStore) SaveVerificationCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	email = normalizeEmail(email)
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM verification_codes WHERE email = $1 AND consumed_at IS NULL`, email); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO verification_codes (email, code_hash, expires_at) VALUES ($1, $2, $3)`,
			email, hashCode(email, code), expiresAt.UTC())
		return err
	})
}

func (s *pgStore) ConsumeVerificationCode(ctx context.Context, email, code string, now time.Time) error {
	email = normalizeEmail(email)
	var id int64
	err := s.pool.QueryRow(ctx, `
UPDATE verification_codes SET consumed_at = $3
WHERE id = (
	SELECT id FROM verification_codes
	WHERE email = $1 AND code_hash = $2 AND consumed_at IS NULL AND expires_at > $3
	ORDER BY created_at DESC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id`, email, hashCode(email, code), now.UTC()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInvalidCode
	}
	return err
}

func (s *pgStore) PurgeVerificationCodes(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM verification_codes WHERE expires_at < $1 OR consumed_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) AdminEmails(ctx context.Context, companyID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT u.email FROM user_roles ur
JOIN users u ON u.id = ur.user_id
WHERE ur.company_id = $1 AND ur.role_kind = 'box_owner' AND u.is_active
UNION
SELECT c.email FROM companies c WHERE c.id = $1 AND c.email <> ''`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

// grant inserts the assignment and approves an existing unapproved one when
// the caller asks for approval.
func grant(ctx context.Context, q db.DBTX, a access.Assignment) error {
	existing, err := access.InsertAssignment(ctx, q, a)
	if err != nil {
		return err
	}
	if a.Approved && !existing.Approved {
		return access.ApproveAssignment(ctx, q, a.UserID, a.Kind, a.CompanyID)
	}
	return nil
}

func hashCode(email, code string) string {
	sum := sha256.Sum256([]byte(email + ":" + code))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
