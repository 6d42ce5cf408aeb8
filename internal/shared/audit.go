package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Audit actions recorded by the identity and provisioning flows.
const (
	AuditProfileSwitched      = "profile.switched"
	AuditRegistrationApproved = "registration.approved"
	AuditAthleteProvisioned   = "athlete.provisioned"
	AuditStaffProvisioned     = "staff.provisioned"
	AuditCompanyProvisioned   = "company.provisioned"
	AuditStaffRoleChanged     = "staff_role.changed"
	AuditAssignmentGranted    = "assignment.granted"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log AuditLog) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db execer
}

// NewAuditLogger returns a new AuditLogger. Both a pool and a transaction
// satisfy db.
func NewAuditLogger(db execer) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

// RecordAudit writes an entry and logs instead of failing the caller.
func RecordAudit(ctx context.Context, recorder AuditRecorder, logger *slog.Logger, log AuditLog) {
	if recorder == nil {
		return
	}
	if ip := ClientIPFromContext(ctx); ip != "" {
		meta := make(map[string]any, len(log.Meta)+1)
		for k, v := range log.Meta {
			meta[k] = v
		}
		if _, ok := meta["ip"]; !ok {
			meta["ip"] = ip
		}
		log.Meta = meta
	}
	if err := recorder.Record(ctx, log); err != nil && logger != nil {
		logger.Warn("audit record", slog.String("action", log.Action), slog.Any("error", err))
	}
}
