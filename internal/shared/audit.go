package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// AuditLog is one row of the audit trail: who changed which entity and how.
type AuditLog struct {
	ActorID  string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Execer is the part of pgxpool.Pool the audit logger needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ErrIncompleteAuditLog rejects entries without action, entity or id.
var ErrIncompleteAuditLog = errors.New("audit: action, entity and entity_id are required")

// AuditLogger appends entries to audit_logs.
type AuditLogger struct {
	db  Execer
	now func() time.Time
}

// NewAuditLogger returns an AuditLogger backed by db.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Record persists the entry. A missing actor is taken from ctx, so callers
// inside a request never have to thread the actor by hand.
func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit: logger not initialised")
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return ErrIncompleteAuditLog
	}
	if entry.ActorID == "" {
		entry.ActorID = ActorFromContext(ctx).ID
	}
	if entry.At.IsZero() {
		entry.At = l.now()
	}
	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ActorID, entry.Action, entry.Entity, entry.EntityID, meta, entry.At)
	return err
}
