package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"zkgate/pkg/domain"
	audit "zkgate/pkg/platform/audit"
	txcontext "zkgate/pkg/platform/tx"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id               UUID PRIMARY KEY,
	category         TEXT NOT NULL,
	timestamp        TIMESTAMPTZ NOT NULL,
	action           TEXT NOT NULL,
	tenant_id        TEXT NOT NULL DEFAULT '',
	program_identity TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	decision         TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	request_id       TEXT NOT NULL DEFAULT '',
	actor_id         TEXT NOT NULL DEFAULT '',
	client_ip        TEXT NOT NULL DEFAULT '',
	user_agent       TEXT NOT NULL DEFAULT '',
	client           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_events_tenant_ts ON audit_events (tenant_id, timestamp DESC);
`

const selectColumns = `
	SELECT category, timestamp, action, tenant_id, program_identity, subject,
		   decision, reason, request_id, actor_id, client_ip, user_agent, client
	FROM audit_events`

// Store implements audit.Store and audit.Lister on the audit_events table.
// Appends join the caller's transaction when one is carried in the context, so
// registry changes and their audit records commit together.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the audit table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Append inserts an audit event.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}

	query := `
		INSERT INTO audit_events (
			id, category, timestamp, action, tenant_id, program_identity, subject,
			decision, reason, request_id, actor_id, client_ip, user_agent, client
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := txcontext.Conn(ctx, s.db).ExecContext(ctx, query,
		uuid.New(),
		string(category),
		event.Timestamp,
		event.Action,
		event.TenantID.String(),
		event.ProgramIdentity,
		event.Subject,
		event.Decision,
		event.Reason,
		event.RequestID,
		event.ActorID,
		event.ClientIP,
		event.UserAgent,
		event.Client,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByTenant returns events for one tenant, newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID domain.TenantID) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE tenant_id = $1
		ORDER BY timestamp DESC`, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListRecent returns the N most recent events.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		ORDER BY timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event

	for rows.Next() {
		var (
			category string
			tenant   string
			event    audit.Event
		)
		err := rows.Scan(
			&category,
			&event.Timestamp,
			&event.Action,
			&tenant,
			&event.ProgramIdentity,
			&event.Subject,
			&event.Decision,
			&event.Reason,
			&event.RequestID,
			&event.ActorID,
			&event.ClientIP,
			&event.UserAgent,
			&event.Client,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		event.TenantID = domain.TenantID(tenant)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
