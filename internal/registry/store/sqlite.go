package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"zkgate/internal/registry/models"
	"zkgate/pkg/domain"
	"zkgate/pkg/platform/sentinel"
	txcontext "zkgate/pkg/platform/tx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS deployments (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id         TEXT NOT NULL,
	program_identity  TEXT NOT NULL,
	artifact_location TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	superseded_at     INTEGER,
	use_case          TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	version           TEXT NOT NULL DEFAULT '',
	job_id            TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS deployments_current_tenant
	ON deployments (tenant_id) WHERE superseded_at IS NULL;
CREATE INDEX IF NOT EXISTS deployments_identity ON deployments (program_identity);
`

// SQLiteStore persists deployments in a local SQLite file. Timestamps are
// stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite applies the schema to db, which should come from platform/sqlite.Open.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate deployments: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func insertSQLite(ctx context.Context, q txcontext.Querier, d *models.Deployment) error {
	query := `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		d.TenantID.String(),
		d.ProgramIdentity.String(),
		d.ArtifactLocation,
		d.CreatedAt.UnixNano(),
		d.Metadata.UseCase,
		d.Metadata.Description,
		d.Metadata.Version,
		d.Metadata.JobID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("tenant %s: %w", d.TenantID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, d *models.Deployment) error {
	return insertSQLite(ctx, s.db, d)
}

func (s *SQLiteStore) FindByTenant(ctx context.Context, tenant domain.TenantID) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE tenant_id = ? AND superseded_at IS NULL`
	d, err := scanSQLite(s.db.QueryRowContext(ctx, query, tenant.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find deployment by tenant: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) FindByIdentity(ctx context.Context, identity domain.ProgramIdentity) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE program_identity = ?
		ORDER BY (superseded_at IS NULL) DESC, COALESCE(superseded_at, created_at) DESC
		LIMIT 1`
	d, err := scanSQLite(s.db.QueryRowContext(ctx, query, identity.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find deployment by identity: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) Supersede(ctx context.Context, next *models.Deployment) (*models.Deployment, error) {
	var prev *models.Deployment
	err := txcontext.Run(ctx, s.db, func(q txcontext.Querier) error {
		query := `UPDATE deployments SET superseded_at = ?
			WHERE tenant_id = ? AND superseded_at IS NULL
			RETURNING ` + deploymentColumns
		var err error
		prev, err = scanSQLite(q.QueryRowContext(ctx, query, next.CreatedAt.UnixNano(), next.TenantID.String()))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("supersede deployment: %w", err)
		}
		return insertSQLite(ctx, q, next)
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *SQLiteStore) History(ctx context.Context, tenant domain.TenantID) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE tenant_id = ? AND superseded_at IS NOT NULL
		ORDER BY superseded_at DESC`
	return s.list(ctx, query, tenant.String())
}

func (s *SQLiteStore) DeleteHistory(ctx context.Context, tenant domain.TenantID, identity domain.ProgramIdentity) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deployments
		WHERE tenant_id = ? AND program_identity = ? AND superseded_at IS NOT NULL`,
		tenant.String(), identity.String())
	if err != nil {
		return fmt.Errorf("delete deployment history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tenant domain.TenantID) ([]*models.Deployment, error) {
	query := `DELETE FROM deployments WHERE tenant_id = ?
		RETURNING ` + deploymentColumns
	removed, err := s.list(ctx, query, tenant.String())
	if err != nil {
		return nil, fmt.Errorf("delete deployments: %w", err)
	}
	return currentFirst(removed)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE superseded_at IS NULL ORDER BY tenant_id`
	return s.list(ctx, query)
}

func (s *SQLiteStore) ListByTenants(ctx context.Context, tenants []domain.TenantID) ([]*models.Deployment, error) {
	if len(tenants) == 0 {
		return nil, nil
	}
	args := make([]any, len(tenants))
	for i, t := range tenants {
		args[i] = t.String()
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tenants)), ",")
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE superseded_at IS NULL AND tenant_id IN (` + placeholders + `) ORDER BY tenant_id`
	return s.list(ctx, query, args...)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*models.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	var out []*models.Deployment
	for rows.Next() {
		d, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return out, nil
}

func scanSQLite(row rowScanner) (*models.Deployment, error) {
	var (
		tenant, identity string
		created          int64
		superseded       sql.NullInt64
		d                models.Deployment
	)
	err := row.Scan(&tenant, &identity, &d.ArtifactLocation, &created, &superseded,
		&d.Metadata.UseCase, &d.Metadata.Description, &d.Metadata.Version, &d.Metadata.JobID)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = time.Unix(0, created).UTC()
	if superseded.Valid {
		t := time.Unix(0, superseded.Int64).UTC()
		d.SupersededAt = &t
	}
	return finishScan(&d, tenant, identity)
}
