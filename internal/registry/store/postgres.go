package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"zkgate/internal/platform/postgres"
	"zkgate/internal/registry/models"
	"zkgate/pkg/domain"
	"zkgate/pkg/platform/sentinel"
	txcontext "zkgate/pkg/platform/tx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS deployments (
	id                BIGSERIAL PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	program_identity  TEXT NOT NULL,
	artifact_location TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	superseded_at     TIMESTAMPTZ,
	use_case          TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	version           TEXT NOT NULL DEFAULT '',
	job_id            TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS deployments_current_tenant
	ON deployments (tenant_id) WHERE superseded_at IS NULL;
CREATE INDEX IF NOT EXISTS deployments_identity ON deployments (program_identity);
`

const deploymentColumns = `tenant_id, program_identity, artifact_location, created_at, superseded_at,
	use_case, description, version, job_id`

// PostgresStore persists deployments in PostgreSQL. At most one row per tenant
// has superseded_at IS NULL, enforced by a partial unique index.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create deployments schema: %w", err)
	}
	return nil
}

func insertPostgres(ctx context.Context, q txcontext.Querier, d *models.Deployment) error {
	query := `
		INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8)
	`
	_, err := q.ExecContext(ctx, query,
		d.TenantID.String(),
		d.ProgramIdentity.String(),
		d.ArtifactLocation,
		d.CreatedAt,
		d.Metadata.UseCase,
		d.Metadata.Description,
		d.Metadata.Version,
		d.Metadata.JobID,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("tenant %s: %w", d.TenantID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, d *models.Deployment) error {
	return insertPostgres(ctx, txcontext.Conn(ctx, s.db), d)
}

func (s *PostgresStore) FindByTenant(ctx context.Context, tenant domain.TenantID) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE tenant_id = $1 AND superseded_at IS NULL`
	d, err := scanPostgres(txcontext.Conn(ctx, s.db).QueryRowContext(ctx, query, tenant.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find deployment by tenant: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) FindByIdentity(ctx context.Context, identity domain.ProgramIdentity) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE program_identity = $1
		ORDER BY (superseded_at IS NULL) DESC, COALESCE(superseded_at, created_at) DESC
		LIMIT 1`
	d, err := scanPostgres(txcontext.Conn(ctx, s.db).QueryRowContext(ctx, query, identity.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find deployment by identity: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) Supersede(ctx context.Context, next *models.Deployment) (*models.Deployment, error) {
	var prev *models.Deployment
	err := txcontext.Run(ctx, s.db, func(q txcontext.Querier) error {
		query := `UPDATE deployments SET superseded_at = $2
			WHERE tenant_id = $1 AND superseded_at IS NULL
			RETURNING ` + deploymentColumns
		var err error
		prev, err = scanPostgres(q.QueryRowContext(ctx, query, next.TenantID.String(), next.CreatedAt))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("supersede deployment: %w", err)
		}
		return insertPostgres(ctx, q, next)
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *PostgresStore) History(ctx context.Context, tenant domain.TenantID) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE tenant_id = $1 AND superseded_at IS NOT NULL
		ORDER BY superseded_at DESC`
	return s.list(ctx, query, tenant.String())
}

func (s *PostgresStore) DeleteHistory(ctx context.Context, tenant domain.TenantID, identity domain.ProgramIdentity) error {
	_, err := txcontext.Conn(ctx, s.db).ExecContext(ctx, `DELETE FROM deployments
		WHERE tenant_id = $1 AND program_identity = $2 AND superseded_at IS NOT NULL`,
		tenant.String(), identity.String())
	if err != nil {
		return fmt.Errorf("delete deployment history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, tenant domain.TenantID) ([]*models.Deployment, error) {
	query := `DELETE FROM deployments WHERE tenant_id = $1
		RETURNING ` + deploymentColumns
	removed, err := s.list(ctx, query, tenant.String())
	if err != nil {
		return nil, fmt.Errorf("delete deployments: %w", err)
	}
	return currentFirst(removed)
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE superseded_at IS NULL ORDER BY tenant_id`
	return s.list(ctx, query)
}

func (s *PostgresStore) ListByTenants(ctx context.Context, tenants []domain.TenantID) ([]*models.Deployment, error) {
	ids := make([]string, len(tenants))
	for i, t := range tenants {
		ids[i] = t.String()
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE superseded_at IS NULL AND tenant_id = ANY($1) ORDER BY tenant_id`
	return s.list(ctx, query, pq.Array(ids))
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Deployment, error) {
	rows, err := txcontext.Conn(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	var out []*models.Deployment
	for rows.Next() {
		d, err := scanPostgres(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgres(row rowScanner) (*models.Deployment, error) {
	var (
		tenant, identity string
		d                models.Deployment
		superseded       sql.NullTime
	)
	err := row.Scan(&tenant, &identity, &d.ArtifactLocation, &d.CreatedAt, &superseded,
		&d.Metadata.UseCase, &d.Metadata.Description, &d.Metadata.Version, &d.Metadata.JobID)
	if err != nil {
		return nil, err
	}
	if superseded.Valid {
		t := superseded.Time.UTC()
		d.SupersededAt = &t
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return finishScan(&d, tenant, identity)
}

func finishScan(d *models.Deployment, tenant, identity string) (*models.Deployment, error) {
	d.TenantID = domain.TenantID(tenant)
	id, err := domain.ParseProgramIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("stored program identity: %w", err)
	}
	d.ProgramIdentity = id
	return d, nil
}

// currentFirst orders removed rows with the current deployment first and
// reports ErrNotFound when the tenant had no current deployment.
func currentFirst(removed []*models.Deployment) ([]*models.Deployment, error) {
	for i, d := range removed {
		if d.IsCurrent() {
			removed[0], removed[i] = removed[i], removed[0]
			return removed, nil
		}
	}
	if len(removed) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return removed, nil
}
