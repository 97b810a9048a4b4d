package nullifier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zkgate/pkg/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS nullifiers (
	token       BYTEA PRIMARY KEY,
	consumed_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS nullifiers_expires_at_idx ON nullifiers (expires_at);
`

// The conflict branch only fires for an expired row, so RETURNING yields no
// row exactly when the token is still live. A NULL expires_at never expires.
const postgresConsume = `
	INSERT INTO nullifiers (token, consumed_at, expires_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (token) DO UPDATE SET
		consumed_at = EXCLUDED.consumed_at,
		expires_at = EXCLUDED.expires_at
	WHERE nullifiers.expires_at IS NOT NULL AND nullifiers.expires_at <= EXCLUDED.consumed_at
	RETURNING token
`

// PostgresStore persists consumed tokens in PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	clock Clock
}

type PostgresOption func(*PostgresStore)

func WithPostgresClock(clock Clock) PostgresOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewPostgres(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create nullifiers schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Consume(ctx context.Context, token domain.Nullifier, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	now := s.clock().UTC()
	var returned []byte
	var expiresAt sql.NullTime
	if exp := expiry(now, ttl); !exp.IsZero() {
		expiresAt = sql.NullTime{Time: exp, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, postgresConsume, token[:], now, expiresAt).Scan(&returned)
	if errors.Is(err, sql.ErrNoRows) {
		return alreadyUsed(token)
	}
	if err != nil {
		return fmt.Errorf("consume nullifier: %w", err)
	}
	return nil
}

// DeleteExpired removes rows whose TTL has elapsed.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nullifiers WHERE expires_at <= $1`, s.clock().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired nullifiers: %w", err)
	}
	return res.RowsAffected()
}
