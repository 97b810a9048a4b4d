package nullifier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zkgate/pkg/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nullifiers (
	token       BLOB PRIMARY KEY,
	consumed_at INTEGER NOT NULL,
	expires_at  INTEGER
);
CREATE INDEX IF NOT EXISTS nullifiers_expires_at_idx ON nullifiers (expires_at);
`

const sqliteConsume = `
	INSERT INTO nullifiers (token, consumed_at, expires_at)
	VALUES (?, ?, ?)
	ON CONFLICT (token) DO UPDATE SET
		consumed_at = excluded.consumed_at,
		expires_at = excluded.expires_at
	WHERE nullifiers.expires_at IS NOT NULL AND nullifiers.expires_at <= excluded.consumed_at
	RETURNING token
`

// SQLiteStore persists consumed tokens in a local SQLite file. Timestamps are
// stored as unix nanoseconds.
type SQLiteStore struct {
	db    *sql.DB
	clock Clock
}

type SQLiteOption func(*SQLiteStore)

func WithSQLiteClock(clock Clock) SQLiteOption {
	return func(s *SQLiteStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewSQLite creates the schema if needed. db should come from sqlite.Open.
func NewSQLite(ctx context.Context, db *sql.DB, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create nullifiers schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Consume(ctx context.Context, token domain.Nullifier, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	now := s.clock()
	var returned []byte
	var expiresAt sql.NullInt64
	if exp := expiry(now, ttl); !exp.IsZero() {
		expiresAt = sql.NullInt64{Int64: exp.UnixNano(), Valid: true}
	}
	err := s.db.QueryRowContext(ctx, sqliteConsume, token[:], now.UnixNano(), expiresAt).Scan(&returned)
	if errors.Is(err, sql.ErrNoRows) {
		return alreadyUsed(token)
	}
	if err != nil {
		return fmt.Errorf("consume nullifier: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nullifiers WHERE expires_at <= ?`, s.clock().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired nullifiers: %w", err)
	}
	return res.RowsAffected()
}
