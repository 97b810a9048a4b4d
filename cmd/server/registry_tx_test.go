package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkgate/internal/platform/sqlite"
	dErrors "zkgate/pkg/domain-errors"
	txcontext "zkgate/pkg/platform/tx"
)

func TestRegistryTx(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE events (name TEXT NOT NULL)`)
	require.NoError(t, err)

	runner := newRegistryPostgresTx(db)
	insert := func(ctx context.Context, name string) error {
		tx, ok := txcontext.From(ctx)
		require.True(t, ok, "context carries the transaction")
		_, err := tx.ExecContext(ctx, `INSERT INTO events (name) VALUES (?)`, name)
		return err
	}
	count := func() int {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
		return n
	}

	t.Run("commits on success", func(t *testing.T) {
		require.NoError(t, runner.RunInTx(ctx, func(ctx context.Context) error {
			return insert(ctx, "registered")
		}))
		assert.Equal(t, 1, count())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		boom := errors.New("audit write failed")
		err := runner.RunInTx(ctx, func(ctx context.Context) error {
			require.NoError(t, insert(ctx, "superseded"))
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, count())
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := runner.RunInTx(cancelled, func(context.Context) error {
			t.Fatal("fn must not run")
			return nil
		})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	})
}
