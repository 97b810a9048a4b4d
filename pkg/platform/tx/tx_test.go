package tx

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE items (name TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db := openDB(t)
		err := Run(ctx, db, func(q Querier) error {
			_, err := q.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count(t, db))
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db := openDB(t)
		boom := errors.New("boom")
		err := Run(ctx, db, func(q Querier) error {
			if _, err := q.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 0, count(t, db))
	})

	t.Run("joins the ambient transaction", func(t *testing.T) {
		db := openDB(t)
		outer, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		inner := WithTx(ctx, outer)

		require.NoError(t, Run(inner, db, func(q Querier) error {
			assert.Same(t, outer, q)
			_, err := q.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`)
			return err
		}))
		require.NoError(t, outer.Rollback())
		assert.Equal(t, 0, count(t, db))
	})
}

func TestConn(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	assert.Same(t, db, Conn(ctx, db))
	assert.Equal(t, ctx, WithTx(ctx, nil))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	assert.Same(t, tx, Conn(WithTx(ctx, tx), db))
}
