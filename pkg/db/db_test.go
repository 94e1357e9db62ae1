package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRebind(t *testing.T) {
	t.Parallel()
	pg := &DB{Dialect: Postgres}
	assert.Equal(t, "SELECT a FROM t WHERE x=$1 AND y=$2", pg.Rebind("SELECT a FROM t WHERE x=? AND y=?"))

	lite := &DB{Dialect: SQLite}
	assert.Equal(t, "SELECT 1 WHERE x=?", lite.Rebind("SELECT 1 WHERE x=?"))
}

func TestRedactDSN(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "postgres://***@db:5432/gh", redactDSN("postgres://u:secret@db:5432/gh"))
	assert.Equal(t, "host=db", redactDSN("host=db"))
}

func TestWithTxRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "nested", "t.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	_, err = d.ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, d.Rebind(`INSERT INTO kv (k, v) VALUES (?, ?)`), "a", "1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, d.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, d.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "1")
		return err
	}))
	require.NoError(t, d.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 1, n)
}
