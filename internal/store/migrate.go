package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"gatehouse/pkg/db"
	"gatehouse/pkg/problems"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// KeySchemaVersion is the config_store row recording the applied schema.
const KeySchemaVersion = "system.schema_version"

func provider(d *db.DB) (*goose.Provider, error) {
	sub, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return nil, err
	}
	dialect := database.DialectSQLite3
	if d.Dialect == db.Postgres {
		dialect = database.DialectPostgres
	}
	return goose.NewProvider(dialect, d.DB, sub)
}

// Migrate applies pending migrations and records the resulting version in the
// schema marker row. Every migration runs in its own transaction and uses
// IF NOT EXISTS, so an interrupted run is picked up on the next start.
func Migrate(ctx context.Context, d *db.DB) (int64, error) {
	p, err := provider(d)
	if err != nil {
		return 0, problems.SchemaMigrationFailed(err)
	}
	if _, err := p.Up(ctx); err != nil {
		return 0, problems.SchemaMigrationFailed(err)
	}
	v, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, problems.SchemaMigrationFailed(err)
	}
	q := d.Rebind(`INSERT INTO config_store (key, value, is_encrypted, updated_at) VALUES (?, ?, 0, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if _, err := d.ExecContext(ctx, q, KeySchemaVersion, strconv.FormatInt(v, 10), time.Now().UnixMilli()); err != nil {
		return 0, problems.SchemaMigrationFailed(fmt.Errorf("write schema marker: %w", err))
	}
	return v, nil
}

// SchemaVersion reads the marker row. ok is false when the schema has never
// been applied (no config_store table or no marker).
func SchemaVersion(ctx context.Context, d *db.DB) (v int64, ok bool, err error) {
	exists, err := tableExists(ctx, d, "config_store")
	if err != nil || !exists {
		return 0, false, err
	}
	var raw string
	err = d.QueryRowContext(ctx, d.Rebind(`SELECT value FROM config_store WHERE key = ?`), KeySchemaVersion).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("store: bad schema marker %q", raw)
	}
	return v, true, nil
}

// LatestVersion is the highest embedded migration version.
func LatestVersion(d *db.DB) (int64, error) {
	p, err := provider(d)
	if err != nil {
		return 0, err
	}
	srcs := p.ListSources()
	if len(srcs) == 0 {
		return 0, nil
	}
	return srcs[len(srcs)-1].Version, nil
}

func tableExists(ctx context.Context, d *db.DB, name string) (bool, error) {
	var q string
	switch d.Dialect {
	case db.Postgres:
		q = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`
	default:
		q = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	var n int
	if err := d.QueryRowContext(ctx, q, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
