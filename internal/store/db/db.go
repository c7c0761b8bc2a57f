// Package db implements the SQLite and Postgres storage backends over a
// shared SQL surface. Both dialects speak $N placeholders and upserts via
// ON CONFLICT, so the stores differ only in how they open, migrate, and
// encode arrays.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is an open backend handle shared by the session and pairing stores.
type DB struct {
	sql     *sql.DB
	dialect string
}

func (d *DB) Dialect() string { return d.dialect }

func (d *DB) Close() error { return d.sql.Close() }

// OpenSQLite opens (or creates) a SQLite database at path and ensures the
// schema exists. WAL keeps concurrent gateway readers off the write lock.
func OpenSQLite(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create sqlite dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under write load.
	handle.SetMaxOpenConns(1)
	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := handle.Exec(sqliteSchema); err != nil {
		handle.Close()
		return nil, fmt.Errorf("store: init sqlite schema: %w", err)
	}
	return &DB{sql: handle, dialect: DialectSQLite}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_docs (
	agent_id   TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	hash       TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS pairing_channels (
	channel    TEXT PRIMARY KEY,
	requests   TEXT NOT NULL DEFAULT '[]',
	allow_from TEXT NOT NULL DEFAULT '[]',
	updated_at BIGINT NOT NULL
);
`

// OpenPostgres connects to dsn and applies the embedded migrations.
func OpenPostgres(dsn string) (*DB, error) {
	if err := migratePostgres(dsn); err != nil {
		return nil, err
	}
	handle, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &DB{sql: handle, dialect: DialectPostgres}, nil
}

func migratePostgres(dsn string) error {
	m, err := NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// NewMigrator builds a migrator over the embedded migrations. The CLI
// uses it for manual schema control (down, force, version).
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store: load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return nil, fmt.Errorf("store: create migrator: %w", err)
	}
	return m, nil
}

// migrateURL normalizes the DSN scheme for golang-migrate, which matches
// its database driver by URL scheme.
func migrateURL(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn
	}
	if u.Scheme == "postgresql" {
		u.Scheme = "postgres"
		return u.String()
	}
	return dsn
}
