// Package store is the relational persistence layer for deployments,
// version history and metric samples. It wraps *sql.DB behind an
// intentional surface: raw, auditable SQL, no ORM. Two dialects are
// supported, Postgres (pgx) and SQLite (mattn), selected by
// configuration; queries are written once with `?` placeholders and
// rebound for Postgres.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	// Blank imports register the drivers with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/portside-dev/portside/config"
)

// ErrNotFound is returned when no row matches the given id. Callers map
// it to HTTP 404, distinguishing it from real database errors.
var ErrNotFound = errors.New("record not found")

// Dialect selects the SQL flavor the store speaks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store wraps the database handle. Wrapping rather than embedding keeps
// the public surface intentional; callers only get the methods defined
// here.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to the configured database, runs the schema migration
// and returns a ready Store. DATABASE_TYPE "postgresql"/"postgres"
// selects Postgres; anything else falls back to SQLite.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	switch strings.ToLower(cfg.DatabaseType) {
	case "postgresql", "postgres":
		return openPostgres(cfg, logger)
	default:
		return openSQLite(cfg.DatabasePath, logger)
	}
}

func openPostgres(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBPoolMax)
	db.SetMaxIdleConns(cfg.DBPoolMin)

	store := &Store{db: db, dialect: DialectPostgres, logger: logger}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	logger.Info("database opened", "dialect", "postgres",
		"pool_min", cfg.DBPoolMin, "pool_max", cfg.DBPoolMax)
	return store, nil
}

func openSQLite(path string, logger *slog.Logger) (*Store, error) {
	// Create the parent directory so callers need not pre-create paths.
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database at %q: %w", path, err)
	}

	// SQLite does not support concurrent writers; a single connection
	// avoids "database is locked" errors under parallel requests.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, dialect: DialectSQLite, logger: logger}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	logger.Info("database opened", "dialect", "sqlite", "path", path)
	return store, nil
}

// Dialect reports which SQL flavor the store was opened with.
func (store *Store) Dialect() Dialect {
	return store.dialect
}

// Close releases the connection pool. Deferred in main immediately after
// Open succeeds.
func (store *Store) Close() error {
	return store.db.Close()
}

// migrate runs the schema DDL. Everything uses IF NOT EXISTS so it is
// safe on every startup.
func (store *Store) migrate() error {
	schema := schemaSQLite
	if store.dialect == DialectPostgres {
		schema = schemaPostgres
	}
	if _, err := store.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// rebind converts `?` placeholders to the `$n` form Postgres expects.
// SQLite queries pass through untouched, so every query in this package
// is written once in `?` style.
func (store *Store) rebind(query string) string {
	if store.dialect != DialectPostgres {
		return query
	}

	var builder strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			builder.WriteString("$" + strconv.Itoa(n))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS deployments (
    id              TEXT PRIMARY KEY,
    project_name    TEXT NOT NULL,
    source          TEXT NOT NULL,
    deployment_type TEXT NOT NULL,
    status          TEXT NOT NULL,
    repo            TEXT,
    branch          TEXT,
    filename        TEXT,
    container_id    TEXT,
    host_port       INTEGER,
    url             TEXT NOT NULL DEFAULT '',
    direct_url      TEXT,
    config          TEXT NOT NULL DEFAULT '{}',
    env_vars        TEXT NOT NULL DEFAULT '[]',
    version         INTEGER NOT NULL DEFAULT 1,
    custom_domain   TEXT,
    volume_path     TEXT,
    timestamp       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS deployment_versions (
    deployment_id   TEXT NOT NULL,
    version         INTEGER NOT NULL,
    container_id    TEXT,
    config_snapshot TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'previous',
    timestamp       DATETIME NOT NULL,
    PRIMARY KEY (deployment_id, version)
);

CREATE TABLE IF NOT EXISTS deployment_metrics (
    deployment_id TEXT NOT NULL,
    timestamp     DATETIME NOT NULL,
    cpu_percent   REAL NOT NULL,
    memory_mb     REAL NOT NULL,
    net_rx_mb     REAL NOT NULL,
    net_tx_mb     REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS custom_domains (
    domain        TEXT PRIMARY KEY,
    deployment_id TEXT NOT NULL,
    created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments (status);
CREATE INDEX IF NOT EXISTS idx_deployments_container ON deployments (container_id);
CREATE INDEX IF NOT EXISTS idx_versions_deployment ON deployment_versions (deployment_id, version);
CREATE INDEX IF NOT EXISTS idx_metrics_deployment_ts ON deployment_metrics (deployment_id, timestamp);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS deployments (
    id              TEXT PRIMARY KEY,
    project_name    TEXT NOT NULL,
    source          TEXT NOT NULL,
    deployment_type TEXT NOT NULL,
    status          TEXT NOT NULL,
    repo            TEXT,
    branch          TEXT,
    filename        TEXT,
    container_id    TEXT,
    host_port       INTEGER,
    url             TEXT NOT NULL DEFAULT '',
    direct_url      TEXT,
    config          TEXT NOT NULL DEFAULT '{}',
    env_vars        TEXT NOT NULL DEFAULT '[]',
    version         INTEGER NOT NULL DEFAULT 1,
    custom_domain   TEXT,
    volume_path     TEXT,
    timestamp       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS deployment_versions (
    deployment_id   TEXT NOT NULL,
    version         INTEGER NOT NULL,
    container_id    TEXT,
    config_snapshot TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'previous',
    timestamp       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (deployment_id, version)
);

CREATE TABLE IF NOT EXISTS deployment_metrics (
    deployment_id TEXT NOT NULL,
    timestamp     TIMESTAMPTZ NOT NULL,
    cpu_percent   DOUBLE PRECISION NOT NULL,
    memory_mb     DOUBLE PRECISION NOT NULL,
    net_rx_mb     DOUBLE PRECISION NOT NULL,
    net_tx_mb     DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS custom_domains (
    domain        TEXT PRIMARY KEY,
    deployment_id TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments (status);
CREATE INDEX IF NOT EXISTS idx_deployments_container ON deployments (container_id);
CREATE INDEX IF NOT EXISTS idx_versions_deployment ON deployment_versions (deployment_id, version);
CREATE INDEX IF NOT EXISTS idx_metrics_deployment_ts ON deployment_metrics (deployment_id, timestamp);
`
