package repository

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const driverName = "sqlite3"

// SQLite pragmas applied to every new database handle.
const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA synchronous=NORMAL;
PRAGMA temp_store=MEMORY;
`

// dbConfig holds internal configuration for DB creation
type dbConfig struct {
	path         string
	pragmas      string
	maxOpenConns int
	maxIdleConns int
}

// DBOption configures the SQLite handle.
type DBOption func(*dbConfig)

// WithPragmas replaces the default pragmas.
func WithPragmas(pragmas string) DBOption {
	return func(c *dbConfig) {
		c.pragmas = pragmas
	}
}

// WithMaxOpenConns sets the maximum number of open connections
func WithMaxOpenConns(n int) DBOption {
	return func(c *dbConfig) {
		c.maxOpenConns = n
	}
}

// openDB opens (creating if needed) the SQLite database at path.
func openDB(path string, opts ...DBOption) (*sqlx.DB, error) {
	cfg := &dbConfig{
		path:         path,
		pragmas:      defaultPragma,
		maxIdleConns: 2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.path), 0755); err != nil {
		return nil, fmt.Errorf("ensure parent directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)

	slog.Debug("repository db", "driver", driverName, "path", cfg.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}
	if cfg.maxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}

	if _, err := db.Exec(cfg.pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return db, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS blobs (
	signature TEXT PRIMARY KEY,
	handle TEXT NOT NULL,
	size INTEGER NOT NULL,
	refcount INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blobs_refcount ON blobs(refcount);

CREATE TABLE IF NOT EXISTS paths (
	path TEXT PRIMARY KEY,
	signature TEXT NOT NULL REFERENCES blobs(signature)
);

CREATE INDEX IF NOT EXISTS idx_paths_signature ON paths(signature);
`
