package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite catalog of known physical devices.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the catalog database in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dbPath := filepath.Join(dir, "catalog.db")
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Several droidprov processes may share the catalog.
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	c := &DB{db: sqlDB, path: dbPath}
	if err := c.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database.
func (c *DB) Close() error {
	return c.db.Close()
}

// Path returns the path to the catalog database file.
func (c *DB) Path() string {
	return c.path
}

func (c *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		serial TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		manufacturer TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		android_version TEXT NOT NULL DEFAULT '',
		android_release TEXT NOT NULL DEFAULT '',
		abi TEXT NOT NULL DEFAULT '',
		device_type TEXT NOT NULL DEFAULT '',
		connection_type TEXT NOT NULL DEFAULT '',
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		connect_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
