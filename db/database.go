// Package db provides the local SQLite database for sync state.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"qharbor/sync-agent/config"
)

// Database represents the local sync state database.
type Database struct {
	db *sql.DB
}

var (
	// ErrSourceNotFound is returned when a sync source id does not exist.
	ErrSourceNotFound = errors.New("sync source not found")
	// ErrSourceNameExists is returned when a source name is already taken.
	ErrSourceNameExists = errors.New("sync source name already exists")
	// ErrItemNotFound is returned when a sync item id does not exist.
	ErrItemNotFound = errors.New("sync item not found")
	// ErrDefaultScopeRequired is returned when a single-scope backend is
	// created without a default scope.
	ErrDefaultScopeRequired = errors.New("default scope required for this source type")
)

// Open opens or creates the database in the platform data directory.
func Open() (*Database, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sync.db")
	return OpenPath(dbPath)
}

// OpenPath opens a database at the specified path.
func OpenPath(path string) (*Database, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	database := &Database{db: db}
	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return database, nil
}

// Close closes the database.
func (d *Database) Close() error {
	return d.db.Close()
}

// migrate creates or updates the database schema.
func (d *Database) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'synchronizing',
		creator TEXT,
		items_total INTEGER NOT NULL DEFAULT 0,
		items_synchronized INTEGER NOT NULL DEFAULT 0,
		items_failed INTEGER NOT NULL DEFAULT 0,
		config_data TEXT NOT NULL DEFAULT '{}',
		default_scope TEXT,
		last_update DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sync_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sync_source_id INTEGER NOT NULL,
		data_identifier TEXT NOT NULL,
		dataset_id TEXT NOT NULL,
		scope_id TEXT,
		priority REAL NOT NULL DEFAULT 0,
		synchronized INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_update DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		error TEXT,
		traceback TEXT,
		manifest TEXT,
		UNIQUE(sync_source_id, data_identifier),
		UNIQUE(dataset_id)
	);

	CREATE INDEX IF NOT EXISTS idx_items_due
		ON sync_items(sync_source_id, synchronized, attempts, priority DESC);
	CREATE INDEX IF NOT EXISTS idx_items_priority
		ON sync_items(sync_source_id, priority DESC);

	CREATE TABLE IF NOT EXISTS sync_scope_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sync_source_id INTEGER NOT NULL,
		scope_identifier TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		UNIQUE(sync_source_id, scope_identifier)
	);

	CREATE TABLE IF NOT EXISTS sync_source_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sync_source_id INTEGER NOT NULL,
		sync_iteration INTEGER NOT NULL,
		message TEXT NOT NULL,
		context TEXT,
		traceback TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_source_errors ON sync_source_errors(sync_source_id, id DESC);

	CREATE TABLE IF NOT EXISTS sync_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		syncing INTEGER NOT NULL DEFAULT 1,
		sync_iteration INTEGER NOT NULL DEFAULT 0,
		last_update DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	INSERT OR IGNORE INTO sync_status (id, syncing, sync_iteration) VALUES (1, 1, 0);
	`

	_, err := d.db.Exec(schema)
	return err
}
