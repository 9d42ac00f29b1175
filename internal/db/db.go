package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/tabkeep/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Init initializes the SQLite database at baseDir/tabkeep.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.tabkeep.
func Init(baseDir string) (*sql.DB, error) {
	// Base directory holds handles and session state; owner only
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// MkdirAll leaves an existing directory's mode alone (best-effort)
	_ = os.Chmod(baseDir, 0700)

	// Pragmas in the connection string apply to all pooled connections
	dbPath := filepath.Join(baseDir, "tabkeep.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Several contexts share this file; WAL lets readers run beside a writer
	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// First query creates the file if it doesn't exist
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Handles are only meaningful to their owner (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
// Call after Init; the defaults suit a single context.
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: handle stores and session metadata
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS file_handles (
		  id            TEXT PRIMARY KEY,
		  name          TEXT NOT NULL,
		  handle        BLOB NOT NULL,
		  last_accessed INTEGER NOT NULL
		);

		-- lookups by name, newest first
		CREATE INDEX IF NOT EXISTS idx_file_handles_name
		ON file_handles(name, last_accessed DESC);

		CREATE TABLE IF NOT EXISTS directory_handles (
		  id            TEXT PRIMARY KEY,
		  name          TEXT NOT NULL,
		  handle        BLOB NOT NULL,
		  last_accessed INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_directory_handles_name
		ON directory_handles(name, last_accessed DESC);

		-- scalars shared by every context, e.g. the active item id
		CREATE TABLE IF NOT EXISTS session_meta (
		  key        TEXT PRIMARY KEY,
		  value      TEXT NOT NULL,
		  updated_at INTEGER NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Later migrations check version < 2, < 3, ... in order

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
