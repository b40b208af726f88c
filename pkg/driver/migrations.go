package driver

import (
	"database/sql"
	"fmt"
	"sort"
)

// migration is one database schema migration
type migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations is the registry of all schema migrations in order.
// Each migration has a unique version number and is applied in
// ascending order, transactionally and exactly once.
var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema with cache_entries and policy_entries tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS cache_entries (
				key TEXT PRIMARY KEY,
				packet BLOB NOT NULL,
				cached_at INTEGER NOT NULL,
				ttl_seconds INTEGER NOT NULL,
				expires_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries(expires_at);

			CREATE TABLE IF NOT EXISTS policy_entries (
				list TEXT NOT NULL,
				domain TEXT NOT NULL,
				added_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				source TEXT,
				reason TEXT,
				category TEXT,
				PRIMARY KEY (list, domain)
			);
			CREATE INDEX IF NOT EXISTS idx_policy_list ON policy_entries(list);
		`,
	},
	{
		Version:     2,
		Description: "Add query log table for sql-backed log storage",
		SQL: `
			CREATE TABLE IF NOT EXISTS log_entries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kind TEXT NOT NULL,
				level TEXT NOT NULL,
				timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
				message TEXT,
				domain TEXT,
				query_type TEXT,
				client_addr TEXT,
				transport TEXT,
				provider TEXT,
				response_time_ms REAL,
				cached BOOLEAN NOT NULL DEFAULT 0,
				blocked BOOLEAN NOT NULL DEFAULT 0,
				whitelisted BOOLEAN NOT NULL DEFAULT 0,
				success BOOLEAN NOT NULL DEFAULT 0,
				error TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_log_timestamp ON log_entries(timestamp);
			CREATE INDEX IF NOT EXISTS idx_log_domain ON log_entries(domain);
		`,
	},
}

// getMigrations returns all migrations sorted by version
func getMigrations() []migration {
	result := make([]migration, len(migrations))
	copy(result, migrations)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result
}

// getCurrentVersion returns the current schema version, 0 for a fresh
// database.
func getCurrentVersion(db *sql.DB) (int, error) {
	var tableExists bool
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableExists)

	if err == sql.ErrNoRows {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

// applyMigration applies a single migration within a transaction
func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, m.Version); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// runMigrations applies all pending migrations in order. Each runs in
// its own transaction; a failure leaves the database at the last
// successful version.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range getMigrations() {
		if m.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf(
				"failed to apply migration v%d (%s): %w",
				m.Version, m.Description, err,
			)
		}
	}
	return nil
}
