// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations holds the embedded schema history, oldest first. The store
// ships inside an app bundle, so migrations are compiled in rather than
// read from disk.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		SQL:         schemaV1,
	},
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS cached_properties (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	serial_number TEXT NOT NULL,
	description TEXT,
	nsn TEXT,
	lin TEXT,
	location TEXT,
	current_holder_id INTEGER NOT NULL,
	photo_url TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_synced_at INTEGER,
	is_dirty INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_properties_holder ON cached_properties(current_holder_id);
CREATE INDEX IF NOT EXISTS idx_properties_serial ON cached_properties(serial_number);

CREATE TABLE IF NOT EXISTS cached_transfers (
	id INTEGER PRIMARY KEY,
	property_id INTEGER NOT NULL,
	from_user_id INTEGER NOT NULL,
	to_user_id INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	notes TEXT,
	requested_at INTEGER NOT NULL,
	resolved_at INTEGER,
	last_synced_at INTEGER,
	is_dirty INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_transfers_property ON cached_transfers(property_id);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON cached_transfers(status);

CREATE TABLE IF NOT EXISTS sync_queue (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	operation TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id INTEGER,
	payload BLOB NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	last_error TEXT,
	created_at INTEGER NOT NULL,
	last_attempt_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS pending_photo_uploads (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	property_id INTEGER,
	local_path TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	last_error TEXT,
	created_at INTEGER NOT NULL,
	last_attempt_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_photo_uploads_status ON pending_photo_uploads(status, next_retry_at);
`

// Migrator handles database schema migrations.
type Migrator struct {
	db *sqlx.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *DB) *Migrator {
	return &Migrator{db: db.DB}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Up applies all pending migrations and verifies the checksums of the
// already-applied ones against the embedded SQL.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied := make(map[int]string)
	rows, err := m.db.Query("SELECT version, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return err
		}
		applied[version] = checksum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, mig := range migrations {
		checksum := migrationChecksum(mig.SQL)

		if existing, ok := applied[mig.Version]; ok {
			if existing != checksum {
				return fmt.Errorf("migration V%d checksum mismatch: schema drifted from embedded SQL", mig.Version)
			}
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(mig.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration V%d failed: %w", mig.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			mig.Version, time.Now().Unix(), mig.Description, checksum,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration V%d: %w", mig.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// migrationChecksum computes the SHA-256 checksum of a migration's SQL.
func migrationChecksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}
