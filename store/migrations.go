// Schema migrations for MemoryMesh stores.
//
// Versions are tracked with SQLite's built-in PRAGMA user_version.
// Migrations are additive-only; no destructive changes are ever applied.
package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Migration is a single schema migration step. Statements may be empty for
// the initial version, which only stamps an existing schema.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// fullSchema is the complete current DDL, executed for fresh databases.
var fullSchema = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id             TEXT PRIMARY KEY,
		text           TEXT    NOT NULL,
		metadata_json  TEXT    NOT NULL DEFAULT '{}',
		embedding_blob BLOB,
		created_at     TEXT    NOT NULL,
		updated_at     TEXT    NOT NULL,
		access_count   INTEGER NOT NULL DEFAULT 0,
		importance     REAL    NOT NULL DEFAULT 0.5,
		decay_rate     REAL    NOT NULL DEFAULT 0.01,
		session_id     TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories (importance DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_memories_updated_at ON memories (updated_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories (session_id);`,
}

// Migrations is the ordered migration list — the source of truth for
// LatestVersion. Migrations never apply out of order.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Statements:  nil, // schema already exists for both fresh and pre-migration DBs
	},
	{
		Version:     2,
		Description: "Session tracking (session_id column + index)",
		Statements: []string{
			`ALTER TABLE memories ADD COLUMN session_id TEXT;`,
			`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories (session_id);`,
		},
	},
}

// LatestVersion is the schema version a fresh database is stamped with.
var LatestVersion = Migrations[len(Migrations)-1].Version

// SchemaVersion reads the current schema version from the database
// (0 if never set).
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return version, nil
}

// EnsureSchema brings the database schema up to date and returns the
// post-upgrade version. It handles four cases:
//
//  1. Fresh database (no memories table, user_version 0): execute the full
//     DDL and stamp LatestVersion.
//  2. Pre-migration database (table exists, user_version 0): stamp as
//     version 1 without altering structure, then apply pending migrations.
//  3. Previously migrated database: apply only migrations whose version
//     exceeds the current user_version, each inside a transaction. A
//     failed migration rolls back and does not advance the version.
//  4. Version newer than the library knows: warn, change nothing, return
//     the observed version.
func EnsureSchema(db *sql.DB, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.NewNop()
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return 0, err
	}

	if current > LatestVersion {
		log.Warn("database schema version is newer than this library supports; skipping migrations",
			zap.Int("db_version", current),
			zap.Int("latest_known", LatestVersion))
		return current, nil
	}

	exists, err := tableExists(db, "memories")
	if err != nil {
		return 0, err
	}

	// Case 1: fresh database.
	if !exists && current == 0 {
		log.Debug("fresh database detected, creating schema", zap.Int("version", LatestVersion))
		for _, stmt := range fullSchema {
			if _, err := db.Exec(stmt); err != nil {
				return 0, fmt.Errorf("failed to create schema: %w", err)
			}
		}
		if err := setUserVersion(db, LatestVersion); err != nil {
			return 0, err
		}
		return LatestVersion, nil
	}

	// Case 2: pre-migration database.
	if current == 0 {
		log.Debug("pre-migration database detected, stamping as version 1")
		if err := setUserVersion(db, 1); err != nil {
			return 0, err
		}
		current = 1
	}

	// Case 3: apply pending migrations in order.
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		log.Info("applying migration",
			zap.Int("version", m.Version),
			zap.String("description", m.Description))
		if err := applyMigration(db, m); err != nil {
			log.Error("migration failed, rolled back",
				zap.Int("version", m.Version), zap.Error(err))
			return current, fmt.Errorf("migration v%d (%s) failed: %w", m.Version, m.Description, err)
		}
		current = m.Version
	}

	return current, nil
}

// applyMigration runs one migration's statements and the version stamp
// inside a single transaction: a failed migration rolls back without
// advancing the version, so the next call retries it.
func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, stmt := range m.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	// PRAGMA user_version takes no bound parameters; the version is a
	// library constant, never caller input.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to set user_version to %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("failed to set user_version to %d: %w", version, err)
	}
	return nil
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return count > 0, nil
}
