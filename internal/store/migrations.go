package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Migration is one forward and backward schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "artifacts and completions",
		Up: `
CREATE TABLE IF NOT EXISTS artifacts (
    name          TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    content_type  TEXT NOT NULL,
    size          INTEGER NOT NULL,
    data          BLOB NOT NULL,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_user ON artifacts(user_id, name);

CREATE TABLE IF NOT EXISTS completions (
    survey_code   TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    study_version TEXT NOT NULL,
    status        TEXT NOT NULL,
    completed_at  INTEGER NOT NULL,
    client_ip     TEXT,
    user_agent    TEXT
);
CREATE INDEX IF NOT EXISTS idx_completions_user ON completions(user_id);
`,
		Down: `
DROP TABLE IF EXISTS completions;
DROP TABLE IF EXISTS artifacts;
`,
	},
	{
		Version:     2,
		Description: "capture session summaries",
		Up: `
CREATE TABLE IF NOT EXISTS capture_sessions (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    platform_id  INTEGER NOT NULL,
    task_id      INTEGER NOT NULL,
    started_at   INTEGER NOT NULL,
    ended_at     INTEGER NOT NULL,
    events       INTEGER NOT NULL,
    truncations  INTEGER NOT NULL DEFAULT 0,
    dropped      INTEGER NOT NULL DEFAULT 0,
    duplicates   INTEGER NOT NULL DEFAULT 0,
    orphans      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_capture_sessions_user ON capture_sessions(user_id, task_id);
`,
		Down: `DROP TABLE IF EXISTS capture_sessions;`,
	},
}

// errNoMigrations is returned when rolling back an empty schema.
var errNoMigrations = errors.New("store: no migrations applied")

// withTx runs fn in a transaction, rolling back when fn fails.
func withTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// schemaVersion returns the highest applied version, creating the
// bookkeeping table on first use.
func schemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		applied_at  INTEGER NOT NULL,
		description TEXT
	)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// MigrateDB applies pending migrations in order, one transaction each.
func MigrateDB(db *sql.DB) error {
	v, err := schemaVersion(db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= v {
			continue
		}
		err := withTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
				m.Version, time.Now().UnixNano(), m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// RollbackMigration reverts the most recent migration.
func RollbackMigration(db *sql.DB) error {
	v, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if v == 0 {
		return errNoMigrations
	}
	i := v - 1
	if i >= len(migrations) || migrations[i].Version != v {
		return fmt.Errorf("store: unknown schema version %d", v)
	}
	err = withTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(migrations[i].Down); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, v)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back migration %d: %w", v, err)
	}
	return nil
}

// MigrationStatus compares the database schema with the code.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
}

// GetMigrationStatus reports the applied version and what is pending.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	v, err := schemaVersion(db)
	if err != nil {
		return nil, err
	}
	st := &MigrationStatus{
		CurrentVersion: v,
		LatestVersion:  migrations[len(migrations)-1].Version,
	}
	for _, m := range migrations {
		if m.Version > v {
			st.Pending = append(st.Pending, m)
		}
	}
	return st, nil
}
