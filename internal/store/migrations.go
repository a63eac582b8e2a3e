package store

import (
	"database/sql"
	"fmt"

	"autoforge/internal/logging"
)

// migration is a single additive schema change. The schema is a hard
// compatibility surface: migrations only ever add tables, columns or
// indexes, and a column name is never reused.
type migration struct {
	version int
	name    string
	apply   func(*sql.DB) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "baseline",
		apply:   func(db *sql.DB) error { return nil }, // schema created by initialize
	},
	{
		version: 2,
		name:    "task suggested fix",
		apply: func(db *sql.DB) error {
			return addColumnIfMissing(db, "tasks", "last_error_suggest", "TEXT")
		},
	},
	{
		version: 3,
		name:    "heartbeat agent correlation",
		apply: func(db *sql.DB) error {
			return addColumnIfMissing(db, "heartbeats", "agent_id", "TEXT")
		},
	},
}

// RunMigrations applies any migrations newer than the recorded schema
// version. Safe to call on every open.
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logging.Store("Applying migration %d: %s", m.version, m.name)
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.version, m.name, nowMilli()); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// addColumnIfMissing guards ALTER TABLE ADD COLUMN so reruns are harmless.
func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return nil
		}
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	if err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}
