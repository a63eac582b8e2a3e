// Package store implements the persistent substrate for the orchestrator:
// tasks, agent sessions, heartbeats, events, activities, change plans,
// resource ownership, file locks and knowledge items, all in a single
// SQLite database.
//
// Writes are serialized (MaxOpenConns=1 + WAL); readers tolerate slightly
// stale data except lock acquisition and task status transitions, which run
// inside transactions or as compare-and-set updates.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autoforge/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the SQLite database. All persistence goes through it.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path, creating the
// schema and running migrations.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Initializing store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables and runs migrations.
func (s *Store) initialize() error {
	tasksTable := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		display_id TEXT NOT NULL,
		title TEXT NOT NULL,
		spec_path TEXT,
		status TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		priority INTEGER DEFAULT 0,
		complexity TEXT DEFAULT 'simple',
		retry_count INTEGER DEFAULT 0,
		next_retry_at INTEGER DEFAULT 0,
		dependencies TEXT DEFAULT '[]',
		resources TEXT DEFAULT '[]',
		last_error_kind TEXT,
		last_error_message TEXT,
		last_error_location TEXT,
		completion_report TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_retry ON tasks(status, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
	`

	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		pid INTEGER DEFAULT 0,
		spawned_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		last_heartbeat_at INTEGER DEFAULT 0,
		exit_code INTEGER,
		logs_ref TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_hb ON sessions(status, last_heartbeat_at);
	`

	heartbeatsTable := `
	CREATE TABLE IF NOT EXISTS heartbeats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress_percent REAL DEFAULT 0,
		current_step TEXT,
		memory_mb REAL DEFAULT 0,
		cpu_percent REAL DEFAULT 0,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_heartbeats_session_ts ON heartbeats(session_id, ts);
	`

	eventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		payload TEXT DEFAULT '{}',
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
	`

	deadLettersTable := `
	CREATE TABLE IF NOT EXISTS event_dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		subscriber TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_event ON event_dead_letters(event_id);
	`

	activitiesTable := `
	CREATE TABLE IF NOT EXISTS activities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		details TEXT,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activities_session ON activities(session_id, ts);
	`

	plansTable := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		feature_id TEXT NOT NULL,
		status TEXT NOT NULL,
		plan_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_feature ON plans(feature_id);
	`

	locksTable := `
	CREATE TABLE IF NOT EXISTS file_locks (
		path TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_locks_expires ON file_locks(expires_at);
	`

	ownersTable := `
	CREATE TABLE IF NOT EXISTS resource_owners (
		path TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		resource_type TEXT NOT NULL
	);
	`

	knowledgeTable := `
	CREATE TABLE IF NOT EXISTS knowledge_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		file_pattern TEXT NOT NULL,
		action_type TEXT,
		confidence REAL NOT NULL,
		source TEXT,
		sources TEXT DEFAULT '[]',
		observations INTEGER DEFAULT 1,
		universal INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(kind, content_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_kind ON knowledge_items(kind);
	CREATE INDEX IF NOT EXISTS idx_knowledge_confidence ON knowledge_items(confidence);
	`

	for _, table := range []string{
		tasksTable,
		sessionsTable,
		heartbeatsTable,
		eventsTable,
		deadLettersTable,
		activitiesTable,
		plansTable,
		locksTable,
		ownersTable,
		knowledgeTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetStats returns row counts per table.
func (s *Store) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"tasks", "sessions", "heartbeats", "events", "event_dead_letters", "activities", "plans", "file_locks", "resource_owners", "knowledge_items"}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// Cleanup purges heartbeats, events and activities older than the retention
// window. Tasks, sessions, plans and knowledge are never purged here.
func (s *Store) Cleanup(retention time.Duration) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Cleanup")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).UnixMilli()
	var total int64
	for _, stmt := range []string{
		"DELETE FROM heartbeats WHERE ts < ?",
		"DELETE FROM events WHERE ts < ?",
		"DELETE FROM activities WHERE ts < ?",
	} {
		res, err := s.db.Exec(stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup failed: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	logging.StoreDebug("Cleanup removed %d rows older than %v", total, retention)
	return total, nil
}

// nowMilli is the canonical timestamp representation in the schema.
func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// milliToTime converts a stored millisecond timestamp. Unset columns
// (zero, or the negative value of a zero time.Time round-tripped through
// UnixMilli) map to the zero time so callers can use IsZero.
func milliToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
