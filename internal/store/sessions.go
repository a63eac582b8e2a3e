package store

import (
	"database/sql"
	"fmt"
	"strings"

	"autoforge/internal/logging"
	"autoforge/internal/types"

	"github.com/google/uuid"
)

const sessionColumns = `id, task_id, agent_type, pid, spawned_at, status,
	last_heartbeat_at, exit_code, COALESCE(logs_ref,'')`

// CreateSession inserts a session record. At most one non-terminal session
// may exist per task; violating inserts are rejected.
func (s *Store) CreateSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = types.SessionSpawning
	}
	if sess.SpawnedAt.IsZero() {
		sess.SpawnedAt = milliToTime(nowMilli())
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin session insert: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRow("SELECT COUNT(*) FROM sessions WHERE task_id = ? AND status NOT IN (?, ?, ?)",
		sess.TaskID, string(types.SessionCompleted), string(types.SessionFailed), string(types.SessionTerminated)).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to check active sessions: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("task %s already has an active session", sess.TaskID)
	}

	_, err = tx.Exec(`INSERT INTO sessions (id, task_id, agent_type, pid, spawned_at, status, last_heartbeat_at, logs_ref)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		sess.ID, sess.TaskID, string(sess.AgentType), sess.PID,
		sess.SpawnedAt.UnixMilli(), string(sess.Status), sess.LogsRef)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session insert: %w", err)
	}

	logging.StoreDebug("Session created: %s for task %s", sess.ID, sess.TaskID)
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	return scanSession(row)
}

// ActiveSessionForTask returns the single non-terminal session for the task,
// or ErrNotFound.
func (s *Store) ActiveSessionForTask(taskID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+sessionColumns+` FROM sessions
		WHERE task_id = ? AND status NOT IN (?, ?, ?) LIMIT 1`,
		taskID, string(types.SessionCompleted), string(types.SessionFailed), string(types.SessionTerminated))
	return scanSession(row)
}

// ListSessionsByStatus returns sessions in any of the given statuses.
func (s *Store) ListSessionsByStatus(statuses ...types.SessionStatus) ([]types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.db.Query("SELECT "+sessionColumns+" FROM sessions WHERE status IN ("+
		strings.Join(placeholders, ",")+") ORDER BY spawned_at ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus performs a compare-and-set transition. Terminal
// states are write-once: a session already terminal never transitions.
func (s *Store) UpdateSessionStatus(id string, from, to types.SessionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from.Terminal() {
		return false, fmt.Errorf("session %s: %s is terminal", id, from)
	}

	res, err := s.db.Exec("UPDATE sessions SET status = ? WHERE id = ? AND status = ?",
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		logging.StoreDebug("Session %s: %s -> %s", id, from, to)
	}
	return n == 1, nil
}

// FinishSession moves a session to a terminal status with its exit code.
// Idempotent: finishing an already-terminal session is a no-op.
func (s *Store) FinishSession(id string, status types.SessionStatus, exitCode int) error {
	if !status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET status = ?, exit_code = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(status), exitCode, id,
		string(types.SessionCompleted), string(types.SessionFailed), string(types.SessionTerminated))
	if err != nil {
		return fmt.Errorf("failed to finish session %s: %w", id, err)
	}
	return nil
}

// SetSessionPID records the spawned process id.
func (s *Store) SetSessionPID(id string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET pid = ? WHERE id = ?", pid, id)
	return err
}

// RecordHeartbeat appends a heartbeat and advances last_heartbeat_at.
// Heartbeats older than the session's latest are dropped (per-session
// monotonicity).
func (s *Store) RecordHeartbeat(hb types.Heartbeat) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := hb.Timestamp.UnixMilli()

	var last int64
	err := s.db.QueryRow("SELECT last_heartbeat_at FROM sessions WHERE id = ?", hb.SessionID).Scan(&last)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read session heartbeat: %w", err)
	}
	if ts <= last {
		logging.StoreDebug("Dropping non-monotonic heartbeat for %s (ts=%d last=%d)", hb.SessionID, ts, last)
		return false, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin heartbeat insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO heartbeats (session_id, agent_id, status, progress_percent, current_step, memory_mb, cpu_percent, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		hb.SessionID, hb.AgentID, hb.Status, hb.ProgressPercent, hb.CurrentStep, hb.MemoryMB, hb.CPUPercent, ts); err != nil {
		return false, fmt.Errorf("failed to insert heartbeat: %w", err)
	}
	if _, err := tx.Exec("UPDATE sessions SET last_heartbeat_at = ? WHERE id = ?", ts, hb.SessionID); err != nil {
		return false, fmt.Errorf("failed to advance last_heartbeat_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit heartbeat: %w", err)
	}
	return true, nil
}

// Heartbeats returns up to limit heartbeats for a session, oldest first.
func (s *Store) Heartbeats(sessionID string, limit int) ([]types.Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT session_id, COALESCE(agent_id,''), status, progress_percent,
		COALESCE(current_step,''), memory_mb, cpu_percent, ts
		FROM heartbeats WHERE session_id = ? ORDER BY ts ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []types.Heartbeat
	for rows.Next() {
		var hb types.Heartbeat
		var ts int64
		if err := rows.Scan(&hb.SessionID, &hb.AgentID, &hb.Status, &hb.ProgressPercent,
			&hb.CurrentStep, &hb.MemoryMB, &hb.CPUPercent, &ts); err != nil {
			continue
		}
		hb.Timestamp = milliToTime(ts)
		beats = append(beats, hb)
	}
	return beats, rows.Err()
}

func scanSession(row rowScanner) (*types.Session, error) {
	var sess types.Session
	var agentType, status string
	var spawnedAt, lastHB int64
	var exitCode sql.NullInt64

	err := row.Scan(&sess.ID, &sess.TaskID, &agentType, &sess.PID, &spawnedAt,
		&status, &lastHB, &exitCode, &sess.LogsRef)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.AgentType = types.AgentType(agentType)
	sess.Status = types.SessionStatus(status)
	sess.SpawnedAt = milliToTime(spawnedAt)
	sess.LastHeartbeatAt = milliToTime(lastHB)
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		sess.ExitCode = &ec
	}
	return &sess, nil
}
