package store

import (
	"encoding/json"
	"fmt"

	"autoforge/internal/logging"
	"autoforge/internal/types"
)

// AppendEvent persists an event. Returns false when the event id was
// already recorded, which makes publish idempotent by event id.
func (s *Store) AppendEvent(e *types.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = []byte("{}")
	}

	res, err := s.db.Exec("INSERT OR IGNORE INTO events (id, type, source, payload, ts) VALUES (?, ?, ?, ?, ?)",
		e.ID, e.Type, e.Source, string(payload), e.Timestamp.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to append event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// EventsSince returns events with ts >= since in global order (ts, id).
func (s *Store) EventsSince(sinceMilli int64, limit int) ([]types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query("SELECT id, type, source, payload, ts FROM events WHERE ts >= ? ORDER BY ts ASC, id ASC LIMIT ?",
		sinceMilli, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var e types.Event
		var payload string
		var ts int64
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &payload, &ts); err != nil {
			continue
		}
		e.Timestamp = milliToTime(ts)
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEventsByType returns how many events of the given type exist.
func (s *Store) CountEventsByType(eventType string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM events WHERE type = ?", eventType).Scan(&n)
	return n, err
}

// DeadLetterEvent records a delivery that exhausted its retries.
func (s *Store) DeadLetterEvent(eventID, subscriber string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("INSERT INTO event_dead_letters (event_id, subscriber, attempts, last_error, ts) VALUES (?, ?, ?, ?, ?)",
		eventID, subscriber, attempts, lastErr, nowMilli())
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	logging.Events("Event %s dead-lettered for subscriber %s after %d attempts", eventID, subscriber, attempts)
	return nil
}

// DeadLetterCount returns the number of dead-lettered deliveries.
func (s *Store) DeadLetterCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM event_dead_letters").Scan(&n)
	return n, err
}

// AppendActivity records an observability-plane activity.
func (s *Store) AppendActivity(a types.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := a.Timestamp.UnixMilli()
	if a.Timestamp.IsZero() {
		ts = nowMilli()
	}
	_, err := s.db.Exec("INSERT INTO activities (session_id, kind, details, ts) VALUES (?, ?, ?, ?)",
		a.SessionID, string(a.Kind), a.Details, ts)
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// RecentActivities returns up to limit activities for a session, oldest first.
func (s *Store) RecentActivities(sessionID string, limit int) ([]types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query("SELECT session_id, kind, COALESCE(details,''), ts FROM activities WHERE session_id = ? ORDER BY ts ASC LIMIT ?",
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var acts []types.Activity
	for rows.Next() {
		var a types.Activity
		var kind string
		var ts int64
		if err := rows.Scan(&a.SessionID, &kind, &a.Details, &ts); err != nil {
			continue
		}
		a.Kind = types.ActivityKind(kind)
		a.Timestamp = milliToTime(ts)
		acts = append(acts, a)
	}
	return acts, rows.Err()
}
