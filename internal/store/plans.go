package store

import (
	"database/sql"
	"fmt"

	"autoforge/internal/logging"
)

// SavePlan persists a change plan as JSON. Plans are write-once; only the
// status transitions afterwards.
func (s *Store) SavePlan(id, featureID, status string, planJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMilli()
	_, err := s.db.Exec("INSERT INTO plans (id, feature_id, status, plan_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, featureID, status, string(planJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to save plan %s: %w", id, err)
	}
	logging.StoreDebug("Plan saved: %s (feature %s)", id, featureID)
	return nil
}

// UpdatePlanStatus transitions a plan's execution status.
func (s *Store) UpdatePlanStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE plans SET status = ?, updated_at = ? WHERE id = ?", status, nowMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}
	return nil
}

// GetPlan returns the feature id, status and stored JSON for a plan.
func (s *Store) GetPlan(id string) (featureID, status string, planJSON []byte, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err = s.db.QueryRow("SELECT feature_id, status, plan_json FROM plans WHERE id = ?", id).
		Scan(&featureID, &status, &raw)
	if err == sql.ErrNoRows {
		return "", "", nil, ErrNotFound
	}
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return featureID, status, []byte(raw), nil
}
