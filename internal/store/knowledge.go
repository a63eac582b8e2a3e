package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"autoforge/internal/logging"
	"autoforge/internal/types"

	"github.com/google/uuid"
)

// ContentHash keys knowledge collisions: same kind + same content is the
// same item regardless of who recorded it.
func ContentHash(kind types.KnowledgeKind, content string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

// UpsertKnowledge records a knowledge item. On collision (same kind and
// content) the stored confidence becomes a recency-weighted running
// average: conf' = conf*(1-w) + new*w. Observation count and the distinct
// source set grow; the write is idempotent for a repeated (source, content)
// pair. Returns the stored item and whether it was merged into an existing
// row.
func (s *Store) UpsertKnowledge(item types.KnowledgeItem, recencyWeight float64) (*types.KnowledgeItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := ContentHash(item.Kind, item.Content)
	now := nowMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin knowledge upsert: %w", err)
	}
	defer tx.Rollback()

	var (
		id         string
		confidence float64
		sourcesRaw string
		obs        int
	)
	err = tx.QueryRow("SELECT id, confidence, sources, observations FROM knowledge_items WHERE kind = ? AND content_hash = ?",
		string(item.Kind), hash).Scan(&id, &confidence, &sourcesRaw, &obs)

	switch {
	case err == sql.ErrNoRows:
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		sources, _ := json.Marshal([]string{item.Source})
		_, err = tx.Exec(`INSERT INTO knowledge_items
			(id, kind, content, content_hash, file_pattern, action_type, confidence, source, sources, observations, universal, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?)`,
			item.ID, string(item.Kind), item.Content, hash, item.FilePattern, item.ActionType,
			item.Confidence, item.Source, string(sources), now, now)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert knowledge item: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit knowledge insert: %w", err)
		}
		item.Observations = 1
		item.Sources = []string{item.Source}
		item.CreatedAt = milliToTime(now)
		item.UpdatedAt = item.CreatedAt
		logging.KnowledgeDebug("Knowledge item recorded: %s (%s)", item.ID, item.Kind)
		return &item, false, nil

	case err != nil:
		return nil, false, fmt.Errorf("failed to look up knowledge item: %w", err)
	}

	var sources []string
	_ = json.Unmarshal([]byte(sourcesRaw), &sources)

	// Repeated record from the same source is idempotent: nothing changes.
	seen := false
	for _, src := range sources {
		if src == item.Source {
			seen = true
			break
		}
	}
	if seen {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		merged, err := s.getKnowledgeLocked(id)
		return merged, true, err
	}

	merged := confidence*(1-recencyWeight) + item.Confidence*recencyWeight
	sources = append(sources, item.Source)
	sourcesJSON, _ := json.Marshal(sources)

	_, err = tx.Exec(`UPDATE knowledge_items SET confidence = ?, sources = ?, observations = ?,
		source = ?, updated_at = ? WHERE id = ?`,
		merged, string(sourcesJSON), obs+1, item.Source, now, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to merge knowledge item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit knowledge merge: %w", err)
	}

	logging.KnowledgeDebug("Knowledge item merged: %s conf %.3f -> %.3f obs=%d", id, confidence, merged, obs+1)
	out, err := s.getKnowledgeLocked(id)
	return out, true, err
}

// getKnowledgeLocked fetches an item while s.mu is already held.
func (s *Store) getKnowledgeLocked(id string) (*types.KnowledgeItem, error) {
	row := s.db.QueryRow(knowledgeSelect+" WHERE id = ?", id)
	return scanKnowledge(row)
}

// GetKnowledge fetches an item by id.
func (s *Store) GetKnowledge(id string) (*types.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getKnowledgeLocked(id)
}

const knowledgeSelect = `SELECT id, kind, content, file_pattern, COALESCE(action_type,''),
	confidence, COALESCE(source,''), sources, observations, universal, created_at, updated_at
	FROM knowledge_items`

// QueryKnowledge returns items matching the optional kind and action type,
// ranked by (confidence desc, recency desc). File-pattern matching against
// concrete paths happens in the knowledge package; here the pattern column
// is returned as stored.
func (s *Store) QueryKnowledge(kind types.KnowledgeKind, actionType string, limit int) ([]types.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := knowledgeSelect + " WHERE 1=1"
	args := []interface{}{}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}
	if actionType != "" {
		query += " AND (action_type = ? OR action_type IS NULL OR action_type = '')"
		args = append(args, actionType)
	}
	query += " ORDER BY confidence DESC, updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge: %w", err)
	}
	defer rows.Close()

	var items []types.KnowledgeItem
	for rows.Next() {
		item, err := scanKnowledge(rows)
		if err != nil {
			continue
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// MarkUniversal flags an item as promoted.
func (s *Store) MarkUniversal(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE knowledge_items SET universal = 1, updated_at = ? WHERE id = ?", nowMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark universal: %w", err)
	}
	logging.Knowledge("Knowledge item promoted to universal: %s", id)
	return nil
}

func scanKnowledge(row rowScanner) (*types.KnowledgeItem, error) {
	var item types.KnowledgeItem
	var kind, sourcesRaw string
	var universal int
	var createdAt, updatedAt int64

	err := row.Scan(&item.ID, &kind, &item.Content, &item.FilePattern, &item.ActionType,
		&item.Confidence, &item.Source, &sourcesRaw, &item.Observations, &universal, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan knowledge item: %w", err)
	}

	item.Kind = types.KnowledgeKind(kind)
	item.Universal = universal == 1
	item.CreatedAt = milliToTime(createdAt)
	item.UpdatedAt = milliToTime(updatedAt)
	_ = json.Unmarshal([]byte(sourcesRaw), &item.Sources)
	return &item, nil
}
