// Package knowledge is the persistent cross-session memory: gotchas,
// patterns and decisions with confidence merging and promotion of
// well-corroborated items to universal patterns.
package knowledge

import (
	"fmt"
	"path"
	"strings"

	"autoforge/internal/config"
	"autoforge/internal/logging"
	"autoforge/internal/store"
	"autoforge/internal/types"
)

// Publisher is the slice of the event bus the knowledge base needs.
type Publisher interface {
	Publish(e types.Event) error
}

// Base answers knowledge queries and records new observations.
type Base struct {
	store *store.Store
	bus   Publisher
	cfg   config.KnowledgeConfig
}

// NewBase creates the knowledge base. The bus may be nil in tests;
// recording then skips the discovery events.
func NewBase(st *store.Store, bus Publisher, cfg config.KnowledgeConfig) *Base {
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = 0.9
	}
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = 3
	}
	if cfg.RecencyWeight <= 0 || cfg.RecencyWeight >= 1 {
		cfg.RecencyWeight = 0.3
	}
	return &Base{store: st, bus: bus, cfg: cfg}
}

// Query returns items relevant to a concrete file path and action type,
// ranked by (confidence desc, recency desc). Universal items match every
// path. An empty filePath skips pattern filtering.
func (b *Base) Query(filePath, actionType string, kind types.KnowledgeKind, limit int) ([]types.KnowledgeItem, error) {
	items, err := b.store.QueryKnowledge(kind, actionType, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge base: %w", err)
	}

	if limit <= 0 {
		limit = 20
	}
	var out []types.KnowledgeItem
	for _, item := range items {
		if filePath != "" && !item.Universal && !matchPattern(item.FilePattern, filePath) {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	logging.KnowledgeDebug("Query %q/%s/%s matched %d items", filePath, actionType, kind, len(out))
	return out, nil
}

// matchPattern matches a glob against a path; "**/" prefixes are
// normalized so "**/*.sql" matches any depth.
func matchPattern(pattern, filePath string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if ok, _ := path.Match(pattern, filePath); ok {
		return true
	}
	// Try against the basename for patterns like "*.sql".
	if ok, _ := path.Match(pattern, path.Base(filePath)); ok {
		return true
	}
	if rest, found := strings.CutPrefix(pattern, "**/"); found {
		if ok, _ := path.Match(rest, path.Base(filePath)); ok {
			return true
		}
	}
	return false
}

// Record stores one observation. Colliding items (same kind and content)
// merge confidence with the configured recency weight; a merged item that
// crosses the promotion bar becomes universal. A discovery event is
// published for fresh items only, never for merges.
func (b *Base) Record(item types.KnowledgeItem) (*types.KnowledgeItem, error) {
	if item.Content == "" {
		return nil, fmt.Errorf("knowledge item content is empty")
	}
	if item.Confidence < 0 || item.Confidence > 1 {
		return nil, fmt.Errorf("knowledge confidence %v out of [0,1]", item.Confidence)
	}
	if item.Kind == "" {
		item.Kind = types.KnowledgeGotcha
	}

	stored, merged, err := b.store.UpsertKnowledge(item, b.cfg.RecencyWeight)
	if err != nil {
		return nil, err
	}

	if b.promotable(stored) {
		if err := b.store.MarkUniversal(stored.ID); err != nil {
			return nil, err
		}
		stored.Universal = true
	}

	if !merged && b.bus != nil {
		eventType := types.EventGotchaDiscovered
		if stored.Kind == types.KnowledgePattern {
			eventType = types.EventPatternExtracted
		}
		err := b.bus.Publish(types.Event{
			Type:   eventType,
			Source: item.Source,
			Payload: map[string]interface{}{
				"knowledge_id": stored.ID,
				"kind":         string(stored.Kind),
				"file_pattern": stored.FilePattern,
				"confidence":   stored.Confidence,
			},
		})
		if err != nil {
			logging.Get(logging.CategoryKnowledge).Error("Failed to publish discovery for %s: %v", stored.ID, err)
		}
	}
	return stored, nil
}

// promotable reports whether an item clears the universal-pattern bar:
// confidence at or above the threshold and observations from enough
// distinct sessions.
func (b *Base) promotable(item *types.KnowledgeItem) bool {
	if item.Universal {
		return false
	}
	return item.Confidence >= b.cfg.PromotionThreshold && len(item.Sources) >= b.cfg.MinObservations
}

// Get fetches one item by id.
func (b *Base) Get(id string) (*types.KnowledgeItem, error) {
	return b.store.GetKnowledge(id)
}
