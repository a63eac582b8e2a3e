package knowledge

import (
	"math"
	"path/filepath"
	"testing"

	"autoforge/internal/config"
	"autoforge/internal/store"
	"autoforge/internal/types"
)

type fakeBus struct {
	events []types.Event
}

func (f *fakeBus) Publish(e types.Event) error {
	f.events = append(f.events, e)
	return nil
}

func newTestBase(t *testing.T, cfg config.KnowledgeConfig) (*Base, *fakeBus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "kb.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	b := &fakeBus{}
	return NewBase(st, b, cfg), b
}

func TestRecordPublishesDiscoveryOnce(t *testing.T) {
	kb, bus := newTestBase(t, config.KnowledgeConfig{})

	item := types.KnowledgeItem{
		Kind:        types.KnowledgeGotcha,
		Content:     "route order matters in express",
		FilePattern: "server/routes/*.ts",
		Confidence:  0.6,
		Source:      "session-1",
	}
	if _, err := kb.Record(item); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(bus.events) != 1 || bus.events[0].Type != types.EventGotchaDiscovered {
		t.Fatalf("events = %v, want one gotcha.discovered", bus.events)
	}

	// A merge from another session is not a fresh discovery.
	item.Source = "session-2"
	if _, err := kb.Record(item); err != nil {
		t.Fatalf("Record merge: %v", err)
	}
	if len(bus.events) != 1 {
		t.Fatalf("merge republished discovery: %v", bus.events)
	}
}

func TestConfidenceMergeLaw(t *testing.T) {
	const w = 0.3
	kb, _ := newTestBase(t, config.KnowledgeConfig{RecencyWeight: w})

	item := types.KnowledgeItem{
		Kind:       types.KnowledgeGotcha,
		Content:    "sqlite needs busy_timeout",
		Confidence: 0.5,
		Source:     "session-1",
	}
	stored, err := kb.Record(item)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if stored.Confidence != 0.5 || stored.Observations != 1 {
		t.Fatalf("fresh item = conf %v obs %d, want 0.5/1", stored.Confidence, stored.Observations)
	}

	item.Source = "session-2"
	item.Confidence = 0.9
	merged, err := kb.Record(item)
	if err != nil {
		t.Fatalf("Record merge: %v", err)
	}
	want := 0.5*(1-w) + 0.9*w
	if math.Abs(merged.Confidence-want) > 1e-9 {
		t.Fatalf("merged confidence = %v, want %v", merged.Confidence, want)
	}
	if merged.Observations != 2 || len(merged.Sources) != 2 {
		t.Fatalf("merged = obs %d sources %v, want 2/2", merged.Observations, merged.Sources)
	}

	// Repeating from a source already counted changes nothing.
	again, err := kb.Record(item)
	if err != nil {
		t.Fatalf("Record repeat: %v", err)
	}
	if math.Abs(again.Confidence-want) > 1e-9 || again.Observations != 2 {
		t.Fatalf("repeat mutated item: conf %v obs %d", again.Confidence, again.Observations)
	}
}

func TestPromotionToUniversal(t *testing.T) {
	kb, _ := newTestBase(t, config.KnowledgeConfig{
		PromotionThreshold: 0.9,
		MinObservations:    3,
		RecencyWeight:      0.5,
	})

	item := types.KnowledgeItem{
		Kind:       types.KnowledgePattern,
		Content:    "always parameterize sql",
		Confidence: 0.95,
		Source:     "session-1",
	}
	stored, err := kb.Record(item)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if stored.Universal {
		t.Fatal("promoted with one observation")
	}

	item.Source = "session-2"
	if stored, err = kb.Record(item); err != nil {
		t.Fatalf("Record 2: %v", err)
	}
	if stored.Universal {
		t.Fatal("promoted with two observations")
	}

	item.Source = "session-3"
	if stored, err = kb.Record(item); err != nil {
		t.Fatalf("Record 3: %v", err)
	}
	if !stored.Universal {
		t.Fatalf("not promoted at conf %v with %d sources", stored.Confidence, len(stored.Sources))
	}
}

func TestQueryFiltersByPattern(t *testing.T) {
	kb, _ := newTestBase(t, config.KnowledgeConfig{})

	seed := []types.KnowledgeItem{
		{Kind: types.KnowledgeGotcha, Content: "routes gotcha", FilePattern: "server/routes/*.ts", Confidence: 0.6, Source: "s1"},
		{Kind: types.KnowledgeGotcha, Content: "sql gotcha", FilePattern: "*.sql", Confidence: 0.8, Source: "s1"},
		{Kind: types.KnowledgeGotcha, Content: "everywhere", FilePattern: "*", Confidence: 0.4, Source: "s1"},
	}
	for _, item := range seed {
		if _, err := kb.Record(item); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	items, err := kb.Query("server/routes/habits.ts", "", types.KnowledgeGotcha, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, item := range items {
		if item.Content == "sql gotcha" {
			t.Fatal("sql pattern matched a routes path")
		}
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want routes gotcha and wildcard", len(items))
	}
	// Ranked by confidence: routes (0.6) before wildcard (0.4).
	if items[0].Content != "routes gotcha" {
		t.Fatalf("ranking wrong: %v", items)
	}

	// Migration paths pick up the sql pattern via basename matching.
	items, err = kb.Query("database/migrations/001_habits.sql", "", types.KnowledgeGotcha, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	found := false
	for _, item := range items {
		if item.Content == "sql gotcha" {
			found = true
		}
	}
	if !found {
		t.Fatal("sql gotcha not matched for a migration path")
	}
}
