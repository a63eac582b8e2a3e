package plan

import (
	"strings"
	"testing"

	"autoforge/internal/types"
)

func TestScheduleSingleFileOnePhase(t *testing.T) {
	e := NewEngine(newFakeVCS(), &fakeLocker{}, nil, nil)

	phases, err := e.Schedule([]FileChange{
		{Path: "database/migrations/001_habits.sql", Operation: OpCreate},
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(phases) != 1 {
		t.Fatalf("got %d phases, want 1", len(phases))
	}
	if len(phases[0].Files) != 1 {
		t.Fatalf("phase 0 has %d files, want 1", len(phases[0].Files))
	}
}

func TestSchedulePhaseDepth(t *testing.T) {
	e := NewEngine(newFakeVCS(), &fakeLocker{}, nil, nil)

	changes := []FileChange{
		{Path: "server/types/habit.ts", Operation: OpCreate},
		{Path: "database/migrations/001_habit.sql", Operation: OpCreate},
		{Path: "server/routes/habits.ts", Operation: OpCreate,
			Dependencies: []string{"server/types/habit.ts", "database/migrations/001_habit.sql"}},
		{Path: "ui/components/Habit.tsx", Operation: OpCreate,
			Dependencies: []string{"server/routes/habits.ts"}},
	}
	phases, err := e.Schedule(changes)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(phases) != 3 {
		t.Fatalf("got %d phases, want 3", len(phases))
	}
	if len(phases[0].Files) != 2 {
		t.Fatalf("phase 0 has %d files, want the migration and the type file", len(phases[0].Files))
	}
	if phases[1].Files[0].Path != "server/routes/habits.ts" {
		t.Fatalf("phase 1 = %s, want routes", phases[1].Files[0].Path)
	}
	if phases[2].Files[0].Path != "ui/components/Habit.tsx" {
		t.Fatalf("phase 2 = %s, want component", phases[2].Files[0].Path)
	}
	if !phases[0].CanRunInParallel {
		t.Fatal("independent files in phase 0 not marked parallelizable")
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	e := NewEngine(newFakeVCS(), &fakeLocker{}, nil, nil)

	_, err := e.Schedule([]FileChange{
		{Path: "a.ts", Dependencies: []string{"b.ts"}},
		{Path: "b.ts", Dependencies: []string{"a.ts"}},
	})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Schedule = %v, want cycle error", err)
	}
}

func TestValidateRejectsDanglingDependency(t *testing.T) {
	e := NewEngine(newFakeVCS(), &fakeLocker{}, nil, nil)

	_, err := e.Schedule([]FileChange{
		{Path: "server/routes/habits.ts", Dependencies: []string{"server/types/habit.ts"}},
	})
	if err == nil {
		t.Fatal("Schedule accepted a dependency that neither exists nor is planned")
	}
}

func TestValidateAcceptsExistingDependency(t *testing.T) {
	v := newFakeVCS()
	v.files["server/types/habit.ts"] = []byte("interface Habit {}")
	e := NewEngine(v, &fakeLocker{}, nil, nil)

	phases, err := e.Schedule([]FileChange{
		{Path: "server/routes/habits.ts", Operation: OpCreate,
			Dependencies: []string{"server/types/habit.ts"}},
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(phases) != 1 {
		t.Fatalf("got %d phases, want 1", len(phases))
	}
}

func TestIdentifyLayerRules(t *testing.T) {
	e := NewEngine(newFakeVCS(), &fakeLocker{}, nil, nil)

	changes, err := e.Identify(Feature{
		ID:       "F-001",
		Entities: []string{"habit"},
		Areas:    []types.Layer{types.LayerDatabase, types.LayerAPI, types.LayerUI},
	})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}

	byPath := make(map[string]FileChange, len(changes))
	for _, c := range changes {
		byPath[c.Path] = c
	}
	routes, ok := byPath["server/routes/habits.ts"]
	if !ok {
		t.Fatalf("no routes change in %v", changes)
	}
	wantDeps := map[string]bool{
		"server/types/habit.ts":              true,
		"database/migrations/001_habit.sql":  true,
	}
	for _, d := range routes.Dependencies {
		if !wantDeps[d] {
			t.Fatalf("unexpected routes dependency %s", d)
		}
		delete(wantDeps, d)
	}
	if len(wantDeps) != 0 {
		t.Fatalf("routes missing dependencies: %v", wantDeps)
	}
	comp, ok := byPath["ui/components/Habit.tsx"]
	if !ok || len(comp.Dependencies) != 1 || comp.Dependencies[0] != "server/routes/habits.ts" {
		t.Fatalf("component change wrong: %+v", comp)
	}
}
