package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autoforge/internal/plan"
	"autoforge/internal/store"
	"autoforge/internal/types"
)

const habitsMigration = `CREATE TABLE habits (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	done BOOLEAN,
	created_at TIMESTAMP,
	UNIQUE(name)
);`

const habitsInterface = `export interface habits {
	id: number;
	name: string;
	done: boolean;
	created_at: string;
}`

func TestValidateTypeMapping(t *testing.T) {
	if err := ValidateTypeMapping(habitsMigration, habitsInterface); err != nil {
		t.Fatalf("matching schema rejected: %v", err)
	}
}

func TestValidateTypeMappingMismatches(t *testing.T) {
	cases := map[string]string{
		"missing field": `export interface habits { id: number; name: string; done: boolean; }`,
		"wrong type":    `export interface habits { id: string; name: string; done: boolean; created_at: string; }`,
	}
	for name, iface := range cases {
		if err := ValidateTypeMapping(habitsMigration, iface); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestParseSQLColumnsSkipsConstraints(t *testing.T) {
	table, cols, err := ParseSQLColumns(habitsMigration)
	if err != nil {
		t.Fatalf("ParseSQLColumns: %v", err)
	}
	if table != "habits" {
		t.Fatalf("table = %q", table)
	}
	if _, ok := cols["UNIQUE"]; ok {
		t.Fatal("constraint parsed as column")
	}
	if cols["done"] != "BOOLEAN" || cols["id"] != "INTEGER" {
		t.Fatalf("columns = %v", cols)
	}
}

const habitsRoutes = `import { Router } from 'express';
const router = Router();
router.get('/api/habits', listHabits);
router.post('/api/habits', createHabit);
router.delete('/api/habits/:id', deleteHabit);
export default router;`

func TestValidateUIContract(t *testing.T) {
	component := `export function HabitList() {
		const load = () => fetch('/api/habits');
		const add = (h) => fetch('/api/habits', { method: 'POST', body: JSON.stringify(h) });
	}`
	if err := ValidateUIContract(habitsRoutes, component); err != nil {
		t.Fatalf("matching contract rejected: %v", err)
	}
}

func TestValidateUIContractMismatches(t *testing.T) {
	cases := map[string]string{
		"undeclared path":   `fetch('/api/streaks')`,
		"undeclared method": `fetch('/api/habits', { method: 'PUT' })`,
		"helper mismatch":   `api.patch('/api/habits/7')`,
	}
	for name, src := range cases {
		if err := ValidateUIContract(habitsRoutes, src); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}

	// A param segment matches any concrete segment, same method.
	if err := ValidateUIContract(habitsRoutes, `api.delete('/api/habits/7')`); err != nil {
		t.Fatalf("param route rejected: %v", err)
	}
	// A component without API calls has nothing to break.
	if err := ValidateUIContract(habitsRoutes, `export function Static() { return null; }`); err != nil {
		t.Fatalf("static component rejected: %v", err)
	}
}

func TestLayerOf(t *testing.T) {
	cases := map[string]types.Layer{
		"database/migrations/001_habits.sql": types.LayerDatabase,
		"server/types/habit.ts":              types.LayerAPI,
		"server/routes/habits.ts":            types.LayerAPI,
		"ui/components/HabitList.tsx":        types.LayerUI,
	}
	for path, want := range cases {
		if got := LayerOf(path); got != want {
			t.Errorf("LayerOf(%s) = %s, want %s", path, got, want)
		}
	}
}

// layerVCS commits everything until failAfter commits, then errors writes.
type layerVCS struct {
	files   map[string][]byte
	commits int
	failAt  string // path prefix whose writes fail
}

func newLayerVCS() *layerVCS { return &layerVCS{files: make(map[string][]byte)} }

func (v *layerVCS) CurrentRef(context.Context) (string, error) {
	return fmt.Sprintf("ref-%d", v.commits), nil
}
func (v *layerVCS) Status(context.Context) (string, error) { return "", nil }
func (v *layerVCS) FileLastRef(_ context.Context, path string) (string, error) {
	return "ref-0", nil
}
func (v *layerVCS) Stage(context.Context, ...string) error   { return nil }
func (v *layerVCS) Unstage(context.Context, ...string) error { return nil }
func (v *layerVCS) Commit(_ context.Context, _ string) (string, error) {
	v.commits++
	return fmt.Sprintf("ref-%d", v.commits), nil
}
func (v *layerVCS) CheckoutFile(_ context.Context, _, path string) error {
	delete(v.files, path)
	return nil
}
func (v *layerVCS) WriteFile(path string, content []byte) error {
	if v.failAt != "" && strings.HasPrefix(path, v.failAt) {
		return fmt.Errorf("write refused for %s", path)
	}
	v.files[path] = content
	return nil
}
func (v *layerVCS) DeleteFile(path string) error {
	delete(v.files, path)
	return nil
}
func (v *layerVCS) Exists(path string) bool {
	_, ok := v.files[path]
	return ok
}
func (v *layerVCS) ExistsPrefix(prefix string) bool {
	for p := range v.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

type noopLocker struct{}

func (noopLocker) Acquire(string, string) error          { return nil }
func (noopLocker) ReleaseAll([]string, string) error     { return nil }

func TestRunFeatureStopsAtFailedLayer(t *testing.T) {
	v := newLayerVCS()
	v.failAt = "server/" // API layer writes fail; DB succeeds, UI never runs
	engine := plan.NewEngine(v, noopLocker{}, nil, nil)
	c := New(engine, nil, nil)

	res, err := c.RunFeature(context.Background(), plan.Feature{
		ID:       "F-001",
		Entities: []string{"habit"},
		Areas:    []types.Layer{types.LayerDatabase, types.LayerAPI, types.LayerUI},
	}, "", "session-1")
	if err != nil {
		t.Fatalf("RunFeature: %v", err)
	}

	if res.FailedLayer != types.LayerAPI {
		t.Fatalf("failed layer = %s, want api", res.FailedLayer)
	}
	if len(res.Layers) != 2 {
		t.Fatalf("ran %d layers, want 2 (db committed, api rolled back, ui skipped)", len(res.Layers))
	}
	if res.Layers[0].Result.Status != plan.StatusCommitted {
		t.Fatalf("db layer = %s, want committed and preserved", res.Layers[0].Result.Status)
	}
	if res.Layers[1].Result.Status != plan.StatusRolledBack {
		t.Fatalf("api layer = %s, want rolled_back", res.Layers[1].Result.Status)
	}
	// The DB layer's migration survives the API failure.
	if !v.ExistsPrefix("database/migrations/") {
		t.Fatal("committed db layer was rolled back")
	}
}

func TestRunChangesFlagsUIContractBreach(t *testing.T) {
	v := newLayerVCS()
	engine := plan.NewEngine(v, noopLocker{}, nil, nil)
	c := New(engine, nil, nil)

	changes := []plan.FileChange{
		{Path: "server/routes/habits.ts", Operation: plan.OpCreate, Content: []byte(habitsRoutes)},
		{Path: "ui/components/HabitList.tsx", Operation: plan.OpCreate,
			Content: []byte(`const load = () => fetch('/api/streaks');`)},
	}
	res, err := c.RunChanges(context.Background(), "F-002", changes, "", "session-1", nil)
	if err != nil {
		t.Fatalf("RunChanges: %v", err)
	}
	if !res.ValidationFailed {
		t.Fatal("ui calling an undeclared endpoint passed the contract check")
	}
	// Review keeps the committed work in place for inspection.
	if !v.Exists("ui/components/HabitList.tsx") || !v.Exists("server/routes/habits.ts") {
		t.Fatal("committed layers rolled back on review flag")
	}
}

func TestFlagForReviewSetsNeedsReview(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "coord.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	task := &types.Task{Title: "validate me", AgentType: types.AgentBuild}
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for _, step := range [][2]types.TaskStatus{
		{types.TaskPending, types.TaskReady},
		{types.TaskReady, types.TaskInProgress},
	} {
		if _, err := st.UpdateTaskStatus(task.ID, step[0], step[1]); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	c := New(nil, st, nil)
	out := &FeatureResult{FeatureID: "F-001"}
	if _, err := c.flagForReview(out, task.ID, fmt.Errorf("column habits.done has no field")); err != nil {
		t.Fatalf("flagForReview: %v", err)
	}

	got, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskNeedsReview {
		t.Fatalf("status = %s, want needs_review (work preserved, no rollback)", got.Status)
	}
	if got.LastError == nil || got.LastError.Kind != types.ErrValidation {
		t.Fatalf("last error = %+v, want validation_error", got.LastError)
	}
	if time.Since(got.UpdatedAt) > time.Minute {
		t.Fatalf("updated_at stale: %v", got.UpdatedAt)
	}
}
