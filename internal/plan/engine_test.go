package plan

import (
	"context"
	"sort"
	"testing"

	"autoforge/internal/types"
)

func buildTestPlan(t *testing.T, e *Engine, changes []FileChange) *Plan {
	t.Helper()
	p, err := e.BuildFromChanges("F-001", changes)
	if err != nil {
		t.Fatalf("BuildFromChanges: %v", err)
	}
	return p
}

func TestExecuteHappyPath(t *testing.T) {
	v := newFakeVCS()
	l := &fakeLocker{}
	e := NewEngine(v, l, nil, nil)

	p := buildTestPlan(t, e, []FileChange{
		{Path: "server/types/user.ts", Operation: OpCreate, Content: []byte("interface User {}")},
		{Path: "server/routes/users.ts", Operation: OpCreate, Content: []byte("// routes"),
			Dependencies: []string{"server/types/user.ts"}},
	})

	res, err := e.Execute(context.Background(), p, "session-1", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusCommitted {
		t.Fatalf("status = %s, want committed (err: %+v)", res.Status, res.Err)
	}
	if res.CommitRef == "" {
		t.Fatal("no commit ref on success")
	}
	if !v.Exists("server/types/user.ts") || !v.Exists("server/routes/users.ts") {
		t.Fatal("files missing after committed plan")
	}
	if len(l.released) != 2 {
		t.Fatalf("released %d locks, want 2", len(l.released))
	}
}

func TestExecuteLockOrderIsLexicographic(t *testing.T) {
	v := newFakeVCS()
	l := &fakeLocker{}
	e := NewEngine(v, l, nil, nil)

	p := buildTestPlan(t, e, []FileChange{
		{Path: "z/last.ts", Operation: OpCreate, Content: []byte("z")},
		{Path: "a/first.ts", Operation: OpCreate, Content: []byte("a")},
		{Path: "m/middle.ts", Operation: OpCreate, Content: []byte("m")},
	})

	if _, err := e.Execute(context.Background(), p, "s", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !sort.StringsAreSorted(l.acquired) {
		t.Fatalf("locks acquired out of order: %v", l.acquired)
	}
}

func TestExecuteConflictReleasesEverything(t *testing.T) {
	v := newFakeVCS()
	l := &fakeLocker{conflictOn: "b/second.ts"}
	e := NewEngine(v, l, nil, nil)

	p := buildTestPlan(t, e, []FileChange{
		{Path: "a/first.ts", Operation: OpCreate, Content: []byte("a")},
		{Path: "b/second.ts", Operation: OpCreate, Content: []byte("b")},
	})

	res, err := e.Execute(context.Background(), p, "s", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusConflict {
		t.Fatalf("status = %s, want resource_conflict", res.Status)
	}
	if res.Err == nil || res.Err.Kind != types.ErrResourceConflict {
		t.Fatalf("error = %+v, want resource_conflict kind", res.Err)
	}
	if len(l.released) != len(l.acquired) {
		t.Fatalf("released %v but acquired %v", l.released, l.acquired)
	}
	if v.Exists("a/first.ts") {
		t.Fatal("file written despite lock conflict")
	}
}

func TestExecuteFailureRollsBackCompletely(t *testing.T) {
	v := newFakeVCS()
	v.failOn = "server/routes/users.ts"
	e := NewEngine(v, &fakeLocker{}, nil, nil)

	p := buildTestPlan(t, e, []FileChange{
		{Path: "server/types/user.ts", Operation: OpCreate, Content: []byte("interface User {}")},
		{Path: "server/routes/users.ts", Operation: OpCreate, Content: []byte("// routes"),
			Dependencies: []string{"server/types/user.ts"}},
	})

	startStatus, _ := v.Status(context.Background())
	res, err := e.Execute(context.Background(), p, "s", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", res.Status)
	}
	if v.Exists("server/types/user.ts") || v.Exists("server/routes/users.ts") {
		t.Fatal("files survived rollback")
	}
	endStatus, _ := v.Status(context.Background())
	if startStatus != endStatus {
		t.Fatalf("tree status changed across rollback: %q -> %q", startStatus, endStatus)
	}
	for _, a := range res.Rollback {
		if a.Status != "success" {
			t.Fatalf("rollback action %+v not successful", a)
		}
	}
}

func TestCommitFailureRollsBackIndex(t *testing.T) {
	v := newFakeVCS()
	v.failCommit = true
	e := NewEngine(v, &fakeLocker{}, nil, nil)

	p := buildTestPlan(t, e, []FileChange{
		{Path: "server/types/user.ts", Operation: OpCreate, Content: []byte("interface User {}")},
	})

	startStatus, _ := v.Status(context.Background())
	res, err := e.Execute(context.Background(), p, "s", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back (err: %+v)", res.Status, res.Err)
	}
	if len(v.staged) != 0 {
		t.Fatalf("index still holds %v after rollback", v.staged)
	}
	endStatus, _ := v.Status(context.Background())
	if startStatus != endStatus {
		t.Fatalf("tree status changed across rollback: %q -> %q", startStatus, endStatus)
	}
}

func TestExecuteRestoresModifiedFiles(t *testing.T) {
	v := newFakeVCS()
	v.files["server/types/user.ts"] = []byte("original")
	if _, err := v.Commit(context.Background(), "seed"); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	v.failOn = "boom.ts"
	e := NewEngine(v, &fakeLocker{}, nil, nil)

	p := buildTestPlan(t, e, []FileChange{
		{Path: "server/types/user.ts", Operation: OpModify, Content: []byte("changed")},
		{Path: "boom.ts", Operation: OpCreate, Content: []byte("x"),
			Dependencies: []string{"server/types/user.ts"}},
	})

	res, err := e.Execute(context.Background(), p, "s", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", res.Status)
	}
	if string(v.files["server/types/user.ts"]) != "original" {
		t.Fatalf("modified file = %q after rollback, want original content", v.files["server/types/user.ts"])
	}
}

func TestValidatorFailureTriggersRollback(t *testing.T) {
	v := newFakeVCS()
	e := NewEngine(v, &fakeLocker{}, nil, nil)

	p := buildTestPlan(t, e, []FileChange{
		{Path: "a.ts", Operation: OpCreate, Content: []byte("a")},
	})

	res, err := e.Execute(context.Background(), p, "s",
		func(ctx context.Context, phase Phase) error {
			return context.DeadlineExceeded
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", res.Status)
	}
	if res.Err == nil || res.Err.Kind != types.ErrValidation {
		t.Fatalf("error = %+v, want validation_error", res.Err)
	}
	if v.Exists("a.ts") {
		t.Fatal("file survived validator-triggered rollback")
	}
}

func TestRollbackIsIdempotent(t *testing.T) {
	v := newFakeVCS()
	e := NewEngine(v, &fakeLocker{}, nil, nil)

	startRef, _ := v.CurrentRef(context.Background())
	startStatus, _ := v.Status(context.Background())

	_ = v.WriteFile("new.ts", []byte("x"))
	actions := []RollbackAction{{File: "new.ts", Action: RollbackDelete, Status: "pending"}}

	for i := 0; i < 2; i++ {
		if err := e.Rollback(context.Background(), actions, startRef, startStatus); err != nil {
			t.Fatalf("rollback pass %d: %v", i, err)
		}
	}
}
