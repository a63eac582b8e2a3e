package store

import (
	"path/filepath"
	"testing"
	"time"

	"autoforge/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskStatusCAS(t *testing.T) {
	s := openTestStore(t)

	task := &types.Task{Title: "cas", AgentType: types.AgentBuild}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	changed, err := s.UpdateTaskStatus(task.ID, types.TaskPending, types.TaskReady)
	if err != nil || !changed {
		t.Fatalf("pending->ready = (%v, %v), want (true, nil)", changed, err)
	}

	// Second CAS from the stale state must lose.
	changed, err = s.UpdateTaskStatus(task.ID, types.TaskPending, types.TaskReady)
	if err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	if changed {
		t.Fatal("stale CAS succeeded, want rejection")
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskReady {
		t.Fatalf("status = %s, want ready", got.Status)
	}
}

func TestCompletedTaskIsFinal(t *testing.T) {
	s := openTestStore(t)

	task := &types.Task{Title: "final", AgentType: types.AgentBuild, Status: types.TaskCompleted}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	changed, err := s.UpdateTaskStatus(task.ID, types.TaskCompleted, types.TaskPending)
	if err == nil && changed {
		t.Fatal("completed task transitioned away, want rejection")
	}
}

func TestSingleActiveSessionPerTask(t *testing.T) {
	s := openTestStore(t)

	task := &types.Task{Title: "one-session", AgentType: types.AgentBuild}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	first := &types.Session{ID: "s1", TaskID: task.ID, AgentType: types.AgentBuild, Status: types.SessionSpawning, SpawnedAt: time.Now()}
	if err := s.CreateSession(first); err != nil {
		t.Fatalf("CreateSession first: %v", err)
	}

	second := &types.Session{ID: "s2", TaskID: task.ID, AgentType: types.AgentBuild, Status: types.SessionSpawning, SpawnedAt: time.Now()}
	if err := s.CreateSession(second); err == nil {
		t.Fatal("second active session for same task accepted, want error")
	}

	// After the first finishes, a new one is allowed.
	if err := s.FinishSession("s1", types.SessionCompleted, 0); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	if err := s.CreateSession(second); err != nil {
		t.Fatalf("CreateSession after finish: %v", err)
	}
}

func TestTerminalSessionStateIsWriteOnce(t *testing.T) {
	s := openTestStore(t)

	task := &types.Task{Title: "terminal", AgentType: types.AgentBuild}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	sess := &types.Session{ID: "s1", TaskID: task.ID, AgentType: types.AgentBuild, Status: types.SessionRunning, SpawnedAt: time.Now()}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := s.FinishSession("s1", types.SessionFailed, 1); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	// Repeat with a different terminal state must not overwrite.
	_ = s.FinishSession("s1", types.SessionCompleted, 0)

	got, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != types.SessionFailed {
		t.Fatalf("status = %s, want failed (write-once)", got.Status)
	}
}

func TestHeartbeatMonotonicity(t *testing.T) {
	s := openTestStore(t)

	task := &types.Task{Title: "hb", AgentType: types.AgentBuild}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	sess := &types.Session{ID: "s1", TaskID: task.ID, AgentType: types.AgentBuild, Status: types.SessionRunning, SpawnedAt: time.Now()}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	base := time.Now()
	accepted, err := s.RecordHeartbeat(types.Heartbeat{SessionID: "s1", Status: "running", Timestamp: base})
	if err != nil || !accepted {
		t.Fatalf("first heartbeat = (%v, %v), want (true, nil)", accepted, err)
	}

	// Older timestamp must be dropped.
	accepted, err = s.RecordHeartbeat(types.Heartbeat{SessionID: "s1", Status: "running", Timestamp: base.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	if accepted {
		t.Fatal("out-of-order heartbeat accepted")
	}

	got, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.LastHeartbeatAt.UnixMilli() != base.UnixMilli() {
		t.Fatalf("last_heartbeat_at = %v, want %v", got.LastHeartbeatAt, base)
	}
}

func TestAppendEventIdempotent(t *testing.T) {
	s := openTestStore(t)

	e := &types.Event{ID: "e1", Type: "task.started", Source: "test", Timestamp: time.Now()}
	inserted, err := s.AppendEvent(e)
	if err != nil || !inserted {
		t.Fatalf("first append = (%v, %v), want (true, nil)", inserted, err)
	}
	inserted, err = s.AppendEvent(e)
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if inserted {
		t.Fatal("duplicate event id inserted twice")
	}

	n, err := s.CountEventsByType("task.started")
	if err != nil || n != 1 {
		t.Fatalf("count = (%d, %v), want (1, nil)", n, err)
	}
}

func TestDependenciesCompleted(t *testing.T) {
	s := openTestStore(t)

	dep := &types.Task{Title: "dep", AgentType: types.AgentBuild}
	if err := s.CreateTask(dep); err != nil {
		t.Fatalf("CreateTask dep: %v", err)
	}
	child := &types.Task{Title: "child", AgentType: types.AgentBuild, Dependencies: []string{dep.ID}}
	if err := s.CreateTask(child); err != nil {
		t.Fatalf("CreateTask child: %v", err)
	}

	done, err := s.DependenciesCompleted(child)
	if err != nil {
		t.Fatalf("DependenciesCompleted: %v", err)
	}
	if done {
		t.Fatal("dependencies reported complete while dep is pending")
	}

	for _, step := range [][2]types.TaskStatus{
		{types.TaskPending, types.TaskReady},
		{types.TaskReady, types.TaskInProgress},
		{types.TaskInProgress, types.TaskCompleted},
	} {
		if _, err := s.UpdateTaskStatus(dep.ID, step[0], step[1]); err != nil {
			t.Fatalf("transition %s->%s: %v", step[0], step[1], err)
		}
	}

	done, err = s.DependenciesCompleted(child)
	if err != nil || !done {
		t.Fatalf("DependenciesCompleted = (%v, %v), want (true, nil)", done, err)
	}
}
