// Package orchestrator drives the task state machine: dependency
// resolution, retry policy, wave spawning under concurrency limits and
// routing per agent type.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autoforge/internal/config"
	"autoforge/internal/logging"
	"autoforge/internal/store"
	"autoforge/internal/types"

	"github.com/google/uuid"
)

// SessionManager is the slice of the session manager the dispatcher
// uses. *session.Manager satisfies it.
type SessionManager interface {
	Spawn(task *types.Task, taskListID string) (string, error)
	ActiveCount() (int, map[types.AgentType]int, error)
	CleanupZombies() (int, error)
}

// LockReaper is the lock service hook the tick calls.
type LockReaper interface {
	Reap() (int64, error)
}

// Publisher publishes task lifecycle events.
type Publisher interface {
	Publish(e types.Event) error
}

// Orchestrator is one dispatcher instance. Several may run against the
// same store; task selection is serialized through compare-and-set
// status transitions.
type Orchestrator struct {
	store     *store.Store
	bus       Publisher
	sessions  SessionManager
	locks     LockReaper
	cfg       config.OrchestratorConfig
	workspace string
	now       func() time.Time
}

// New wires an orchestrator.
func New(st *store.Store, bus Publisher, sm SessionManager, lr LockReaper,
	cfg config.OrchestratorConfig, workspace string) *Orchestrator {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = 5
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 5 * time.Second
	}
	return &Orchestrator{
		store:     st,
		bus:       bus,
		sessions:  sm,
		locks:     lr,
		cfg:       cfg,
		workspace: workspace,
		now:       time.Now,
	}
}

// AddTask validates and persists a new task in pending. Dependency
// references must exist and must not close a cycle.
func (o *Orchestrator) AddTask(t *types.Task) error {
	if t.Title == "" {
		return fmt.Errorf("task has no title")
	}
	if _, err := LookupAgent(t.AgentType); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Complexity == "" {
		t.Complexity = types.ComplexitySimple
	}
	t.Status = types.TaskPending

	if err := o.checkDependencyCycle(t); err != nil {
		return err
	}
	if err := o.store.CreateTask(t); err != nil {
		return err
	}
	logging.Orchestrator("Task added: %s %q (%s)", t.ID, t.Title, t.AgentType)
	return nil
}

// checkDependencyCycle walks the existing dependency graph from the new
// task's dependencies; reaching the new task's id means a cycle.
func (o *Orchestrator) checkDependencyCycle(t *types.Task) error {
	seen := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		if id == t.ID {
			return fmt.Errorf("dependency cycle through task %s", t.ID)
		}
		if seen[id] {
			return nil
		}
		seen[id] = true
		dep, err := o.store.GetTask(id)
		if err == store.ErrNotFound {
			return fmt.Errorf("task %s depends on unknown task %s", t.ID, id)
		}
		if err != nil {
			return err
		}
		for _, next := range dep.Dependencies {
			if err := visit(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range t.Dependencies {
		if err := visit(dep); err != nil {
			return err
		}
	}
	return nil
}

// Run executes dispatcher ticks until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.DispatchInterval)
	defer ticker.Stop()

	logging.Orchestrator("Dispatcher running (interval %v, max sessions %d)",
		o.cfg.DispatchInterval, o.cfg.MaxConcurrentSessions)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				logging.OrchestratorWarn("Tick failed: %v", err)
			}
		}
	}
}

// Tick is one idempotent dispatcher pass: reap, promote, spawn.
func (o *Orchestrator) Tick(ctx context.Context) error {
	if o.locks != nil {
		if _, err := o.locks.Reap(); err != nil {
			logging.OrchestratorWarn("Lock reap failed: %v", err)
		}
	}
	if _, err := o.sessions.CleanupZombies(); err != nil {
		logging.OrchestratorWarn("Zombie cleanup failed: %v", err)
	}

	if err := o.promoteRetries(); err != nil {
		return err
	}
	if err := o.promotePending(); err != nil {
		return err
	}
	return o.spawnWave(ctx)
}

// promoteRetries moves failed tasks whose retry timer elapsed back to
// pending.
func (o *Orchestrator) promoteRetries() error {
	due, err := o.store.RetryDueTasks(o.now())
	if err != nil {
		return err
	}
	for _, t := range due {
		changed, err := o.store.UpdateTaskStatus(t.ID, types.TaskFailed, types.TaskPending)
		if err != nil {
			return err
		}
		if changed {
			logging.Orchestrator("Task %s retry due, back to pending (retry %d)", t.ID, t.RetryCount)
		}
	}
	return nil
}

// promotePending moves pending tasks with satisfied dependencies and
// valid inputs to ready.
func (o *Orchestrator) promotePending() error {
	pending, err := o.store.ListTasks(types.TaskPending)
	if err != nil {
		return err
	}
	for i := range pending {
		t := &pending[i]
		done, err := o.store.DependenciesCompleted(t)
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		if err := ValidateInputs(t); err != nil {
			logging.OrchestratorDebug("Task %s not promotable: %v", t.ID, err)
			continue
		}
		if _, err := o.store.UpdateTaskStatus(t.ID, types.TaskPending, types.TaskReady); err != nil {
			return err
		}
	}
	return nil
}

// spawnWave starts sessions until a concurrency limit is hit.
// Verification sessions for built tasks go first, then ready tasks. The
// ready -> in_progress transition is a compare-and-set, so concurrent
// orchestrators never double-spawn one task.
func (o *Orchestrator) spawnWave(ctx context.Context) error {
	active, perType, err := o.sessions.ActiveCount()
	if err != nil {
		return err
	}
	if err := o.spawnVerifications(ctx, &active, perType); err != nil {
		return err
	}

	ready, err := o.store.RunnableTasks()
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}
	busy, err := o.busyResources()
	if err != nil {
		return err
	}

	for i := range ready {
		if err := ctx.Err(); err != nil {
			return err
		}
		if active >= o.cfg.MaxConcurrentSessions {
			logging.OrchestratorDebug("Concurrency limit %d reached", o.cfg.MaxConcurrentSessions)
			return nil
		}
		t := &ready[i]
		if limit, ok := o.cfg.PerAgentTypeCaps[string(t.AgentType)]; ok && perType[t.AgentType] >= limit {
			continue
		}
		if path, clash := firstOverlap(busy, t.Resources); clash {
			logging.OrchestratorDebug("Task %s waits: resource %s is busy", t.ID, path)
			continue
		}

		won, err := o.store.UpdateTaskStatus(t.ID, types.TaskReady, types.TaskInProgress)
		if err != nil {
			return err
		}
		if !won {
			continue // another orchestrator took it
		}

		sessionID, err := o.sessions.Spawn(t, "")
		if err != nil {
			logging.OrchestratorWarn("Spawn failed for task %s: %v", t.ID, err)
			o.failTask(t, &types.TaskError{Kind: Classify(err.Error()), Message: err.Error()})
			continue
		}
		active++
		perType[t.AgentType]++
		for _, r := range t.Resources {
			busy[r] = true
		}
		o.publish(types.Event{
			Type:   types.EventTaskStarted,
			Source: "orchestrator",
			Payload: map[string]interface{}{
				"task_id":    t.ID,
				"session_id": sessionID,
				"agent_type": string(t.AgentType),
			},
		})
	}
	return nil
}

// spawnVerifications starts a qa session for every pending_verification
// task that does not already have one running.
func (o *Orchestrator) spawnVerifications(ctx context.Context, active *int, perType map[types.AgentType]int) error {
	waiting, err := o.store.ListTasks(types.TaskPendingVerification)
	if err != nil {
		return err
	}
	for i := range waiting {
		if err := ctx.Err(); err != nil {
			return err
		}
		if *active >= o.cfg.MaxConcurrentSessions {
			return nil
		}
		if limit, ok := o.cfg.PerAgentTypeCaps[string(types.AgentQA)]; ok && perType[types.AgentQA] >= limit {
			return nil
		}
		t := &waiting[i]
		if _, err := o.store.ActiveSessionForTask(t.ID); err == nil {
			continue // verification already underway
		}

		qa := *t
		qa.AgentType = types.AgentQA
		sessionID, err := o.sessions.Spawn(&qa, "")
		if err != nil {
			logging.OrchestratorWarn("QA spawn failed for task %s: %v", t.ID, err)
			o.failTask(t, &types.TaskError{Kind: Classify(err.Error()), Message: err.Error()})
			continue
		}
		*active++
		perType[types.AgentQA]++
		o.publish(types.Event{
			Type:   types.EventTaskStarted,
			Source: "orchestrator",
			Payload: map[string]interface{}{
				"task_id":    t.ID,
				"session_id": sessionID,
				"agent_type": string(types.AgentQA),
			},
		})
	}
	return nil
}

// busyResources collects the declared write sets of tasks currently
// executing.
func (o *Orchestrator) busyResources() (map[string]bool, error) {
	running, err := o.store.ListTasks(types.TaskInProgress)
	if err != nil {
		return nil, err
	}
	busy := make(map[string]bool)
	for _, t := range running {
		for _, r := range t.Resources {
			busy[r] = true
		}
	}
	return busy, nil
}

func firstOverlap(busy map[string]bool, resources []string) (string, bool) {
	for _, r := range resources {
		if busy[r] {
			return r, true
		}
	}
	return "", false
}

// OnSessionExit advances the task state machine when a session reaches a
// terminal state. Wired as the session manager's exit callback.
func (o *Orchestrator) OnSessionExit(sessionID string, status types.SessionStatus, exitCode int) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		logging.OrchestratorWarn("Exit for unknown session %s: %v", sessionID, err)
		return
	}
	task, err := o.store.GetTask(sess.TaskID)
	if err != nil {
		logging.OrchestratorWarn("Session %s references unknown task %s", sessionID, sess.TaskID)
		return
	}

	switch status {
	case types.SessionCompleted:
		o.handleSuccess(task, sess)
	case types.SessionFailed:
		msg := fmt.Sprintf("worker exited %d", exitCode)
		if last := o.lastErrorActivity(sessionID); last != "" {
			msg = last
		}
		o.failTask(task, &types.TaskError{Kind: Classify(msg), Message: msg})
	default: // terminated, cancellation or exit 2/other
		o.failTask(task, &types.TaskError{
			Kind:    types.ErrUnknown,
			Message: fmt.Sprintf("session terminated (exit %d)", exitCode),
		})
	}
}

// handleSuccess routes exit 0 by the session's agent type: build moves
// to pending_verification once its completion report exists;
// verification (qa) completes the task; other agent types complete
// directly. The session, not the task, decides the route: a build task
// is verified by a qa session.
func (o *Orchestrator) handleSuccess(task *types.Task, sess *types.Session) {
	switch sess.AgentType {
	case types.AgentBuild:
		report, err := o.readCompletionReport(task.ID)
		if err != nil {
			// Exit 0 with no report is a contract violation.
			o.failTask(task, &types.TaskError{
				Kind:    types.ErrValidation,
				Message: fmt.Sprintf("no completion report: %v", err),
			})
			return
		}
		if err := o.store.SetTaskCompletionReport(task.ID, report); err != nil {
			logging.OrchestratorWarn("Failed to store report for %s: %v", task.ID, err)
		}
		if _, err := o.store.UpdateTaskStatus(task.ID, types.TaskInProgress, types.TaskPendingVerification); err != nil {
			logging.OrchestratorWarn("in_progress->pending_verification for %s: %v", task.ID, err)
			return
		}
		o.publish(types.Event{
			Type:    types.EventBuildCompleted,
			Source:  sess.ID,
			Payload: map[string]interface{}{"task_id": task.ID},
		})

	case types.AgentQA:
		if _, err := o.store.UpdateTaskStatus(task.ID, types.TaskPendingVerification, types.TaskCompleted); err != nil {
			logging.OrchestratorWarn("pending_verification->completed for %s: %v", task.ID, err)
			return
		}
		o.completeTask(task, sess.ID)

	default:
		if _, err := o.store.UpdateTaskStatus(task.ID, types.TaskInProgress, types.TaskCompleted); err != nil {
			logging.OrchestratorWarn("in_progress->completed for %s: %v", task.ID, err)
			return
		}
		o.completeTask(task, sess.ID)
	}
}

func (o *Orchestrator) completeTask(task *types.Task, sessionID string) {
	logging.Orchestrator("Task %s completed", task.ID)
	o.publish(types.Event{
		Type:    types.EventTaskCompleted,
		Source:  sessionID,
		Payload: map[string]interface{}{"task_id": task.ID},
	})
}

// FailTask pushes an externally detected failure (deadline overruns from
// the monitor) through the retry policy.
func (o *Orchestrator) FailTask(taskID string, taskErr *types.TaskError) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	o.failTask(task, taskErr)
	return nil
}

// failTask records the error and either schedules a retry or blocks the
// task when the policy is exhausted.
func (o *Orchestrator) failTask(task *types.Task, taskErr *types.TaskError) {
	if err := o.store.SetTaskError(task.ID, taskErr); err != nil {
		logging.OrchestratorWarn("Failed to record error for %s: %v", task.ID, err)
	}

	// The task may sit in in_progress, pending_verification or ready
	// depending on where the failure surfaced.
	for _, from := range []types.TaskStatus{types.TaskInProgress, types.TaskPendingVerification, types.TaskReady} {
		if changed, _ := o.store.UpdateTaskStatus(task.ID, from, types.TaskFailed); changed {
			break
		}
	}

	o.publish(types.Event{
		Type:   types.EventTaskFailed,
		Source: "orchestrator",
		Payload: map[string]interface{}{
			"task_id":    task.ID,
			"error_kind": string(taskErr.Kind),
			"message":    taskErr.Message,
		},
	})

	delay, ok := RetryDelay(taskErr.Kind, task.RetryCount)
	if !ok {
		if _, err := o.store.UpdateTaskStatus(task.ID, types.TaskFailed, types.TaskBlocked); err != nil {
			logging.OrchestratorWarn("failed->blocked for %s: %v", task.ID, err)
		}
		logging.OrchestratorWarn("Task %s blocked after %d retries (%s)", task.ID, task.RetryCount, taskErr.Kind)
		o.publish(types.Event{
			Type:   types.EventAlertEscalation,
			Source: "orchestrator",
			Payload: map[string]interface{}{
				"task_id":    task.ID,
				"error_kind": string(taskErr.Kind),
				"retries":    task.RetryCount,
			},
		})
		return
	}

	next := o.now().Add(delay)
	if err := o.store.SetTaskRetry(task.ID, task.RetryCount+1, next); err != nil {
		logging.OrchestratorWarn("Failed to schedule retry for %s: %v", task.ID, err)
		return
	}
	logging.Orchestrator("Task %s will retry in %v (attempt %d, %s)", task.ID, delay, task.RetryCount+1, taskErr.Kind)
}

// readCompletionReport loads the worker's report for a task from the
// reports directory.
func (o *Orchestrator) readCompletionReport(taskID string) (string, error) {
	path := filepath.Join(o.workspace, ".autoforge", "reports", taskID+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// lastErrorActivity returns the most recent error_occurred detail for a
// session, for classification.
func (o *Orchestrator) lastErrorActivity(sessionID string) string {
	acts, err := o.store.RecentActivities(sessionID, 200)
	if err != nil {
		return ""
	}
	for i := len(acts) - 1; i >= 0; i-- {
		if acts[i].Kind == types.ActivityErrorOccurred {
			return acts[i].Details
		}
	}
	return ""
}

func (o *Orchestrator) publish(e types.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(e); err != nil {
		logging.OrchestratorWarn("Failed to publish %s: %v", e.Type, err)
	}
}
