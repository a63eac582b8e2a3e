// Package monitor watches heartbeats and task wall clocks: it warns on
// quiet sessions, alerts on stuck ones, interrupts the hopeless, and
// fails tasks that blow their deadline. It also runs retention cleanup.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autoforge/internal/config"
	"autoforge/internal/logging"
	"autoforge/internal/store"
	"autoforge/internal/types"
)

// Canceller cancels a session. *session.Manager satisfies it.
type Canceller interface {
	Cancel(sessionID, reason string) error
}

// Publisher publishes alerts.
type Publisher interface {
	Publish(e types.Event) error
}

// TaskFailer pushes a deadline overrun back through the retry policy.
// *orchestrator.Orchestrator's failTask path is exposed through this.
type TaskFailer interface {
	FailTask(taskID string, taskErr *types.TaskError) error
}

// Monitor is the project-manager loop.
type Monitor struct {
	store    *store.Store
	bus      Publisher
	sessions Canceller
	failer   TaskFailer
	cfg      config.MonitorConfig
	now      func() time.Time

	warned map[string]bool // session id -> warn alert already raised
}

// New wires a monitor. The clock is injectable for tests.
func New(st *store.Store, bus Publisher, sessions Canceller, failer TaskFailer, cfg config.MonitorConfig) *Monitor {
	return &Monitor{
		store:    st,
		bus:      bus,
		sessions: sessions,
		failer:   failer,
		cfg:      cfg,
		now:      time.Now,
		warned:   make(map[string]bool),
	}
}

// Run polls until the context is cancelled. Retention cleanup piggybacks
// on the poll at a daily cadence.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	lastCleanup := m.now()
	logging.Monitor("Monitor running (poll %v, thresholds %v/%v/%v)",
		m.cfg.PollInterval, m.cfg.WarnThreshold, m.cfg.StuckThreshold, m.cfg.InterruptThreshold)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Poll(); err != nil {
				logging.Monitor("Poll failed: %v", err)
			}
			if m.now().Sub(lastCleanup) >= 24*time.Hour {
				m.runCleanup()
				lastCleanup = m.now()
			}
		}
	}
}

// Poll runs one pass of stuck detection and deadline enforcement.
func (m *Monitor) Poll() error {
	if err := m.checkSessions(); err != nil {
		return err
	}
	return m.checkDeadlines()
}

// checkSessions applies the tiered heartbeat policy to active sessions:
// below warn observe, between warn and interrupt alert once per tier,
// at interrupt cancel.
func (m *Monitor) checkSessions() error {
	sessions, err := m.store.ListSessionsByStatus(
		types.SessionRunning, types.SessionTesting, types.SessionValidating)
	if err != nil {
		return err
	}

	now := m.now()
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.ID] = true
		last := s.LastHeartbeatAt
		if last.IsZero() {
			last = s.SpawnedAt
		}
		quiet := now.Sub(last)

		switch {
		case quiet < m.cfg.WarnThreshold:
			// Recovery resets both tiers so a later episode alerts again.
			delete(m.warned, s.ID)
			delete(m.warned, s.ID+":stuck")

		case quiet < m.cfg.StuckThreshold:
			if !m.warned[s.ID] {
				m.warned[s.ID] = true
				logging.Monitor("Session %s quiet for %v (task %s)", s.ID, quiet.Round(time.Second), s.TaskID)
			}

		case quiet < m.cfg.InterruptThreshold:
			m.alertStuck(s, quiet)

		default:
			m.alertStuck(s, quiet)
			logging.Monitor("Session %s quiet for %v, interrupting", s.ID, quiet.Round(time.Second))
			if err := m.sessions.Cancel(s.ID, fmt.Sprintf("no heartbeat for %v", quiet.Round(time.Second))); err != nil {
				logging.Monitor("Interrupt of %s failed: %v", s.ID, err)
			}
		}
	}

	// Drop warn state for sessions that reached a terminal status, or the
	// map grows for the life of the process.
	for key := range m.warned {
		if !live[strings.TrimSuffix(key, ":stuck")] {
			delete(m.warned, key)
		}
	}
	return nil
}

// alertStuck raises alert.stuck_task once per session per stuck episode.
func (m *Monitor) alertStuck(s types.Session, quiet time.Duration) {
	key := s.ID + ":stuck"
	if m.warned[key] {
		return
	}
	m.warned[key] = true
	m.publish(types.Event{
		Type:   types.EventAlertStuckTask,
		Source: "monitor",
		Payload: map[string]interface{}{
			"session_id": s.ID,
			"task_id":    s.TaskID,
			"quiet_for":  quiet.String(),
		},
	})
}

// checkDeadlines fails in_progress tasks that exceeded their complexity
// tier's wall-clock budget. The failure goes through the normal retry
// policy, so a fresh attempt gets a fresh budget.
func (m *Monitor) checkDeadlines() error {
	tasks, err := m.store.ListTasks(types.TaskInProgress)
	if err != nil {
		return err
	}

	now := m.now()
	for _, t := range tasks {
		budget := m.cfg.SimpleTaskTimeout
		if t.Complexity == types.ComplexityComplex {
			budget = m.cfg.ComplexTaskTimeout
		}
		// UpdatedAt moved when the task entered in_progress.
		age := now.Sub(t.UpdatedAt)
		if age <= budget {
			continue
		}

		logging.Monitor("Task %s exceeded %v deadline (running %v)", t.ID, budget, age.Round(time.Second))
		if sess, err := m.store.ActiveSessionForTask(t.ID); err == nil {
			if err := m.sessions.Cancel(sess.ID, "task deadline exceeded"); err != nil {
				logging.Monitor("Cancel of %s failed: %v", sess.ID, err)
			}
		}
		if m.failer != nil {
			if err := m.failer.FailTask(t.ID, &types.TaskError{
				Kind:    types.ErrDeadlineExceeded,
				Message: fmt.Sprintf("exceeded %v budget for %s task", budget, t.Complexity),
			}); err != nil {
				logging.Monitor("Deadline fail of %s: %v", t.ID, err)
			}
		}
	}
	return nil
}

// Skip is the human override that abandons a blocked or failed task.
func (m *Monitor) Skip(taskID string) error {
	for _, from := range []types.TaskStatus{types.TaskBlocked, types.TaskFailed, types.TaskNeedsReview} {
		if changed, err := m.store.UpdateTaskStatus(taskID, from, types.TaskCompleted); err != nil {
			return err
		} else if changed {
			logging.Monitor("Task %s skipped by operator", taskID)
			return nil
		}
	}
	return fmt.Errorf("task %s is not in a skippable state", taskID)
}

// Retry is the human override that resets a blocked task's retry budget
// and requeues it.
func (m *Monitor) Retry(taskID string) error {
	for _, from := range []types.TaskStatus{types.TaskBlocked, types.TaskFailed, types.TaskNeedsReview} {
		changed, err := m.store.UpdateTaskStatus(taskID, from, types.TaskPending)
		if err != nil {
			return err
		}
		if changed {
			if err := m.store.SetTaskRetry(taskID, 0, time.Time{}); err != nil {
				return err
			}
			logging.Monitor("Task %s requeued by operator", taskID)
			return nil
		}
	}
	return fmt.Errorf("task %s is not in a retryable state", taskID)
}

// runCleanup prunes old heartbeats, events and activities per the
// retention policy.
func (m *Monitor) runCleanup() {
	retention := time.Duration(m.cfg.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return
	}
	n, err := m.store.Cleanup(retention)
	if err != nil {
		logging.Monitor("Retention cleanup failed: %v", err)
		return
	}
	logging.Monitor("Retention cleanup removed %d rows", n)
}

func (m *Monitor) publish(e types.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(e); err != nil {
		logging.Monitor("Failed to publish %s: %v", e.Type, err)
	}
}
