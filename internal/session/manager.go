// Package session manages agent worker processes: spawning with the
// fixed command-line contract, heartbeat ingestion, stdout log capture,
// cancellation with a SIGTERM grace period, and zombie cleanup.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"autoforge/internal/config"
	"autoforge/internal/logging"
	"autoforge/internal/store"
	"autoforge/internal/types"

	"github.com/google/uuid"
)

// Publisher is the slice of the bus the manager publishes lifecycle
// events on.
type Publisher interface {
	Publish(e types.Event) error
}

// Manager owns the session lifecycle.
type Manager struct {
	mu       sync.Mutex
	store    *store.Store
	bus      Publisher
	cfg      config.SessionConfig
	procs    map[string]*exec.Cmd // session id -> live process
	onExit   func(sessionID string, status types.SessionStatus, exitCode int)
	wg       sync.WaitGroup
}

// NewManager creates a session manager. onExit, when non-nil, is invoked
// from the waiter goroutine after a session reaches its terminal state;
// the orchestrator uses it to advance the task state machine.
func NewManager(st *store.Store, bus Publisher, cfg config.SessionConfig,
	onExit func(sessionID string, status types.SessionStatus, exitCode int)) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	return &Manager{
		store:  st,
		bus:    bus,
		cfg:    cfg,
		procs:  make(map[string]*exec.Cmd),
		onExit: onExit,
	}
}

// Spawn validates preconditions, records a spawning session and starts
// the worker process with the fixed argument contract.
func (m *Manager) Spawn(task *types.Task, taskListID string) (string, error) {
	if task.AgentType == types.AgentBuild && task.SpecPath == "" {
		return "", fmt.Errorf("task %s has no spec_path; build agents need one", task.ID)
	}
	if task.SpecPath != "" {
		if _, err := os.Stat(task.SpecPath); err != nil {
			return "", fmt.Errorf("spec %s for task %s is unreadable: %w", task.SpecPath, task.ID, err)
		}
	}

	sess := &types.Session{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		AgentType: task.AgentType,
		SpawnedAt: time.Now(),
		Status:    types.SessionSpawning,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return "", err
	}

	args := []string{
		"--agent-id", sess.ID,
		"--task-id", task.ID,
	}
	if taskListID != "" {
		args = append(args, "--task-list", taskListID)
	}
	if task.SpecPath != "" {
		args = append(args, "--spec-file", task.SpecPath)
	}

	cmd := exec.Command(m.cfg.WorkerBinary, args...)
	cmd.Env = append(os.Environ(),
		"AUTOFORGE_SESSION_ID="+sess.ID,
		"AUTOFORGE_HEARTBEAT_ADDR="+m.cfg.HeartbeatAddr,
		fmt.Sprintf("AUTOFORGE_HEARTBEAT_INTERVAL=%s", m.cfg.HeartbeatInterval),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = m.store.FinishSession(sess.ID, types.SessionFailed, types.ExitInternal)
		return "", fmt.Errorf("failed to start worker for task %s: %w", task.ID, err)
	}

	_ = m.store.SetSessionPID(sess.ID, cmd.Process.Pid)
	m.mu.Lock()
	m.procs[sess.ID] = cmd
	m.mu.Unlock()

	m.wg.Add(3)
	go m.consumeStdout(sess.ID, stdout)
	go m.consumeStderr(sess.ID, stderr)
	go m.wait(sess.ID, task.ID, cmd)

	m.publish(types.Event{
		Type:   types.EventAgentSpawned,
		Source: sess.ID,
		Payload: map[string]interface{}{
			"task_id":    task.ID,
			"agent_type": string(task.AgentType),
			"pid":        cmd.Process.Pid,
		},
	})
	logging.Session("Spawned %s worker %s for task %s (pid %d)", task.AgentType, sess.ID, task.ID, cmd.Process.Pid)
	return sess.ID, nil
}

// workerLogLine is the structured stdout contract.
type workerLogLine struct {
	TS        string                 `json:"ts"`
	Level     string                 `json:"level"`
	SessionID string                 `json:"session_id"`
	Step      string                 `json:"step"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// consumeStdout turns worker log lines into activities. The first line,
// structured or not, moves the session out of spawning. Error-level
// lines become error_occurred activities so the orchestrator can
// classify a failed exit from the worker's own message.
func (m *Manager) consumeStdout(sessionID string, r io.Reader) {
	defer m.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			m.markRunning(sessionID)
		}

		kind := types.ActivityLogLine
		details := line
		var parsed workerLogLine
		if err := json.Unmarshal([]byte(line), &parsed); err == nil && parsed.Message != "" {
			details = parsed.Step + ": " + parsed.Message
			if parsed.Level == "error" || parsed.Level == "fatal" {
				kind = types.ActivityErrorOccurred
				details = parsed.Message
			}
		}
		if err := m.store.AppendActivity(types.Activity{
			SessionID: sessionID,
			Kind:      kind,
			Details:   details,
		}); err != nil {
			logging.SessionDebug("Failed to record log line for %s: %v", sessionID, err)
		}
	}
}

// consumeStderr records the worker's stderr, which the contract reserves
// for fatal errors, as error_occurred activities.
func (m *Manager) consumeStderr(sessionID string, r io.Reader) {
	defer m.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := m.store.AppendActivity(types.Activity{
			SessionID: sessionID,
			Kind:      types.ActivityErrorOccurred,
			Details:   line,
		}); err != nil {
			logging.SessionDebug("Failed to record stderr line for %s: %v", sessionID, err)
		}
	}
}

// markRunning performs the spawning -> running transition once.
func (m *Manager) markRunning(sessionID string) {
	changed, err := m.store.UpdateSessionStatus(sessionID, types.SessionSpawning, types.SessionRunning)
	if err != nil {
		logging.SessionDebug("spawning->running for %s: %v", sessionID, err)
		return
	}
	if changed {
		logging.SessionDebug("Session %s running", sessionID)
	}
}

// wait blocks on process exit and maps the exit code onto the session
// protocol: 0 completed, 1 failed, anything else terminated.
func (m *Manager) wait(sessionID, taskID string, cmd *exec.Cmd) {
	defer m.wg.Done()

	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = types.ExitInternal
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	m.mu.Lock()
	delete(m.procs, sessionID)
	m.mu.Unlock()

	var status types.SessionStatus
	switch exitCode {
	case types.ExitSuccess:
		status = types.SessionCompleted
	case types.ExitRecoverable:
		status = types.SessionFailed
	default:
		status = types.SessionTerminated
	}

	if err := m.store.FinishSession(sessionID, status, exitCode); err != nil {
		logging.SessionWarn("Failed to finish session %s: %v", sessionID, err)
	}
	m.publish(types.Event{
		Type:   types.EventAgentTerminated,
		Source: sessionID,
		Payload: map[string]interface{}{
			"task_id":   taskID,
			"exit_code": exitCode,
			"status":    string(status),
		},
	})
	logging.Session("Session %s exited %d (%s)", sessionID, exitCode, status)

	if m.onExit != nil {
		m.onExit(sessionID, status, exitCode)
	}
}

// Heartbeat ingests one liveness report. Out-of-order timestamps are
// dropped by the store; the first heartbeat also moves spawning sessions
// to running.
func (m *Manager) Heartbeat(hb types.Heartbeat) error {
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now()
	}
	accepted, err := m.store.RecordHeartbeat(hb)
	if err != nil {
		return err
	}
	if !accepted {
		logging.SessionDebug("Stale heartbeat dropped for %s", hb.SessionID)
		return nil
	}

	m.markRunning(hb.SessionID)
	switch hb.Status {
	case "testing":
		_, _ = m.store.UpdateSessionStatus(hb.SessionID, types.SessionRunning, types.SessionTesting)
	case "validating":
		_, _ = m.store.UpdateSessionStatus(hb.SessionID, types.SessionRunning, types.SessionValidating)
		_, _ = m.store.UpdateSessionStatus(hb.SessionID, types.SessionTesting, types.SessionValidating)
	}

	m.publish(types.Event{
		Type:   types.EventAgentHeartbeat,
		Source: hb.SessionID,
		Payload: map[string]interface{}{
			"task_id":          hb.TaskID,
			"status":           hb.Status,
			"progress_percent": hb.ProgressPercent,
			"current_step":     hb.CurrentStep,
		},
	})
	return nil
}

// Cancel sends SIGTERM and escalates to SIGKILL after the grace period.
func (m *Manager) Cancel(sessionID, reason string) error {
	m.mu.Lock()
	cmd, ok := m.procs[sessionID]
	m.mu.Unlock()
	if !ok || cmd.Process == nil {
		return fmt.Errorf("session %s has no live process", sessionID)
	}

	logging.Session("Cancelling session %s: %s", sessionID, reason)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal session %s: %w", sessionID, err)
	}

	go func() {
		time.Sleep(m.cfg.GracePeriod)
		m.mu.Lock()
		_, alive := m.procs[sessionID]
		m.mu.Unlock()
		if alive {
			logging.SessionWarn("Session %s ignored SIGTERM, killing", sessionID)
			_ = cmd.Process.Kill()
		}
	}()
	return nil
}

// Observation bundles what Observe returns.
type Observation struct {
	Session    *types.Session
	Heartbeats []types.Heartbeat
	Activities []types.Activity
}

// Observe returns the session row with its recent heartbeats and log
// activities.
func (m *Manager) Observe(sessionID string) (*Observation, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	hbs, err := m.store.Heartbeats(sessionID, 50)
	if err != nil {
		return nil, err
	}
	acts, err := m.store.RecentActivities(sessionID, 200)
	if err != nil {
		return nil, err
	}
	return &Observation{Session: sess, Heartbeats: hbs, Activities: acts}, nil
}

// ActiveCount returns how many sessions count against concurrency limits.
func (m *Manager) ActiveCount() (int, map[types.AgentType]int, error) {
	sessions, err := m.store.ListSessionsByStatus(
		types.SessionSpawning, types.SessionRunning, types.SessionTesting, types.SessionValidating)
	if err != nil {
		return 0, nil, err
	}
	perType := make(map[types.AgentType]int)
	for _, s := range sessions {
		perType[s.AgentType]++
	}
	return len(sessions), perType, nil
}

// CleanupZombies finds sessions whose recorded process no longer exists
// and finishes them as terminated. Returns how many were reaped.
func (m *Manager) CleanupZombies() (int, error) {
	sessions, err := m.store.ListSessionsByStatus(
		types.SessionSpawning, types.SessionRunning, types.SessionTesting, types.SessionValidating)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, s := range sessions {
		m.mu.Lock()
		_, tracked := m.procs[s.ID]
		m.mu.Unlock()
		if tracked {
			continue
		}
		if s.PID > 0 && processAlive(s.PID) {
			continue
		}
		if err := m.store.FinishSession(s.ID, types.SessionTerminated, types.ExitInternal); err != nil {
			logging.SessionWarn("Failed to reap zombie %s: %v", s.ID, err)
			continue
		}
		reaped++
		logging.Session("Reaped zombie session %s (pid %d gone)", s.ID, s.PID)
		if m.onExit != nil {
			m.onExit(s.ID, types.SessionTerminated, types.ExitInternal)
		}
	}
	return reaped, nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Wait blocks until all waiter and stdout goroutines finish. Used on
// shutdown and in tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) publish(e types.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(e); err != nil {
		logging.SessionWarn("Failed to publish %s: %v", e.Type, err)
	}
}
