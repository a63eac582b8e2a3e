// Package types defines the shared records of the orchestration substrate:
// tasks, agent sessions, heartbeats, events, activities and knowledge items.
// Cross-references between records are stored as ids only, never as pointers,
// so the object graph stays acyclic.
package types

import (
	"time"
)

// TaskStatus is the orchestrator state machine position of a task.
type TaskStatus string

const (
	TaskPending             TaskStatus = "pending"
	TaskReady               TaskStatus = "ready"
	TaskInProgress          TaskStatus = "in_progress"
	TaskPendingVerification TaskStatus = "pending_verification"
	TaskCompleted           TaskStatus = "completed"
	TaskFailed              TaskStatus = "failed"
	TaskBlocked             TaskStatus = "blocked"
	TaskNeedsReview         TaskStatus = "needs_review"
)

// Terminal reports whether a task status admits no further transitions
// except explicit human intervention.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskBlocked
}

// AgentType routes a task to a worker specialization.
type AgentType string

const (
	AgentIdeation        AgentType = "ideation"
	AgentSpecification   AgentType = "specification"
	AgentBuild           AgentType = "build"
	AgentQA              AgentType = "qa"
	AgentSelfImprovement AgentType = "self_improvement"
)

// ErrorKind classifies a failure for the retry policy.
type ErrorKind string

const (
	ErrTransient             ErrorKind = "transient"
	ErrCode                  ErrorKind = "code_error"
	ErrTestFailure           ErrorKind = "test_failure"
	ErrResourceConflict      ErrorKind = "resource_conflict"
	ErrResource              ErrorKind = "resource"
	ErrUnknown               ErrorKind = "unknown"
	ErrValidation            ErrorKind = "validation_error"
	ErrRollbackInconsistent  ErrorKind = "rollback_inconsistent"
	ErrDeadlineExceeded      ErrorKind = "deadline_exceeded"
)

// TaskError is the last recorded failure on a task.
type TaskError struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Location string    `json:"location,omitempty"` // file:line when the classifier found one
	Suggest  string    `json:"suggest,omitempty"`  // suggested fix, when the worker produced one
}

// TaskComplexity selects the wall-clock deadline tier.
type TaskComplexity string

const (
	ComplexitySimple  TaskComplexity = "simple"
	ComplexityComplex TaskComplexity = "complex"
)

// Task is a single addressable unit of work owned by exactly one agent type.
type Task struct {
	ID               string         `json:"id"`
	DisplayID        string         `json:"display_id"`
	Title            string         `json:"title"`
	SpecPath         string         `json:"spec_path,omitempty"`
	Status           TaskStatus     `json:"status"`
	AgentType        AgentType      `json:"agent_type"`
	Priority         int            `json:"priority"`
	Complexity       TaskComplexity `json:"complexity"`
	RetryCount       int            `json:"retry_count"`
	NextRetryAt      time.Time      `json:"next_retry_at,omitempty"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	Resources        []string       `json:"resources,omitempty"` // paths this task declares it will write
	LastError        *TaskError     `json:"last_error,omitempty"`
	CompletionReport string         `json:"completion_report,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// SessionStatus tracks a worker process lifecycle.
type SessionStatus string

const (
	SessionSpawning   SessionStatus = "spawning"
	SessionRunning    SessionStatus = "running"
	SessionTesting    SessionStatus = "testing"
	SessionValidating SessionStatus = "validating"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionTerminated SessionStatus = "terminated"
)

// Terminal reports whether the session status is write-once final.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionTerminated
}

// Active reports whether the session counts against concurrency limits
// and is a candidate for stuck detection.
func (s SessionStatus) Active() bool {
	return s == SessionRunning || s == SessionTesting || s == SessionValidating
}

// Session is one live execution of an agent worker process bound to a task.
type Session struct {
	ID              string        `json:"id"`
	TaskID          string        `json:"task_id"`
	AgentType       AgentType     `json:"agent_type"`
	PID             int           `json:"pid"`
	SpawnedAt       time.Time     `json:"spawned_at"`
	Status          SessionStatus `json:"status"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	LogsRef         string        `json:"logs_ref,omitempty"`
}

// Heartbeat is one append-only liveness record from a worker.
type Heartbeat struct {
	SessionID       string    `json:"session_id"`
	AgentID         string    `json:"agent_id,omitempty"`
	TaskID          string    `json:"task_id,omitempty"`
	Status          string    `json:"status"` // running|testing|validating|stuck
	ProgressPercent float64   `json:"progress_percent,omitempty"`
	CurrentStep     string    `json:"current_step,omitempty"`
	MemoryMB        float64   `json:"memory_mb,omitempty"`
	CPUPercent      float64   `json:"cpu_percent,omitempty"`
	Timestamp       time.Time `json:"ts"`
}

// Event type names used by the core. The namespace is open; these are the
// minimum the orchestrator emits and consumes.
const (
	EventIdeationCompleted = "ideation.completed"
	EventTaskListGenerated = "tasklist.generated"
	EventTaskListReady     = "tasklist.ready"
	EventSpecApproved      = "spec.approved"
	EventTaskStarted       = "task.started"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventBuildStarted      = "build.started"
	EventBuildCompleted    = "build.completed"
	EventReviewCompleted   = "review.completed"
	EventAlertStuckTask    = "alert.stuck_task"
	EventAlertRollback     = "alert.rollback_inconsistent"
	EventAlertEscalation   = "alert.escalation"
	EventAgentHeartbeat    = "agent.heartbeat"
	EventAgentSpawned      = "agent.spawned"
	EventAgentTerminated   = "agent.terminated"
	EventGotchaDiscovered  = "gotcha.discovered"
	EventPatternExtracted  = "pattern.extracted"
)

// Event is an append-only typed record on the bus.
// Global order is (Timestamp, ID); delivery order is per-source FIFO.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component name or session id
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"ts"`
}

// ActivityKind labels an observability record.
type ActivityKind string

const (
	ActivityTaskAssigned    ActivityKind = "task_assigned"
	ActivityFileWrite       ActivityKind = "file_write"
	ActivityCommandExecuted ActivityKind = "command_executed"
	ActivityErrorOccurred   ActivityKind = "error_occurred"
	ActivityHeartbeat       ActivityKind = "heartbeat"
	ActivitySpawned         ActivityKind = "spawned"
	ActivityTerminated      ActivityKind = "terminated"
	ActivityLogLine         ActivityKind = "log_line"
)

// Activity is a derived/correlated record for the observability plane.
type Activity struct {
	SessionID string       `json:"session_id"`
	Kind      ActivityKind `json:"kind"`
	Details   string       `json:"details"`
	Timestamp time.Time    `json:"ts"`
}

// KnowledgeKind distinguishes negative patterns, positive patterns
// and recorded decisions.
type KnowledgeKind string

const (
	KnowledgeGotcha   KnowledgeKind = "gotcha"
	KnowledgePattern  KnowledgeKind = "pattern"
	KnowledgeDecision KnowledgeKind = "decision"
)

// KnowledgeItem is a persistent gotcha/pattern/decision with file-pattern match.
type KnowledgeItem struct {
	ID           string        `json:"id"`
	Kind         KnowledgeKind `json:"kind"`
	Content      string        `json:"content"`
	FilePattern  string        `json:"file_pattern"` // glob
	ActionType   string        `json:"action_type,omitempty"`
	Confidence   float64       `json:"confidence"` // [0,1]
	Source       string        `json:"source"`     // session id that recorded it
	Observations int           `json:"observations"`
	Sources      []string      `json:"sources,omitempty"` // distinct recording sessions
	Universal    bool          `json:"universal"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ResourceOwner is an advisory claim that a path is written by one owner.
type ResourceOwner struct {
	Path         string `json:"path"`
	Owner        string `json:"owner"`
	ResourceType string `json:"resource_type"`
}

// FileLock is a mandatory TTL-bounded exclusive right to mutate a path.
type FileLock struct {
	Path       string    `json:"path"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Layer is a feature layer in dependency order.
type Layer string

const (
	LayerDatabase Layer = "database"
	LayerAPI      Layer = "api"
	LayerUI       Layer = "ui"
)

// LayerOrder returns the canonical execution order DB -> API -> UI.
func LayerOrder() []Layer {
	return []Layer{LayerDatabase, LayerAPI, LayerUI}
}

// Worker exit code protocol.
const (
	ExitSuccess     = 0 // success
	ExitRecoverable = 1 // recoverable build/test error
	ExitInternal    = 2 // unexpected internal error
)
