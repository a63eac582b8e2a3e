package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"autoforge/internal/logging"
	"autoforge/internal/types"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = fmt.Errorf("not found")

const taskColumns = `id, display_id, title, COALESCE(spec_path,''), status, agent_type,
	priority, complexity, retry_count, next_retry_at, dependencies, resources,
	COALESCE(last_error_kind,''), COALESCE(last_error_message,''), COALESCE(last_error_location,''),
	COALESCE(last_error_suggest,''), COALESCE(completion_report,''), created_at, updated_at`

// CreateTask inserts a new task. A missing id is generated; status defaults
// to pending.
func (s *Store) CreateTask(t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = types.TaskPending
	}
	if t.Complexity == "" {
		t.Complexity = types.ComplexitySimple
	}
	now := nowMilli()
	t.CreatedAt = milliToTime(now)
	t.UpdatedAt = t.CreatedAt

	deps, _ := json.Marshal(t.Dependencies)
	res, _ := json.Marshal(t.Resources)

	_, err := s.db.Exec(`INSERT INTO tasks
		(id, display_id, title, spec_path, status, agent_type, priority, complexity,
		 retry_count, next_retry_at, dependencies, resources, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DisplayID, t.Title, t.SpecPath, string(t.Status), string(t.AgentType),
		t.Priority, string(t.Complexity), t.RetryCount, t.NextRetryAt.UnixMilli(),
		string(deps), string(res), now, now)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", t.DisplayID, err)
	}

	logging.StoreDebug("Task created: %s (%s)", t.DisplayID, t.ID)
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	return scanTask(row)
}

// ListTasks returns tasks filtered by status; with no statuses, all tasks.
func (s *Store) ListTasks(statuses ...types.TaskStatus) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + taskColumns + " FROM tasks"
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY priority DESC, created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			continue
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// RunnableTasks returns ready tasks in dispatch order (priority desc,
// creation asc).
func (s *Store) RunnableTasks() ([]types.Task, error) {
	return s.ListTasks(types.TaskReady)
}

// RetryDueTasks returns failed tasks whose backoff window has elapsed.
func (s *Store) RetryDueTasks(now time.Time) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+taskColumns+" FROM tasks WHERE status = ? AND next_retry_at > 0 AND next_retry_at <= ? ORDER BY priority DESC, created_at ASC",
		string(types.TaskFailed), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			continue
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus performs a compare-and-set transition. Returns false if
// the task was not in the expected from status, which makes transitions
// idempotent and safe under concurrent orchestrators.
func (s *Store) UpdateTaskStatus(id string, from, to types.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Completed tasks never leave their terminal status (task monotonicity).
	if from == types.TaskCompleted {
		return false, fmt.Errorf("task %s: completed is terminal", id)
	}

	res, err := s.db.Exec("UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(to), nowMilli(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		logging.StoreDebug("Task %s: %s -> %s", id, from, to)
	}
	return n == 1, nil
}

// SetTaskError records the last failure on a task.
func (s *Store) SetTaskError(id string, e *types.TaskError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE tasks SET last_error_kind = ?, last_error_message = ?,
		last_error_location = ?, last_error_suggest = ?, updated_at = ? WHERE id = ?`,
		string(e.Kind), e.Message, e.Location, e.Suggest, nowMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set task error: %w", err)
	}
	return nil
}

// SetTaskRetry records the retry count and next attempt time.
func (s *Store) SetTaskRetry(id string, retryCount int, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE tasks SET retry_count = ?, next_retry_at = ?, updated_at = ? WHERE id = ?",
		retryCount, nextRetryAt.UnixMilli(), nowMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set task retry: %w", err)
	}
	return nil
}

// SetTaskSpecPath records the spec file produced by the specification agent.
func (s *Store) SetTaskSpecPath(id, specPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE tasks SET spec_path = ?, updated_at = ? WHERE id = ?",
		specPath, nowMilli(), id)
	return err
}

// SetTaskCompletionReport stores the worker's completion report markdown.
func (s *Store) SetTaskCompletionReport(id, report string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE tasks SET completion_report = ?, updated_at = ? WHERE id = ?",
		report, nowMilli(), id)
	return err
}

// DependenciesCompleted reports whether every dependency of the task is
// in completed status.
func (s *Store) DependenciesCompleted(t *types.Task) (bool, error) {
	if len(t.Dependencies) == 0 {
		return true, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(t.Dependencies))
	args := make([]interface{}, 0, len(t.Dependencies)+1)
	for i, dep := range t.Dependencies {
		placeholders[i] = "?"
		args = append(args, dep)
	}
	args = append(args, string(types.TaskCompleted))

	var completed int
	query := fmt.Sprintf("SELECT COUNT(*) FROM tasks WHERE id IN (%s) AND status = ?",
		strings.Join(placeholders, ","))
	if err := s.db.QueryRow(query, args...).Scan(&completed); err != nil {
		return false, fmt.Errorf("failed to check dependencies: %w", err)
	}
	return completed == len(t.Dependencies), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var status, agentType, complexity string
	var nextRetryAt, createdAt, updatedAt int64
	var deps, res string
	var errKind, errMsg, errLoc, errSuggest, report string

	err := row.Scan(&t.ID, &t.DisplayID, &t.Title, &t.SpecPath, &status, &agentType,
		&t.Priority, &complexity, &t.RetryCount, &nextRetryAt, &deps, &res,
		&errKind, &errMsg, &errLoc, &errSuggest, &report, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Status = types.TaskStatus(status)
	t.AgentType = types.AgentType(agentType)
	t.Complexity = types.TaskComplexity(complexity)
	t.NextRetryAt = milliToTime(nextRetryAt)
	t.CreatedAt = milliToTime(createdAt)
	t.UpdatedAt = milliToTime(updatedAt)
	t.CompletionReport = report
	_ = json.Unmarshal([]byte(deps), &t.Dependencies)
	_ = json.Unmarshal([]byte(res), &t.Resources)
	if errKind != "" {
		t.LastError = &types.TaskError{
			Kind:     types.ErrorKind(errKind),
			Message:  errMsg,
			Location: errLoc,
			Suggest:  errSuggest,
		}
	}
	return &t, nil
}
