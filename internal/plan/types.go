// Package plan implements the change-plan engine: it turns a feature
// requirement into a validated DAG of file changes, schedules the DAG
// into phases, and executes it transactionally against the VCS with
// full rollback on any failure.
package plan

import (
	"time"

	"autoforge/internal/types"
)

// Operation is what a file change does to its path.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Feature is the input to the engine: one feature requirement.
type Feature struct {
	ID           string        `json:"id"`
	Description  string        `json:"description"`
	Entities     []string      `json:"entities"` // snake_case entity names
	Areas        []types.Layer `json:"areas"`    // subset of database, api, ui
	PassCriteria []string      `json:"pass_criteria,omitempty"`
}

// FileChange is one node of the plan DAG.
type FileChange struct {
	Path         string    `json:"path"`
	Operation    Operation `json:"operation"`
	Reason       string    `json:"reason"`
	Dependencies []string  `json:"dependencies,omitempty"` // paths that must precede this one
	Priority     int       `json:"priority"`
	Content      []byte    `json:"content,omitempty"` // bytes to write; nil for delete
}

// Phase is one topological layer of the plan. Files in a phase never
// depend on each other directly.
type Phase struct {
	Index            int          `json:"index"`
	Files            []FileChange `json:"files"`
	CanRunInParallel bool         `json:"can_run_in_parallel"`
}

// Plan is a scheduled, validated change plan.
type Plan struct {
	ID        string    `json:"id"`
	FeatureID string    `json:"feature_id"`
	CreatedAt time.Time `json:"created_at"`
	Phases    []Phase   `json:"phases"`
}

// Paths returns every path the plan touches, in plan order.
func (p *Plan) Paths() []string {
	var out []string
	for _, ph := range p.Phases {
		for _, f := range ph.Files {
			out = append(out, f.Path)
		}
	}
	return out
}

// RollbackActionKind is how an applied change gets undone.
type RollbackActionKind string

const (
	RollbackRestore RollbackActionKind = "restore_from_ref"
	RollbackDelete  RollbackActionKind = "delete"
)

// RollbackAction undoes one applied file operation.
type RollbackAction struct {
	File   string             `json:"file"`
	Action RollbackActionKind `json:"action"`
	Ref    string             `json:"ref,omitempty"` // commit hash captured before the change
	Status string             `json:"status"`        // pending|success|failed
}

// ResultStatus is the terminal state of one execution attempt.
type ResultStatus string

const (
	StatusCommitted    ResultStatus = "committed"
	StatusRolledBack   ResultStatus = "rolled_back"
	StatusConflict     ResultStatus = "resource_conflict"
	StatusInconsistent ResultStatus = "rollback_inconsistent"
)

// ExecutionResult reports what an Execute call did. A plan either commits
// in full or rolls back in full; Rollback holds the per-file undo log.
type ExecutionResult struct {
	Status    ResultStatus     `json:"status"`
	PlanID    string           `json:"plan_id"`
	CommitRef string           `json:"commit_ref,omitempty"`
	Rollback  []RollbackAction `json:"rollback,omitempty"`
	Err       *types.TaskError `json:"error,omitempty"`
}
