package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"autoforge/internal/logging"
	"autoforge/internal/store"
	"autoforge/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

// VCS is the version-control surface the engine needs. *vcs.Git
// satisfies it; tests use a fake.
type VCS interface {
	CurrentRef(ctx context.Context) (string, error)
	Status(ctx context.Context) (string, error)
	FileLastRef(ctx context.Context, path string) (string, error)
	Stage(ctx context.Context, paths ...string) error
	Unstage(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) (string, error)
	CheckoutFile(ctx context.Context, ref, path string) error
	WriteFile(path string, content []byte) error
	DeleteFile(path string) error
	Exists(path string) bool
	ExistsPrefix(prefix string) bool
}

// Locker is the file-lock surface. *locks.Service satisfies it.
type Locker interface {
	Acquire(path, holder string) error
	ReleaseAll(paths []string, holder string) error
}

// Publisher is the slice of the bus the engine publishes alerts on.
type Publisher interface {
	Publish(e types.Event) error
}

// Validator runs between phases; a non-nil error aborts the plan and
// triggers rollback. The feature coordinator installs the cross-layer
// type checks here.
type Validator func(ctx context.Context, completed Phase) error

// ErrRollbackInconsistent reports that the working tree after rollback
// did not match the tree captured at plan start.
var ErrRollbackInconsistent = errors.New("working tree differs after rollback")

// Engine builds and executes change plans.
type Engine struct {
	vcs   VCS
	locks Locker
	store *store.Store
	bus   Publisher
}

// NewEngine wires a plan engine. The store and bus may be nil in tests.
func NewEngine(v VCS, l Locker, st *store.Store, bus Publisher) *Engine {
	return &Engine{vcs: v, locks: l, store: st, bus: bus}
}

// BuildFromChanges schedules an explicit change set into a plan.
func (e *Engine) BuildFromChanges(featureID string, changes []FileChange) (*Plan, error) {
	phases, err := e.Schedule(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule plan for %s: %w", featureID, err)
	}
	p := &Plan{
		ID:        uuid.NewString(),
		FeatureID: featureID,
		CreatedAt: time.Now(),
		Phases:    phases,
	}
	if e.store != nil {
		raw, _ := json.Marshal(p)
		if err := e.store.SavePlan(p.ID, featureID, "planned", raw); err != nil {
			return nil, err
		}
	}
	logging.Plan("Plan %s built for feature %s: %d phases, %d files", p.ID, featureID, len(phases), len(p.Paths()))
	return p, nil
}

// Execute applies the plan transactionally: lock everything, apply phase
// by phase sequentially, then stage and commit. Any failure rolls back
// every applied change and leaves the tree as it was at start. holder is
// the lock holder identity, normally the session id.
func (e *Engine) Execute(ctx context.Context, p *Plan, holder string, validate Validator) (*ExecutionResult, error) {
	startRef, err := e.vcs.CurrentRef(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture start ref: %w", err)
	}
	startStatus, err := e.vcs.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture start status: %w", err)
	}

	// All locks up front, in lexicographic path order. A conflict releases
	// everything already taken and fails the plan without touching files.
	paths := append([]string(nil), p.Paths()...)
	sort.Strings(paths)
	var held []string
	for _, path := range paths {
		if err := e.locks.Acquire(path, holder); err != nil {
			_ = e.locks.ReleaseAll(held, holder)
			if errors.Is(err, store.ErrLockConflict) {
				e.setStatus(p.ID, string(StatusConflict))
				return &ExecutionResult{
					Status: StatusConflict,
					PlanID: p.ID,
					Err:    &types.TaskError{Kind: types.ErrResourceConflict, Message: fmt.Sprintf("lock conflict on %s", path), Location: path},
				}, nil
			}
			return nil, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
		}
		held = append(held, path)
	}
	defer func() { _ = e.locks.ReleaseAll(held, holder) }()

	timer := logging.StartTimer(logging.CategoryPlan, fmt.Sprintf("execute plan %s", p.ID))
	defer timer.Stop()

	var undo []RollbackAction
	fail := func(cause error, kind types.ErrorKind) (*ExecutionResult, error) {
		logging.PlanError("Plan %s failed, rolling back %d actions: %v", p.ID, len(undo), cause)
		res := &ExecutionResult{
			Status:   StatusRolledBack,
			PlanID:   p.ID,
			Rollback: undo,
			Err:      &types.TaskError{Kind: kind, Message: cause.Error()},
		}
		if rbErr := e.rollback(ctx, res.Rollback, startRef, startStatus); rbErr != nil {
			res.Status = StatusInconsistent
			res.Err = &types.TaskError{Kind: types.ErrRollbackInconsistent, Message: rbErr.Error()}
		}
		e.setStatus(p.ID, string(res.Status))
		return res, nil
	}

	for _, phase := range p.Phases {
		for _, f := range phase.Files {
			if err := ctx.Err(); err != nil {
				return fail(err, types.ErrTransient)
			}

			action := RollbackAction{File: f.Path, Status: "pending"}
			if e.vcs.Exists(f.Path) {
				ref, err := e.vcs.FileLastRef(ctx, f.Path)
				if err != nil {
					return fail(err, types.ErrUnknown)
				}
				action.Action = RollbackRestore
				action.Ref = ref
			} else {
				action.Action = RollbackDelete
			}

			if err := e.apply(f); err != nil {
				return fail(err, types.ErrCode)
			}
			undo = append(undo, action)
			logging.PlanDebug("Applied %s %s (phase %d)", f.Operation, f.Path, phase.Index)
		}

		if validate != nil {
			if err := validate(ctx, phase); err != nil {
				return fail(fmt.Errorf("validation after phase %d: %w", phase.Index, err), types.ErrValidation)
			}
		}
	}

	if err := e.vcs.Stage(ctx, p.Paths()...); err != nil {
		return fail(err, types.ErrUnknown)
	}
	commitRef, err := e.vcs.Commit(ctx, fmt.Sprintf("feature %s: apply plan %s", p.FeatureID, p.ID))
	if err != nil {
		return fail(err, types.ErrUnknown)
	}

	e.setStatus(p.ID, string(StatusCommitted))
	logging.Plan("Plan %s committed as %s", p.ID, commitRef)
	return &ExecutionResult{Status: StatusCommitted, PlanID: p.ID, CommitRef: commitRef, Rollback: undo}, nil
}

// apply performs one file operation.
func (e *Engine) apply(f FileChange) error {
	switch f.Operation {
	case OpCreate, OpModify:
		return e.vcs.WriteFile(f.Path, f.Content)
	case OpDelete:
		return e.vcs.DeleteFile(f.Path)
	default:
		return fmt.Errorf("unknown operation %q on %s", f.Operation, f.Path)
	}
}

// rollback undoes applied actions in reverse order, then asserts the
// working tree status is byte-equal to the captured start status. The
// whole sequence is idempotent: restores and deletes tolerate already
// being done.
func (e *Engine) rollback(ctx context.Context, actions []RollbackAction, startRef, startStatus string) error {
	for i := len(actions) - 1; i >= 0; i-- {
		a := &actions[i]
		var err error
		switch a.Action {
		case RollbackRestore:
			err = e.vcs.CheckoutFile(ctx, a.Ref, a.File)
		case RollbackDelete:
			// A created file may already be staged when the failure was the
			// commit itself; removing only the worktree copy would leave an
			// index entry behind and fail the status comparison below.
			err = e.vcs.DeleteFile(a.File)
			if err == nil {
				err = e.vcs.Unstage(ctx, a.File)
			}
		}
		if err != nil {
			a.Status = "failed"
			logging.PlanError("Rollback action %s on %s failed: %v", a.Action, a.File, err)
			continue
		}
		a.Status = "success"
	}

	endStatus, err := e.vcs.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read status after rollback: %w", err)
	}
	if diff := cmp.Diff(startStatus, endStatus); diff != "" {
		if e.bus != nil {
			_ = e.bus.Publish(types.Event{
				Type:   types.EventAlertRollback,
				Source: "plan",
				Payload: map[string]interface{}{
					"start_ref": startRef,
					"diff":      diff,
				},
			})
		}
		return fmt.Errorf("%w: %s", ErrRollbackInconsistent, diff)
	}
	return nil
}

// Rollback exposes the undo path for callers that applied outside
// Execute (the feature coordinator's per-layer rollback).
func (e *Engine) Rollback(ctx context.Context, actions []RollbackAction, startRef, startStatus string) error {
	return e.rollback(ctx, actions, startRef, startStatus)
}

func (e *Engine) setStatus(planID, status string) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdatePlanStatus(planID, status); err != nil {
		logging.PlanError("Failed to persist plan status %s=%s: %v", planID, status, err)
	}
}
