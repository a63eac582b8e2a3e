// Package coordinator drives feature generation layer by layer in the
// fixed order database -> api -> ui, with per-layer rollback and a
// cross-layer type check between layers.
//
// Rollback is declarative: the layer that fails rolls back, layers
// already committed stay, later layers are not attempted. A cross-layer
// validation failure rolls nothing back; the work is preserved and the
// task is flagged needs_review for inspection.
package coordinator

import (
	"context"
	"fmt"
	"strings"

	"autoforge/internal/logging"
	"autoforge/internal/plan"
	"autoforge/internal/store"
	"autoforge/internal/types"
)

// Publisher publishes review events.
type Publisher interface {
	Publish(e types.Event) error
}

// LayerResult is the outcome of one layer of a feature run.
type LayerResult struct {
	Layer  types.Layer
	Result *plan.ExecutionResult
}

// FeatureResult is the outcome of a whole feature run.
type FeatureResult struct {
	FeatureID        string
	Layers           []LayerResult
	FailedLayer      types.Layer // empty when all layers committed
	ValidationFailed bool
}

// Coordinator runs features through the plan engine.
type Coordinator struct {
	engine *plan.Engine
	store  *store.Store
	bus    Publisher
}

// New wires a coordinator.
func New(engine *plan.Engine, st *store.Store, bus Publisher) *Coordinator {
	return &Coordinator{engine: engine, store: st, bus: bus}
}

// RunFeature executes the feature's layers in canonical order. holder is
// the lock-holder identity; taskID is flagged needs_review when a
// cross-layer check fails.
func (c *Coordinator) RunFeature(ctx context.Context, feature plan.Feature, taskID, holder string) (*FeatureResult, error) {
	changes, err := c.engine.Identify(feature)
	if err != nil {
		return nil, fmt.Errorf("failed to identify changes for %s: %w", feature.ID, err)
	}
	return c.runLayers(ctx, feature.ID, changes, taskID, holder, nil)
}

// RunChanges pushes an explicit change set through the same layered
// pipeline. extra, when non-nil, runs after every applied phase; a
// non-nil error from it rolls the current layer back.
func (c *Coordinator) RunChanges(ctx context.Context, featureID string, changes []plan.FileChange, taskID, holder string, extra plan.Validator) (*FeatureResult, error) {
	return c.runLayers(ctx, featureID, changes, taskID, holder, extra)
}

func (c *Coordinator) runLayers(ctx context.Context, featureID string, changes []plan.FileChange, taskID, holder string, extra plan.Validator) (*FeatureResult, error) {
	byLayer := make(map[types.Layer][]plan.FileChange)
	for _, ch := range changes {
		l := LayerOf(ch.Path)
		byLayer[l] = append(byLayer[l], ch)
	}

	out := &FeatureResult{FeatureID: featureID}
	var lastMigration, lastTypeFile, lastRouteFile, lastUIFile []byte

	for _, layer := range types.LayerOrder() {
		layerChanges := byLayer[layer]
		if len(layerChanges) == 0 {
			continue
		}

		// Planned per layer, after the previous layer committed, so
		// cross-layer dependencies resolve against the working tree.
		p, err := c.engine.BuildFromChanges(featureID, layerChanges)
		if err != nil {
			return nil, fmt.Errorf("failed to plan %s layer of %s: %w", layer, featureID, err)
		}

		// Capture layer artifacts for the cross-layer checks.
		validate := func(vctx context.Context, phase plan.Phase) error {
			for _, f := range phase.Files {
				switch {
				case isMigration(f.Path):
					lastMigration = f.Content
				case isTypeFile(f.Path):
					lastTypeFile = f.Content
				case isRouteFile(f.Path):
					lastRouteFile = f.Content
				case isUIFile(f.Path):
					lastUIFile = f.Content
				}
			}
			if extra != nil {
				return extra(vctx, phase)
			}
			return nil
		}

		res, err := c.engine.Execute(ctx, p, holder, validate)
		if err != nil {
			return nil, fmt.Errorf("failed to execute %s layer of %s: %w", layer, featureID, err)
		}
		out.Layers = append(out.Layers, LayerResult{Layer: layer, Result: res})

		if res.Status != plan.StatusCommitted {
			// This layer already rolled itself back; earlier layers keep
			// their commits, later layers are not attempted.
			out.FailedLayer = layer
			logging.Coordinator("Feature %s stopped at %s layer: %s", featureID, layer, res.Status)
			return out, nil
		}
		logging.Coordinator("Feature %s: %s layer committed as %s", featureID, layer, res.CommitRef)

		if layer == types.LayerAPI && lastMigration != nil && lastTypeFile != nil {
			if err := ValidateTypeMapping(string(lastMigration), string(lastTypeFile)); err != nil {
				return c.flagForReview(out, taskID, err)
			}
		}
		if layer == types.LayerUI && lastRouteFile != nil && lastUIFile != nil {
			if err := ValidateUIContract(string(lastRouteFile), string(lastUIFile)); err != nil {
				return c.flagForReview(out, taskID, err)
			}
		}
	}
	return out, nil
}

// flagForReview handles a cross-layer validation failure: the committed
// work stays in place and the task leaves the automatic pipeline.
func (c *Coordinator) flagForReview(out *FeatureResult, taskID string, cause error) (*FeatureResult, error) {
	out.ValidationFailed = true
	logging.Coordinator("Feature %s failed cross-layer validation: %v", out.FeatureID, cause)

	if taskID != "" {
		for _, from := range []types.TaskStatus{types.TaskInProgress, types.TaskPendingVerification} {
			if changed, _ := c.store.UpdateTaskStatus(taskID, from, types.TaskNeedsReview); changed {
				break
			}
		}
		if err := c.store.SetTaskError(taskID, &types.TaskError{
			Kind:    types.ErrValidation,
			Message: cause.Error(),
		}); err != nil {
			logging.Coordinator("Failed to record validation error on %s: %v", taskID, err)
		}
	}
	if c.bus != nil {
		_ = c.bus.Publish(types.Event{
			Type:   types.EventReviewCompleted,
			Source: "coordinator",
			Payload: map[string]interface{}{
				"feature_id": out.FeatureID,
				"task_id":    taskID,
				"reason":     cause.Error(),
				"passed":     false,
			},
		})
	}
	return out, nil
}

// LayerOf maps a repository path to the layer that owns it.
func LayerOf(path string) types.Layer {
	switch {
	case strings.HasPrefix(path, "database/"):
		return types.LayerDatabase
	case strings.HasPrefix(path, "ui/"):
		return types.LayerUI
	default:
		return types.LayerAPI
	}
}

func isMigration(path string) bool {
	return strings.HasPrefix(path, "database/migrations/")
}

func isTypeFile(path string) bool {
	return strings.HasPrefix(path, "server/types/")
}

func isRouteFile(path string) bool {
	return strings.HasPrefix(path, "server/routes/")
}

func isUIFile(path string) bool {
	return strings.HasPrefix(path, "ui/")
}
