// Package worker is the agent worker runtime: it consumes a spec and
// tasks file, turns the records into a change plan, runs it through the
// layered coordinator pipeline with per-record validation, streams
// structured logs on stdout, heartbeats the session manager, and honors
// the exit-code protocol.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"autoforge/internal/coordinator"
	"autoforge/internal/plan"
	"autoforge/internal/specfile"
	"autoforge/internal/types"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options is the command-line contract plus environment-derived knobs.
type Options struct {
	AgentID           string
	TaskID            string
	TaskListID        string
	SpecFile          string
	Workspace         string
	HeartbeatAddr     string
	HeartbeatInterval time.Duration
}

// Planner pushes a change set through the layered plan pipeline.
// *coordinator.Coordinator satisfies it.
type Planner interface {
	RunChanges(ctx context.Context, featureID string, changes []plan.FileChange, taskID, holder string, extra plan.Validator) (*coordinator.FeatureResult, error)
}

// Knowledge is the slice of the knowledge base the worker consults
// before applying and feeds after validation failures.
type Knowledge interface {
	Query(filePath, actionType string, kind types.KnowledgeKind, limit int) ([]types.KnowledgeItem, error)
	Record(item types.KnowledgeItem) (*types.KnowledgeItem, error)
}

// Runtime executes one task end to end.
type Runtime struct {
	opts    Options
	planner Planner
	kb      Knowledge
	log     *zap.Logger
	start   time.Time
	files   []specfile.FileChanged
}

// New validates the options and builds the stdout logger. Every log line
// is one JSON object with ts, level, session_id, step, message, fields.
// The knowledge base may be nil; the planner may not.
func New(opts Options, planner Planner, kb Knowledge) (*Runtime, error) {
	if opts.AgentID == "" || opts.TaskID == "" {
		return nil, fmt.Errorf("agent-id and task-id are required")
	}
	if planner == nil {
		return nil, fmt.Errorf("worker needs a planner")
	}
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		MessageKey:    "message",
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		LineEnding:    zapcore.DefaultLineEnding,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), zapcore.InfoLevel)
	log := zap.New(core).With(zap.String("session_id", opts.AgentID))

	return &Runtime{opts: opts, planner: planner, kb: kb, log: log}, nil
}

// Run executes the task and returns the process exit code: 0 success,
// 1 recoverable build/test error, 2 internal error. The caller cancels
// ctx on SIGTERM; the runtime then flushes and returns within the grace
// period.
func (r *Runtime) Run(ctx context.Context) int {
	r.start = time.Now()
	defer r.log.Sync()

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go r.heartbeatLoop(hbCtx)

	r.step("boot", "worker starting",
		zap.String("task_id", r.opts.TaskID), zap.String("spec_file", r.opts.SpecFile))

	spec, list, err := r.loadInputs()
	if err != nil {
		r.fail("load", err)
		return types.ExitRecoverable
	}

	changes, byPath, err := r.buildChanges(list)
	if err != nil {
		r.fail("plan", err)
		return types.ExitRecoverable
	}

	r.consultKnowledge(list)

	var commitRef string
	if len(changes) > 0 {
		res, err := r.planner.RunChanges(ctx, r.opts.TaskID, changes, r.opts.TaskID, r.opts.AgentID,
			r.phaseValidator(byPath))
		if err != nil {
			r.fail("apply", err)
			return types.ExitInternal
		}
		if res.FailedLayer != "" {
			return r.failedLayerExit(res)
		}
		for _, l := range res.Layers {
			if l.Result.CommitRef != "" {
				commitRef = l.Result.CommitRef
			}
		}
		if res.ValidationFailed {
			// The coordinator flagged the task for review and preserved
			// the commits; report what was built and exit clean.
			r.step("review", "cross-layer validation flagged the task for review")
		}
		for _, c := range changes {
			r.files = append(r.files, specfile.FileChanged{Path: c.Path, Operation: string(c.Operation)})
		}
	}

	if err := r.writeReport(spec, commitRef); err != nil {
		r.fail("report", err)
		return types.ExitInternal
	}
	r.step("done", "task complete",
		zap.Int("files", len(r.files)), zap.Duration("took", time.Since(r.start)))
	return types.ExitSuccess
}

// failedLayerExit maps a stopped pipeline to the exit protocol. A tree
// the rollback could not restore is an internal error; everything else
// is recoverable and retried by the orchestrator.
func (r *Runtime) failedLayerExit(res *coordinator.FeatureResult) int {
	last := res.Layers[len(res.Layers)-1].Result
	msg := fmt.Sprintf("%s layer stopped: %s", res.FailedLayer, last.Status)
	if last.Err != nil {
		msg = last.Err.Message
	}
	r.fail("apply", fmt.Errorf("%s", msg))
	if last.Status == plan.StatusInconsistent {
		return types.ExitInternal
	}
	return types.ExitRecoverable
}

// loadInputs parses the spec and its sibling tasks file. A spec without
// a tasks file yields an empty record list: nothing to apply, but the
// report still gets written.
func (r *Runtime) loadInputs() (*specfile.Spec, *specfile.TaskList, error) {
	spec := &specfile.Spec{}
	if r.opts.SpecFile != "" {
		var err error
		spec, err = specfile.ParseSpecFile(r.opts.SpecFile)
		if err != nil {
			return nil, nil, err
		}
		r.step("spec", "spec parsed",
			zap.String("title", spec.Title), zap.Int("criteria", len(spec.PassCriteria)))
	}

	list := &specfile.TaskList{}
	tasksPath := r.tasksPath()
	if tasksPath != "" {
		if _, err := os.Stat(tasksPath); err == nil {
			var err error
			list, err = specfile.ParseTasksFile(tasksPath)
			if err != nil {
				return nil, nil, err
			}
			r.step("tasks", "tasks file parsed", zap.Int("records", len(list.Tasks)))
		}
	}
	return spec, list, nil
}

// tasksPath derives the tasks file location: an explicit task list id
// resolves under .autoforge/tasklists/, otherwise the spec's sibling
// <name>.tasks.yaml.
func (r *Runtime) tasksPath() string {
	if r.opts.TaskListID != "" {
		return filepath.Join(r.opts.Workspace, ".autoforge", "tasklists", r.opts.TaskListID+".yaml")
	}
	if r.opts.SpecFile == "" {
		return ""
	}
	base := strings.TrimSuffix(r.opts.SpecFile, filepath.Ext(r.opts.SpecFile))
	return base + ".tasks.yaml"
}

// buildChanges converts task records into plan file changes. Records on
// the same path merge into one change: ADD appends to the accumulated
// content, CREATE and UPDATE replace it. depends_on record ids become
// path dependencies, and the returned map carries the records per path
// for post-phase validation.
func (r *Runtime) buildChanges(list *specfile.TaskList) ([]plan.FileChange, map[string][]specfile.TaskRecord, error) {
	idToPath := make(map[string]string, len(list.Tasks))
	for _, rec := range list.Tasks {
		idToPath[rec.ID] = rec.File
	}

	var changes []plan.FileChange
	index := make(map[string]int, len(list.Tasks))
	byPath := make(map[string][]specfile.TaskRecord, len(list.Tasks))

	for _, rec := range list.Tasks {
		byPath[rec.File] = append(byPath[rec.File], rec)

		var deps []string
		for _, dep := range rec.DependsOn {
			p := idToPath[dep]
			if p == "" || p == rec.File {
				continue
			}
			deps = append(deps, p)
		}

		if i, ok := index[rec.File]; ok {
			c := &changes[i]
			switch rec.Action {
			case specfile.ActionAdd:
				c.Content = append(append(c.Content, '\n'), []byte(rec.CodeTemplate)...)
			case specfile.ActionDelete:
				c.Operation = plan.OpDelete
				c.Content = nil
			default:
				c.Content = []byte(rec.CodeTemplate)
			}
			c.Dependencies = mergeDeps(c.Dependencies, deps)
			continue
		}

		c := plan.FileChange{
			Path:         rec.File,
			Reason:       rec.ID,
			Priority:     rec.Phase,
			Dependencies: deps,
		}
		full := filepath.Join(r.opts.Workspace, rec.File)
		_, statErr := os.Stat(full)
		exists := statErr == nil

		switch rec.Action {
		case specfile.ActionDelete:
			c.Operation = plan.OpDelete
		case specfile.ActionCreate, specfile.ActionUpdate, specfile.ActionAdd:
			c.Operation = plan.OpCreate
			if exists {
				c.Operation = plan.OpModify
			}
			c.Content = []byte(rec.CodeTemplate)
			if rec.Action == specfile.ActionAdd && exists {
				existing, err := os.ReadFile(full)
				if err != nil {
					return nil, nil, err
				}
				c.Content = append(append(existing, '\n'), []byte(rec.CodeTemplate)...)
			}
		default:
			return nil, nil, fmt.Errorf("unknown action %q in task %s", rec.Action, rec.ID)
		}

		index[rec.File] = len(changes)
		changes = append(changes, c)
	}
	return changes, byPath, nil
}

func mergeDeps(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	for _, d := range have {
		seen[d] = true
	}
	for _, d := range add {
		if !seen[d] {
			have = append(have, d)
			seen[d] = true
		}
	}
	return have
}

// consultKnowledge surfaces recorded gotchas for the files about to be
// touched. Purely advisory: they land in the log for the transcript.
func (r *Runtime) consultKnowledge(list *specfile.TaskList) {
	if r.kb == nil {
		return
	}
	for _, rec := range list.Tasks {
		items, err := r.kb.Query(rec.File, string(rec.Action), types.KnowledgeGotcha, 5)
		if err != nil {
			r.step(rec.ID, "knowledge query failed", zap.Error(err))
			continue
		}
		for _, item := range items {
			r.step(rec.ID, "known gotcha",
				zap.String("file", rec.File), zap.String("gotcha", item.Content))
		}
	}
}

// phaseValidator runs each applied file's validation commands after its
// phase. A failure rolls the current layer back; the gotcha is recorded
// first so the next attempt sees it.
func (r *Runtime) phaseValidator(byPath map[string][]specfile.TaskRecord) plan.Validator {
	return func(ctx context.Context, phase plan.Phase) error {
		for _, f := range phase.Files {
			for _, rec := range byPath[f.Path] {
				if rec.Validation == nil || rec.Validation.Command == "" {
					continue
				}
				if err := r.runValidation(ctx, rec); err != nil {
					r.recordGotcha(rec, err)
					return err
				}
			}
		}
		return nil
	}
}

// runValidation executes a record's validation command. Failure is a
// recoverable error; an expected substring, when set, must appear in the
// combined output.
func (r *Runtime) runValidation(ctx context.Context, rec specfile.TaskRecord) error {
	r.step(rec.ID, "validating", zap.String("command", rec.Validation.Command))

	cmd := exec.CommandContext(ctx, "sh", "-c", rec.Validation.Command)
	cmd.Dir = r.opts.Workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("validation failed for %s: %w (%s)", rec.ID, err, strings.TrimSpace(string(out)))
	}
	if rec.Validation.Expected != "" && !strings.Contains(string(out), rec.Validation.Expected) {
		return fmt.Errorf("validation output for %s missing %q", rec.ID, rec.Validation.Expected)
	}
	return nil
}

// recordGotcha persists a validation failure so later sessions touching
// the same file see it up front.
func (r *Runtime) recordGotcha(rec specfile.TaskRecord, cause error) {
	if r.kb == nil {
		return
	}
	if _, err := r.kb.Record(types.KnowledgeItem{
		Kind:        types.KnowledgeGotcha,
		Content:     cause.Error(),
		FilePattern: rec.File,
		ActionType:  string(rec.Action),
		Confidence:  0.5,
		Source:      r.opts.AgentID,
	}); err != nil {
		r.step(rec.ID, "failed to record gotcha", zap.Error(err))
	}
}

// writeReport renders the completion report to the reports directory.
func (r *Runtime) writeReport(spec *specfile.Spec, commitRef string) error {
	report := specfile.CompletionReport{
		TaskID:    r.opts.TaskID,
		Status:    "completed",
		Duration:  time.Since(r.start),
		Files:     r.files,
		CommitRef: commitRef,
	}
	for _, c := range spec.PassCriteria {
		result := "pass"
		if c.Status == specfile.CriterionFailed {
			result = "fail"
		}
		report.Criteria = append(report.Criteria, specfile.CriterionResult{
			Criterion: c.Text,
			TestID:    fmt.Sprintf("criterion-%d", c.Number),
			Result:    result,
		})
	}

	dir := filepath.Join(r.opts.Workspace, ".autoforge", "reports")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, r.opts.TaskID+".md")
	if err := os.WriteFile(path, []byte(report.Render()), 0644); err != nil {
		return fmt.Errorf("failed to write completion report: %w", err)
	}
	r.step("report", "completion report written", zap.String("path", path))
	return nil
}

func (r *Runtime) step(step, msg string, fields ...zap.Field) {
	r.log.Info(msg, append([]zap.Field{zap.String("step", step)}, fields...)...)
}

func (r *Runtime) fail(step string, err error) {
	r.log.Error(err.Error(), zap.String("step", step))
	fmt.Fprintln(os.Stderr, err.Error())
}
