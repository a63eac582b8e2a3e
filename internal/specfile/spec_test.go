package specfile

import (
	"testing"
	"time"
)

const sampleSpec = `# Habit Tracker

## Overview

Users can create habits and mark daily completions.

## Requirements

### Functional

- Create a habit with a name and cadence
- Mark a habit done for today

### Non-Functional

- Page load under 200ms

## Technical Design

New habits table, REST routes and a list component.

## Pass Criteria

1. [x] Habit can be created
2. [ ] Completion is recorded once per day
3. [!] Streak counter resets after a miss

## Testing Strategy

- unit: ` + "`npm test`" + `
- typecheck: ` + "`tsc --noEmit`" + `

## Implementation Plan

- Phase 1: migration
- Phase 2: routes
`

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec(sampleSpec)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}

	if spec.Title != "Habit Tracker" {
		t.Errorf("title = %q", spec.Title)
	}
	if spec.Overview == "" {
		t.Error("overview empty")
	}
	if len(spec.Functional) != 2 {
		t.Errorf("functional = %v, want 2 items", spec.Functional)
	}
	if len(spec.NonFunctional) != 1 {
		t.Errorf("non-functional = %v, want 1 item", spec.NonFunctional)
	}
	if len(spec.PassCriteria) != 3 {
		t.Fatalf("criteria = %v, want 3", spec.PassCriteria)
	}
	if spec.PassCriteria[0].Status != CriterionPassed {
		t.Errorf("criterion 1 status = %s, want passed", spec.PassCriteria[0].Status)
	}
	if spec.PassCriteria[1].Status != CriterionPending {
		t.Errorf("criterion 2 status = %s, want pending", spec.PassCriteria[1].Status)
	}
	if spec.PassCriteria[2].Status != CriterionFailed {
		t.Errorf("criterion 3 status = %s, want failed", spec.PassCriteria[2].Status)
	}
	if spec.TestingStrategy["unit"] != "npm test" {
		t.Errorf("testing strategy = %v", spec.TestingStrategy)
	}
	if len(spec.Plan) != 2 {
		t.Errorf("plan = %v, want 2 phases", spec.Plan)
	}
}

func TestParseSpecMissingSectionsAreEmpty(t *testing.T) {
	spec, err := ParseSpec("# Tiny\n\n## Overview\n\nJust this.\n")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if len(spec.PassCriteria) != 0 || len(spec.Functional) != 0 || len(spec.TestingStrategy) != 0 {
		t.Fatalf("optional sections not empty: %+v", spec)
	}
}

const sampleTasks = `
tasks:
  - id: T-001
    phase: 1
    action: CREATE
    file: database/migrations/001_habits.sql
    requirements:
      - habits table with id, name
    validation:
      command: sqlite3 test.db < database/migrations/001_habits.sql
  - id: T-002
    phase: 2
    action: UPDATE
    file: server/routes/habits.ts
    requirements:
      - GET /habits
    depends_on:
      - T-001
    gotchas:
      - route order matters
`

func TestParseTasks(t *testing.T) {
	list, err := ParseTasks([]byte(sampleTasks))
	if err != nil {
		t.Fatalf("ParseTasks: %v", err)
	}
	if len(list.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(list.Tasks))
	}
	if list.Tasks[0].Validation == nil || list.Tasks[0].Validation.Command == "" {
		t.Errorf("validation not parsed: %+v", list.Tasks[0])
	}
	if len(list.Tasks[1].DependsOn) != 1 || list.Tasks[1].DependsOn[0] != "T-001" {
		t.Errorf("depends_on not parsed: %+v", list.Tasks[1])
	}
}

func TestParseTasksRejectsBadRecords(t *testing.T) {
	cases := map[string]string{
		"unknown action": "tasks:\n  - id: T-1\n    action: DESTROY\n    file: a.ts\n",
		"missing file":   "tasks:\n  - id: T-1\n    action: CREATE\n",
		"unknown dep":    "tasks:\n  - id: T-1\n    action: CREATE\n    file: a.ts\n    depends_on: [T-9]\n",
		"duplicate id":   "tasks:\n  - id: T-1\n    action: CREATE\n    file: a.ts\n  - id: T-1\n    action: CREATE\n    file: b.ts\n",
	}
	for name, src := range cases {
		if _, err := ParseTasks([]byte(src)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestReportRoundTrip(t *testing.T) {
	in := &CompletionReport{
		TaskID:    "T-001",
		Status:    "completed",
		Duration:  90 * time.Second,
		CommitRef: "abc123",
		Files: []FileChanged{
			{Path: "database/migrations/001_habits.sql", Operation: "create"},
			{Path: "server/routes/habits.ts", Operation: "modify"},
		},
		Criteria: []CriterionResult{
			{Criterion: "Habit can be created", TestID: "criterion-1", Result: "pass"},
		},
	}

	out, err := ParseReport(in.Render())
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if out.TaskID != in.TaskID || out.Status != in.Status || out.CommitRef != in.CommitRef {
		t.Fatalf("header mismatch: %+v", out)
	}
	if len(out.Files) != 2 || out.Files[0].Operation != "create" {
		t.Fatalf("files mismatch: %+v", out.Files)
	}
	if len(out.Criteria) != 1 || out.Criteria[0].Result != "pass" {
		t.Fatalf("criteria mismatch: %+v", out.Criteria)
	}
}

func TestParseReportRejectsGarbage(t *testing.T) {
	if _, err := ParseReport("just some text"); err == nil {
		t.Fatal("garbage accepted as completion report")
	}
}
