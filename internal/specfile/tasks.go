package specfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TaskAction is the file operation a task record performs.
type TaskAction string

const (
	ActionCreate TaskAction = "CREATE"
	ActionUpdate TaskAction = "UPDATE"
	ActionAdd    TaskAction = "ADD"
	ActionDelete TaskAction = "DELETE"
)

// Validation is the optional post-write check on a task record.
type Validation struct {
	Command  string `yaml:"command"`
	Expected string `yaml:"expected,omitempty"` // expected output substring; empty means exit 0 suffices
}

// TaskRecord is one entry of a tasks file.
type TaskRecord struct {
	ID           string      `yaml:"id"`
	Phase        int         `yaml:"phase"`
	Action       TaskAction  `yaml:"action"`
	File         string      `yaml:"file"`
	Requirements []string    `yaml:"requirements"`
	Gotchas      []string    `yaml:"gotchas,omitempty"`
	Validation   *Validation `yaml:"validation,omitempty"`
	CodeTemplate string      `yaml:"code_template,omitempty"`
	DependsOn    []string    `yaml:"depends_on,omitempty"`
}

// TaskList is a parsed tasks file.
type TaskList struct {
	ID    string       `yaml:"id,omitempty"`
	Tasks []TaskRecord `yaml:"tasks"`
}

// ParseTasksFile reads and validates a YAML tasks file.
func ParseTasksFile(path string) (*TaskList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks file %s: %w", path, err)
	}
	return ParseTasks(data)
}

// ParseTasks parses tasks file content. Every record needs an id, a file
// and a known action; depends_on must reference ids in the same list.
func ParseTasks(data []byte) (*TaskList, error) {
	var list TaskList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse tasks file: %w", err)
	}

	ids := make(map[string]bool, len(list.Tasks))
	for i, t := range list.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if ids[t.ID] {
			return nil, fmt.Errorf("duplicate task id %s", t.ID)
		}
		ids[t.ID] = true
		if t.File == "" {
			return nil, fmt.Errorf("task %s has no file", t.ID)
		}
		switch t.Action {
		case ActionCreate, ActionUpdate, ActionAdd, ActionDelete:
		default:
			return nil, fmt.Errorf("task %s has unknown action %q", t.ID, t.Action)
		}
	}
	for _, t := range list.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}
	return &list, nil
}
