package orchestrator

import (
	"fmt"

	"autoforge/internal/types"
)

// AgentSpec is one registered agent type: how to validate its inputs and
// how to classify its errors. Routing is a pure lookup on the task's
// agent type; adding an agent type means adding one registration entry.
type AgentSpec struct {
	Type          types.AgentType
	NeedsSpecFile bool
	Classify      func(message string) types.ErrorKind
}

// registry is the fixed agent-type table.
var registry = map[types.AgentType]AgentSpec{
	types.AgentIdeation:        {Type: types.AgentIdeation, Classify: Classify},
	types.AgentSpecification:   {Type: types.AgentSpecification, Classify: Classify},
	types.AgentBuild:           {Type: types.AgentBuild, NeedsSpecFile: true, Classify: Classify},
	types.AgentQA:              {Type: types.AgentQA, NeedsSpecFile: true, Classify: Classify},
	types.AgentSelfImprovement: {Type: types.AgentSelfImprovement, Classify: Classify},
}

// LookupAgent resolves an agent type or errors on an unregistered one.
func LookupAgent(t types.AgentType) (AgentSpec, error) {
	spec, ok := registry[t]
	if !ok {
		return AgentSpec{}, fmt.Errorf("unregistered agent type %q", t)
	}
	return spec, nil
}

// ValidateInputs checks a task has the inputs its agent type needs.
func ValidateInputs(t *types.Task) error {
	spec, err := LookupAgent(t.AgentType)
	if err != nil {
		return err
	}
	if spec.NeedsSpecFile && t.SpecPath == "" {
		return fmt.Errorf("task %s (%s) has no spec_path", t.ID, t.AgentType)
	}
	return nil
}
