package plan

import (
	"fmt"
	"sort"
)

// Validate checks the dependency relation over a change set: no cycles,
// and every dependency either appears in the plan or already exists in
// the working tree.
func (e *Engine) Validate(changes []FileChange) error {
	inPlan := make(map[string]*FileChange, len(changes))
	for i := range changes {
		if _, dup := inPlan[changes[i].Path]; dup {
			return fmt.Errorf("path %s appears twice in plan", changes[i].Path)
		}
		inPlan[changes[i].Path] = &changes[i]
	}

	for _, c := range changes {
		for _, dep := range c.Dependencies {
			if _, ok := inPlan[dep]; ok {
				continue
			}
			if e.vcs != nil && e.vcs.Exists(dep) {
				continue
			}
			return fmt.Errorf("%s depends on %s which is neither planned nor present", c.Path, dep)
		}
	}

	// Colors: 0 unvisited, 1 on stack, 2 done.
	color := make(map[string]int, len(changes))
	var visit func(path string) error
	visit = func(path string) error {
		switch color[path] {
		case 1:
			return fmt.Errorf("dependency cycle through %s", path)
		case 2:
			return nil
		}
		color[path] = 1
		if c, ok := inPlan[path]; ok {
			for _, dep := range c.Dependencies {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[path] = 2
		return nil
	}
	for _, c := range changes {
		if err := visit(c.Path); err != nil {
			return err
		}
	}
	return nil
}

// Schedule partitions a validated change set into phases:
// phase(f) = 1 + max(phase(d)) over in-plan dependencies, 0 with none.
// A single change always yields exactly one phase. Files inside a phase
// are ordered by (priority, path) for determinism.
func (e *Engine) Schedule(changes []FileChange) ([]Phase, error) {
	if err := e.Validate(changes); err != nil {
		return nil, err
	}

	inPlan := make(map[string]FileChange, len(changes))
	for _, c := range changes {
		inPlan[c.Path] = c
	}

	depth := make(map[string]int, len(changes))
	var phaseOf func(path string) int
	phaseOf = func(path string) int {
		if d, ok := depth[path]; ok {
			return d
		}
		c, ok := inPlan[path]
		if !ok {
			// Pre-existing file outside the plan; no scheduling constraint.
			return -1
		}
		max := -1
		for _, dep := range c.Dependencies {
			if d := phaseOf(dep); d > max {
				max = d
			}
		}
		depth[path] = max + 1
		return max + 1
	}

	maxPhase := 0
	for _, c := range changes {
		if d := phaseOf(c.Path); d > maxPhase {
			maxPhase = d
		}
	}

	phases := make([]Phase, maxPhase+1)
	for i := range phases {
		phases[i].Index = i
	}
	for _, c := range changes {
		i := depth[c.Path]
		phases[i].Files = append(phases[i].Files, c)
	}
	for i := range phases {
		sort.Slice(phases[i].Files, func(a, b int) bool {
			fa, fb := phases[i].Files[a], phases[i].Files[b]
			if fa.Priority != fb.Priority {
				return fa.Priority < fb.Priority
			}
			return fa.Path < fb.Path
		})
		phases[i].CanRunInParallel = noDirectDeps(phases[i].Files)
	}
	return phases, nil
}

// noDirectDeps reports whether no file in the slice depends on another
// file in the same slice.
func noDirectDeps(files []FileChange) bool {
	paths := make(map[string]bool, len(files))
	for _, f := range files {
		paths[f.Path] = true
	}
	for _, f := range files {
		for _, dep := range f.Dependencies {
			if paths[dep] {
				return false
			}
		}
	}
	return true
}
