package plan

import (
	"fmt"
	"strings"

	"autoforge/internal/types"
)

// Canonical path layout per layer. Migrations get a running sequence
// number; the rest key off the entity name.
const (
	migrationPathFmt = "database/migrations/%03d_%s.sql"
	typesPathFmt     = "server/types/%s.ts"
	routesPathFmt    = "server/routes/%ss.ts"
	componentPathFmt = "ui/components/%s.tsx"
)

// Identify maps a feature's affected areas to concrete file changes with
// dependency edges following the layer rules: migrations and type files
// depend on nothing, routes depend on their migration and type file, UI
// components depend on the routes they call.
func (e *Engine) Identify(feature Feature) ([]FileChange, error) {
	if len(feature.Entities) == 0 {
		return nil, fmt.Errorf("feature %s names no entities", feature.ID)
	}
	if len(feature.Areas) == 0 {
		return nil, fmt.Errorf("feature %s names no affected areas", feature.ID)
	}

	areas := make(map[types.Layer]bool, len(feature.Areas))
	for _, a := range feature.Areas {
		switch a {
		case types.LayerDatabase, types.LayerAPI, types.LayerUI:
			areas[a] = true
		default:
			return nil, fmt.Errorf("feature %s has unknown area %q", feature.ID, a)
		}
	}

	seq := e.nextMigrationSeq()
	var changes []FileChange
	for _, entity := range feature.Entities {
		entity = strings.ToLower(strings.TrimSpace(entity))
		if entity == "" {
			continue
		}

		var migPath, typePath, routePath string
		if areas[types.LayerDatabase] {
			migPath = fmt.Sprintf(migrationPathFmt, seq, entity)
			seq++
			changes = append(changes, FileChange{
				Path:      migPath,
				Operation: opFor(e.vcs, migPath),
				Reason:    fmt.Sprintf("schema for %s (%s)", entity, feature.ID),
				Priority:  0,
			})
		}
		if areas[types.LayerAPI] {
			typePath = fmt.Sprintf(typesPathFmt, entity)
			routePath = fmt.Sprintf(routesPathFmt, entity)
			changes = append(changes, FileChange{
				Path:      typePath,
				Operation: opFor(e.vcs, typePath),
				Reason:    fmt.Sprintf("type record for %s (%s)", entity, feature.ID),
				Priority:  1,
			})
			routeDeps := []string{typePath}
			if migPath != "" {
				routeDeps = append(routeDeps, migPath)
			}
			changes = append(changes, FileChange{
				Path:         routePath,
				Operation:    opFor(e.vcs, routePath),
				Reason:       fmt.Sprintf("route handlers for %s (%s)", entity, feature.ID),
				Dependencies: routeDeps,
				Priority:     2,
			})
		}
		if areas[types.LayerUI] {
			compPath := fmt.Sprintf(componentPathFmt, exportName(entity))
			var deps []string
			if routePath != "" {
				deps = append(deps, routePath)
			}
			changes = append(changes, FileChange{
				Path:         compPath,
				Operation:    opFor(e.vcs, compPath),
				Reason:       fmt.Sprintf("component for %s (%s)", entity, feature.ID),
				Dependencies: deps,
				Priority:     3,
			})
		}
	}
	return changes, nil
}

// opFor picks create vs modify from what is already in the working tree.
func opFor(v VCS, path string) Operation {
	if v != nil && v.Exists(path) {
		return OpModify
	}
	return OpCreate
}

// nextMigrationSeq finds the first unused migration sequence number.
func (e *Engine) nextMigrationSeq() int {
	if e.vcs == nil {
		return 1
	}
	for seq := 1; seq < 1000; seq++ {
		prefix := fmt.Sprintf("database/migrations/%03d_", seq)
		if !e.vcs.ExistsPrefix(prefix) {
			return seq
		}
	}
	return 1000
}

// exportName turns snake_case into PascalCase for component file names.
func exportName(entity string) string {
	parts := strings.Split(entity, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}
