package workflow

import (
	"sort"
	"strings"

	"github.com/BaSui01/carbonflow/types"
)

// DFS colors for cycle detection.
const (
	white = iota
	gray
	black
)

// Validate checks the structure of a definition: non-empty steps, unique
// step ids, resolvable dependencies and an acyclic dependency relation.
// The returned error is a VALIDATION *types.Error naming the offending steps.
func Validate(def *Definition) error {
	if def == nil {
		return types.NewError(types.ErrValidation, "workflow definition is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		return types.NewError(types.ErrValidation, "workflow name is required")
	}
	if len(def.Steps) == 0 {
		return types.NewError(types.ErrValidation, "workflow must have at least one step")
	}
	if def.Mode != "" && !def.Mode.Valid() {
		return types.Errorf(types.ErrValidation, "unknown coordination mode %q", def.Mode)
	}
	if err := validateTrigger(def.Trigger); err != nil {
		return err
	}

	index := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		if strings.TrimSpace(s.ID) == "" {
			return types.Errorf(types.ErrValidation, "step %d has no step_id", i)
		}
		if _, dup := index[s.ID]; dup {
			return types.Errorf(types.ErrValidation, "duplicate step id %q", s.ID).WithSteps(s.ID)
		}
		index[s.ID] = i
		if strings.TrimSpace(s.AgentType) == "" {
			return types.Errorf(types.ErrValidation, "step %q has no agent_type", s.ID).WithSteps(s.ID)
		}
		if s.Redundancy < 0 || s.TimeoutMs < 0 {
			return types.Errorf(types.ErrValidation, "step %q has negative redundancy or timeout", s.ID).WithSteps(s.ID)
		}
		if s.Retry != nil && s.Retry.MaxRetries < 0 {
			return types.Errorf(types.ErrValidation, "step %q has negative max_retries", s.ID).WithSteps(s.ID)
		}
	}

	var missing []string
	for i := range def.Steps {
		s := &def.Steps[i]
		seen := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return types.Errorf(types.ErrValidation, "step %q depends on itself", s.ID).WithSteps(s.ID)
			}
			if seen[dep] {
				return types.Errorf(types.ErrValidation, "step %q lists dependency %q twice", s.ID, dep).WithSteps(s.ID)
			}
			seen[dep] = true
			if _, ok := index[dep]; !ok {
				missing = append(missing, s.ID+"→"+dep)
			}
		}
	}
	if len(missing) > 0 {
		steps := make([]string, 0, len(missing))
		for _, m := range missing {
			steps = append(steps, strings.SplitN(m, "→", 2)[0])
		}
		return types.Errorf(types.ErrValidation, "unknown dependencies: %s", strings.Join(missing, ", ")).
			WithSteps(steps...)
	}

	if cycle := findCycle(def.Steps, index); cycle != nil {
		return types.Errorf(types.ErrValidation, "dependency cycle: %s", strings.Join(cycle, " → ")).
			WithSteps(cycle[:len(cycle)-1]...)
	}
	return nil
}

func validateTrigger(t Trigger) error {
	switch t.Type {
	case "", TriggerManual:
	case TriggerEvent:
		if len(t.Events) == 0 {
			return types.NewError(types.ErrValidation, "event trigger must list at least one event type")
		}
	case TriggerScheduled:
		if t.IntervalMs <= 0 {
			return types.NewError(types.ErrValidation, "scheduled trigger requires a positive interval_ms")
		}
	default:
		return types.Errorf(types.ErrValidation, "unknown trigger type %q", t.Type)
	}
	return nil
}

// findCycle runs a white/gray/black DFS over the dependency edges and
// returns the first cycle found as a closed path, or nil. Reaching a gray
// node means the edge closes a cycle.
func findCycle(steps []Step, index map[string]int) []string {
	color := make([]int, len(steps))
	parent := make([]int, len(steps))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []string
	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = gray
		for _, dep := range steps[u].Dependencies {
			v, ok := index[dep]
			if !ok {
				continue
			}
			switch color[v] {
			case gray:
				// Walk back from u to v along parent links.
				path := []string{steps[v].ID}
				for w := u; w != v && w != -1; w = parent[w] {
					path = append(path, steps[w].ID)
				}
				path = append(path, steps[v].ID)
				cycle = path
				return true
			case white:
				parent[v] = u
				if visit(v) {
					return true
				}
			}
		}
		color[u] = black
		return false
	}

	// Deterministic start order keeps error messages stable.
	order := make([]int, len(steps))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return steps[order[a]].ID < steps[order[b]].ID })
	for _, i := range order {
		if color[i] == white && visit(i) {
			return cycle
		}
	}
	return nil
}
