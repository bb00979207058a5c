package workflow

import (
	"github.com/BaSui01/carbonflow/types"
)

// Node is one step in a plan. Deps are data dependencies: their results
// feed the step and their failure propagates. After are ordering-only
// predecessors that must merely be terminal.
type Node struct {
	Index int
	Step  Step
	Deps  []int
	After []int
	// Dependents lists nodes that reference this one through Deps or After.
	Dependents []int
	// Layer is the Kahn layer: 0 for roots, else 1 + max layer of Deps.
	Layer int
}

// Plan is the arena+index form of a definition.
type Plan struct {
	WorkflowID string
	Version    int
	Mode       CoordinationMode
	Nodes      []Node
	// Layers groups node indexes by Kahn layer. Advisory outside hybrid mode.
	Layers [][]int
	// Groups are the ordering barriers used in hybrid mode.
	Groups [][]int

	index map[string]int
}

// Lookup returns the node index of a step id.
func (p *Plan) Lookup(stepID string) (int, bool) {
	i, ok := p.index[stepID]
	return i, ok
}

// Roots returns the nodes with no predecessors.
func (p *Plan) Roots() []int {
	var roots []int
	for i := range p.Nodes {
		if len(p.Nodes[i].Deps) == 0 && len(p.Nodes[i].After) == 0 {
			roots = append(roots, i)
		}
	}
	return roots
}

// PlanSummary is the display form of a plan: step ids per Kahn layer and,
// outside parallel mode, per ordering group.
type PlanSummary struct {
	WorkflowID string           `json:"workflow_id"`
	Version    int              `json:"version"`
	Mode       CoordinationMode `json:"mode"`
	Roots      []string         `json:"roots"`
	Layers     [][]string       `json:"layers"`
	Groups     [][]string       `json:"groups,omitempty"`
}

// Summary renders the plan with step ids in place of node indexes.
func (p *Plan) Summary() *PlanSummary {
	ids := func(idx []int) []string {
		out := make([]string, len(idx))
		for i, n := range idx {
			out[i] = p.Nodes[n].Step.ID
		}
		return out
	}
	sum := &PlanSummary{
		WorkflowID: p.WorkflowID,
		Version:    p.Version,
		Mode:       p.Mode,
		Roots:      ids(p.Roots()),
		Layers:     make([][]string, len(p.Layers)),
	}
	for i, l := range p.Layers {
		sum.Layers[i] = ids(l)
	}
	for _, g := range p.Groups {
		sum.Groups = append(sum.Groups, ids(g))
	}
	return sum
}

// BuildPlan validates a definition and turns it into a plan. It is pure and
// may be re-run on the same definition.
func BuildPlan(def *Definition) (*Plan, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	mode := def.Mode
	if mode == "" {
		mode = ModeParallel
	}

	p := &Plan{
		WorkflowID: def.ID,
		Version:    def.Version,
		Mode:       mode,
		Nodes:      make([]Node, len(def.Steps)),
		index:      make(map[string]int, len(def.Steps)),
	}
	for i := range def.Steps {
		p.index[def.Steps[i].ID] = i
	}
	for i := range def.Steps {
		n := &p.Nodes[i]
		n.Index = i
		n.Step = def.Steps[i].clone()
		for _, dep := range n.Step.Dependencies {
			n.Deps = append(n.Deps, p.index[dep])
		}
	}

	if err := p.layer(); err != nil {
		return nil, err
	}

	switch mode {
	case ModeSequential:
		if err := p.sequence(); err != nil {
			return nil, err
		}
	case ModeHybrid:
		if err := p.group(def.ParallelGroups); err != nil {
			return nil, err
		}
	}

	for i := range p.Nodes {
		for _, d := range p.Nodes[i].Deps {
			p.Nodes[d].Dependents = appendUnique(p.Nodes[d].Dependents, i)
		}
		for _, a := range p.Nodes[i].After {
			p.Nodes[a].Dependents = appendUnique(p.Nodes[a].Dependents, i)
		}
	}
	return p, nil
}

// layer assigns Kahn layers.
func (p *Plan) layer() error {
	indegree := make([]int, len(p.Nodes))
	dependents := make([][]int, len(p.Nodes))
	for i := range p.Nodes {
		indegree[i] = len(p.Nodes[i].Deps)
		for _, d := range p.Nodes[i].Deps {
			dependents[d] = append(dependents[d], i)
		}
	}

	var frontier []int
	for i, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, i)
		}
	}

	visited := 0
	for len(frontier) > 0 {
		p.Layers = append(p.Layers, frontier)
		var next []int
		for _, u := range frontier {
			visited++
			for _, v := range dependents[u] {
				if l := p.Nodes[u].Layer + 1; l > p.Nodes[v].Layer {
					p.Nodes[v].Layer = l
				}
				indegree[v]--
				if indegree[v] == 0 {
					next = append(next, v)
				}
			}
		}
		frontier = next
	}

	if visited != len(p.Nodes) {
		var stuck []string
		for i, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, p.Nodes[i].Step.ID)
			}
		}
		return types.NewError(types.ErrValidation, "dependency cycle detected").WithSteps(stuck...)
	}
	return nil
}

// sequence orders nodes in declaration order.
func (p *Plan) sequence() error {
	for i := range p.Nodes {
		n := &p.Nodes[i]
		for _, d := range n.Deps {
			if d > i {
				return types.Errorf(types.ErrValidation,
					"step %q depends on later-declared step %q in sequential mode",
					n.Step.ID, p.Nodes[d].Step.ID).WithSteps(n.Step.ID)
			}
		}
		if i > 0 {
			n.After = appendUnique(n.After, i-1)
		}
	}
	p.Groups = make([][]int, len(p.Nodes))
	for i := range p.Nodes {
		p.Groups[i] = []int{i}
	}
	return nil
}

// group applies hybrid parallel groups as ordering barriers. Without
// explicit groups the Kahn layers are used.
func (p *Plan) group(groups [][]string) error {
	if len(groups) == 0 {
		p.Groups = make([][]int, len(p.Layers))
		for i, l := range p.Layers {
			p.Groups[i] = append([]int(nil), l...)
		}
	} else {
		groupOf := make(map[int]int, len(p.Nodes))
		p.Groups = make([][]int, 0, len(groups))
		for g, ids := range groups {
			members := make([]int, 0, len(ids))
			for _, id := range ids {
				idx, ok := p.index[id]
				if !ok {
					return types.Errorf(types.ErrValidation, "parallel group %d references unknown step %q", g, id).
						WithSteps(id)
				}
				if prev, dup := groupOf[idx]; dup {
					return types.Errorf(types.ErrValidation, "step %q appears in parallel groups %d and %d", id, prev, g).
						WithSteps(id)
				}
				groupOf[idx] = g
				members = append(members, idx)
			}
			p.Groups = append(p.Groups, members)
		}

		var ungrouped []string
		for i := range p.Nodes {
			if _, ok := groupOf[i]; !ok {
				ungrouped = append(ungrouped, p.Nodes[i].Step.ID)
			}
		}
		if len(ungrouped) > 0 {
			return types.NewError(types.ErrValidation, "every step must belong to exactly one parallel group").
				WithSteps(ungrouped...)
		}

		for i := range p.Nodes {
			for _, d := range p.Nodes[i].Deps {
				if groupOf[d] >= groupOf[i] {
					return types.Errorf(types.ErrValidation,
						"step %q in group %d depends on step %q in group %d",
						p.Nodes[i].Step.ID, groupOf[i], p.Nodes[d].Step.ID, groupOf[d]).
						WithSteps(p.Nodes[i].Step.ID)
				}
			}
		}
	}

	// Each group waits for the previous non-empty group.
	var prev []int
	for _, members := range p.Groups {
		if len(members) == 0 {
			continue
		}
		for _, m := range members {
			for _, a := range prev {
				p.Nodes[m].After = appendUnique(p.Nodes[m].After, a)
			}
		}
		prev = members
	}
	return nil
}

func appendUnique(list []int, v int) []int {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
