package workflow

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBuildPlan_ParallelLayers(t *testing.T) {
	p, err := BuildPlan(def(ModeParallel,
		step("a", "x"),
		step("b", "x", "a"),
		step("c", "x", "a"),
		step("d", "x", "b", "c"),
		step("e", "x"),
	))
	require.NoError(t, err)

	layer := func(id string) int {
		i, ok := p.Lookup(id)
		require.True(t, ok)
		return p.Nodes[i].Layer
	}
	assert.Equal(t, 0, layer("a"))
	assert.Equal(t, 1, layer("b"))
	assert.Equal(t, 1, layer("c"))
	assert.Equal(t, 2, layer("d"))
	assert.Equal(t, 0, layer("e"))
	assert.Len(t, p.Layers, 3)
	assert.ElementsMatch(t, []int{0, 4}, p.Roots())

	for i := range p.Nodes {
		assert.Empty(t, p.Nodes[i].After, "parallel mode adds no ordering edges")
	}
	a, _ := p.Lookup("a")
	assert.Len(t, p.Nodes[a].Dependents, 2)
}

func TestBuildPlan_Sequential(t *testing.T) {
	p, err := BuildPlan(def(ModeSequential, step("a", "x"), step("b", "x"), step("c", "x", "a")))
	require.NoError(t, err)
	assert.Empty(t, p.Nodes[0].After)
	assert.Equal(t, []int{0}, p.Nodes[1].After)
	assert.Equal(t, []int{1}, p.Nodes[2].After)

	_, err = BuildPlan(def(ModeSequential, step("a", "x", "b"), step("b", "x")))
	requireValidation(t, err, "a")
}

func TestBuildPlan_Hybrid(t *testing.T) {
	d := def(ModeHybrid, step("a", "x"), step("b", "x"), step("c", "x", "a"), step("d", "x"))
	d.ParallelGroups = [][]string{{"a", "b"}, {"c", "d"}}
	p, err := BuildPlan(d)
	require.NoError(t, err)
	c, _ := p.Lookup("c")
	dd, _ := p.Lookup("d")
	assert.ElementsMatch(t, []int{0, 1}, p.Nodes[c].After)
	assert.ElementsMatch(t, []int{0, 1}, p.Nodes[dd].After, "d waits for the previous group without depending on it")
}

func TestBuildPlan_HybridErrors(t *testing.T) {
	base := func(groups ...[]string) *Definition {
		d := def(ModeHybrid, step("a", "x"), step("b", "x", "a"))
		d.ParallelGroups = groups
		return d
	}

	_, err := BuildPlan(base([]string{"a", "b"}))
	requireValidation(t, err, "b")

	_, err = BuildPlan(base([]string{"b"}, []string{"a"}))
	requireValidation(t, err, "b")

	_, err = BuildPlan(base([]string{"a"}))
	requireValidation(t, err, "b")

	_, err = BuildPlan(base([]string{"a"}, []string{"b", "a"}))
	requireValidation(t, err, "a")

	_, err = BuildPlan(base([]string{"a"}, []string{"ghost"}))
	requireValidation(t, err, "ghost")
}

func TestBuildPlan_HybridDefaultsToLayers(t *testing.T) {
	p, err := BuildPlan(def(ModeHybrid, step("a", "x"), step("b", "x"), step("c", "x", "a")))
	require.NoError(t, err)
	require.Len(t, p.Groups, 2)
	c, _ := p.Lookup("c")
	assert.ElementsMatch(t, []int{0, 1}, p.Nodes[c].After)
}

func TestPlan_Summary(t *testing.T) {
	d := def(ModeHybrid, step("a", "x"), step("b", "x"), step("c", "x", "a"))
	d.ID = "wf-1"
	d.Version = 2
	p, err := BuildPlan(d)
	require.NoError(t, err)

	sum := p.Summary()
	assert.Equal(t, "wf-1", sum.WorkflowID)
	assert.Equal(t, 2, sum.Version)
	assert.Equal(t, ModeHybrid, sum.Mode)
	assert.Equal(t, []string{"a", "b"}, sum.Roots)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, sum.Layers)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, sum.Groups)
}

func TestBuildPlan_IsPure(t *testing.T) {
	d := def(ModeSequential, step("a", "x"), step("b", "x", "a"))
	p1, err := BuildPlan(d)
	require.NoError(t, err)
	p2, err := BuildPlan(d)
	require.NoError(t, err)
	assert.Equal(t, p1.Nodes, p2.Nodes)
	assert.Equal(t, []string{"a"}, d.Steps[1].Dependencies)
}

// randomDAG builds a definition where step i may only depend on steps < i.
func randomDAG(n int, edges []bool) *Definition {
	steps := make([]Step, n)
	k := 0
	for i := 0; i < n; i++ {
		steps[i] = Step{ID: fmt.Sprintf("s%d", i), AgentType: "x"}
		for j := 0; j < i; j++ {
			if k < len(edges) && edges[k] {
				steps[i].Dependencies = append(steps[i].Dependencies, fmt.Sprintf("s%d", j))
			}
			k++
		}
	}
	return &Definition{Name: "random", Mode: ModeParallel, Steps: steps}
}

// Layering never places a step at or before any of its dependencies.
func TestProperty_LayersRespectDependencies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("layer(step) > layer(dep) for every dependency", prop.ForAll(
		func(n int, edges []bool) bool {
			p, err := BuildPlan(randomDAG(n, edges))
			if err != nil {
				t.Logf("BuildPlan failed: %v", err)
				return false
			}
			for _, node := range p.Nodes {
				for _, d := range node.Deps {
					if node.Layer <= p.Nodes[d].Layer {
						return false
					}
				}
				if len(node.Deps) == 0 && node.Layer != 0 {
					return false
				}
			}
			seen := 0
			for _, l := range p.Layers {
				seen += len(l)
			}
			return seen == n
		},
		gen.IntRange(1, 12),
		gen.SliceOfN(66, gen.Bool()),
	))

	properties.TestingRun(t)
}

// Adding a back edge to any path of a DAG always yields a rejected cycle.
func TestProperty_CyclesAreRejected(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 10).Draw(rt, "n")
		// Chain s0 <- s1 <- ... <- s(n-1), plus random extra forward edges.
		steps := make([]Step, n)
		for i := 0; i < n; i++ {
			steps[i] = Step{ID: fmt.Sprintf("s%d", i), AgentType: "x"}
			if i > 0 {
				steps[i].Dependencies = []string{fmt.Sprintf("s%d", i-1)}
			}
		}
		from := rapid.IntRange(0, n-2).Draw(rt, "from")
		to := rapid.IntRange(from+1, n-1).Draw(rt, "to")
		// s(from) now depends on a later step on the same chain.
		steps[from].Dependencies = append(steps[from].Dependencies, fmt.Sprintf("s%d", to))

		err := Validate(&Definition{Name: "cyclic", Steps: steps})
		if err == nil {
			rt.Fatalf("cycle s%d -> s%d not detected", from, to)
		}
		if _, err := BuildPlan(&Definition{Name: "cyclic", Steps: steps}); err == nil {
			rt.Fatalf("BuildPlan accepted a cyclic definition")
		}
	})
}

// Sequential plans keep declaration order for any acyclic forward-only input.
func TestProperty_SequentialOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(rt, "n")
		edges := rapid.SliceOfN(rapid.Bool(), 45, 45).Draw(rt, "edges")
		d := randomDAG(n, edges)
		d.Mode = ModeSequential
		p, err := BuildPlan(d)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		for i := 1; i < n; i++ {
			if len(p.Nodes[i].After) != 1 || p.Nodes[i].After[0] != i-1 {
				rt.Fatalf("node %d not ordered after %d: %v", i, i-1, p.Nodes[i].After)
			}
		}
	})
}
