package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/carbonflow/types"
)

func step(id, agentType string, deps ...string) Step {
	return Step{ID: id, AgentType: agentType, Dependencies: deps}
}

func def(mode CoordinationMode, steps ...Step) *Definition {
	return &Definition{Name: "test", Mode: mode, Steps: steps}
}

func requireValidation(t *testing.T, err error, steps ...string) *types.Error {
	t.Helper()
	require.Error(t, err)
	te, ok := types.AsError(err)
	require.True(t, ok, "expected *types.Error, got %T", err)
	assert.Equal(t, types.ErrValidation, te.Code)
	for _, s := range steps {
		assert.Contains(t, te.Steps, s)
	}
	return te
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     *Definition
		wantErr bool
		steps   []string
	}{
		{name: "valid chain", def: def(ModeParallel, step("a", "x"), step("b", "x", "a"))},
		{name: "nil", def: nil, wantErr: true},
		{name: "no name", def: &Definition{Steps: []Step{step("a", "x")}}, wantErr: true},
		{name: "no steps", def: def(ModeParallel), wantErr: true},
		{name: "duplicate id", def: def(ModeParallel, step("a", "x"), step("a", "x")), wantErr: true, steps: []string{"a"}},
		{name: "missing agent type", def: def(ModeParallel, step("a", "")), wantErr: true, steps: []string{"a"}},
		{name: "unknown dependency", def: def(ModeParallel, step("a", "x", "ghost")), wantErr: true, steps: []string{"a"}},
		{name: "self dependency", def: def(ModeParallel, step("a", "x", "a")), wantErr: true, steps: []string{"a"}},
		{name: "two cycle", def: def(ModeParallel, step("a", "x", "b"), step("b", "x", "a")), wantErr: true, steps: []string{"a", "b"}},
		{
			name:    "three cycle behind a root",
			def:     def(ModeParallel, step("root", "x"), step("a", "x", "root", "c"), step("b", "x", "a"), step("c", "x", "b")),
			wantErr: true,
			steps:   []string{"a", "b", "c"},
		},
		{name: "bad mode", def: def("circular", step("a", "x")), wantErr: true},
		{
			name:    "event trigger without events",
			def:     &Definition{Name: "t", Steps: []Step{step("a", "x")}, Trigger: Trigger{Type: TriggerEvent}},
			wantErr: true,
		},
		{
			name:    "scheduled trigger without interval",
			def:     &Definition{Name: "t", Steps: []Step{step("a", "x")}, Trigger: Trigger{Type: TriggerScheduled}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			requireValidation(t, err, tt.steps...)
		})
	}
}

func TestValidate_CycleMessageNamesPath(t *testing.T) {
	err := Validate(def(ModeParallel, step("a", "x", "b"), step("b", "x", "a")))
	te := requireValidation(t, err)
	assert.Contains(t, te.Message, "dependency cycle")
	assert.Len(t, te.Steps, 2)
}

func TestDefinitionPatch_Apply(t *testing.T) {
	orig := def(ModeParallel, step("a", "x"))
	orig.Tags = []string{"one"}

	name := "renamed"
	active := false
	out := (&DefinitionPatch{Name: &name, IsActive: &active, Steps: []Step{step("b", "y")}}).Apply(orig)

	assert.Equal(t, "renamed", out.Name)
	assert.False(t, out.IsActive)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, "b", out.Steps[0].ID)
	assert.Equal(t, []string{"one"}, out.Tags)
	// The original is untouched.
	assert.Equal(t, "test", orig.Name)
	assert.Equal(t, "a", orig.Steps[0].ID)
}

func TestDefinition_YAMLRoundTrip(t *testing.T) {
	d := def(ModeHybrid, step("a", "x"), step("b", "y", "a"))
	d.ParallelGroups = [][]string{{"a"}, {"b"}}
	d.Steps[1].Consensus = &ConsensusConfig{Algorithm: "majority", Quorum: 2}
	d.Steps[1].Redundancy = 3

	y, err := d.ToYAML()
	require.NoError(t, err)
	back, err := DefinitionFromYAML([]byte(y))
	require.NoError(t, err)
	assert.Equal(t, d.Steps, back.Steps)
	assert.Equal(t, d.ParallelGroups, back.ParallelGroups)

	j, err := d.ToJSON()
	require.NoError(t, err)
	back, err = DefinitionFromJSON([]byte(j))
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, back.Mode)
}

func TestDefinitionFromJSON_DefaultsAndValidation(t *testing.T) {
	d, err := DefinitionFromJSON([]byte(`{"name":"n","steps":[{"step_id":"a","agent_type":"x"}]}`))
	require.NoError(t, err)
	assert.Equal(t, ModeParallel, d.Mode)
	assert.Equal(t, TriggerManual, d.Trigger.Type)

	_, err = DefinitionFromJSON([]byte(`{"name":"n","steps":[]}`))
	requireValidation(t, err)
}

func TestLoadDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "a.json")
	yamlPath := filepath.Join(dir, "b.yml")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name":"j","steps":[{"step_id":"a","agent_type":"x"}]}`), 0o644))
	require.NoError(t, os.WriteFile(yamlPath, []byte("name: y\ncoordination_mode: sequential\nsteps:\n  - step_id: a\n    agent_type: x\n"), 0o644))

	d, err := LoadDefinitionFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "j", d.Name)

	d, err = LoadDefinitionFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, ModeSequential, d.Mode)

	_, err = LoadDefinitionFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
