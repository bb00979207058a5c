package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CoordinationMode controls how steps are ordered beyond their declared
// dependencies.
type CoordinationMode string

const (
	ModeSequential CoordinationMode = "sequential"
	ModeParallel   CoordinationMode = "parallel"
	ModeHybrid     CoordinationMode = "hybrid"
)

// Valid reports whether m is a known mode.
func (m CoordinationMode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeHybrid:
		return true
	}
	return false
}

// TriggerType selects what starts an execution.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerEvent     TriggerType = "event"
	TriggerScheduled TriggerType = "scheduled"
)

// Trigger describes when a workflow runs on its own.
type Trigger struct {
	Type TriggerType `json:"type" yaml:"type"`
	// Events lists the event types that start an execution.
	Events []string `json:"events,omitempty" yaml:"events,omitempty"`
	// IntervalMs is the period of a scheduled trigger.
	IntervalMs int64 `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	// SubjectID is the subject scheduled executions run for.
	SubjectID string `json:"subject_id,omitempty" yaml:"subject_id,omitempty"`
}

// Matches reports whether an event of eventType fires the trigger.
func (t Trigger) Matches(eventType string) bool {
	if t.Type != TriggerEvent {
		return false
	}
	for _, e := range t.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Interval returns the scheduled period.
func (t Trigger) Interval() time.Duration {
	return time.Duration(t.IntervalMs) * time.Millisecond
}

// RetryPolicy overrides the engine retry defaults for one step.
type RetryPolicy struct {
	MaxRetries       int     `json:"max_retries" yaml:"max_retries"`
	InitialBackoffMs int64   `json:"initial_backoff_ms,omitempty" yaml:"initial_backoff_ms,omitempty"`
	MaxBackoffMs     int64   `json:"max_backoff_ms,omitempty" yaml:"max_backoff_ms,omitempty"`
	Multiplier       float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// ConsensusConfig selects how redundant results are reduced.
type ConsensusConfig struct {
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	// Quorum is the minimum number of usable results; zero means a simple majority.
	Quorum int `json:"quorum,omitempty" yaml:"quorum,omitempty"`
}

// Step is one unit of work in a workflow.
type Step struct {
	ID           string         `json:"step_id" yaml:"step_id"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	AgentType    string         `json:"agent_type" yaml:"agent_type"`
	TaskType     string         `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// Optional steps never fail the execution and never block dependents.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`

	Retry     *RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	TimeoutMs int64        `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Priority  int          `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Redundancy is the number of tasks fanned out for the step.
	Redundancy int              `json:"redundancy,omitempty" yaml:"redundancy,omitempty"`
	Consensus  *ConsensusConfig `json:"consensus,omitempty" yaml:"consensus,omitempty"`
}

// Replicas returns the effective fan-out.
func (s *Step) Replicas() int {
	if s.Redundancy < 1 {
		return 1
	}
	return s.Redundancy
}

// Timeout returns the step timeout, or zero for the engine default.
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Definition is a versioned workflow definition.
type Definition struct {
	ID             string           `json:"id" yaml:"id"`
	Name           string           `json:"name" yaml:"name"`
	Description    string           `json:"description,omitempty" yaml:"description,omitempty"`
	Version        int              `json:"version" yaml:"version"`
	Steps          []Step           `json:"steps" yaml:"steps"`
	Mode           CoordinationMode `json:"coordination_mode" yaml:"coordination_mode"`
	ParallelGroups [][]string       `json:"parallel_groups,omitempty" yaml:"parallel_groups,omitempty"`
	Trigger        Trigger          `json:"trigger" yaml:"trigger"`
	IsActive       bool             `json:"is_active" yaml:"is_active"`
	Tags           []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
	Category       string           `json:"category,omitempty" yaml:"category,omitempty"`
	CreatedAt      time.Time        `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at" yaml:"updated_at,omitempty"`
	ArchivedAt     *time.Time       `json:"archived_at,omitempty" yaml:"archived_at,omitempty"`
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy. Parameter values are copied one level deep.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	c := *d
	c.Steps = make([]Step, len(d.Steps))
	for i, s := range d.Steps {
		c.Steps[i] = s.clone()
	}
	if d.ParallelGroups != nil {
		c.ParallelGroups = make([][]string, len(d.ParallelGroups))
		for i, g := range d.ParallelGroups {
			c.ParallelGroups[i] = append([]string(nil), g...)
		}
	}
	c.Trigger.Events = append([]string(nil), d.Trigger.Events...)
	c.Tags = append([]string(nil), d.Tags...)
	if d.ArchivedAt != nil {
		t := *d.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

func (s Step) clone() Step {
	c := s
	c.Dependencies = append([]string(nil), s.Dependencies...)
	if s.Parameters != nil {
		c.Parameters = make(map[string]any, len(s.Parameters))
		for k, v := range s.Parameters {
			c.Parameters[k] = v
		}
	}
	if s.Retry != nil {
		r := *s.Retry
		c.Retry = &r
	}
	if s.Consensus != nil {
		cc := *s.Consensus
		c.Consensus = &cc
	}
	return c
}

// applyDefaults fills in zero-valued fields that have defaults.
func (d *Definition) applyDefaults() {
	if d.Mode == "" {
		d.Mode = ModeParallel
	}
	if d.Trigger.Type == "" {
		d.Trigger.Type = TriggerManual
	}
}

// DefinitionPatch is a partial update. Nil fields are left unchanged.
type DefinitionPatch struct {
	Name           *string           `json:"name,omitempty"`
	Description    *string           `json:"description,omitempty"`
	Steps          []Step            `json:"steps,omitempty"`
	Mode           *CoordinationMode `json:"coordination_mode,omitempty"`
	ParallelGroups *[][]string       `json:"parallel_groups,omitempty"`
	Trigger        *Trigger          `json:"trigger,omitempty"`
	IsActive       *bool             `json:"is_active,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Category       *string           `json:"category,omitempty"`
}

// Apply returns a copy of def with the patch applied.
func (p *DefinitionPatch) Apply(def *Definition) *Definition {
	out := def.Clone()
	if p == nil {
		return out
	}
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Steps != nil {
		out.Steps = make([]Step, len(p.Steps))
		for i, s := range p.Steps {
			out.Steps[i] = s.clone()
		}
	}
	if p.Mode != nil {
		out.Mode = *p.Mode
	}
	if p.ParallelGroups != nil {
		out.ParallelGroups = *p.ParallelGroups
	}
	if p.Trigger != nil {
		out.Trigger = *p.Trigger
	}
	if p.IsActive != nil {
		out.IsActive = *p.IsActive
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	return out
}

// =============================================================================
// Serialization
// =============================================================================

// ToJSON converts a Definition to JSON string
func (d *Definition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML converts a Definition to YAML string
func (d *Definition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}

// DefinitionFromJSON parses and validates a Definition
func DefinitionFromJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from JSON: %w", err)
	}
	def.applyDefaults()
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// DefinitionFromYAML parses and validates a Definition
func DefinitionFromYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from YAML: %w", err)
	}
	def.applyDefaults()
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile reads a Definition from a .json, .yaml or .yml file
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return DefinitionFromJSON(data)
	}
	return DefinitionFromYAML(data)
}
