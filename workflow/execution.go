package workflow

import (
	"time"

	"github.com/BaSui01/carbonflow/agent/consensus"
	"github.com/BaSui01/carbonflow/types"
)

// ExecutionStatus is the derived status of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the status of one step within an execution.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepReady      StepStatus = "READY"
	StepDispatched StepStatus = "DISPATCHED"
	StepRunning    StepStatus = "RUNNING"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
	StepCancelled  StepStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// StepError records why a step failed.
type StepError struct {
	Code      types.ErrorCode `json:"code"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

func stepErrorFrom(err error) *StepError {
	if err == nil {
		return nil
	}
	if te, ok := types.AsError(err); ok {
		msg := te.Message
		if te.Cause != nil && te.Cause.Error() != msg {
			msg = msg + ": " + te.Cause.Error()
		}
		return &StepError{Code: te.Code, Message: msg, Retryable: te.Retryable}
	}
	return &StepError{Code: types.ErrTaskExecution, Message: err.Error(), Retryable: true}
}

// StepExecution is the per-step state of an execution. Layer is the step's
// depth in the dependency graph, 0 for roots.
type StepExecution struct {
	StepID    string     `json:"step_id"`
	Name      string     `json:"name,omitempty"`
	AgentType string     `json:"agent_type"`
	Optional  bool       `json:"optional,omitempty"`
	Layer     int        `json:"layer"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Result    any        `json:"result,omitempty"`
	Error     *StepError `json:"error,omitempty"`
	// Consensus is the aggregation diagnostic of redundant steps.
	Consensus *consensus.Outcome `json:"consensus,omitempty"`
	TaskIDs   []string           `json:"task_ids,omitempty"`
	AgentID   string             `json:"agent_id,omitempty"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
}

// LogEntry is one append-only record of a transition. Execution-level
// entries have an empty StepID.
type LogEntry struct {
	Seq     int       `json:"seq"`
	At      time.Time `json:"at"`
	StepID  string    `json:"step_id,omitempty"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Attempt int       `json:"attempt,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Execution is one run of a workflow version.
type Execution struct {
	ID              string          `json:"execution_id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowName    string          `json:"workflow_name,omitempty"`
	WorkflowVersion int             `json:"workflow_version"`
	SubjectID       string          `json:"subject_id,omitempty"`
	TriggerType     TriggerType     `json:"trigger_type"`
	TriggerInput    map[string]any  `json:"trigger_input,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Steps           []StepExecution `json:"step_executions"`
	Log             []LogEntry      `json:"log"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Error           *types.Error    `json:"error,omitempty"`
}

// Step returns the step execution with the given id.
func (e *Execution) Step(stepID string) (*StepExecution, bool) {
	for i := range e.Steps {
		if e.Steps[i].StepID == stepID {
			return &e.Steps[i], true
		}
	}
	return nil, false
}

// Duration returns the run time so far, or the total once terminal.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}

// Ref returns the summary handed back by ExecuteWorkflow.
func (e *Execution) Ref() *ExecutionRef {
	return &ExecutionRef{
		ExecutionID: e.ID,
		WorkflowID:  e.WorkflowID,
		Version:     e.WorkflowVersion,
		Status:      e.Status,
		StartedAt:   e.StartedAt,
	}
}

// Clone returns a copy safe to hand to readers. Results and trigger input
// values are treated as immutable and shared.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Steps = make([]StepExecution, len(e.Steps))
	for i, s := range e.Steps {
		s.TaskIDs = append([]string(nil), s.TaskIDs...)
		if s.Error != nil {
			se := *s.Error
			s.Error = &se
		}
		c.Steps[i] = s
	}
	c.Log = append([]LogEntry(nil), e.Log...)
	if e.TriggerInput != nil {
		c.TriggerInput = make(map[string]any, len(e.TriggerInput))
		for k, v := range e.TriggerInput {
			c.TriggerInput[k] = v
		}
	}
	if e.Error != nil {
		te := *e.Error
		te.Steps = append([]string(nil), e.Error.Steps...)
		c.Error = &te
	}
	return &c
}

// ExecutionRef identifies a started execution.
type ExecutionRef struct {
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	Version     int             `json:"workflow_version"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
}
