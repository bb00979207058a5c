package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/carbonflow/types"
)

// TaskStatus is the lifecycle status of a dispatched task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskAssigned  TaskStatus = "ASSIGNED"
	TaskExecuting TaskStatus = "EXECUTING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Task is one concrete, dispatched instance of a step. AgentType is the
// registered type that served it; Variant holds the suffix when the step
// asked for a variant such as "sector_profiler_textiles".
type Task struct {
	ID                string         `json:"task_id"`
	ExecutionID       string         `json:"execution_id"`
	StepID            string         `json:"step_id"`
	AgentID           string         `json:"agent_id"`
	AgentType         string         `json:"agent_type"`
	Variant           string         `json:"variant,omitempty"`
	TaskType          string         `json:"task_type,omitempty"`
	Input             map[string]any `json:"input,omitempty"`
	Priority          int            `json:"priority"`
	Attempt           int            `json:"attempt"`
	Replica           int            `json:"replica"`
	Status            TaskStatus     `json:"status"`
	Deadline          time.Time      `json:"deadline"`
	EstimatedDuration time.Duration  `json:"estimated_duration"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Error             string         `json:"error,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	return &c
}

// Request asks the dispatcher to run one task for a ready step. The
// callbacks are invoked from dispatcher goroutines, never from Submit.
type Request struct {
	ExecutionID string
	StepID      string
	AgentType   string
	TaskType    string
	Input       map[string]any
	Priority    int
	Attempt     int
	Replica     int
	// Timeout bounds handler execution; zero uses the dispatcher default.
	Timeout time.Duration

	OnAssigned func(task *Task)
	OnStarted  func(task *Task)
	OnComplete func(outcome Outcome)
}

// Outcome reports how a task ended.
type Outcome struct {
	Task     *Task
	Output   any
	Err      error
	Duration time.Duration
}

// Retryable wraps a handler error that may succeed when retried.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return types.NewError(types.ErrTaskExecution, err.Error()).WithCause(err).WithRetryable(true)
}

// Fatal wraps a handler error that must not be retried.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return types.NewError(types.ErrTaskExecution, err.Error()).WithCause(err).WithRetryable(false)
}

// classify maps a handler error onto the task error taxonomy.
func classify(taskCtx, parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return types.NewError(types.ErrCancellation, "task cancelled").WithCause(err)
	}
	if taskCtx.Err() == context.DeadlineExceeded {
		return timeoutError()
	}
	if te, ok := types.AsError(err); ok {
		return te
	}
	// Untyped failures are assumed transient.
	return types.NewError(types.ErrTaskExecution, err.Error()).WithCause(err).WithRetryable(true)
}

func timeoutError() error {
	return types.NewError(types.ErrTimeout, "timeout").WithRetryable(true)
}

func panicError(r any) error {
	return Fatal(fmt.Errorf("handler panicked: %v", r))
}
