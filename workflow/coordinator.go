package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/agent/consensus"
	"github.com/BaSui01/carbonflow/agent/dispatch"
	"github.com/BaSui01/carbonflow/internal/metrics"
	"github.com/BaSui01/carbonflow/types"
)

// engine holds what every execution runner shares.
type engine struct {
	dispatcher  *dispatch.Dispatcher
	aggregator  *consensus.Aggregator
	retry       RetryConfig
	taskTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Collector
	tracer      trace.Tracer

	// publish is called from the runner goroutine after every change.
	publish func(*Execution)
	// finished is called once, after the runner has stopped accepting events.
	finished func(*Execution)
}

type eventKind int

const (
	evAssigned eventKind = iota
	evStarted
	evDone
	evRetry
	evCancel
)

type engineEvent struct {
	kind    eventKind
	node    int
	attempt int
	task    *dispatch.Task
	outcome dispatch.Outcome
	reply   chan error
}

// nodeState is runner-private bookkeeping for one node.
type nodeState struct {
	attempt    int
	pending    int
	results    []consensus.Result
	outputs    []any
	retryTimer *time.Timer
	span       trace.Span
	// failedUpstream names the failed required step an optional node was
	// allowed to run past. Its non-optional dependents are SKIPPED.
	failedUpstream string
}

// runner drives one execution. All mutation of exec happens on the run
// goroutine; readers use the published snapshot.
type runner struct {
	eng   *engine
	plan  *Plan
	exec  *Execution
	nodes []nodeState

	events chan engineEvent
	done   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	span      trace.Span
	cancelled bool

	mu       sync.RWMutex
	snapshot *Execution

	logger *zap.Logger
}

func newRunner(parent context.Context, eng *engine, plan *Plan, exec *Execution) *runner {
	ctx, cancel := context.WithCancel(parent)
	ctx = types.WithExecutionID(ctx, exec.ID)
	if exec.SubjectID != "" {
		ctx = types.WithSubjectID(ctx, exec.SubjectID)
	}
	ctx, span := eng.tracer.Start(ctx, "workflow.execution",
		trace.WithAttributes(
			attribute.String("workflow.id", exec.WorkflowID),
			attribute.Int("workflow.version", exec.WorkflowVersion),
			attribute.String("execution.id", exec.ID),
			attribute.String("subject.id", exec.SubjectID),
		))

	r := &runner{
		eng:    eng,
		plan:   plan,
		exec:   exec,
		nodes:  make([]nodeState, len(plan.Nodes)),
		events: make(chan engineEvent, 64),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		span:   span,
		logger: eng.logger.With(zap.String("execution_id", exec.ID), zap.String("workflow_id", exec.WorkflowID)),
	}
	exec.Status = ExecutionRunning
	r.appendLog("", string(ExecutionPending), string(ExecutionRunning), 0, "", "")
	r.snapshot = exec.Clone()
	return r
}

// Snapshot returns the latest published state.
func (r *runner) Snapshot() *Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Clone()
}

// Done is closed once the execution is terminal and published.
func (r *runner) Done() <-chan struct{} {
	return r.done
}

// Cancel asks the loop to cancel the execution.
func (r *runner) Cancel() error {
	reply := make(chan error, 1)
	if !r.post(engineEvent{kind: evCancel, reply: reply}) {
		return r.notRunning()
	}
	select {
	case err := <-reply:
		if err == nil {
			// The loop exits right after cancelling; wait for the final snapshot.
			<-r.done
		}
		return err
	case <-r.done:
		select {
		case err := <-reply:
			return err
		default:
			return r.notRunning()
		}
	}
}

// abandon releases a runner whose loop was never started.
func (r *runner) abandon() {
	r.span.End()
	r.cancel()
	close(r.done)
}

func (r *runner) notRunning() error {
	snap := r.Snapshot()
	return types.Errorf(types.ErrInvalidState, "execution %s is %s", snap.ID, snap.Status)
}

// post delivers an event unless the loop has exited.
func (r *runner) post(ev engineEvent) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

// run is the event loop.
func (r *runner) run() {
	r.start()
	for !r.allTerminal() {
		ev := <-r.events
		r.handle(ev)
		r.commit()
	}
	r.finish()
}

func (r *runner) start() {
	r.eng.metrics.RecordExecutionStarted()
	r.logger.Info("execution started",
		zap.Int("steps", len(r.plan.Nodes)),
		zap.String("mode", string(r.plan.Mode)),
	)
	r.evaluate(r.plan.Roots()...)
	r.commit()
}

func (r *runner) handle(ev engineEvent) {
	if ev.kind == evCancel {
		ev.reply <- r.cancelAll()
		return
	}

	ns := &r.nodes[ev.node]
	se := &r.exec.Steps[ev.node]
	if ev.attempt != ns.attempt || se.Status.IsTerminal() {
		// Late report from a superseded attempt or a cancelled step.
		return
	}

	switch ev.kind {
	case evAssigned:
		se.TaskIDs = append(se.TaskIDs, ev.task.ID)
		se.AgentID = ev.task.AgentID
		if se.Status == StepReady {
			r.transition(ev.node, StepDispatched, "assigned to "+ev.task.AgentID)
		}
	case evStarted:
		if se.StartedAt == nil {
			t := time.Now().UTC()
			se.StartedAt = &t
		}
		if se.Status == StepDispatched {
			r.transition(ev.node, StepRunning, "")
		}
	case evDone:
		r.collect(ev.node, ev.outcome)
	case evRetry:
		if se.Status == StepReady {
			r.submit(ev.node)
		}
	}
}

// evaluate settles the PENDING nodes reachable from seeds: READY nodes are
// submitted, nodes downstream of a failed required step are SKIPPED and
// their own dependents queued.
func (r *runner) evaluate(seeds ...int) {
	queue := append([]int(nil), seeds...)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if r.exec.Steps[i].Status != StepPending {
			continue
		}
		ready, origin := r.readiness(i)
		if origin != "" && r.nodes[i].failedUpstream == "" {
			r.nodes[i].failedUpstream = origin
		}
		switch {
		case origin != "" && !r.plan.Nodes[i].Step.Optional:
			r.transition(i, StepSkipped, "required step "+origin+" did not complete")
			r.endStep(i)
			queue = append(queue, r.plan.Nodes[i].Dependents...)
		case ready:
			r.transition(i, StepReady, "")
			r.submit(i)
		}
	}
}

// readiness reports whether every predecessor of node i has resolved, and
// the failed required step, if any, that a terminal dependency descends from.
func (r *runner) readiness(i int) (ready bool, origin string) {
	node := &r.plan.Nodes[i]
	waiting := false
	for _, d := range node.Deps {
		dep := &r.exec.Steps[d]
		if !dep.Status.IsTerminal() {
			waiting = true
			continue
		}
		if o := r.failureOrigin(d); o != "" && origin == "" {
			origin = o
		}
	}
	for _, a := range node.After {
		if !r.exec.Steps[a].Status.IsTerminal() {
			waiting = true
		}
	}
	return !waiting, origin
}

// failureOrigin returns the failed required step behind terminal node d: d
// itself when it is required and did not complete, else whatever d
// inherited on its way to running. Optional steps that fail on their own
// return "".
func (r *runner) failureOrigin(d int) string {
	if o := r.nodes[d].failedUpstream; o != "" {
		return o
	}
	if dep := &r.exec.Steps[d]; !dep.Optional && dep.Status != StepCompleted {
		return dep.StepID
	}
	return ""
}

// stepInput assembles what a handler sees: the trigger input, the step
// parameters and the results of completed dependencies keyed by step id.
func (r *runner) stepInput(i int) map[string]any {
	node := &r.plan.Nodes[i]
	results := make(map[string]any, len(node.Deps))
	for _, d := range node.Deps {
		if dep := &r.exec.Steps[d]; dep.Status == StepCompleted {
			results[dep.StepID] = dep.Result
		}
	}
	return map[string]any{
		InputTrigger:    r.exec.TriggerInput,
		InputParameters: node.Step.Parameters,
		InputResults:    results,
		InputSubjectID:  r.exec.SubjectID,
	}
}

// Keys of the map handed to handlers as Task.Input.
const (
	InputTrigger    = "trigger"
	InputParameters = "parameters"
	InputResults    = "results"
	InputSubjectID  = "subject_id"
)

// submit starts a new attempt of node i, fanning out one task per replica.
func (r *runner) submit(i int) {
	node := &r.plan.Nodes[i]
	ns := &r.nodes[i]
	se := &r.exec.Steps[i]

	ns.attempt++
	se.Attempts = ns.attempt
	replicas := node.Step.Replicas()
	ns.pending = replicas
	ns.results = make([]consensus.Result, 0, replicas)
	ns.outputs = make([]any, 0, replicas)

	ctx, span := r.eng.tracer.Start(r.ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step.id", se.StepID),
			attribute.String("agent.type", se.AgentType),
			attribute.Int("step.attempt", ns.attempt),
			attribute.Int("step.replicas", replicas),
		))
	ns.span = span

	timeout := node.Step.Timeout()
	if timeout <= 0 {
		timeout = r.eng.taskTimeout
	}
	input := r.stepInput(i)
	attempt := ns.attempt

	for replica := 0; replica < replicas; replica++ {
		req := &dispatch.Request{
			ExecutionID: r.exec.ID,
			StepID:      se.StepID,
			AgentType:   node.Step.AgentType,
			TaskType:    node.Step.TaskType,
			Input:       input,
			Priority:    node.Step.Priority,
			Attempt:     attempt,
			Replica:     replica,
			Timeout:     timeout,
			OnAssigned: func(t *dispatch.Task) {
				r.post(engineEvent{kind: evAssigned, node: i, attempt: attempt, task: t})
			},
			OnStarted: func(t *dispatch.Task) {
				r.post(engineEvent{kind: evStarted, node: i, attempt: attempt, task: t})
			},
			OnComplete: func(o dispatch.Outcome) {
				r.post(engineEvent{kind: evDone, node: i, attempt: attempt, outcome: o})
			},
		}
		if err := r.eng.dispatcher.Submit(ctx, req); err != nil {
			if replica == 0 {
				// Nothing was queued; the step cannot run at all.
				ns.pending = 0
				r.fail(i, err)
				return
			}
			r.collect(i, dispatch.Outcome{Task: &dispatch.Task{StepID: se.StepID, Replica: replica}, Err: err})
		}
	}
}

// collect records one replica outcome and resolves the attempt once every
// replica has reported.
func (r *runner) collect(i int, o dispatch.Outcome) {
	ns := &r.nodes[i]
	taskID, agentID := "", ""
	if o.Task != nil {
		taskID, agentID = o.Task.ID, o.Task.AgentID
	}
	ns.results = append(ns.results, consensus.FromOutput(taskID, agentID, o.Output, o.Err))
	ns.outputs = append(ns.outputs, o.Output)
	ns.pending--
	if ns.pending > 0 {
		return
	}
	r.resolve(i)
}

func (r *runner) resolve(i int) {
	node := &r.plan.Nodes[i]
	ns := &r.nodes[i]
	se := &r.exec.Steps[i]

	if len(ns.results) == 1 {
		res := ns.results[0]
		if res.Err != nil {
			r.fail(i, res.Err)
			return
		}
		// Single tasks keep the raw handler output.
		r.complete(i, ns.outputs[0], nil)
		return
	}

	var firstErr error
	succeeded := 0
	for _, res := range ns.results {
		if res.Err == nil {
			succeeded++
		} else if firstErr == nil {
			firstErr = res.Err
		}
	}
	if succeeded == 0 {
		// Every replica failed: a plain task failure, eligible for retry.
		r.fail(i, firstErr)
		return
	}

	alg, quorum := consensusParams(&node.Step)
	outcome, err := r.eng.aggregator.Aggregate(ns.results, alg, quorum)
	if err != nil {
		var qe *consensus.QuorumError
		if errors.As(err, &qe) {
			se.Consensus = &consensus.Outcome{Algorithm: qe.Algorithm, Quorum: qe.Quorum, Excluded: qe.Excluded}
		}
		r.eng.metrics.RecordConsensus(string(alg), 0, false)
		r.fail(i, types.NewError(types.ErrConsensus, "consensus failed").WithCause(err).WithSteps(se.StepID))
		return
	}
	r.eng.metrics.RecordConsensus(string(alg), outcome.Agreement, true)
	r.complete(i, outcome.Value, outcome)
}

func consensusParams(step *Step) (consensus.Algorithm, int) {
	alg := consensus.Majority
	quorum := step.Replicas()/2 + 1
	if step.Consensus != nil {
		if step.Consensus.Algorithm != "" {
			alg = consensus.Algorithm(step.Consensus.Algorithm)
		}
		if step.Consensus.Quorum > 0 {
			quorum = step.Consensus.Quorum
		}
	}
	return alg, quorum
}

func (r *runner) complete(i int, value any, outcome *consensus.Outcome) {
	se := &r.exec.Steps[i]
	se.Result = value
	se.Consensus = outcome
	se.Error = nil
	r.transition(i, StepCompleted, "")
	r.endStep(i)
	r.evaluate(r.plan.Nodes[i].Dependents...)
}

// fail handles a failed attempt: retryable errors with budget left go back
// to READY after a backoff, everything else FAILs the step.
func (r *runner) fail(i int, err error) {
	node := &r.plan.Nodes[i]
	ns := &r.nodes[i]
	se := &r.exec.Steps[i]
	stepErr := stepErrorFrom(err)
	se.Error = stepErr

	policy := r.eng.retry.withPolicy(node.Step.Retry)
	if retryableCode(stepErr) && ns.attempt <= policy.MaxRetries && r.ctx.Err() == nil {
		delay := policy.CalculateBackoff(ns.attempt - 1)
		attempt := ns.attempt
		r.endSpan(i, err)
		r.transition(i, StepReady, fmt.Sprintf("retry %d/%d in %s: %s", attempt, policy.MaxRetries, delay, stepErr.Message))
		r.eng.metrics.RecordStepRetry(se.AgentType, string(stepErr.Code))
		ns.retryTimer = time.AfterFunc(delay, func() {
			r.post(engineEvent{kind: evRetry, node: i, attempt: attempt})
		})
		return
	}

	r.transition(i, StepFailed, stepErr.Message)
	r.endSpan(i, err)
	r.endStep(i)
	r.logger.Warn("step failed",
		zap.String("step_id", se.StepID),
		zap.Int("attempts", ns.attempt),
		zap.String("code", string(stepErr.Code)),
		zap.String("error", stepErr.Message),
	)
	r.evaluate(r.plan.Nodes[i].Dependents...)
}

func retryableCode(e *StepError) bool {
	switch e.Code {
	case types.ErrTimeout:
		return true
	case types.ErrTaskExecution, types.ErrDispatch:
		return e.Retryable
	}
	return false
}

func (r *runner) cancelAll() error {
	if r.exec.Status.IsTerminal() || r.allTerminal() {
		return types.Errorf(types.ErrInvalidState, "execution %s is %s", r.exec.ID, r.exec.Status)
	}
	r.cancelled = true
	for i := range r.exec.Steps {
		if r.exec.Steps[i].Status.IsTerminal() {
			continue
		}
		if t := r.nodes[i].retryTimer; t != nil {
			t.Stop()
		}
		r.transition(i, StepCancelled, "execution cancelled")
		r.endSpan(i, context.Canceled)
		r.endStep(i)
	}
	// Signal in-flight tasks; their reports are discarded as stale.
	r.cancel()
	return nil
}

func (r *runner) allTerminal() bool {
	for i := range r.exec.Steps {
		if !r.exec.Steps[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// deriveStatus computes the terminal execution status.
func (r *runner) deriveStatus() (ExecutionStatus, *types.Error) {
	if r.cancelled {
		return ExecutionCancelled, types.NewError(types.ErrCancellation, "execution cancelled")
	}
	var failed []string
	var firstMsg string
	for i := range r.exec.Steps {
		s := &r.exec.Steps[i]
		if s.Optional {
			continue
		}
		if s.Status == StepFailed || s.Status == StepSkipped {
			failed = append(failed, s.StepID)
			if firstMsg == "" && s.Status == StepFailed && s.Error != nil {
				firstMsg = s.Error.Message
			}
		}
	}
	if len(failed) == 0 {
		return ExecutionCompleted, nil
	}
	msg := "required steps did not complete"
	if firstMsg != "" {
		msg += ": " + firstMsg
	}
	return ExecutionFailed, types.NewError(types.ErrTaskExecution, msg).WithSteps(failed...)
}

func (r *runner) finish() {
	status, execErr := r.deriveStatus()
	from := r.exec.Status
	now := time.Now().UTC()
	r.exec.Status = status
	r.exec.CompletedAt = &now
	r.exec.Error = execErr
	r.appendLog("", string(from), string(status), 0, "", "")

	duration := now.Sub(r.exec.StartedAt)
	r.eng.metrics.RecordExecutionFinished(r.exec.WorkflowID, string(status), duration)
	r.span.SetAttributes(attribute.String("execution.status", string(status)))
	if status == ExecutionCompleted {
		r.span.SetStatus(codes.Ok, "")
	} else {
		r.span.SetStatus(codes.Error, execErr.Error())
	}
	r.span.End()
	r.cancel()

	r.logger.Info("execution finished",
		zap.String("status", string(status)),
		zap.Duration("duration", duration),
	)

	r.commit()
	close(r.done)

	final := r.Snapshot()
	if r.eng.finished != nil {
		r.eng.finished(final)
	}
}

// transition moves node i to a new status and appends a log entry.
func (r *runner) transition(i int, to StepStatus, msg string) {
	se := &r.exec.Steps[i]
	from := se.Status
	se.Status = to
	r.appendLog(se.StepID, string(from), string(to), r.nodes[i].attempt, se.AgentID, msg)
	r.eng.metrics.RecordStepTransition(se.AgentType, string(from), string(to))
	r.logger.Debug("step transition",
		zap.String("step_id", se.StepID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("attempt", r.nodes[i].attempt),
	)
}

func (r *runner) appendLog(stepID, from, to string, attempt int, agentID, msg string) {
	r.exec.Log = append(r.exec.Log, LogEntry{
		Seq:     len(r.exec.Log) + 1,
		At:      time.Now().UTC(),
		StepID:  stepID,
		From:    from,
		To:      to,
		Attempt: attempt,
		AgentID: agentID,
		Message: msg,
	})
}

// endStep stamps the end time of a terminal step.
func (r *runner) endStep(i int) {
	se := &r.exec.Steps[i]
	t := time.Now().UTC()
	se.EndedAt = &t
	if se.Status == StepCompleted || se.Status == StepFailed {
		r.endSpan(i, nil)
	}
}

func (r *runner) endSpan(i int, err error) {
	ns := &r.nodes[i]
	if ns.span == nil {
		return
	}
	if err != nil {
		ns.span.RecordError(err)
		ns.span.SetStatus(codes.Error, err.Error())
	} else if r.exec.Steps[i].Status == StepCompleted {
		ns.span.SetStatus(codes.Ok, "")
	}
	ns.span.End()
	ns.span = nil
}

// commit publishes a snapshot of the current state.
func (r *runner) commit() {
	snap := r.exec.Clone()
	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
	if r.eng.publish != nil {
		r.eng.publish(snap)
	}
}
