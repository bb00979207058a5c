package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/agent/consensus"
	"github.com/BaSui01/carbonflow/agent/dispatch"
	"github.com/BaSui01/carbonflow/agent/persistence"
	"github.com/BaSui01/carbonflow/events"
	"github.com/BaSui01/carbonflow/internal/metrics"
	"github.com/BaSui01/carbonflow/types"
)

// Lifecycle event types emitted when an execution ends.
const (
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
)

// EventSource is the source name of events the service emits.
const EventSource = "orchestrator"

// Config configures the orchestration service.
type Config struct {
	Retry RetryConfig `json:"retry" yaml:"retry"`
	// TaskTimeout applies to steps without their own timeout.
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout"`
	// CacheTTL is how long terminal snapshots stay cached.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	// ListLimit caps ListExecutions when no limit is given.
	ListLimit int `json:"list_limit" yaml:"list_limit"`
	// PersistTimeout bounds each snapshot write.
	PersistTimeout time.Duration `json:"persist_timeout" yaml:"persist_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retry:          DefaultRetryConfig(),
		TaskTimeout:    5 * time.Minute,
		CacheTTL:       time.Hour,
		ListLimit:      50,
		PersistTimeout: 5 * time.Second,
	}
}

// Options carries the service's collaborators.
type Options struct {
	Store      persistence.RecordStore
	Dispatcher *dispatch.Dispatcher
	Aggregator *consensus.Aggregator
	Bus        *events.Bus
	// Cache is optional.
	Cache   SnapshotCache
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Service is the orchestrator's external surface.
type Service struct {
	config     Config
	registry   *Registry
	executions *ExecutionStore
	dispatcher *dispatch.Dispatcher
	aggregator *consensus.Aggregator
	bus        *events.Bus
	scheduler  *Scheduler
	eng        *engine

	mu      sync.RWMutex
	runners map[string]*runner
	wg      sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
	sub        *events.Subscription
	started    atomic.Bool
	closing    atomic.Bool

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewService wires a service. Store, Dispatcher and Bus are required.
func NewService(config Config, opts Options) (*Service, error) {
	if opts.Store == nil || opts.Dispatcher == nil || opts.Bus == nil {
		return nil, fmt.Errorf("workflow service requires a store, a dispatcher and an event bus")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Aggregator == nil {
		opts.Aggregator = consensus.NewAggregator()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/BaSui01/carbonflow/workflow")
	}

	defaults := DefaultConfig()
	if config.Retry.InitialBackoff <= 0 {
		config.Retry.InitialBackoff = defaults.Retry.InitialBackoff
	}
	if config.Retry.MaxBackoff <= 0 {
		config.Retry.MaxBackoff = defaults.Retry.MaxBackoff
	}
	if config.Retry.BackoffMultiplier <= 0 {
		config.Retry.BackoffMultiplier = defaults.Retry.BackoffMultiplier
	}
	if config.Retry.MaxRetries < 0 {
		config.Retry.MaxRetries = 0
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.ListLimit <= 0 {
		config.ListLimit = defaults.ListLimit
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaults.PersistTimeout
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	s := &Service{
		config:     config,
		registry:   NewRegistry(opts.Store, logger),
		executions: NewExecutionStore(opts.Store, opts.Cache, config.CacheTTL),
		dispatcher: opts.Dispatcher,
		aggregator: opts.Aggregator,
		bus:        opts.Bus,
		runners:    make(map[string]*runner),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		logger:     logger.With(zap.String("component", "orchestrator")),
		metrics:    opts.Metrics,
	}
	s.eng = &engine{
		dispatcher:  opts.Dispatcher,
		aggregator:  opts.Aggregator,
		retry:       config.Retry,
		taskTimeout: config.TaskTimeout,
		logger:      s.logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		publish:     s.persist,
		finished:    s.onFinished,
	}
	s.scheduler = NewScheduler(s.registry, s.runScheduled, logger)
	return s, nil
}

// Registry exposes the workflow registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Start starts the event bus if needed, subscribes to every event type
// and starts scheduled triggers.
func (s *Service) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return nil
	}
	if !s.bus.Running() {
		if err := s.bus.Start(ctx); err != nil {
			return err
		}
	}
	sub := s.bus.Subscribe(events.Broadcast, s.onEvent)
	s.sub = &sub
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("orchestrator started")
	return nil
}

// Shutdown cancels running executions, waits for them to finish and closes
// the dispatcher and the bus.
func (s *Service) Shutdown(ctx context.Context) error {
	// closing flips under mu so start either registers before the runner
	// snapshot below or sees the flag.
	s.mu.Lock()
	if s.closing.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	live := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		live = append(live, r)
	}
	s.mu.Unlock()

	s.scheduler.Stop()
	if s.sub != nil {
		s.bus.Unsubscribe(*s.sub)
	}
	for _, r := range live {
		_ = r.Cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.rootCancel()
		return ctx.Err()
	}
	s.rootCancel()

	if err := s.dispatcher.Close(ctx); err != nil {
		return err
	}
	s.logger.Info("orchestrator stopped", zap.Int("cancelled_executions", len(live)))
	return s.bus.Stop(ctx)
}

// =============================================================================
// Workflows
// =============================================================================

// CreateWorkflow validates and stores a new workflow.
func (s *Service) CreateWorkflow(ctx context.Context, def *Definition) (*Definition, error) {
	if err := s.checkConsensus(def); err != nil {
		return nil, err
	}
	out, err := s.registry.Create(ctx, def)
	if err != nil {
		return nil, err
	}
	s.refreshSchedules(ctx, out)
	return out, nil
}

// UpdateWorkflow applies a patch and bumps the version.
func (s *Service) UpdateWorkflow(ctx context.Context, id string, patch *DefinitionPatch) (*Definition, error) {
	if patch != nil && patch.Steps != nil {
		if err := s.checkConsensus(&Definition{Steps: patch.Steps}); err != nil {
			return nil, err
		}
	}
	out, err := s.registry.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.refreshSchedules(ctx, out)
	return out, nil
}

// GetWorkflow returns the latest version of a workflow.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*Definition, error) {
	return s.registry.Get(ctx, id)
}

// GetWorkflowVersion returns one immutable version of a workflow.
func (s *Service) GetWorkflowVersion(ctx context.Context, id string, version int) (*Definition, error) {
	return s.registry.GetVersion(ctx, id, version)
}

// PlanWorkflow builds the execution plan of a workflow version (0 for the
// latest) without running it.
func (s *Service) PlanWorkflow(ctx context.Context, id string, version int) (*PlanSummary, error) {
	var (
		def *Definition
		err error
	)
	if version > 0 {
		def, err = s.registry.GetVersion(ctx, id, version)
	} else {
		def, err = s.registry.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(def)
	if err != nil {
		return nil, err
	}
	return plan.Summary(), nil
}

// ListWorkflows lists workflows newest first.
func (s *Service) ListWorkflows(ctx context.Context, opts ListOptions) ([]*Definition, error) {
	return s.registry.List(ctx, opts)
}

// ArchiveWorkflow soft-deletes a workflow.
func (s *Service) ArchiveWorkflow(ctx context.Context, id string) (*Definition, error) {
	out, err := s.registry.Archive(ctx, id)
	if err != nil {
		return nil, err
	}
	s.refreshSchedules(ctx, out)
	return out, nil
}

func (s *Service) checkConsensus(def *Definition) error {
	if def == nil {
		return nil
	}
	for _, step := range def.Steps {
		if step.Consensus == nil || step.Consensus.Algorithm == "" {
			continue
		}
		if !s.aggregator.Has(consensus.Algorithm(step.Consensus.Algorithm)) {
			return types.Errorf(types.ErrValidation, "step %q uses unknown consensus algorithm %q",
				step.ID, step.Consensus.Algorithm).WithSteps(step.ID)
		}
	}
	return nil
}

func (s *Service) refreshSchedules(ctx context.Context, def *Definition) {
	if !s.started.Load() || s.closing.Load() {
		return
	}
	if def.Trigger.Type != TriggerScheduled && !s.scheduler.Has(def.ID) {
		return
	}
	if err := s.scheduler.Refresh(ctx); err != nil {
		s.logger.Warn("failed to refresh schedules", zap.Error(err))
	}
}

// =============================================================================
// Executions
// =============================================================================

// ExecuteWorkflow starts an execution of the latest version and returns
// without waiting for it.
func (s *Service) ExecuteWorkflow(ctx context.Context, id, subjectID string, input map[string]any) (*ExecutionRef, error) {
	def, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, def, subjectID, input, TriggerManual)
}

func (s *Service) start(ctx context.Context, def *Definition, subjectID string, input map[string]any, trigger TriggerType) (*ExecutionRef, error) {
	if s.closing.Load() {
		return nil, types.NewError(types.ErrServiceUnavailable, "orchestrator is shutting down")
	}
	if !def.IsActive || def.ArchivedAt != nil {
		return nil, types.Errorf(types.ErrInvalidState, "workflow %s is not active", def.ID)
	}
	plan, err := BuildPlan(def)
	if err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:              "exec_" + uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		SubjectID:       subjectID,
		TriggerType:     trigger,
		TriggerInput:    input,
		Status:          ExecutionPending,
		Steps:           make([]StepExecution, len(plan.Nodes)),
		StartedAt:       time.Now().UTC(),
	}
	for i := range plan.Nodes {
		step := &plan.Nodes[i].Step
		exec.Steps[i] = StepExecution{
			StepID:    step.ID,
			Name:      step.Name,
			AgentType: step.AgentType,
			Optional:  step.Optional,
			Layer:     plan.Nodes[i].Layer,
			Status:    StepPending,
		}
	}

	r := newRunner(s.rootCtx, s.eng, plan, exec)
	snap := r.Snapshot()

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		r.abandon()
		return nil, types.NewError(types.ErrServiceUnavailable, "orchestrator is shutting down")
	}
	s.runners[exec.ID] = r
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.executions.Save(ctx, snap); err != nil {
		s.mu.Lock()
		delete(s.runners, exec.ID)
		s.mu.Unlock()
		r.abandon()
		s.wg.Done()
		return nil, err
	}

	go func() {
		defer s.wg.Done()
		r.run()
	}()

	s.logger.Info("execution scheduled",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", def.ID),
		zap.Int("version", def.Version),
		zap.String("subject_id", subjectID),
		zap.String("trigger", string(trigger)),
	)
	return snap.Ref(), nil
}

// GetExecution returns the latest snapshot of an execution. Repeated calls
// never change state.
func (s *Service) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	r, ok := s.runners[id]
	s.mu.RUnlock()
	if ok {
		return r.Snapshot(), nil
	}
	return s.executions.Load(ctx, id)
}

// ListExecutions lists executions newest first.
func (s *Service) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	if filter.Limit <= 0 {
		filter.Limit = s.config.ListLimit
	}
	return s.executions.List(ctx, filter)
}

// CancelExecution cancels a running execution. It fails with NOT_FOUND for
// unknown ids and INVALID_STATE for terminal executions.
func (s *Service) CancelExecution(ctx context.Context, id string) error {
	s.mu.RLock()
	r, ok := s.runners[id]
	s.mu.RUnlock()
	if ok {
		return r.Cancel()
	}
	exec, err := s.executions.Load(ctx, id)
	if err != nil {
		return err
	}
	return types.Errorf(types.ErrInvalidState, "execution %s is %s", id, exec.Status)
}

// WaitExecution blocks until the execution is terminal or ctx ends.
func (s *Service) WaitExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	r, ok := s.runners[id]
	s.mu.RUnlock()
	if ok {
		select {
		case <-r.Done():
			return r.Snapshot(), nil
		case <-ctx.Done():
			return nil, types.NewError(types.ErrTimeout, "wait for execution").WithCause(ctx.Err())
		}
	}
	return s.executions.Load(ctx, id)
}

// Stats summarizes the stored executions of a workflow.
func (s *Service) Stats(ctx context.Context, workflowID string) (*WorkflowStats, error) {
	if _, err := s.registry.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	execs, err := s.executions.List(ctx, ExecutionFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	return computeStats(workflowID, execs), nil
}

// Agents returns a view of every registered agent.
func (s *Service) Agents() []dispatch.AgentDescriptor {
	return s.dispatcher.Agents()
}

// persist saves a published snapshot. Called on the runner goroutine.
func (s *Service) persist(exec *Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.PersistTimeout)
	defer cancel()
	if err := s.executions.Save(ctx, exec); err != nil {
		s.logger.Error("failed to persist execution",
			zap.String("execution_id", exec.ID),
			zap.String("status", string(exec.Status)),
			zap.Error(err),
		)
	}
}

// onFinished retires a runner and announces the outcome on the bus.
func (s *Service) onFinished(exec *Execution) {
	s.mu.Lock()
	delete(s.runners, exec.ID)
	s.mu.Unlock()

	if !s.bus.Running() {
		return
	}
	eventType := EventExecutionCompleted
	switch exec.Status {
	case ExecutionFailed:
		eventType = EventExecutionFailed
	case ExecutionCancelled:
		eventType = EventExecutionCancelled
	}
	payload := map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"subject_id":   exec.SubjectID,
		"status":       string(exec.Status),
		"duration_ms":  exec.Duration().Milliseconds(),
	}
	if exec.Error != nil {
		payload["error"] = exec.Error.Message
		payload["failed_steps"] = exec.Error.Steps
	}
	if _, err := s.bus.Emit(context.Background(), eventType, payload, EventSource); err != nil {
		s.logger.Debug("lifecycle event not emitted", zap.String("event_type", eventType), zap.Error(err))
	}
}

// =============================================================================
// Events
// =============================================================================

// EmitEvent publishes an event; matching workflows are started by the
// broadcast subscription before it returns.
func (s *Service) EmitEvent(ctx context.Context, eventType string, payload map[string]any, source string) (*events.Event, error) {
	return s.bus.Emit(ctx, eventType, payload, source)
}

// RecentEvents returns buffered events, most recent first.
func (s *Service) RecentEvents(limit int) []*events.Event {
	return s.bus.Recent(limit)
}

// onEvent starts an execution for every active workflow triggered by the event.
func (s *Service) onEvent(ctx context.Context, ev *events.Event) {
	defs, err := s.registry.FindByEvent(ctx, ev.Type)
	if err != nil {
		s.logger.Error("trigger lookup failed", zap.String("event_type", ev.Type), zap.Error(err))
		s.bus.Annotate(ev.ID, func(e *events.Event) {
			e.Status = events.StatusFailed
			e.Error = err.Error()
		})
		return
	}
	if len(defs) == 0 {
		return
	}
	if ev.SubjectID == "" {
		s.bus.Annotate(ev.ID, func(e *events.Event) {
			e.Status = events.StatusSkipped
			e.Error = "payload does not identify a subject"
		})
		s.logger.Warn("event skipped: no subject",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.Int("matching_workflows", len(defs)),
		)
		return
	}

	triggered := make([]events.TriggeredExecution, 0, len(defs))
	failures := 0
	for _, def := range defs {
		te := events.TriggeredExecution{WorkflowID: def.ID}
		ref, err := s.start(ctx, def, ev.SubjectID, ev.Payload, TriggerEvent)
		if err != nil {
			failures++
			te.Status = "error"
			te.Error = err.Error()
		} else {
			te.ExecutionID = ref.ExecutionID
			te.Status = string(ref.Status)
		}
		triggered = append(triggered, te)
	}

	s.bus.Annotate(ev.ID, func(e *events.Event) {
		e.Executions = append(e.Executions, triggered...)
		if failures == len(triggered) {
			e.Status = events.StatusFailed
			msgs := make([]string, 0, len(triggered))
			for _, t := range triggered {
				msgs = append(msgs, t.Error)
			}
			e.Error = strings.Join(msgs, "; ")
		}
	})
}

// runScheduled starts a scheduled execution.
func (s *Service) runScheduled(ctx context.Context, def *Definition) error {
	input := map[string]any{"scheduled_at": time.Now().UTC().Format(time.RFC3339)}
	_, err := s.start(ctx, def, def.Trigger.SubjectID, input, TriggerScheduled)
	return err
}
