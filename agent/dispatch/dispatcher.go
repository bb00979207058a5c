package dispatch

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/internal/metrics"
	"github.com/BaSui01/carbonflow/internal/pool"
	"github.com/BaSui01/carbonflow/types"
)

// Config configures a Dispatcher.
type Config struct {
	// DefaultTimeout applies to requests without their own timeout.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
	// DefaultEstimate seeds duration estimates for agents without history.
	DefaultEstimate time.Duration `json:"default_estimate" yaml:"default_estimate"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  5 * time.Minute,
		DefaultEstimate: time.Second,
	}
}

// Dispatcher assigns requests to agents, queueing them per agent type
// while every agent of that type is at capacity.
type Dispatcher struct {
	registry *Registry
	strategy Strategy
	workers  *pool.GoroutinePool
	config   Config

	mu     sync.Mutex
	queues map[string]*waitQueue

	seq      atomic.Uint64
	inflight sync.WaitGroup
	closed   atomic.Bool

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewDispatcher creates a dispatcher. workers runs handler invocations.
func NewDispatcher(registry *Registry, strategy Strategy, workers *pool.GoroutinePool, config Config, logger *zap.Logger, collector *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strategy == nil {
		strategy = NewRoundRobin()
	}
	defaults := DefaultConfig()
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.DefaultEstimate <= 0 {
		config.DefaultEstimate = defaults.DefaultEstimate
	}
	if workers == nil {
		workers = pool.NewGoroutinePool(pool.DefaultGoroutinePoolConfig(), logger)
	}
	return &Dispatcher{
		registry: registry,
		strategy: strategy,
		workers:  workers,
		config:   config,
		queues:   make(map[string]*waitQueue),
		logger:   logger.With(zap.String("component", "dispatcher")),
		metrics:  collector,
	}
}

// Registry returns the agent registry backing the dispatcher.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Submit queues a request. It fails synchronously with a DISPATCH error when
// no handler or agent exists for the type; every other outcome arrives
// through req.OnComplete. Cancelling ctx withdraws a queued request and
// signals a running one.
func (d *Dispatcher) Submit(ctx context.Context, req *Request) error {
	if d.closed.Load() {
		return types.NewError(types.ErrDispatch, "dispatcher is closed")
	}
	family, ok := d.registry.Resolve(req.AgentType)
	if !ok {
		return types.Errorf(types.ErrDispatch, "no handler registered for agent type %q", req.AgentType).
			WithSteps(req.StepID)
	}
	if len(d.registry.Agents(family)) == 0 {
		return types.Errorf(types.ErrDispatch, "no agent registered for agent type %q", req.AgentType).
			WithSteps(req.StepID)
	}
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrCancellation, "request cancelled before dispatch").WithCause(err)
	}

	q := d.queue(family)
	q.mu.Lock()
	heap.Push(&q.items, &pending{req: req, ctx: ctx, seq: d.seq.Add(1), enqueuedAt: time.Now()})
	q.mu.Unlock()

	// Withdraw promptly if the caller gives up while the request is queued.
	context.AfterFunc(ctx, func() { d.pump(family) })

	d.pump(family)
	return nil
}

// QueueDepth returns the number of requests waiting for capacity.
func (d *Dispatcher) QueueDepth(agentType string) int {
	q := d.queue(agentType)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Agents returns a view of every registered agent.
func (d *Dispatcher) Agents() []AgentDescriptor {
	return d.registry.Descriptors()
}

// Close rejects new requests, withdraws queued ones and waits for running
// tasks to report, or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.mu.Lock()
	queues := make([]*waitQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		for q.items.Len() > 0 {
			p := heap.Pop(&q.items).(*pending)
			go d.withdraw(p, types.NewError(types.ErrCancellation, "dispatcher closed"))
		}
		q.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.workers.Close(ctx)
}

func (d *Dispatcher) queue(agentType string) *waitQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[agentType]
	if !ok {
		q = &waitQueue{}
		d.queues[agentType] = q
	}
	return q
}

// pump assigns queued requests while capacity allows. Only pump acquires
// agent slots, and only under the type's queue lock.
func (d *Dispatcher) pump(agentType string) {
	q := d.queue(agentType)
	agents := d.registry.Agents(agentType)
	handler, _ := d.registry.Handler(agentType)

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() > 0 {
		head := q.items[0]
		if err := head.ctx.Err(); err != nil {
			heap.Pop(&q.items)
			go d.withdraw(head, types.NewError(types.ErrCancellation, "request cancelled while queued").WithCause(err))
			continue
		}

		agent := d.strategy.Select(agentType, agents)
		if agent == nil || !agent.tryAcquire() {
			break
		}
		heap.Pop(&q.items)
		d.launch(agent, handler, head)
	}

	d.metrics.RecordQueueDepth(agentType, q.items.Len())
}

func (d *Dispatcher) launch(agent *Agent, handler TaskHandler, p *pending) {
	req := p.req
	now := time.Now()

	task := &Task{
		ID:                "task_" + uuid.NewString(),
		ExecutionID:       req.ExecutionID,
		StepID:            req.StepID,
		AgentID:           agent.ID,
		AgentType:         agent.Type,
		Variant:           strings.TrimPrefix(strings.TrimPrefix(req.AgentType, agent.Type), "_"),
		TaskType:          req.TaskType,
		Input:             req.Input,
		Priority:          req.Priority,
		Attempt:           req.Attempt,
		Replica:           req.Replica,
		Status:            TaskQueued,
		EstimatedDuration: Predictive{DefaultEstimate: d.config.DefaultEstimate}.Estimate(agent),
		CreatedAt:         now,
	}
	task.Status = TaskAssigned

	d.inflight.Add(1)
	d.metrics.RecordAgentLoad(agent.ID, agent.Type, agent.CurrentLoad())
	d.logger.Debug("task assigned",
		zap.String("task_id", task.ID),
		zap.String("execution_id", task.ExecutionID),
		zap.String("step_id", task.StepID),
		zap.String("agent_id", agent.ID),
		zap.Duration("queued", now.Sub(p.enqueuedAt)),
	)

	err := d.workers.Submit(context.Background(), func(context.Context) error {
		d.run(agent, handler, task, p)
		return nil
	})
	if err != nil {
		// finish re-enters pump, which needs the queue lock we hold.
		go d.finish(agent, task, p, nil,
			types.NewError(types.ErrDispatch, "worker pool rejected task").WithCause(err).WithRetryable(true), 0)
	}
}

func (d *Dispatcher) run(agent *Agent, handler TaskHandler, task *Task, p *pending) {
	// The deadline starts when a pool worker picks the task up, so time
	// spent behind busy workers does not count against the handler.
	started := time.Now()
	timeout := p.req.Timeout
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}
	task.Deadline = started.Add(timeout)

	if p.req.OnAssigned != nil {
		p.req.OnAssigned(task.clone())
	}

	taskCtx, cancel := context.WithDeadline(p.ctx, task.Deadline)
	defer cancel()

	task.Status = TaskExecuting
	task.StartedAt = &started

	if p.req.OnStarted != nil {
		p.req.OnStarted(task.clone())
	}
	// The deadline watcher may finish the task concurrently from here on.
	handlerTask := task.clone()

	var once sync.Once
	var cutOff time.Time
	stop := context.AfterFunc(taskCtx, func() {
		err := timeoutError()
		if p.ctx.Err() != nil {
			err = types.NewError(types.ErrCancellation, "task cancelled").WithCause(p.ctx.Err())
		}
		once.Do(func() {
			cutOff = time.Now()
			d.trackOverrun(task.AgentType, 1)
			d.finish(agent, task, p, nil, err, time.Since(started))
		})
	})
	defer stop()

	output, err := d.invoke(taskCtx, handler, handlerTask)
	once.Do(func() {
		d.finish(agent, task, p, output, classify(taskCtx, p.ctx, err), time.Since(started))
	})
	if cutOff.IsZero() {
		return
	}
	// The agent slot was freed at cutOff but this pool worker was held
	// until now.
	d.trackOverrun(task.AgentType, -1)
	if overrun := time.Since(cutOff); overrun > overrunGrace {
		d.logger.Warn("handler ignored cancellation",
			zap.String("task_id", task.ID),
			zap.String("agent_id", task.AgentID),
			zap.String("agent_type", task.AgentType),
			zap.Duration("overrun", overrun),
		)
	}
}

// overrunGrace is how long a handler may keep running after its context
// ends before it is reported.
const overrunGrace = 100 * time.Millisecond

// trackOverrun counts handlers still holding a pool worker after their task
// was finished by the deadline watcher.
func (d *Dispatcher) trackOverrun(agentType string, delta int64) {
	n := d.queue(agentType).overrun.Add(delta)
	d.metrics.RecordOverrunHandlers(agentType, n)
}

func (d *Dispatcher) invoke(ctx context.Context, handler TaskHandler, task *Task) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				zap.String("task_id", task.ID),
				zap.String("agent_type", task.AgentType),
				zap.Any("panic", r),
			)
			out, err = nil, panicError(r)
		}
	}()
	return handler.Handle(ctx, task)
}

// finish runs exactly once per launched task.
func (d *Dispatcher) finish(agent *Agent, task *Task, p *pending, output any, err error, elapsed time.Duration) {
	defer d.inflight.Done()

	agent.release()

	completed := time.Now()
	task.CompletedAt = &completed
	status := "succeeded"
	switch {
	case err == nil:
		task.Status = TaskSucceeded
	case types.IsCode(err, types.ErrCancellation):
		task.Status = TaskCancelled
		status = "cancelled"
	default:
		task.Status = TaskFailed
		task.Error = err.Error()
		status = "failed"
	}
	if task.Status != TaskCancelled {
		agent.record(elapsed, err == nil)
	}

	d.metrics.RecordAgentLoad(agent.ID, agent.Type, agent.CurrentLoad())
	d.metrics.RecordTaskExecution(agent.ID, agent.Type, status, elapsed)
	d.logger.Debug("task finished",
		zap.String("task_id", task.ID),
		zap.String("step_id", task.StepID),
		zap.String("agent_id", agent.ID),
		zap.String("status", string(task.Status)),
		zap.Duration("duration", elapsed),
		zap.Error(err),
	)

	d.pump(agent.Type)

	if p.req.OnComplete != nil {
		p.req.OnComplete(Outcome{Task: task.clone(), Output: output, Err: err, Duration: elapsed})
	}
}

func (d *Dispatcher) withdraw(p *pending, err error) {
	if p.req.OnComplete == nil {
		return
	}
	p.req.OnComplete(Outcome{
		Task: &Task{
			ExecutionID: p.req.ExecutionID,
			StepID:      p.req.StepID,
			AgentType:   p.req.AgentType,
			Attempt:     p.req.Attempt,
			Replica:     p.req.Replica,
			Status:      TaskCancelled,
		},
		Err: err,
	})
}

// =============================================================================
// wait queue
// =============================================================================

type pending struct {
	req        *Request
	ctx        context.Context
	seq        uint64
	enqueuedAt time.Time
}

type waitQueue struct {
	mu    sync.Mutex
	items pendingHeap
	// overrun counts handlers of this type running past their finished task.
	overrun atomic.Int64
}

// pendingHeap orders by priority (higher first), then arrival.
type pendingHeap []*pending

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*pending)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
