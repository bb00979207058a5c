package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/carbonflow/internal/pool"
	"github.com/BaSui01/carbonflow/types"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// gateHandler blocks every task until release is closed and tracks the
// highest number of tasks running at once.
type gateHandler struct {
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
	started chan string
}

func newGateHandler(buffer int) *gateHandler {
	return &gateHandler{release: make(chan struct{}), started: make(chan string, buffer)}
}

func (h *gateHandler) Handle(ctx context.Context, task *Task) (any, error) {
	n := h.running.Add(1)
	defer h.running.Add(-1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	h.started <- task.StepID
	select {
	case <-h.release:
		return map[string]any{"step": task.StepID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestDispatcher(t *testing.T, strategy Strategy) (*Dispatcher, *Registry) {
	t.Helper()
	reg := NewRegistry()
	d := NewDispatcher(reg, strategy, nil, Config{DefaultTimeout: 5 * time.Second}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d, reg
}

type outcomeSink struct {
	mu       sync.Mutex
	outcomes []Outcome
	done     chan struct{}
	want     int
}

func newOutcomeSink(want int) *outcomeSink {
	return &outcomeSink{done: make(chan struct{}), want: want}
}

func (s *outcomeSink) add(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	if len(s.outcomes) == s.want {
		close(s.done)
	}
}

func (s *outcomeSink) wait(t *testing.T) []Outcome {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcomes")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestDispatcher_CapacityBoundsConcurrency(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t, LeastLoaded{})
	h := newGateHandler(5)
	reg.MustRegisterHandler("carbon_analyzer", h)
	_, err := reg.RegisterAgent("carbon-1", "carbon_analyzer", 2)
	require.NoError(t, err)

	sink := newOutcomeSink(5)
	var assigned atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Submit(context.Background(), &Request{
			ExecutionID: "exec-1",
			StepID:      string(rune('a' + i)),
			AgentType:   "carbon_analyzer",
			OnAssigned:  func(*Task) { assigned.Add(1) },
			OnComplete:  sink.add,
		}))
	}

	<-h.started
	<-h.started
	// Give a third task the chance to (incorrectly) start.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), assigned.Load())
	assert.Equal(t, 3, d.QueueDepth("carbon_analyzer"))
	agent, _ := reg.Agent("carbon-1")
	assert.Equal(t, 2, agent.CurrentLoad())

	close(h.release)
	outcomes := sink.wait(t)

	assert.Len(t, outcomes, 5)
	for _, o := range outcomes {
		assert.NoError(t, o.Err)
		assert.Equal(t, TaskSucceeded, o.Task.Status)
	}
	assert.Equal(t, int32(2), h.peak.Load())
	assert.Equal(t, 0, agent.CurrentLoad())
	assert.Equal(t, 0, d.QueueDepth("carbon_analyzer"))
	assert.Equal(t, int64(5), agent.Descriptor().TasksCompleted)
}

func TestDispatcher_NoAgentIsDispatchError(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t, nil)

	err := d.Submit(context.Background(), &Request{StepID: "s", AgentType: "missing"})
	assert.True(t, types.IsCode(err, types.ErrDispatch))

	reg.MustRegisterHandler("report_generator", HandlerFunc(func(ctx context.Context, task *Task) (any, error) { return nil, nil }))
	err = d.Submit(context.Background(), &Request{StepID: "s", AgentType: "report_generator"})
	assert.True(t, types.IsCode(err, types.ErrDispatch), "handler without agents")
}

func TestDispatcher_VariantTypeUsesFamilyAgents(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t, nil)
	seen := make(chan *Task, 1)
	reg.MustRegisterHandler("sector_profiler", HandlerFunc(func(ctx context.Context, task *Task) (any, error) {
		seen <- task.clone()
		return map[string]any{"sector": task.Variant}, nil
	}))
	_, err := reg.RegisterAgent("profiler-1", "sector_profiler", 1)
	require.NoError(t, err)

	sink := newOutcomeSink(1)
	require.NoError(t, d.Submit(context.Background(), &Request{
		StepID:     "profile",
		AgentType:  "sector_profiler_textiles",
		OnComplete: sink.add,
	}))
	o := sink.wait(t)[0]
	require.NoError(t, o.Err)

	task := <-seen
	assert.Equal(t, "sector_profiler", task.AgentType)
	assert.Equal(t, "textiles", task.Variant)
	assert.Equal(t, "profiler-1", task.AgentID)
	assert.Equal(t, map[string]any{"sector": "textiles"}, o.Output)

	err = d.Submit(context.Background(), &Request{StepID: "s", AgentType: "sector_profilers"})
	assert.True(t, types.IsCode(err, types.ErrDispatch))
}

func TestDispatcher_TimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t, nil)
	reg.MustRegisterHandler("slow", HandlerFunc(func(ctx context.Context, task *Task) (any, error) {
		time.Sleep(300 * time.Millisecond) // ignores ctx on purpose
		return "late", nil
	}))
	_, err := reg.RegisterAgent("slow-1", "slow", 1)
	require.NoError(t, err)

	sink := newOutcomeSink(1)
	require.NoError(t, d.Submit(context.Background(), &Request{
		StepID: "s", AgentType: "slow", Timeout: 20 * time.Millisecond, OnComplete: sink.add,
	}))

	o := sink.wait(t)[0]
	require.Error(t, o.Err)
	assert.True(t, types.IsCode(o.Err, types.ErrTimeout))
	assert.True(t, types.IsRetryable(o.Err))
	assert.Equal(t, TaskFailed, o.Task.Status)
	assert.Nil(t, o.Output)

	agent, _ := reg.Agent("slow-1")
	assert.Equal(t, 0, agent.CurrentLoad(), "capacity is released at the deadline")
}

func TestDispatcher_TracksHandlersPastDeadline(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t, nil)
	release := make(chan struct{})
	reg.MustRegisterHandler("stuck", HandlerFunc(func(ctx context.Context, task *Task) (any, error) {
		<-release // ignores ctx on purpose
		return "late", nil
	}))
	_, err := reg.RegisterAgent("stuck-1", "stuck", 1)
	require.NoError(t, err)

	sink := newOutcomeSink(1)
	require.NoError(t, d.Submit(context.Background(), &Request{
		StepID: "s", AgentType: "stuck", Timeout: 20 * time.Millisecond, OnComplete: sink.add,
	}))

	o := sink.wait(t)[0]
	assert.True(t, types.IsCode(o.Err, types.ErrTimeout))
	assert.EqualValues(t, 1, d.queue("stuck").overrun.Load())

	close(release)
	assert.Eventually(t, func() bool {
		return d.queue("stuck").overrun.Load() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_DeadlineStartsWhenWorkerPicksUp(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	workers := pool.NewGoroutinePool(pool.GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 8}, nil)
	d := NewDispatcher(reg, nil, workers, Config{DefaultTimeout: 5 * time.Second}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})

	gate := newGateHandler(1)
	reg.MustRegisterHandler("hog", gate)
	reg.MustRegisterHandler("quick", HandlerFunc(func(ctx context.Context, task *Task) (any, error) {
		return "done", nil
	}))
	_, err := reg.RegisterAgent("hog-1", "hog", 1)
	require.NoError(t, err)
	_, err = reg.RegisterAgent("quick-1", "quick", 1)
	require.NoError(t, err)

	hogSink := newOutcomeSink(1)
	require.NoError(t, d.Submit(context.Background(), &Request{StepID: "hog", AgentType: "hog", OnComplete: hogSink.add}))
	<-gate.started

	quickSink := newOutcomeSink(1)
	require.NoError(t, d.Submit(context.Background(), &Request{
		StepID: "quick", AgentType: "quick", Timeout: 50 * time.Millisecond, OnComplete: quickSink.add,
	}))

	// The only worker stays busy well past the quick task's timeout.
	time.Sleep(150 * time.Millisecond)
	close(gate.release)

	o := quickSink.wait(t)[0]
	require.NoError(t, o.Err)
	assert.Equal(t, "done", o.Output)
	require.NotNil(t, o.Task.StartedAt)
	assert.Equal(t, 50*time.Millisecond, o.Task.Deadline.Sub(*o.Task.StartedAt))
	hogSink.wait(t)
}

func TestDispatcher_ErrorClassification(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t, nil)
	reg.MustRegisterHandler("fatal", HandlerFunc(func(ctx context.Context, task *Task) (any, error) {
		return nil, Fatal(errors.New("bad input"))
	}))
	reg.MustRegisterHandler("plain", HandlerFunc(func(ctx context.Context, task *Task) (any, error) {
		return nil, errors.New("flaky upstream")
	}))
	reg.MustRegisterHandler("panics", HandlerFunc(func(ctx context.Context, task *Task) (any, error) {
		panic("nil map")
	}))
	for _, typ := range []string{"fatal", "plain", "panics"} {
		_, err := reg.RegisterAgent(typ+"-1", typ, 1)
		require.NoError(t, err)
	}

	results := map[string]Outcome{}
	var mu sync.Mutex
	sink := newOutcomeSink(3)
	for _, typ := range []string{"fatal", "plain", "panics"} {
		typ := typ
		require.NoError(t, d.Submit(context.Background(), &Request{
			StepID: typ, AgentType: typ,
			OnComplete: func(o Outcome) {
				mu.Lock()
				results[typ] = o
				mu.Unlock()
				sink.add(o)
			},
		}))
	}
	sink.wait(t)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, types.IsCode(results["fatal"].Err, types.ErrTaskExecution))
	assert.False(t, types.IsRetryable(results["fatal"].Err))
	assert.True(t, types.IsRetryable(results["plain"].Err))
	assert.False(t, types.IsRetryable(results["panics"].Err))
	assert.Contains(t, results["panics"].Err.Error(), "handler panicked")
}

func TestDispatcher_CancelQueuedAndRunning(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t, nil)
	h := newGateHandler(2)
	reg.MustRegisterHandler("worker", h)
	_, err := reg.RegisterAgent("w-1", "worker", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sink := newOutcomeSink(2)
	var runs atomic.Int32
	for _, id := range []string{"running", "queued"} {
		require.NoError(t, d.Submit(ctx, &Request{
			StepID: id, AgentType: "worker",
			OnStarted:  func(*Task) { runs.Add(1) },
			OnComplete: sink.add,
		}))
	}
	<-h.started
	cancel()

	for _, o := range sink.wait(t) {
		assert.True(t, types.IsCode(o.Err, types.ErrCancellation), o.Task.StepID)
		assert.Equal(t, TaskCancelled, o.Task.Status)
	}
	assert.Equal(t, int32(1), runs.Load(), "queued request never starts")
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	t.Parallel()

	d, reg := newTestDispatcher(t, nil)
	h := newGateHandler(4)
	reg.MustRegisterHandler("worker", h)
	_, err := reg.RegisterAgent("w-1", "worker", 1)
	require.NoError(t, err)

	sink := newOutcomeSink(4)
	submit := func(id string, prio int) {
		require.NoError(t, d.Submit(context.Background(), &Request{StepID: id, AgentType: "worker", Priority: prio, OnComplete: sink.add}))
	}
	submit("first", 0)
	<-h.started
	submit("low", 0)
	submit("high", 5)
	submit("low2", 0)

	close(h.release)
	var order []string
	for i := 0; i < 3; i++ {
		order = append(order, <-h.started)
	}
	sink.wait(t)
	assert.Equal(t, []string{"high", "low", "low2"}, order)
}

func TestDispatcher_ClosedRejects(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.MustRegisterHandler("worker", HandlerFunc(func(ctx context.Context, task *Task) (any, error) { return nil, nil }))
	_, err := reg.RegisterAgent("w-1", "worker", 1)
	require.NoError(t, err)
	d := NewDispatcher(reg, nil, nil, Config{}, nil, nil)
	require.NoError(t, d.Close(context.Background()))

	err = d.Submit(context.Background(), &Request{StepID: "s", AgentType: "worker"})
	assert.True(t, types.IsCode(err, types.ErrDispatch))
}
