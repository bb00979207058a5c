package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TaskHandler executes tasks for one agent type. Implementations must be
// safe to invoke more than once with the same input.
type TaskHandler interface {
	Handle(ctx context.Context, task *Task) (any, error)
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc func(ctx context.Context, task *Task) (any, error)

// Handle implements TaskHandler.
func (f HandlerFunc) Handle(ctx context.Context, task *Task) (any, error) {
	return f(ctx, task)
}

// recentDurations bounds the history used by the predictive strategy.
const recentDurations = 20

// Agent is one agent instance with a bounded number of concurrent tasks.
type Agent struct {
	ID       string
	Type     string
	Capacity int

	load      atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
	lastSeen  atomic.Int64

	mu        sync.Mutex
	durations []time.Duration
	next      int
}

// CurrentLoad returns the number of tasks currently assigned.
func (a *Agent) CurrentLoad() int {
	return int(a.load.Load())
}

// HasCapacity reports whether another task fits.
func (a *Agent) HasCapacity() bool {
	return a.CurrentLoad() < a.Capacity
}

// tryAcquire reserves one slot without ever exceeding capacity.
func (a *Agent) tryAcquire() bool {
	for {
		cur := a.load.Load()
		if int(cur) >= a.Capacity {
			return false
		}
		if a.load.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (a *Agent) release() {
	a.load.Add(-1)
}

func (a *Agent) record(d time.Duration, ok bool) {
	if ok {
		a.completed.Add(1)
	} else {
		a.failed.Add(1)
	}
	a.lastSeen.Store(time.Now().UnixNano())

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.durations) < recentDurations {
		a.durations = append(a.durations, d)
		return
	}
	a.durations[a.next] = d
	a.next = (a.next + 1) % recentDurations
}

// MeanDuration returns the mean of recent task durations.
func (a *Agent) MeanDuration() (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.durations) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, d := range a.durations {
		sum += d
	}
	return sum / time.Duration(len(a.durations)), true
}

// Descriptor returns a point-in-time view of the agent.
func (a *Agent) Descriptor() AgentDescriptor {
	completed := a.completed.Load()
	failed := a.failed.Load()
	d := AgentDescriptor{
		ID:             a.ID,
		Type:           a.Type,
		Capacity:       a.Capacity,
		CurrentLoad:    a.CurrentLoad(),
		TasksCompleted: completed,
		TasksFailed:    failed,
	}
	if total := completed + failed; total > 0 {
		d.SuccessRate = float64(completed) / float64(total)
	}
	if mean, ok := a.MeanDuration(); ok {
		d.AverageResponseTime = mean
	}
	if ts := a.lastSeen.Load(); ts > 0 {
		t := time.Unix(0, ts).UTC()
		d.LastActivity = &t
	}
	return d
}

// AgentDescriptor is the serializable view of an agent.
type AgentDescriptor struct {
	ID                  string        `json:"agent_id"`
	Type                string        `json:"agent_type"`
	Capacity            int           `json:"capacity"`
	CurrentLoad         int           `json:"current_load"`
	TasksCompleted      int64         `json:"tasks_completed"`
	TasksFailed         int64         `json:"tasks_failed"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastActivity        *time.Time    `json:"last_activity,omitempty"`
}

// Registry maps agent types to handlers and agent instances. It is
// populated at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
	agents   map[string][]*Agent
	byID     map[string]*Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]TaskHandler),
		agents:   make(map[string][]*Agent),
		byID:     make(map[string]*Agent),
	}
}

// RegisterHandler binds a handler to an agent type.
func (r *Registry) RegisterHandler(agentType string, h TaskHandler) error {
	if agentType == "" || h == nil {
		return fmt.Errorf("agent type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[agentType]; exists {
		return fmt.Errorf("handler for agent type %q already registered", agentType)
	}
	r.handlers[agentType] = h
	return nil
}

// MustRegisterHandler is like RegisterHandler but panics on error.
func (r *Registry) MustRegisterHandler(agentType string, h TaskHandler) {
	if err := r.RegisterHandler(agentType, h); err != nil {
		panic(err)
	}
}

// RegisterAgent adds an agent instance of the given type.
func (r *Registry) RegisterAgent(id, agentType string, capacity int) (*Agent, error) {
	if id == "" || agentType == "" {
		return nil, fmt.Errorf("agent id and type are required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("agent %q: capacity must be positive, got %d", id, capacity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return nil, fmt.Errorf("agent %q already registered", id)
	}
	a := &Agent{ID: id, Type: agentType, Capacity: capacity}
	r.byID[id] = a
	r.agents[agentType] = append(r.agents[agentType], a)
	return a, nil
}

// Handler returns the handler for an agent type, resolving variant types
// the way Resolve does.
func (r *Registry) Handler(agentType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	family, ok := r.resolveLocked(agentType)
	if !ok {
		return nil, false
	}
	return r.handlers[family], true
}

// Resolve maps agentType to the registered type that serves it. An exact
// match wins; otherwise the longest registered type T for which agentType
// has the form T_<variant> is used, so "sector_profiler_textiles" resolves
// to "sector_profiler".
func (r *Registry) Resolve(agentType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(agentType)
}

func (r *Registry) resolveLocked(agentType string) (string, bool) {
	if _, ok := r.handlers[agentType]; ok {
		return agentType, true
	}
	best := ""
	for t := range r.handlers {
		if len(t) > len(best) && strings.HasPrefix(agentType, t+"_") {
			best = t
		}
	}
	return best, best != ""
}

// Agents returns the agents of a type in registration order.
func (r *Registry) Agents(agentType string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Agent(nil), r.agents[agentType]...)
}

// Agent returns an agent by id.
func (r *Registry) Agent(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// Types returns every agent type that has a handler, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns a view of every agent, sorted by type then id.
func (r *Registry) Descriptors() []AgentDescriptor {
	r.mu.RLock()
	all := make([]*Agent, 0, len(r.byID))
	for _, a := range r.byID {
		all = append(all, a)
	}
	r.mu.RUnlock()

	out := make([]AgentDescriptor, len(all))
	for i, a := range all {
		out[i] = a.Descriptor()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}
