package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/internal/metrics"
	"github.com/BaSui01/carbonflow/types"
)

// ErrBusStopped is returned when emitting on a bus that is not running.
var ErrBusStopped = errors.New("event bus is not running")

// DefaultCapacity is the default size of the recent-event ring buffer.
const DefaultCapacity = 200

// payloadSummaryItems bounds list payloads kept in the ring buffer.
const payloadSummaryItems = 50

// Listener handles an event. The event must not be retained or mutated;
// use Bus.Annotate to record outcomes on it.
type Listener func(ctx context.Context, ev *Event)

// Subscription identifies a registered listener.
type Subscription struct {
	id        uint64
	eventType string
}

type subscriber struct {
	id       uint64
	listener Listener
}

// Bus is the process-wide publish/subscribe hub.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]subscriber
	nextID    uint64

	ringMu   sync.Mutex
	ring     []*Event
	head     int // next write position
	size     int
	capacity int

	running atomic.Bool
	emitted atomic.Int64

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewBus creates a stopped bus with a ring buffer of the given capacity.
func NewBus(capacity int, logger *zap.Logger, collector *metrics.Collector) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[string][]subscriber),
		ring:      make([]*Event, capacity),
		capacity:  capacity,
		logger:    logger.With(zap.String("component", "event_bus")),
		metrics:   collector,
	}
}

// Start begins accepting emissions.
func (b *Bus) Start(ctx context.Context) error {
	if b.running.Swap(true) {
		return nil
	}
	b.logger.Info("event bus started", zap.Int("capacity", b.capacity))
	return nil
}

// Stop rejects further emissions and drops every subscription. The recent
// events stay readable.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.running.Swap(false) {
		return nil
	}
	b.mu.Lock()
	b.listeners = make(map[string][]subscriber)
	b.mu.Unlock()
	b.logger.Info("event bus stopped", zap.Int64("emitted", b.emitted.Load()))
	return nil
}

// Running reports whether the bus accepts emissions.
func (b *Bus) Running() bool {
	return b.running.Load()
}

// Subscribe registers a listener for an event type, or for every type with Broadcast.
func (b *Bus) Subscribe(eventType string, listener Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[eventType] = append(b.listeners[eventType], subscriber{id: b.nextID, listener: listener})
	return Subscription{id: b.nextID, eventType: eventType}
}

// Unsubscribe removes a listener. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.listeners[sub.eventType]
	for i, s := range subs {
		if s.id == sub.id {
			b.listeners[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit records an event and notifies exact-type and broadcast listeners
// synchronously. The returned event reflects annotations listeners made.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]any, source string) (*Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, types.NewError(types.ErrValidation, "event type is required")
	}
	if eventType == Broadcast {
		return nil, types.Errorf(types.ErrValidation, "%q is reserved for subscriptions", Broadcast)
	}
	if !b.running.Load() {
		return nil, ErrBusStopped
	}

	ev := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Source:    source,
		SubjectID: ResolveSubject(payload),
		Timestamp: time.Now().UTC(),
		Status:    StatusReceived,
	}

	recorded := ev.Clone()
	recorded.Payload = summarize(payload, payloadSummaryItems)
	b.record(recorded)
	b.emitted.Add(1)

	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.listeners[eventType])+len(b.listeners[Broadcast]))
	subs = append(subs, b.listeners[eventType]...)
	subs = append(subs, b.listeners[Broadcast]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.safeInvoke(ctx, s.listener, ev); err != nil {
			b.Annotate(ev.ID, func(e *Event) {
				e.Status = StatusFailed
				e.Error = err.Error()
			})
		}
	}

	b.Annotate(ev.ID, func(e *Event) {
		if e.Status == StatusReceived {
			e.Status = StatusProcessed
		}
	})

	out, ok := b.lookup(ev.ID)
	if !ok {
		// Evicted by concurrent emissions; report what we know.
		out = recorded
	}
	b.metrics.RecordEvent(eventType, string(out.Status))
	b.logger.Debug("event emitted",
		zap.String("event_id", out.ID),
		zap.String("event_type", eventType),
		zap.String("source", source),
		zap.String("status", string(out.Status)),
		zap.Int("listeners", len(subs)),
	)
	return out, nil
}

// Annotate applies fn to the recorded event with the given id. It returns
// false once the event has been evicted from the ring buffer.
func (b *Bus) Annotate(id string, fn func(*Event)) bool {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	for i := 0; i < b.size; i++ {
		ev := b.ring[b.index(i)]
		if ev.ID == id {
			fn(ev)
			return true
		}
	}
	return false
}

// Recent returns up to limit events, most recent first. A non-positive
// limit returns everything buffered.
func (b *Bus) Recent(limit int) []*Event {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	if limit <= 0 || limit > b.size {
		limit = b.size
	}
	out := make([]*Event, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, b.ring[b.index(i)].Clone())
	}
	return out
}

// Len returns the number of buffered events.
func (b *Bus) Len() int {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	return b.size
}

func (b *Bus) record(ev *Event) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	b.ring[b.head] = ev
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

func (b *Bus) lookup(id string) (*Event, bool) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	for i := 0; i < b.size; i++ {
		if ev := b.ring[b.index(i)]; ev.ID == id {
			return ev.Clone(), true
		}
	}
	return nil, false
}

// index maps the i-th most recent event to its ring slot. Callers hold ringMu.
func (b *Bus) index(i int) int {
	return (b.head - 1 - i + b.capacity) % b.capacity
}

func (b *Bus) safeInvoke(ctx context.Context, listener Listener, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.String("event_id", ev.ID),
				zap.String("event_type", ev.Type),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	listener(ctx, ev)
	return nil
}
