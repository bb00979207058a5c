package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ScheduledRunner starts one scheduled execution.
type ScheduledRunner func(ctx context.Context, def *Definition) error

type scheduleEntry struct {
	version  int
	interval time.Duration
	cancel   context.CancelFunc
}

// Scheduler fires workflows with scheduled triggers at fixed intervals.
type Scheduler struct {
	registry *Registry
	run      ScheduledRunner

	mu      sync.Mutex
	entries map[string]*scheduleEntry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger *zap.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(registry *Registry, run ScheduledRunner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry: registry,
		run:      run,
		entries:  make(map[string]*scheduleEntry),
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// Start loads the scheduled workflows and starts their tickers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()
	return s.Refresh(ctx)
}

// Refresh reconciles tickers with the registry: new or changed workflows
// get a fresh ticker, archived or re-triggered ones are stopped.
func (s *Scheduler) Refresh(ctx context.Context) error {
	defs, err := s.registry.Scheduled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return nil
	}

	want := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		want[d.ID] = d
	}
	for id, e := range s.entries {
		d, ok := want[id]
		if !ok || d.Version != e.version || d.Trigger.Interval() != e.interval {
			e.cancel()
			delete(s.entries, id)
		}
	}
	for id, d := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		interval := d.Trigger.Interval()
		if interval <= 0 {
			continue
		}
		ctx, cancel := context.WithCancel(s.ctx)
		s.entries[id] = &scheduleEntry{version: d.Version, interval: interval, cancel: cancel}
		s.wg.Add(1)
		go s.loop(ctx, d, interval)
		s.logger.Info("schedule registered",
			zap.String("workflow_id", id),
			zap.Duration("interval", interval),
		)
	}
	return nil
}

// Has reports whether a workflow currently has a ticker.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of active schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop stops every ticker and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.entries = make(map[string]*scheduleEntry)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, def *Definition, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.run(ctx, def); err != nil {
				s.logger.Warn("scheduled execution not started",
					zap.String("workflow_id", def.ID),
					zap.Error(err),
				)
			}
		}
	}
}
