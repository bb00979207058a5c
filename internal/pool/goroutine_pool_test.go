package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoroutinePool_RunsSubmittedTasks(t *testing.T) {
	t.Parallel()

	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 4, QueueSize: 16}, nil)

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}))
	}
	wg.Wait()

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, int64(10), p.Stats().Submitted)
	assert.LessOrEqual(t, p.Stats().Workers, 4)
}

func TestGoroutinePool_RecoversPanics(t *testing.T) {
	t.Parallel()

	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 4}, nil)

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(done)
		return errors.New("failed")
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
	require.NoError(t, p.Close(context.Background()))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Panicked)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestGoroutinePool_RejectsWhenFullOrClosed(t *testing.T) {
	t.Parallel()

	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1}, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	// The single worker is busy, the next task fills the queue.
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }))
	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)

	close(block)
	require.NoError(t, p.Close(context.Background()))

	err = p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, int64(1), p.Stats().Rejected)
}
