package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []FileEvent
}

func (r *eventRecorder) record(evt FileEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []FileEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FileEvent(nil), r.events...)
}

func startWatcher(t *testing.T, paths []string, opts ...WatcherOption) (*FileWatcher, *eventRecorder) {
	t.Helper()
	w, err := NewFileWatcher(paths, opts...)
	require.NoError(t, err)

	rec := &eventRecorder{}
	w.OnChange(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })
	return w, rec
}

// bumpModTime forces a newer mtime so detection does not depend on
// filesystem timestamp granularity.
func bumpModTime(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}

// --- Constructor ---

func TestNewFileWatcher_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(f, []byte("key: val"), 0644))

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)
	require.NotNil(t, w)

	assert.Equal(t, []string{f}, w.Paths())
	assert.False(t, w.IsRunning())
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
	assert.Equal(t, time.Second, w.pollInterval)
}

func TestNewFileWatcher_WithOptions(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewFileWatcher([]string{tmpDir},
		WithDebounceDelay(500*time.Millisecond),
		WithPollInterval(20*time.Millisecond),
		WithWatcherLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, w.debounceDelay)
	assert.Equal(t, 20*time.Millisecond, w.pollInterval)
}

func TestNewFileWatcher_InvalidPollInterval(t *testing.T) {
	_, err := NewFileWatcher([]string{t.TempDir()}, WithPollInterval(0))
	assert.Error(t, err)
}

func TestNewFileWatcher_NonExistentPathWarns(t *testing.T) {
	w, err := NewFileWatcher([]string{"/nonexistent/path/templates"})
	require.NoError(t, err)
	require.NotNil(t, w)
}

// --- AddPath / RemovePath / Paths ---

func TestFileWatcher_AddPath(t *testing.T) {
	tmpDir := t.TempDir()
	f1 := filepath.Join(tmpDir, "a.yaml")
	f2 := filepath.Join(tmpDir, "b.yaml")
	require.NoError(t, os.WriteFile(f1, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(f2, []byte("b"), 0644))

	w, err := NewFileWatcher([]string{f1})
	require.NoError(t, err)

	require.NoError(t, w.AddPath(f2))
	assert.Len(t, w.Paths(), 2)

	// 重复添加是空操作
	require.NoError(t, w.AddPath(f2))
	assert.Len(t, w.Paths(), 2)
}

func TestFileWatcher_RemovePath(t *testing.T) {
	tmpDir := t.TempDir()
	f1 := filepath.Join(tmpDir, "a.yaml")
	f2 := filepath.Join(tmpDir, "b.yaml")
	require.NoError(t, os.WriteFile(f1, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(f2, []byte("b"), 0644))

	w, err := NewFileWatcher([]string{f1})
	require.NoError(t, err)
	require.NoError(t, w.AddPath(f2))

	require.NoError(t, w.RemovePath(f2))
	assert.Equal(t, []string{f1}, w.Paths())

	err = w.RemovePath(filepath.Join(tmpDir, "nonexistent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path not found")
}

// --- Start / Stop / IsRunning lifecycle ---

func TestFileWatcher_Lifecycle(t *testing.T) {
	w, err := NewFileWatcher([]string{t.TempDir()}, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	assert.False(t, w.IsRunning())

	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())

	err = w.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())

	// 已停止时再次 Stop 是空操作
	require.NoError(t, w.Stop())

	// 停止后不能重新启动
	assert.Error(t, w.Start(ctx))
}

// --- Change detection ---

func TestFileWatcher_DetectsFileWrite(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "template.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v1"), 0644))

	_, rec := startWatcher(t, []string{f},
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(20*time.Millisecond))

	bumpModTime(t, f, "v2")

	require.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)
	events := rec.snapshot()
	assert.Equal(t, f, events[0].Path)
	assert.Equal(t, FileOpWrite, events[0].Op)
}

func TestFileWatcher_DirectoryCreateAndRemove(t *testing.T) {
	tmpDir := t.TempDir()
	existing := filepath.Join(tmpDir, "existing.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("a"), 0644))

	_, rec := startWatcher(t, []string{tmpDir},
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(20*time.Millisecond))

	created := filepath.Join(tmpDir, "new_template.yaml")
	require.NoError(t, os.WriteFile(created, []byte("b"), 0644))

	require.Eventually(t, func() bool {
		for _, e := range rec.snapshot() {
			if e.Path == created && e.Op == FileOpCreate {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(existing))

	require.Eventually(t, func() bool {
		for _, e := range rec.snapshot() {
			if e.Path == existing && e.Op == FileOpRemove {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_InitialSnapshotIsSilent(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "a.yaml"), []byte("a"), 0644))

	_, rec := startWatcher(t, []string{tmpDir},
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

// --- Debounce ---

func TestFileWatcher_Dispatch_NoRace(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "race.yaml")

	w, rec := startWatcher(t, []string{tmpDir}, WithDebounceDelay(10*time.Millisecond))

	for i := 0; i < 50; i++ {
		w.eventChan <- FileEvent{Path: f, Op: FileOpWrite, Timestamp: time.Now()}
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, time.Second, 10*time.Millisecond)
}

func TestFileWatcher_Dispatch_Coalesces(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "coalesce.yaml")
	g := filepath.Join(tmpDir, "other.yaml")

	w, rec := startWatcher(t, []string{tmpDir}, WithDebounceDelay(50*time.Millisecond))

	w.eventChan <- FileEvent{Path: f, Op: FileOpCreate, Timestamp: time.Now()}
	w.eventChan <- FileEvent{Path: g, Op: FileOpCreate, Timestamp: time.Now()}
	w.eventChan <- FileEvent{Path: f, Op: FileOpWrite, Timestamp: time.Now()}

	time.Sleep(250 * time.Millisecond)

	events := rec.snapshot()
	require.Len(t, events, 2, "events for the same path are coalesced")
	// 按路径排序分发，保留每个路径的最后一个事件
	assert.Equal(t, f, events[0].Path)
	assert.Equal(t, FileOpWrite, events[0].Op)
	assert.Equal(t, g, events[1].Path)
}

// --- Context cancellation stops watcher goroutines ---

func TestFileWatcher_ContextCancel(t *testing.T) {
	w, err := NewFileWatcher([]string{t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())

	// 取消后 goroutine 退出，running 标志在 Stop 前保持不变
	cancel()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, w.IsRunning())

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(42).String())
}
