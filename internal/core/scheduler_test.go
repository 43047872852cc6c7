package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSyncer struct {
	calls chan struct{}
	err   error
}

func newCountingSyncer() *countingSyncer {
	return &countingSyncer{calls: make(chan struct{}, 64)}
}

func (c *countingSyncer) Sync(context.Context) (*SyncResult, error) {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	if c.err != nil {
		return nil, c.err
	}
	return &SyncResult{}, nil
}

func (c *countingSyncer) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.calls:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for sync %d of %d", i+1, n)
		}
	}
}

func runScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return cancel
}

func TestScheduler_RequiresTrigger(t *testing.T) {
	s := NewScheduler(newCountingSyncer(), SchedulerConfig{})
	assert.Error(t, s.Run(context.Background()))
}

func TestScheduler_Interval(t *testing.T) {
	syncer := newCountingSyncer()
	runScheduler(t, NewScheduler(syncer, SchedulerConfig{Interval: 10 * time.Millisecond}))

	// One at start, then at least two ticks.
	syncer.wait(t, 3)
}

func TestScheduler_FileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	syncer := newCountingSyncer()
	runScheduler(t, NewScheduler(syncer, SchedulerConfig{WatchFile: path, Debounce: 10 * time.Millisecond}))
	syncer.wait(t, 1)

	// The watcher may not be registered yet; keep writing until it fires.
	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0o644))
		select {
		case <-syncer.calls:
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("file change did not trigger a sync")
		}
	}
}

func TestScheduler_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	syncer := newCountingSyncer()
	runScheduler(t, NewScheduler(syncer, SchedulerConfig{WatchFile: path, Debounce: 10 * time.Millisecond}))
	syncer.wait(t, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644))
	select {
	case <-syncer.calls:
		t.Fatal("unrelated file triggered a sync")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestScheduler_ReportsFailures(t *testing.T) {
	syncer := newCountingSyncer()
	syncer.err = errors.New("offline")
	results := make(chan error, 8)

	runScheduler(t, NewScheduler(syncer, SchedulerConfig{
		Interval: time.Hour,
		OnResult: func(_ *SyncResult, err error) {
			results <- err
		},
	}))

	select {
	case err := <-results:
		assert.EqualError(t, err, "offline")
	case <-time.After(5 * time.Second):
		t.Fatal("no result reported")
	}
}

func TestScheduler_SkipsBusyCycles(t *testing.T) {
	syncer := newCountingSyncer()
	syncer.err = ErrSyncInProgress
	results := make(chan error, 8)

	runScheduler(t, NewScheduler(syncer, SchedulerConfig{
		Interval: 10 * time.Millisecond,
		OnResult: func(_ *SyncResult, err error) {
			results <- err
		},
	}))
	syncer.wait(t, 2)
	assert.Empty(t, results)
}
