package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context) (*SyncResult, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Interval between periodic cycles. Zero disables the timer.
	Interval time.Duration
	// WatchFile triggers a cycle whenever the file changes on disk.
	WatchFile string
	Debounce  time.Duration
	// OnResult observes every finished cycle.
	OnResult func(*SyncResult, error)
	Logger   *slog.Logger
}

// Scheduler triggers sync cycles on a timer and on changes to a watched
// file. Triggers share the service's lock, so a trigger that arrives
// during a cycle is dropped rather than queued.
type Scheduler struct {
	syncer Syncer
	cfg    SchedulerConfig
	logger *slog.Logger
}

// NewScheduler creates a scheduler for syncer.
func NewScheduler(syncer Syncer, cfg SchedulerConfig) *Scheduler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{syncer: syncer, cfg: cfg, logger: logger}
}

// Run syncs once immediately and then on every trigger until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 && s.cfg.WatchFile == "" {
		return fmt.Errorf("scheduler needs an interval or a file to watch")
	}

	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		events  <-chan fsnotify.Event
		errs    <-chan error
		changed = make(chan struct{}, 1)
		pending *time.Timer
	)
	if s.cfg.WatchFile != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create file watcher: %w", err)
		}
		defer w.Close()
		// Writers replace the file by rename, so watch its directory.
		if err := w.Add(filepath.Dir(s.cfg.WatchFile)); err != nil {
			return fmt.Errorf("watch %s: %w", s.cfg.WatchFile, err)
		}
		events, errs = w.Events, w.Errors
	}
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	s.run(ctx, "start")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			s.run(ctx, "interval")
		case <-changed:
			s.run(ctx, "file")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.cfg.WatchFile) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(s.cfg.Debounce, func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, trigger string) {
	res, err := s.syncer.Sync(ctx)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Debug("sync skipped, cycle in progress", "trigger", trigger)
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		s.logger.Warn("sync failed, will retry", "trigger", trigger, "error", err)
	default:
		s.logger.Debug("scheduled sync done", "trigger", trigger, "uploaded", res.Uploaded, "applied", res.Applied)
	}
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(res, err)
	}
}
