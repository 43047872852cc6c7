package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilupskalvis/opsync/internal/core"
	"github.com/kilupskalvis/opsync/internal/syncerr"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync in the background",
	Long: `Run sync cycles on an interval until interrupted. With the file provider
a cycle also starts whenever the shared sync file changes on disk.`,
	Run: runDaemon,
}

var daemonInterval time.Duration

func init() {
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Sync interval (defaults to sync_interval from config)")
}

func runDaemon(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := initServiceContext(ctx, true)
	defer c.Close()

	interval := daemonInterval
	if interval <= 0 {
		interval = c.Config.SyncInterval.Duration
	}
	if interval <= 0 && c.WatchFile == "" {
		exitError("no sync interval configured; pass --interval")
	}

	logger := c.Logger
	sched := core.NewScheduler(c.Service, core.SchedulerConfig{
		Interval:  interval,
		WatchFile: c.WatchFile,
		Logger:    logger,
		OnResult: func(res *core.SyncResult, err error) {
			switch {
			case err == nil:
				if res.Conflict != nil {
					logger.Warn("sync stopped at a conflict, run 'opsync resolve'", "remote_seq", res.Conflict.RemoteSeq)
					return
				}
				logger.Info("sync finished",
					"uploaded", res.Uploaded,
					"downloaded", res.Downloaded+res.Piggybacked,
					"applied", res.Applied,
					"remote_seq", res.LastServerSeq)
			case errors.Is(err, core.ErrConflictPending):
				logger.Warn("conflict pending, run 'opsync resolve'")
			case syncerr.Is(err, syncerr.MissingKey):
				logger.Error("remote data is encrypted, run 'opsync sync' once to enter the password")
			}
		},
	})

	fmt.Fprintf(os.Stderr, "opsync daemon started (client %s, every %s)\n", shortID(c.Service.ClientID()), interval)
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		exitError("daemon stopped: %v", err)
	}
}
