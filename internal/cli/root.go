// Package cli implements the opsync command-line interface.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kilupskalvis/opsync/internal/config"
	"github.com/kilupskalvis/opsync/internal/core"
	"github.com/kilupskalvis/opsync/internal/crypto"
	"github.com/kilupskalvis/opsync/internal/provider"
	"github.com/kilupskalvis/opsync/internal/provider/filesync"
	"github.com/kilupskalvis/opsync/internal/provider/opsync"
	"github.com/kilupskalvis/opsync/internal/state"
	"github.com/kilupskalvis/opsync/internal/store"
	"github.com/spf13/cobra"
)

// cmdContext holds common resources for CLI commands.
type cmdContext struct {
	Config   *config.Config
	Store    *store.Store
	State    *state.Memory
	Service  *core.Service
	Provider provider.Provider
	Logger   *slog.Logger
	// WatchFile is the local sync file for the file provider.
	WatchFile string
}

// Close releases resources held by cmdContext.
func (c *cmdContext) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
}

var logLevel string

func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// initContext loads config and opens the store.
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	if err := st.Initialize(); err != nil {
		st.Close()
		exitError("failed to initialize store: %v", err)
	}

	logger := newLogger()
	slog.SetDefault(logger)
	return &cmdContext{Config: cfg, Store: st, Logger: logger}
}

// initServiceContext builds the sync service over a hydrated state. With
// needProvider unset a missing or unusable provider leaves the replica
// local-only.
func initServiceContext(ctx context.Context, needProvider bool) *cmdContext {
	c := initContext()

	enc := crypto.NewEncryptor(crypto.DefaultKDFParams)
	prov, watch, err := buildProvider(ctx, c.Config, c.Store, enc, c.Logger)
	if err != nil {
		if needProvider {
			c.Close()
			exitError("%v", err)
		}
		c.Logger.Debug("running without provider", "error", err)
	}
	c.Provider, c.WatchFile = prov, watch

	c.State = state.NewMemory()
	svc, err := core.New(c.Store, c.State, prov, enc, core.Options{
		MaxVectorClockEntries: c.Config.MaxVectorClockEntries,
		PendingRemoteExpiry:   c.Config.PendingRemoteExpiry.Duration,
		Logger:                c.Logger,
	})
	if err != nil {
		c.Close()
		exitError("failed to create sync service: %v", err)
	}
	c.Service = svc

	if _, err := svc.CleanupCorruptOps(ctx); err != nil {
		c.Logger.Warn("corrupt operation sweep failed", "error", err)
	}
	if _, err := svc.Hydrate(ctx); err != nil {
		c.Close()
		exitError("failed to load state: %v", err)
	}
	if _, _, err := svc.ReconcilePendingRemoteOps(ctx); err != nil {
		c.Logger.Warn("pending remote operations not reconciled", "error", err)
	}
	return c
}

// buildProvider returns the configured provider and, for a local sync
// file, its path.
func buildProvider(ctx context.Context, cfg *config.Config, st *store.Store, enc *crypto.Encryptor, logger *slog.Logger) (provider.Provider, string, error) {
	switch cfg.Provider {
	case config.ProviderOpSync:
		p, err := opsync.New(opsync.Config{
			BaseURL: cfg.ServerURL,
			Timeout: cfg.RequestTimeout.Duration,
			OnAuthFailure: func() {
				logger.Warn("server rejected the access token; it will be reloaded from storage, run 'opsync login' to replace it")
			},
			Logger: logger,
		}, st)
		if err != nil {
			return nil, "", err
		}
		return p, "", nil

	case config.ProviderFile:
		backend, err := filesync.NewFSBackend(cfg.FilePath)
		if err != nil {
			return nil, "", err
		}
		p, err := filesync.New(filesync.Config{
			Backend:      backend,
			Name:         config.ProviderFile,
			MaxRecentOps: cfg.MaxRecentOps,
			Encryptor:    enc,
			Logger:       logger,
		}, st)
		if err != nil {
			return nil, "", err
		}
		return p, backend.Path(), nil

	case config.ProviderS3:
		backend, err := filesync.NewS3Backend(ctx, filesync.S3Config{
			Bucket:       cfg.S3Bucket,
			Key:          cfg.S3Key,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3Endpoint != "",
		})
		if err != nil {
			return nil, "", err
		}
		p, err := filesync.New(filesync.Config{
			Backend:      backend,
			Name:         config.ProviderS3,
			MaxRecentOps: cfg.MaxRecentOps,
			Encryptor:    enc,
			Logger:       logger,
		}, st)
		if err != nil {
			return nil, "", err
		}
		return p, "", nil
	}
	return nil, "", fmt.Errorf("unknown provider %q", cfg.Provider)
}

// credentialName is the key the provider's secrets are stored under.
func credentialName(cfg *config.Config) string {
	return cfg.Provider
}

var rootCmd = &cobra.Command{
	Use:   "opsync",
	Short: "Operation log sync",
	Long: `opsync keeps a local-first operation log in step with other replicas
through an opsync server or a single shared sync file.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	registerCompletions()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("OPSYNC_LOG_LEVEL", "warn"), "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(importLegacyCmd)
	rootCmd.AddCommand(passwordCmd)
	rootCmd.AddCommand(cleanSlateCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(serverCmd)
}

// exitError prints an error and exits.
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// readSecret reads one line from stdin after printing prompt to stderr.
func readSecret(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) && line == "" {
		exitError("failed to read input: %v", err)
	}
	return strings.TrimSpace(line)
}

// confirm asks a yes/no question on stderr.
func confirm(prompt string) bool {
	answer := readSecret(prompt + " [y/N]: ")
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
}
