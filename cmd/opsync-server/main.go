// Command opsync-server runs the operation sync server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kilupskalvis/opsync/internal/remote/server"
)

func main() {
	listen := flag.String("listen", envOrDefault("OPSYNC_LISTEN", "0.0.0.0:8720"), "Listen address")
	dataDir := flag.String("data-dir", envOrDefault("OPSYNC_DATA_DIR", "/var/lib/opsync-server"), "Data directory")
	adminToken := flag.String("admin-token", os.Getenv("OPSYNC_ADMIN_TOKEN"), "Admin API token")
	logLevel := flag.String("log-level", envOrDefault("OPSYNC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("OPSYNC_LOG_FORMAT", "json"), "Log format (json, text)")
	tlsCert := flag.String("tls-cert", os.Getenv("OPSYNC_TLS_CERT"), "TLS certificate file")
	tlsKey := flag.String("tls-key", os.Getenv("OPSYNC_TLS_KEY"), "TLS key file")
	webhookURLs := flag.String("webhook-urls", os.Getenv("OPSYNC_WEBHOOK_URLS"), "Comma-separated webhook URLs to notify on upload")
	webhookSecret := flag.String("webhook-secret", os.Getenv("OPSYNC_WEBHOOK_SECRET"), "HMAC secret for signing webhook bodies")
	maxOps := flag.Int64("max-ops-per-account", 0, "Operation quota per account (0 = unlimited)")
	flag.Parse()

	logger := newLogger(*logLevel, *logFormat)

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err, "path", *dataDir)
		os.Exit(1)
	}

	accounts, err := server.NewDiskAccounts(filepath.Join(*dataDir, "accounts"), logger)
	if err != nil {
		logger.Error("failed to open accounts", "error", err)
		os.Exit(1)
	}
	defer accounts.CloseAll()

	tokens := server.NewFileTokenStore(filepath.Join(*dataDir, "tokens.json"), logger)
	if err := tokens.Load(); err != nil {
		logger.Error("failed to load tokens", "error", err)
		os.Exit(1)
	}

	cfg := server.DefaultServerConfig()
	cfg.AdminToken = *adminToken
	cfg.MaxOpsPerAccount = *maxOps
	if urls := splitList(*webhookURLs); len(urls) > 0 {
		cfg.Webhooks = server.NewWebhookNotifier(&server.WebhookConfig{URLs: urls, Secret: *webhookSecret}, logger)
		logger.Info("webhooks configured", "count", len(urls))
	}
	if cfg.AdminToken == "" {
		logger.Warn("no admin token set, admin endpoints are disabled")
	}

	h, cleanup := server.Handler(accounts, tokens, cfg, logger)
	defer cleanup()

	srv := &http.Server{
		Addr:              *listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting opsync server", "listen", *listen, "data_dir", *dataDir, "tls", *tlsCert != "")
		if *tlsCert != "" && *tlsKey != "" {
			errCh <- srv.ListenAndServeTLS(*tlsCert, *tlsKey)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
