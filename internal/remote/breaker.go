package remote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/syncerr"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker around a Client.
type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// DefaultBreakerConfig returns the breaker settings used by the CLI.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{Name: name, ConsecutiveFailures: 5, OpenTimeout: time.Minute}
}

// BreakerClient stops calling a remote that keeps failing with transient
// errors. Client errors such as rejected credentials do not trip it.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerClient wraps inner with a circuit breaker.
func NewBreakerClient(inner Client, cfg BreakerConfig) *BreakerClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !syncerr.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerClient{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the current breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

func execute[T any](b *BreakerClient, fn func() (T, error)) (T, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, syncerr.Wrap(syncerr.Network, err, "remote unavailable")
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

func (b *BreakerClient) UploadOps(ctx context.Context, req *UploadOpsRequest) (*UploadOpsResponse, error) {
	return execute(b, func() (*UploadOpsResponse, error) { return b.inner.UploadOps(ctx, req) })
}

func (b *BreakerClient) DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*DownloadOpsResponse, error) {
	return execute(b, func() (*DownloadOpsResponse, error) {
		return b.inner.DownloadOps(ctx, sinceSeq, excludeClient, limit)
	})
}

func (b *BreakerClient) UploadSnapshot(ctx context.Context, req *UploadSnapshotRequest) (*UploadSnapshotResponse, error) {
	return execute(b, func() (*UploadSnapshotResponse, error) { return b.inner.UploadSnapshot(ctx, req) })
}

func (b *BreakerClient) RestorePoints(ctx context.Context) ([]*models.RestorePoint, error) {
	return execute(b, func() ([]*models.RestorePoint, error) { return b.inner.RestorePoints(ctx) })
}

func (b *BreakerClient) Restore(ctx context.Context, serverSeq int64) (*models.SyncOperation, error) {
	return execute(b, func() (*models.SyncOperation, error) { return b.inner.Restore(ctx, serverSeq) })
}

func (b *BreakerClient) DeleteAllData(ctx context.Context) error {
	_, err := execute(b, func() (struct{}, error) { return struct{}{}, b.inner.DeleteAllData(ctx) })
	return err
}

func (b *BreakerClient) Status(ctx context.Context) (*StatusResponse, error) {
	return execute(b, func() (*StatusResponse, error) { return b.inner.Status(ctx) })
}
