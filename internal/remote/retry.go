package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/syncerr"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a Client with automatic retry on transient errors.
// Every endpoint is safe to repeat: the server deduplicates operations by
// id and snapshot uploads by op id.
type RetryClient struct {
	inner  Client
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps the given Client.
func NewRetryClient(inner Client, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// isTransient returns true for errors that are worth retrying.
func isTransient(err error) bool {
	return syncerr.IsRetryable(err)
}

// newBackOff builds the backoff policy for one call.
func (rc *RetryClient) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.config.InitialBackoff
	b.MaxInterval = rc.config.MaxBackoff
	b.RandomizationFactor = rc.config.JitterFraction
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	retries := rc.config.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// retry executes fn with retry logic. Only retries transient errors.
func (rc *RetryClient) retry(ctx context.Context, operation string, fn func() error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, rc.newBackOff(ctx))

	if err != nil && isTransient(err) && attempts > 1 {
		return fmt.Errorf("%s: %w (after %d attempts)", operation, err, attempts)
	}
	return err
}

// --- Delegate all Client methods through retry logic ---

func (rc *RetryClient) UploadOps(ctx context.Context, req *UploadOpsRequest) (resp *UploadOpsResponse, err error) {
	err = rc.retry(ctx, "upload ops", func() error {
		resp, err = rc.inner.UploadOps(ctx, req)
		return err
	})
	return
}

func (rc *RetryClient) DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (resp *DownloadOpsResponse, err error) {
	err = rc.retry(ctx, "download ops", func() error {
		resp, err = rc.inner.DownloadOps(ctx, sinceSeq, excludeClient, limit)
		return err
	})
	return
}

func (rc *RetryClient) UploadSnapshot(ctx context.Context, req *UploadSnapshotRequest) (resp *UploadSnapshotResponse, err error) {
	err = rc.retry(ctx, "upload snapshot", func() error {
		resp, err = rc.inner.UploadSnapshot(ctx, req)
		return err
	})
	return
}

func (rc *RetryClient) RestorePoints(ctx context.Context) (points []*models.RestorePoint, err error) {
	err = rc.retry(ctx, "list restore points", func() error {
		points, err = rc.inner.RestorePoints(ctx)
		return err
	})
	return
}

func (rc *RetryClient) Restore(ctx context.Context, serverSeq int64) (op *models.SyncOperation, err error) {
	err = rc.retry(ctx, "restore", func() error {
		op, err = rc.inner.Restore(ctx, serverSeq)
		return err
	})
	return
}

func (rc *RetryClient) DeleteAllData(ctx context.Context) error {
	return rc.retry(ctx, "delete remote data", func() error {
		return rc.inner.DeleteAllData(ctx)
	})
}

func (rc *RetryClient) Status(ctx context.Context) (resp *StatusResponse, err error) {
	err = rc.retry(ctx, "get status", func() error {
		resp, err = rc.inner.Status(ctx)
		return err
	})
	return
}
