// Package opsync implements the sequence-numbered server provider on top of
// the opsync-server HTTP API.
package opsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/provider"
	"github.com/kilupskalvis/opsync/internal/remote"
	"github.com/kilupskalvis/opsync/internal/syncerr"
)

// Name is the credential key of the provider.
const Name = "opsync"

// Config configures the provider.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   *remote.RetryConfig
	// OnAuthFailure runs when the server rejects the stored token.
	OnAuthFailure func()
	Logger        *slog.Logger
}

// Provider talks to one account on an opsync-server.
type Provider struct {
	client  remote.Client
	persist provider.Persistence
	seqKey  string
	logger  *slog.Logger
}

// New builds the HTTP client stack (breaker around retry around HTTP) from
// the stored access token.
func New(cfg Config, persist provider.Persistence) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("opsync provider: server URL is not configured")
	}
	creds, err := persist.GetCredentials(Name)
	if err != nil {
		return nil, err
	}
	if creds.Token == "" {
		return nil, syncerr.New(syncerr.Auth, "no access token configured for %s", cfg.BaseURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = remote.DefaultTimeout
	}

	// The token is cached in the client and reloaded from storage after
	// the server rejects it, so a fresh 'login' takes effect in place.
	opts := []remote.Option{
		remote.WithTimeout(timeout),
		remote.WithTokenSource(func() (string, error) {
			c, err := persist.GetCredentials(Name)
			if err != nil {
				return "", err
			}
			return c.Token, nil
		}),
	}
	if cfg.OnAuthFailure != nil {
		opts = append(opts, remote.WithAuthFailureHandler(cfg.OnAuthFailure))
	}
	var client remote.Client = remote.NewHTTPClient(cfg.BaseURL, creds.Token, opts...)
	client = remote.NewRetryClient(client, cfg.Retry)
	breaker := remote.DefaultBreakerConfig("opsync:" + cfg.BaseURL)
	breaker.Logger = logger
	client = remote.NewBreakerClient(client, breaker)

	return NewWithClient(client, persist, provider.SeqKey("server_seq", cfg.BaseURL, creds.Token), logger), nil
}

// NewWithClient wraps an existing client. seqKey identifies the remote in
// the local store.
func NewWithClient(client remote.Client, persist provider.Persistence, seqKey string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{client: client, persist: persist, seqKey: seqKey, logger: logger}
}

func (p *Provider) Kind() provider.Kind { return provider.KindOperationSync }

func (p *Provider) Name() string { return Name }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{OperationSync: p, Restore: p}
}

// UploadOps sends ops in one request.
func (p *Provider) UploadOps(ctx context.Context, ops []*models.Operation, clientID string, lastKnownSeq int64, cleanSlate bool) (*provider.UploadResult, error) {
	resp, err := p.client.UploadOps(ctx, &remote.UploadOpsRequest{
		Ops:                ops,
		ClientID:           clientID,
		LastKnownServerSeq: lastKnownSeq,
		IsCleanSlate:       cleanSlate,
	})
	if err != nil {
		return nil, err
	}

	result := &provider.UploadResult{
		Piggybacked:      resp.NewOps,
		LatestSeq:        resp.LatestSeq,
		GapDetected:      resp.GapDetected,
		HasMorePiggyback: resp.HasMorePiggyback,
	}
	for _, r := range resp.Results {
		if r.Accepted {
			result.Accepted = append(result.Accepted, provider.Accepted{OpID: r.OpID, ServerSeq: r.ServerSeq})
			continue
		}
		result.Rejected = append(result.Rejected, provider.Rejection{OpID: r.OpID, Code: r.ErrorCode, Reason: r.Error})
	}

	p.logger.Debug("uploaded ops",
		"accepted", len(result.Accepted),
		"rejected", len(result.Rejected),
		"piggybacked", len(result.Piggybacked),
		"latest_seq", result.LatestSeq,
	)
	return result, nil
}

// DownloadOps fetches one page of operations.
func (p *Provider) DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*provider.DownloadResult, error) {
	resp, err := p.client.DownloadOps(ctx, sinceSeq, excludeClient, limit)
	if err != nil {
		return nil, err
	}
	return &provider.DownloadResult{
		Ops:                 resp.Ops,
		LatestSeq:           resp.LatestSeq,
		HasMore:             resp.HasMore,
		GapDetected:         resp.GapDetected,
		SnapshotVectorClock: resp.SnapshotVectorClock,
	}, nil
}

// UploadSnapshot sends a full-state operation to the snapshot endpoint.
// A lost initial-state race is reported as SnapshotConflict, not an error.
func (p *Provider) UploadSnapshot(ctx context.Context, op *models.Operation, cleanSlate bool) (*provider.SnapshotResult, error) {
	resp, err := p.client.UploadSnapshot(ctx, &remote.UploadSnapshotRequest{Op: op, IsCleanSlate: cleanSlate})
	switch {
	case syncerr.CodeOf(err) == remote.CodeSyncImportExists:
		return &provider.SnapshotResult{Status: provider.SnapshotConflict, Reason: err.Error()}, nil
	case syncerr.Is(err, syncerr.Validation):
		return &provider.SnapshotResult{Status: provider.SnapshotRejected, Reason: err.Error()}, nil
	case err != nil:
		return nil, err
	}
	if !resp.Accepted {
		return &provider.SnapshotResult{Status: provider.SnapshotRejected, Reason: resp.Error}, nil
	}
	return &provider.SnapshotResult{Status: provider.SnapshotAccepted, ServerSeq: resp.ServerSeq}, nil
}

func (p *Provider) LastServerSeq(_ context.Context) (int64, error) {
	return p.persist.GetLastServerSeq(p.seqKey)
}

func (p *Provider) SetLastServerSeq(_ context.Context, seq int64) error {
	return p.persist.SetLastServerSeq(p.seqKey, seq)
}

func (p *Provider) EncryptKey(_ context.Context) (string, error) {
	return provider.EncryptKey(p.persist, Name)
}

func (p *Provider) DeleteAllData(ctx context.Context) error {
	return p.client.DeleteAllData(ctx)
}

func (p *Provider) RestorePoints(ctx context.Context) ([]*models.RestorePoint, error) {
	return p.client.RestorePoints(ctx)
}

func (p *Provider) Restore(ctx context.Context, seq int64) (*models.SyncOperation, error) {
	return p.client.Restore(ctx, seq)
}

// Status returns the server's view of the account.
func (p *Provider) Status(ctx context.Context) (*remote.StatusResponse, error) {
	return p.client.Status(ctx)
}
