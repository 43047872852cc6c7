package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// EventOpsUploaded is sent after an upload stored at least one new operation.
const EventOpsUploaded = "ops_uploaded"

// Webhook request headers.
const (
	HeaderWebhookEvent     = "X-Opsync-Event"
	HeaderWebhookSignature = "X-Opsync-Signature"
)

// WebhookEvent is the JSON body posted to webhook URLs.
type WebhookEvent struct {
	Event     string `json:"event"`
	Account   string `json:"account"`
	ClientID  string `json:"client_id"`
	OpCount   int    `json:"op_count"`
	LatestSeq int64  `json:"latest_seq"`
	Timestamp string `json:"timestamp"`
}

// WebhookConfig configures webhook delivery.
type WebhookConfig struct {
	URLs []string
	// Secret signs each body with HMAC-SHA256 when set.
	Secret string
	// RetryDelay is the first backoff interval between delivery attempts.
	RetryDelay time.Duration
	// MaxRetries bounds redelivery after the first attempt.
	MaxRetries uint64
}

// WebhookNotifier posts upload events to the configured URLs. Delivery is
// asynchronous and best effort.
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier returns nil when no URLs are configured; a nil
// notifier ignores every event.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	c := *cfg
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		config: c,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// NotifyOpsUploaded queues an ops_uploaded event for every URL.
func (wn *WebhookNotifier) NotifyOpsUploaded(account, clientID string, count int, latestSeq int64) {
	if wn == nil {
		return
	}
	event := &WebhookEvent{
		Event:     EventOpsUploaded,
		Account:   account,
		ClientID:  clientID,
		OpCount:   count,
		LatestSeq: latestSeq,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	go wn.send(context.Background(), event)
}

func (wn *WebhookNotifier) send(ctx context.Context, event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}
	for _, url := range wn.config.URLs {
		if err := wn.deliver(ctx, url, event.Event, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "account", event.Account, "error", err)
			continue
		}
		wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event, "latest_seq", event.LatestSeq)
	}
}

// deliver posts data to url, retrying transport errors and 5xx responses
// with exponential backoff. A 4xx response is final.
func (wn *WebhookNotifier) deliver(ctx context.Context, url, event string, data []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = wn.config.RetryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, wn.config.MaxRetries), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "opsync-server")
		req.Header.Set(HeaderWebhookEvent, event)
		if wn.config.Secret != "" {
			req.Header.Set(HeaderWebhookSignature, "sha256="+SignWebhook(wn.config.Secret, data))
		}

		resp, err := wn.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("HTTP %d", resp.StatusCode))
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}, policy)
}

// SignWebhook returns the hex HMAC-SHA256 of body under secret.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
