package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/syncerr"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// Client defines the contract for communicating with an opsync-server.
type Client interface {
	UploadOps(ctx context.Context, req *UploadOpsRequest) (*UploadOpsResponse, error)
	DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*DownloadOpsResponse, error)
	UploadSnapshot(ctx context.Context, req *UploadSnapshotRequest) (*UploadSnapshotResponse, error)
	RestorePoints(ctx context.Context) ([]*models.RestorePoint, error)
	Restore(ctx context.Context, serverSeq int64) (*models.SyncOperation, error)
	DeleteAllData(ctx context.Context) error
	Status(ctx context.Context) (*StatusResponse, error)
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL       string
	httpClient    *http.Client
	onAuthFailure func()

	mu          sync.Mutex
	token       string
	tokenSource func() (string, error)
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithAuthFailureHandler registers fn to run when the server rejects the
// credentials, so cached configuration can be dropped.
func WithAuthFailureHandler(fn func()) Option {
	return func(c *HTTPClient) { c.onAuthFailure = fn }
}

// WithTokenSource makes the client load its bearer token from fn. The
// token is cached until the server rejects it, then loaded again on the
// next request, so a token replaced in storage is picked up.
func WithTokenSource(fn func() (string, error)) Option {
	return func(c *HTTPClient) { c.tokenSource = fn }
}

// NewHTTPClient creates an HTTP-based remote client.
func NewHTTPClient(baseURL, token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) url(path string) string {
	return c.baseURL + path
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	token, err := c.bearer()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Network, err, "execute request")
	}

	return resp, nil
}

// doJSON sends reqBody as JSON, gzip-compressed when compress is set, and
// decodes the response into respBody.
func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody any, compress bool) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json", "Accept-Encoding": "gzip"}

	if reqBody != nil {
		var buf bytes.Buffer
		if compress {
			gz := gzip.NewWriter(&buf)
			if err := json.NewEncoder(gz).Encode(reqBody); err != nil {
				gz.Close()
				return fmt.Errorf("encode request: %w", err)
			}
			if err := gz.Close(); err != nil {
				return fmt.Errorf("compress request: %w", err)
			}
			headers["Content-Encoding"] = "gzip"
		} else if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = &buf
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}

	if respBody != nil {
		var reader io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(resp.Body)
			if err != nil {
				return fmt.Errorf("decompress response: %w", err)
			}
			defer gz.Close()
			reader = gz
		}
		if err := json.NewDecoder(reader).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// UploadOps sends a batch of operations.
func (c *HTTPClient) UploadOps(ctx context.Context, req *UploadOpsRequest) (*UploadOpsResponse, error) {
	var resp UploadOpsResponse
	if err := c.doJSON(ctx, http.MethodPost, c.url(PathOps), req, &resp, true); err != nil {
		return nil, fmt.Errorf("upload ops: %w", err)
	}
	return &resp, nil
}

// DownloadOps fetches operations with server seq greater than sinceSeq.
func (c *HTTPClient) DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*DownloadOpsResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(sinceSeq, 10))
	if excludeClient != "" {
		q.Set("exclude_client", excludeClient)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp DownloadOpsResponse
	if err := c.doJSON(ctx, http.MethodGet, c.url(PathOps)+"?"+q.Encode(), nil, &resp, false); err != nil {
		return nil, fmt.Errorf("download ops: %w", err)
	}
	return &resp, nil
}

// UploadSnapshot sends a full-state operation.
func (c *HTTPClient) UploadSnapshot(ctx context.Context, req *UploadSnapshotRequest) (*UploadSnapshotResponse, error) {
	var resp UploadSnapshotResponse
	if err := c.doJSON(ctx, http.MethodPost, c.url(PathSnapshot), req, &resp, true); err != nil {
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}
	return &resp, nil
}

// RestorePoints lists the full-state operations the server holds.
func (c *HTTPClient) RestorePoints(ctx context.Context) ([]*models.RestorePoint, error) {
	var resp RestorePointsResponse
	if err := c.doJSON(ctx, http.MethodGet, c.url(PathRestorePoints), nil, &resp, false); err != nil {
		return nil, fmt.Errorf("list restore points: %w", err)
	}
	return resp.Points, nil
}

// Restore fetches the full-state operation at serverSeq.
func (c *HTTPClient) Restore(ctx context.Context, serverSeq int64) (*models.SyncOperation, error) {
	var resp RestoreResponse
	u := c.url(PathRestore + strconv.FormatInt(serverSeq, 10))
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &resp, false); err != nil {
		return nil, fmt.Errorf("restore %d: %w", serverSeq, err)
	}
	if resp.Op == nil {
		return nil, syncerr.New(syncerr.NotFound, "restore point %d has no operation", serverSeq)
	}
	return resp.Op, nil
}

// DeleteAllData purges every operation of the account.
func (c *HTTPClient) DeleteAllData(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodDelete, c.url(PathData), nil, nil, false); err != nil {
		return fmt.Errorf("delete remote data: %w", err)
	}
	return nil
}

// Status returns a summary of the account's log.
func (c *HTTPClient) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, c.url(PathStatus), nil, &resp, false); err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &resp, nil
}

func (c *HTTPClient) decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		errResp = ErrorResponse{Error: "unknown", Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	e := syncerr.FromStatus(resp.StatusCode, errResp.Error, errResp.Message)
	if e.Kind == syncerr.Auth {
		c.invalidateToken()
		if c.onAuthFailure != nil {
			c.onAuthFailure()
		}
	}
	return e
}

// bearer returns the cached token, loading it from the token source when
// the cache is empty.
func (c *HTTPClient) bearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" || c.tokenSource == nil {
		return c.token, nil
	}
	token, err := c.tokenSource()
	if err != nil {
		return "", syncerr.Wrap(syncerr.Auth, err, "load access token")
	}
	if token == "" {
		return "", syncerr.New(syncerr.Auth, "no access token configured")
	}
	c.token = token
	return token, nil
}

// invalidateToken drops a rejected token. A client without a token source
// keeps its fixed token.
func (c *HTTPClient) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenSource != nil {
		c.token = ""
	}
}
