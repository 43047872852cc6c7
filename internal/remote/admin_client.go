package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AdminClient talks to the /admin API of an opsync-server. Admin tokens are
// not bound to an account, so it shares only the transport with HTTPClient.
type AdminClient struct {
	http *HTTPClient
}

// NewAdminClient creates an admin API client.
func NewAdminClient(baseURL, token string, opts ...Option) *AdminClient {
	if strings.HasPrefix(baseURL, "http://") {
		slog.Warn("admin token sent over plain http", "url", baseURL)
	}
	return &AdminClient{http: NewHTTPClient(baseURL, token, opts...)}
}

// AdminTokenCreateRequest is the body of POST /admin/tokens.
type AdminTokenCreateRequest struct {
	Description string `json:"description"`
	Account     string `json:"account"`
	Permission  string `json:"permission"`
}

// AdminTokenCreateResponse carries the raw token. It is returned once; the
// server stores only its hash.
type AdminTokenCreateResponse struct {
	Token       string `json:"token"`
	ID          string `json:"id"`
	Description string `json:"description"`
	Account     string `json:"account"`
	Permission  string `json:"permission"`
}

// AdminTokenInfo describes an issued token.
type AdminTokenInfo struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Account     string    `json:"account"`
	Permission  string    `json:"permission"`
	CreatedAt   time.Time `json:"created_at"`
}

// AdminGCResponse reports what a garbage collection run removed.
type AdminGCResponse struct {
	Account    string `json:"account"`
	OpsDeleted int64  `json:"ops_deleted"`
	KeptFrom   int64  `json:"kept_from"`
}

func (c *AdminClient) call(ctx context.Context, what, method, path string, in, out any) error {
	if err := c.http.doJSON(ctx, method, c.http.url(path), in, out, false); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func accountPath(name string) string {
	return "/admin/accounts/" + url.PathEscape(name)
}

// CreateToken issues a token for account with the given permission.
func (c *AdminClient) CreateToken(ctx context.Context, desc, account, permission string) (*AdminTokenCreateResponse, error) {
	var resp AdminTokenCreateResponse
	in := &AdminTokenCreateRequest{Description: desc, Account: account, Permission: permission}
	if err := c.call(ctx, "create token", http.MethodPost, "/admin/tokens", in, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *AdminClient) ListTokens(ctx context.Context) ([]AdminTokenInfo, error) {
	var tokens []AdminTokenInfo
	if err := c.call(ctx, "list tokens", http.MethodGet, "/admin/tokens", nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (c *AdminClient) DeleteToken(ctx context.Context, id string) error {
	return c.call(ctx, "delete token", http.MethodDelete, "/admin/tokens/"+url.PathEscape(id), nil, nil)
}

// ListAccounts returns the accounts that have a log on the server.
func (c *AdminClient) ListAccounts(ctx context.Context) ([]string, error) {
	var resp struct {
		Accounts []string `json:"accounts"`
	}
	if err := c.call(ctx, "list accounts", http.MethodGet, "/admin/accounts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// DeleteAccount removes the account's whole operation log.
func (c *AdminClient) DeleteAccount(ctx context.Context, name string) error {
	return c.call(ctx, "delete account", http.MethodDelete, accountPath(name), nil, nil)
}

// RunGC drops operations that precede the account's retained snapshots.
func (c *AdminClient) RunGC(ctx context.Context, account string) (*AdminGCResponse, error) {
	var resp AdminGCResponse
	if err := c.call(ctx, "run gc", http.MethodPost, accountPath(account)+"/gc", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
