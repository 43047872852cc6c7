package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/remote"
	"github.com/kilupskalvis/opsync/internal/syncerr"
	"github.com/kilupskalvis/opsync/internal/vclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTokenStore implements TokenStore for tests.
type testTokenStore struct {
	tokens map[string]*TokenInfo
}

func (t *testTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	return t.tokens[hash], nil
}

func (t *testTokenStore) ListTokens() ([]*TokenInfo, error) {
	tokens := make([]*TokenInfo, 0, len(t.tokens))
	for _, tok := range t.tokens {
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func (t *testTokenStore) DeleteToken(id string) error {
	for hash, tok := range t.tokens {
		if tok.ID == id {
			delete(t.tokens, hash)
			return nil
		}
	}
	return fmt.Errorf("token '%s' not found", id)
}

func (t *testTokenStore) CreateToken(desc, account, permission string) (string, *TokenInfo, error) {
	rawToken := "test-created-token"
	tokenHash := HashToken(rawToken)
	info := &TokenInfo{
		ID:         "tok-new",
		TokenHash:  tokenHash,
		Desc:       desc,
		Account:    account,
		Permission: permission,
		CreatedAt:  time.Now(),
	}
	t.tokens[tokenHash] = info
	return rawToken, info, nil
}

const (
	rwToken    = "test-token-rw"
	roToken    = "test-token-ro"
	adminToken = "admin-test-token-123"
)

type testEnv struct {
	ts       *httptest.Server
	accounts *DiskAccounts
	tokens   *testTokenStore
	cfg      *ServerConfig
}

func newTestServer(t *testing.T, mutate ...func(*ServerConfig)) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	accounts, err := NewDiskAccounts(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(accounts.CloseAll)

	tokens := &testTokenStore{tokens: map[string]*TokenInfo{
		HashToken(rwToken): {ID: "tok-rw", TokenHash: HashToken(rwToken), Account: "acct", Permission: "rw"},
		HashToken(roToken): {ID: "tok-ro", TokenHash: HashToken(roToken), Account: "acct", Permission: "ro"},
	}}

	cfg := DefaultServerConfig()
	cfg.AdminToken = adminToken
	for _, m := range mutate {
		m(cfg)
	}

	h, cleanup := Handler(accounts, tokens, cfg, logger)
	t.Cleanup(cleanup)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, accounts: accounts, tokens: tokens, cfg: cfg}
}

func (e *testEnv) client(token string) *remote.HTTPClient {
	return remote.NewHTTPClient(e.ts.URL, token)
}

func authReq(method, url, token string, body io.Reader) *http.Request {
	req, _ := http.NewRequest(method, url, body)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func newOp(id, client string, counter int64) *models.Operation {
	return &models.Operation{
		ID:            id,
		ClientID:      client,
		ActionType:    "[Task] Update",
		OpType:        models.OpUpdate,
		EntityType:    "task",
		EntityID:      "t1",
		Payload:       json.RawMessage(`{"done":true}`),
		VectorClock:   vclock.VectorClock{client: counter},
		Timestamp:     1700000000000 + counter,
		SchemaVersion: 1,
	}
}

func newSnapshot(id, client string, vc vclock.VectorClock) *models.Operation {
	return &models.Operation{
		ID:            id,
		ClientID:      client,
		ActionType:    models.ActionSyncImport,
		OpType:        models.OpSyncImport,
		EntityType:    models.EntityAll,
		Payload:       json.RawMessage(`{"entities":{"task":{}}}`),
		VectorClock:   vc,
		Timestamp:     1700000000000,
		SchemaVersion: 1,
	}
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyz(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.Get(env.ts.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_MissingToken(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.Get(env.ts.URL + remote.PathStatus)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_InvalidToken(t *testing.T) {
	env := newTestServer(t)

	_, err := env.client("wrong").Status(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.Auth))
}

func TestUploadAndDownloadOps(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t)
	c := env.client(rwToken)

	resp, err := c.UploadOps(ctx, &remote.UploadOpsRequest{
		ClientID: "a",
		Ops:      []*models.Operation{newOp("op-1", "a", 1), newOp("op-2", "a", 2)},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Accepted)
	assert.Equal(t, int64(1), resp.Results[0].ServerSeq)
	assert.Equal(t, int64(2), resp.LatestSeq)

	page, err := c.DownloadOps(ctx, 0, "b", 10)
	require.NoError(t, err)
	require.Len(t, page.Ops, 2)
	assert.Equal(t, "op-1", page.Ops[0].ID)
	assert.Equal(t, json.RawMessage(`{"done":true}`), page.Ops[0].Payload)
	assert.Equal(t, int64(2), page.LatestSeq)
	assert.False(t, page.HasMore)
	assert.NotZero(t, page.ServerTime)

	page, err = c.DownloadOps(ctx, 0, "a", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Ops)
}

func TestUploadOps_Piggyback(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t)
	c := env.client(rwToken)

	_, err := c.UploadOps(ctx, &remote.UploadOpsRequest{ClientID: "b", Ops: []*models.Operation{newOp("b-1", "b", 1)}})
	require.NoError(t, err)

	resp, err := c.UploadOps(ctx, &remote.UploadOpsRequest{
		ClientID:           "a",
		LastKnownServerSeq: 0,
		Ops:                []*models.Operation{newOp("a-1", "a", 1)},
	})
	require.NoError(t, err)
	require.Len(t, resp.NewOps, 1)
	assert.Equal(t, "b-1", resp.NewOps[0].ID)
	assert.Equal(t, int64(1), resp.NewOps[0].ServerSeq)
	assert.Equal(t, int64(2), resp.LatestSeq)
}

func TestUploadOps_RejectsInvalidAndFullState(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t)
	c := env.client(rwToken)

	bad := newOp("bad", "a", 2)
	bad.EntityType = ""
	foreign := newOp("foreign", "z", 1)

	resp, err := c.UploadOps(ctx, &remote.UploadOpsRequest{
		ClientID: "a",
		Ops: []*models.Operation{
			newOp("good", "a", 1),
			bad,
			newSnapshot("snap", "a", vclock.VectorClock{"a": 3}),
			foreign,
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)

	assert.True(t, resp.Results[0].Accepted)
	assert.False(t, resp.Results[1].Accepted)
	assert.Equal(t, "bad", resp.Results[1].OpID)
	assert.Equal(t, remote.CodeInvalidOperation, resp.Results[1].ErrorCode)
	assert.False(t, resp.Results[2].Accepted)
	assert.Equal(t, remote.CodeFullStateOp, resp.Results[2].ErrorCode)
	assert.False(t, resp.Results[3].Accepted)
	assert.Equal(t, remote.CodeInvalidOperation, resp.Results[3].ErrorCode)
	assert.Equal(t, int64(1), resp.LatestSeq)
}

func TestUploadOps_DuplicateIsAccepted(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t)
	c := env.client(rwToken)

	req := &remote.UploadOpsRequest{ClientID: "a", Ops: []*models.Operation{newOp("op-1", "a", 1)}}
	_, err := c.UploadOps(ctx, req)
	require.NoError(t, err)

	resp, err := c.UploadOps(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Results[0].Accepted)
	assert.Equal(t, int64(1), resp.Results[0].ServerSeq)
}

func TestUploadOps_ReadOnlyToken(t *testing.T) {
	env := newTestServer(t)

	_, err := env.client(roToken).UploadOps(context.Background(), &remote.UploadOpsRequest{
		ClientID: "a", Ops: []*models.Operation{newOp("op-1", "a", 1)},
	})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.Auth))
	assert.Equal(t, remote.CodeForbidden, syncerr.CodeOf(err))
}

func TestUploadOps_QuotaExceeded(t *testing.T) {
	env := newTestServer(t, func(cfg *ServerConfig) { cfg.MaxOpsPerAccount = 1 })
	c := env.client(rwToken)

	_, err := c.UploadOps(context.Background(), &remote.UploadOpsRequest{
		ClientID: "a", Ops: []*models.Operation{newOp("op-1", "a", 1), newOp("op-2", "a", 2)},
	})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.QuotaExceeded))
}

func TestUploadOps_CleanSlatePurges(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t)
	c := env.client(rwToken)

	_, err := c.UploadOps(ctx, &remote.UploadOpsRequest{ClientID: "old", Ops: []*models.Operation{newOp("old-1", "old", 1)}})
	require.NoError(t, err)

	resp, err := c.UploadOps(ctx, &remote.UploadOpsRequest{
		ClientID: "new", IsCleanSlate: true, Ops: []*models.Operation{newOp("new-1", "new", 1)},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.NewOps)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.OpCount)
	assert.Equal(t, int64(2), status.LatestSeq)
}

func TestDownloadOps_GapAfterReset(t *testing.T) {
	env := newTestServer(t)

	page, err := env.client(rwToken).DownloadOps(context.Background(), 25, "a", 0)
	require.NoError(t, err)
	assert.True(t, page.GapDetected)
	assert.Equal(t, int64(0), page.LatestSeq)
}

func TestDownloadOps_BadQuery(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.DefaultClient.Do(authReq(http.MethodGet, env.ts.URL+remote.PathOps+"?since=abc", rwToken, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadSnapshot_Race(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t)
	c := env.client(rwToken)

	resp, err := c.UploadSnapshot(ctx, &remote.UploadSnapshotRequest{Op: newSnapshot("first", "a", vclock.VectorClock{"a": 1})})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, int64(1), resp.ServerSeq)

	_, err = c.UploadSnapshot(ctx, &remote.UploadSnapshotRequest{Op: newSnapshot("second", "b", vclock.VectorClock{"b": 1})})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.Conflict))
	assert.Equal(t, remote.CodeSyncImportExists, syncerr.CodeOf(err))

	resp, err = c.UploadSnapshot(ctx, &remote.UploadSnapshotRequest{
		Op: newSnapshot("second", "b", vclock.VectorClock{"b": 1}), IsCleanSlate: true,
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, int64(2), resp.ServerSeq)
}

func TestUploadSnapshot_RejectsRegularOp(t *testing.T) {
	env := newTestServer(t)

	_, err := env.client(rwToken).UploadSnapshot(context.Background(), &remote.UploadSnapshotRequest{Op: newOp("op-1", "a", 1)})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.Validation))
	assert.Equal(t, remote.CodeInvalidOperation, syncerr.CodeOf(err))
}

func TestRestorePointsAndRestore(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t)
	c := env.client(rwToken)

	_, err := c.UploadSnapshot(ctx, &remote.UploadSnapshotRequest{Op: newSnapshot("snap", "a", vclock.VectorClock{"a": 1})})
	require.NoError(t, err)
	_, err = c.UploadOps(ctx, &remote.UploadOpsRequest{ClientID: "a", LastKnownServerSeq: 1, Ops: []*models.Operation{newOp("op-2", "a", 2)}})
	require.NoError(t, err)

	points, err := c.RestorePoints(ctx)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "snap", points[0].OpID)
	assert.Equal(t, models.ActionSyncImport, points[0].ActionType)

	op, err := c.Restore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "snap", op.ID)
	assert.JSONEq(t, `{"entities":{"task":{}}}`, string(op.Payload))

	_, err = c.Restore(ctx, 2)
	assert.True(t, syncerr.Is(err, syncerr.NotFound))

	_, err = c.Restore(ctx, 99)
	assert.True(t, syncerr.Is(err, syncerr.NotFound))
}

func TestDeleteAllData(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t)
	c := env.client(rwToken)

	_, err := c.UploadOps(ctx, &remote.UploadOpsRequest{ClientID: "a", Ops: []*models.Operation{newOp("op-1", "a", 1)}})
	require.NoError(t, err)
	require.NoError(t, c.DeleteAllData(ctx))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.OpCount)
}

func TestRateLimit(t *testing.T) {
	env := newTestServer(t, func(cfg *ServerConfig) { cfg.RequestsPerMinute = 2 })
	c := env.client(rwToken)
	ctx := context.Background()

	_, err := c.Status(ctx)
	require.NoError(t, err)
	_, err = c.Status(ctx)
	require.NoError(t, err)

	_, err = c.Status(ctx)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.RateLimited))
}

func adminReq(method, url string, body io.Reader) *http.Request {
	return authReq(method, url, adminToken, body)
}

func TestAdmin_AuthRequired(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.DefaultClient.Do(authReq(http.MethodGet, env.ts.URL+"/admin/tokens", rwToken, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_CreateTokenAndUseIt(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t)
	admin := remote.NewAdminClient(env.ts.URL, adminToken)

	created, err := admin.CreateToken(ctx, "laptop", "team", "rw")
	require.NoError(t, err)
	assert.Equal(t, "team", created.Account)
	assert.NotEmpty(t, created.Token)

	_, err = env.client(created.Token).UploadOps(ctx, &remote.UploadOpsRequest{
		ClientID: "a", Ops: []*models.Operation{newOp("op-1", "a", 1)},
	})
	require.NoError(t, err)

	accounts, err := admin.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"team"}, accounts)

	tokens, err := admin.ListTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, tokens, 3)
}

func TestAdmin_CreateTokenInvalidAccount(t *testing.T) {
	env := newTestServer(t)

	body := bytes.NewBufferString(`{"description":"x","account":"../etc","permission":"rw"}`)
	resp, err := http.DefaultClient.Do(adminReq(http.MethodPost, env.ts.URL+"/admin/tokens", body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_DeleteAccountAndGC(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t)
	admin := remote.NewAdminClient(env.ts.URL, adminToken)
	c := env.client(rwToken)

	_, err := c.UploadOps(ctx, &remote.UploadOpsRequest{ClientID: "a", Ops: []*models.Operation{newOp("op-1", "a", 1)}})
	require.NoError(t, err)
	_, err = c.UploadSnapshot(ctx, &remote.UploadSnapshotRequest{Op: newSnapshot("snap", "a", vclock.VectorClock{"a": 2})})
	require.NoError(t, err)

	gc, err := admin.RunGC(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "acct", gc.Account)
	assert.Equal(t, int64(0), gc.OpsDeleted, "default keeps two snapshots")

	_, err = admin.RunGC(ctx, "missing")
	assert.True(t, syncerr.Is(err, syncerr.NotFound))

	require.NoError(t, admin.DeleteAccount(ctx, "acct"))
	accounts, err := admin.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	err = admin.DeleteAccount(ctx, "acct")
	assert.True(t, syncerr.Is(err, syncerr.NotFound))
}
