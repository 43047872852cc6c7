package server

import (
	"compress/gzip"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/remote"
	"github.com/kilupskalvis/opsync/internal/remote/opstore"
)

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody       int64 // bytes, after decompression
	MaxOpsPerUpload      int
	DefaultDownloadLimit int
	MaxDownloadLimit     int
	PiggybackLimit       int   // ops returned with an upload response
	MaxOpsPerAccount     int64 // 0 means unlimited
	GCKeepSnapshots      int
	RequestsPerMinute    int    // per-token rate limit
	AdminToken           string // for admin endpoints
	Webhooks             *WebhookNotifier
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:       64 * 1024 * 1024, // 64MB
		MaxOpsPerUpload:      500,
		DefaultDownloadLimit: 500,
		MaxDownloadLimit:     1000,
		PiggybackLimit:       500,
		GCKeepSnapshots:      2,
		RequestsPerMinute:    300,
	}
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(accounts AccountOpener, tokens TokenStore, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := newOpValidator()
	if err != nil {
		// The schema is a constant; failing to compile it is a programming error.
		panic(err)
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	auth := authMiddleware(tokens)

	// applyMiddleware reverses the list, so the first item runs outermost.
	// Execution order: auth -> rl -> handler
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, rl.middleware)
	}
	// Execution order: auth -> requireWrite -> rl -> gzip -> handler
	withAuthWrite := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, requireWrite, rl.middleware, gzipRequestMiddleware)
	}

	h := &handlers{accounts: accounts, cfg: cfg, validator: validator, logger: logger}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := tokens.ListTokens(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: token store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/tokens", makeAdminCreateTokenHandler(tokens, logger))
		adminMux.HandleFunc("DELETE /admin/tokens/{id}", makeAdminDeleteTokenHandler(tokens, logger))
		adminMux.HandleFunc("GET /admin/tokens", makeAdminListTokensHandler(tokens, logger))
		adminMux.HandleFunc("GET /admin/accounts", makeAdminListAccountsHandler(accounts, logger))
		adminMux.HandleFunc("DELETE /admin/accounts/{account}", makeAdminDeleteAccountHandler(accounts, logger))
		adminMux.HandleFunc("POST /admin/accounts/{account}/gc", makeAdminGCHandler(accounts, cfg, logger))
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Operation log
	mux.Handle("POST "+remote.PathOps, withAuthWrite(h.account(h.uploadOps)))
	mux.Handle("GET "+remote.PathOps, withAuth(h.account(h.downloadOps)))
	mux.Handle("POST "+remote.PathSnapshot, withAuthWrite(h.account(h.uploadSnapshot)))

	// Restore
	mux.Handle("GET "+remote.PathRestorePoints, withAuth(h.account(h.restorePoints)))
	mux.Handle("GET "+remote.PathRestore+"{seq}", withAuth(h.account(h.restore)))

	// Account
	mux.Handle("DELETE "+remote.PathData, withAuthWrite(h.account(h.deleteData)))
	mux.Handle("GET "+remote.PathStatus, withAuth(h.account(h.status)))

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type handlers struct {
	accounts  AccountOpener
	cfg       *ServerConfig
	validator *opValidator
	logger    *slog.Logger
}

type accountHandlerFunc func(w http.ResponseWriter, r *http.Request, account string, st opstore.OpStore)

// account resolves the token's account and calls fn with its op store.
func (h *handlers) account(fn accountHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := accountFrom(r.Context())
		st, err := h.accounts.Open(account)
		if err != nil {
			h.logger.Error("open account", "account", account, "error", err)
			writeError(w, http.StatusInternalServerError, remote.CodeInternal, "account store unavailable")
			return
		}
		fn(w, r, account, st)
	}
}

// decodeOp validates one raw operation and returns it, or a machine-readable
// code and reason for rejecting it.
func (h *handlers) decodeOp(raw json.RawMessage) (*models.Operation, error) {
	if err := h.validator.Validate(raw); err != nil {
		return nil, err
	}
	var op models.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("invalid operation: %w", err)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return &op, nil
}

// rawOpID extracts the op id from an operation that failed validation.
func rawOpID(raw json.RawMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.ID
}

// --- Operation Handlers ---

type uploadOpsBody struct {
	Ops                []json.RawMessage `json:"ops"`
	ClientID           string            `json:"client_id"`
	LastKnownServerSeq int64             `json:"last_known_server_seq"`
	IsCleanSlate       bool              `json:"is_clean_slate"`
}

func (h *handlers) uploadOps(w http.ResponseWriter, r *http.Request, account string, st opstore.OpStore) {
	var req uploadOpsBody
	if err := readJSON(r, h.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "client_id is required")
		return
	}
	if len(req.Ops) > h.cfg.MaxOpsPerUpload {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest,
			fmt.Sprintf("at most %d operations per upload", h.cfg.MaxOpsPerUpload))
		return
	}

	results := make([]remote.OpResult, len(req.Ops))
	var (
		valid []*models.Operation
		index []int
	)
	for i, raw := range req.Ops {
		op, err := h.decodeOp(raw)
		switch {
		case err != nil:
			results[i] = remote.OpResult{OpID: rawOpID(raw), ErrorCode: remote.CodeInvalidOperation, Error: err.Error()}
		case op.IsFullState():
			results[i] = remote.OpResult{OpID: op.ID, ErrorCode: remote.CodeFullStateOp,
				Error: fmt.Sprintf("%s operations must be uploaded as snapshots", op.OpType)}
		case op.ClientID != req.ClientID:
			results[i] = remote.OpResult{OpID: op.ID, ErrorCode: remote.CodeInvalidOperation,
				Error: fmt.Sprintf("operation client %s does not match uploader %s", op.ClientID, req.ClientID)}
		default:
			valid = append(valid, op)
			index = append(index, i)
		}
	}

	if req.IsCleanSlate {
		if err := st.Purge(r.Context()); err != nil {
			h.internalError(w, "purge for clean slate", err)
			return
		}
		h.logger.Info("account purged for clean slate", "account", account, "client_id", req.ClientID)
	}

	if !h.checkQuota(w, r, st, len(valid)) {
		return
	}

	res, err := st.UploadOps(r.Context(), req.ClientID, req.LastKnownServerSeq, valid, h.cfg.PiggybackLimit)
	if err != nil {
		h.internalError(w, "upload ops", err)
		return
	}

	stored := 0
	for j, sr := range res.Results {
		results[index[j]] = remote.OpResult{OpID: sr.OpID, Accepted: true, ServerSeq: sr.ServerSeq}
		if !sr.Duplicate {
			stored++
		}
	}

	if stored > 0 {
		h.cfg.Webhooks.NotifyOpsUploaded(account, req.ClientID, stored, res.LatestSeq)
	}

	writeJSONCompressed(w, r, http.StatusOK, &remote.UploadOpsResponse{
		Results:          results,
		LatestSeq:        res.LatestSeq,
		NewOps:           res.Piggyback,
		HasMorePiggyback: res.HasMorePiggyback,
		GapDetected:      res.GapDetected,
	})
}

func (h *handlers) downloadOps(w http.ResponseWriter, r *http.Request, _ string, st opstore.OpStore) {
	q := r.URL.Query()

	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	limit := h.cfg.DefaultDownloadLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, h.cfg.MaxDownloadLimit)
	}

	page, err := st.OpsSince(r.Context(), since, q.Get("exclude_client"), limit)
	if err != nil {
		h.internalError(w, "download ops", err)
		return
	}

	ops := page.Ops
	if ops == nil {
		ops = []*models.SyncOperation{}
	}
	writeJSONCompressed(w, r, http.StatusOK, &remote.DownloadOpsResponse{
		Ops:                 ops,
		HasMore:             page.HasMore,
		LatestSeq:           page.LatestSeq,
		GapDetected:         page.GapDetected,
		SnapshotVectorClock: page.SnapshotVectorClock,
		ServerTime:          time.Now().UnixMilli(),
	})
}

type uploadSnapshotBody struct {
	Op           json.RawMessage `json:"op"`
	IsCleanSlate bool            `json:"is_clean_slate"`
}

func (h *handlers) uploadSnapshot(w http.ResponseWriter, r *http.Request, account string, st opstore.OpStore) {
	var req uploadSnapshotBody
	if err := readJSON(r, h.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
		return
	}
	if len(req.Op) == 0 {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "op is required")
		return
	}

	op, err := h.decodeOp(req.Op)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, remote.CodeInvalidOperation, err.Error())
		return
	}
	if !op.IsFullState() {
		writeError(w, http.StatusUnprocessableEntity, remote.CodeInvalidOperation,
			fmt.Sprintf("%s is not a full-state operation", op.OpType))
		return
	}

	if !req.IsCleanSlate && !h.checkQuota(w, r, st, 1) {
		return
	}

	seq, err := st.InsertSnapshot(r.Context(), op, req.IsCleanSlate)
	if errors.Is(err, opstore.ErrSnapshotExists) {
		writeError(w, http.StatusConflict, remote.CodeSyncImportExists,
			"another client already uploaded the initial state")
		return
	}
	if err != nil {
		h.internalError(w, "upload snapshot", err)
		return
	}

	h.logger.Info("snapshot stored",
		"account", account,
		"op_id", op.ID,
		"op_type", string(op.OpType),
		"server_seq", seq,
		"clean_slate", req.IsCleanSlate,
	)
	h.cfg.Webhooks.NotifyOpsUploaded(account, op.ClientID, 1, seq)

	writeJSON(w, http.StatusOK, &remote.UploadSnapshotResponse{Accepted: true, ServerSeq: seq})
}

// checkQuota writes a quota error and returns false when adding n ops would
// exceed the per-account limit.
func (h *handlers) checkQuota(w http.ResponseWriter, r *http.Request, st opstore.OpStore, n int) bool {
	if h.cfg.MaxOpsPerAccount <= 0 || n == 0 {
		return true
	}
	stats, err := st.Stats(r.Context())
	if err != nil {
		h.internalError(w, "read stats", err)
		return false
	}
	if stats.OpCount+int64(n) > h.cfg.MaxOpsPerAccount {
		writeError(w, http.StatusRequestEntityTooLarge, remote.CodeQuotaExceeded,
			fmt.Sprintf("account holds %d of %d operations", stats.OpCount, h.cfg.MaxOpsPerAccount))
		return false
	}
	return true
}

// --- Restore Handlers ---

func (h *handlers) restorePoints(w http.ResponseWriter, r *http.Request, _ string, st opstore.OpStore) {
	points, err := st.RestorePoints(r.Context(), 50)
	if err != nil {
		h.internalError(w, "list restore points", err)
		return
	}
	if points == nil {
		points = []*models.RestorePoint{}
	}
	writeJSON(w, http.StatusOK, &remote.RestorePointsResponse{Points: points})
}

func (h *handlers) restore(w http.ResponseWriter, r *http.Request, _ string, st opstore.OpStore) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil || seq <= 0 {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "invalid server sequence")
		return
	}

	op, err := st.OpAt(r.Context(), seq)
	if errors.Is(err, opstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, remote.CodeNotFound, fmt.Sprintf("no operation at %d", seq))
		return
	}
	if err != nil {
		h.internalError(w, "restore", err)
		return
	}
	if !op.IsFullState() {
		writeError(w, http.StatusNotFound, remote.CodeNotFound, fmt.Sprintf("operation at %d is not a restore point", seq))
		return
	}

	writeJSONCompressed(w, r, http.StatusOK, &remote.RestoreResponse{Op: op})
}

// --- Account Handlers ---

func (h *handlers) deleteData(w http.ResponseWriter, r *http.Request, account string, st opstore.OpStore) {
	if err := st.Purge(r.Context()); err != nil {
		h.internalError(w, "delete data", err)
		return
	}
	h.logger.Info("account data deleted", "account", account)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request, _ string, st opstore.OpStore) {
	stats, err := st.Stats(r.Context())
	if err != nil {
		h.internalError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, &remote.StatusResponse{
		LatestSeq:         stats.LatestSeq,
		OpCount:           stats.OpCount,
		LatestSnapshotSeq: stats.LatestSnapshotSeq,
		ServerTime:        time.Now().UnixMilli(),
	})
}

func (h *handlers) internalError(w http.ResponseWriter, what string, err error) {
	h.logger.Error(what, "error", err)
	writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Admin Auth ---

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, remote.CodeUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeJSONCompressed gzips the response when the client accepts it.
func writeJSONCompressed(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		writeJSON(w, status, v)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	gz := gzip.NewWriter(w)
	// Headers already sent, so an encode error can only truncate the body.
	_ = json.NewEncoder(gz).Encode(v)
	gz.Close()
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &remote.ErrorResponse{Error: code, Message: message})
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// --- Admin Token Handlers ---

func makeAdminCreateTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Description string `json:"description"`
			Account     string `json:"account"`
			Permission  string `json:"permission"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "invalid JSON")
			return
		}
		if err := validAccountName(req.Account); err != nil {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
			return
		}
		if req.Permission == "" {
			req.Permission = "rw"
		}
		if req.Permission != "ro" && req.Permission != "rw" {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "permission must be 'ro' or 'rw'")
			return
		}

		rawToken, info, err := tokens.CreateToken(req.Description, req.Account, req.Permission)
		if err != nil {
			logger.Error("create token", "error", err)
			writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, &remote.AdminTokenCreateResponse{
			Token:       rawToken,
			ID:          info.ID,
			Description: info.Desc,
			Account:     info.Account,
			Permission:  info.Permission,
		})
	}
}

func makeAdminListTokensHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := tokens.ListTokens()
		if err != nil {
			logger.Error("list tokens", "error", err)
			writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
			return
		}

		// Return metadata only, never hashes
		entries := make([]remote.AdminTokenInfo, len(list))
		for i, t := range list {
			entries[i] = remote.AdminTokenInfo{
				ID:          t.ID,
				Description: t.Desc,
				Account:     t.Account,
				Permission:  t.Permission,
				CreatedAt:   t.CreatedAt,
			}
		}

		writeJSON(w, http.StatusOK, entries)
	}
}

func makeAdminDeleteTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "token ID required")
			return
		}

		if err := tokens.DeleteToken(id); err != nil {
			logger.Error("delete token", "error", err, "token_id", id)
			writeError(w, http.StatusNotFound, remote.CodeNotFound, err.Error())
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// --- Admin Account Handlers ---

func makeAdminListAccountsHandler(accounts AccountOpener, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := accounts.List()
		if err != nil {
			logger.Error("list accounts", "error", err)
			writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
			return
		}
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"accounts": names})
	}
}

func makeAdminDeleteAccountHandler(accounts AccountOpener, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("account")
		if err := accounts.Delete(name); err != nil {
			logger.Warn("delete account", "account", name, "error", err)
			writeError(w, http.StatusNotFound, remote.CodeNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// makeAdminGCHandler creates a handler that prunes an account's superseded operations.
func makeAdminGCHandler(accounts AccountOpener, cfg *ServerConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("account")
		if err := validAccountName(name); err != nil {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, err.Error())
			return
		}

		names, err := accounts.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
			return
		}
		if !slices.Contains(names, name) {
			writeError(w, http.StatusNotFound, remote.CodeNotFound, fmt.Sprintf("account '%s' not found", name))
			return
		}

		st, err := accounts.Open(name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
			return
		}

		result, err := GarbageCollect(r.Context(), st, cfg.GCKeepSnapshots, logger.With("account", name))
		if err != nil {
			writeError(w, http.StatusInternalServerError, remote.CodeInternal, err.Error())
			return
		}
		result.Account = name

		writeJSON(w, http.StatusOK, result)
	}
}
