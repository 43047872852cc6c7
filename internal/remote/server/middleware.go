// Package server implements the opsync-server HTTP handlers and middleware.
package server

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/opsync/internal/remote"
	"golang.org/x/time/rate"
)

// TokenInfo holds the metadata for an authenticated token. Every token is
// bound to exactly one account.
type TokenInfo struct {
	ID         string    `json:"id"`
	TokenHash  string    `json:"token_hash"`
	Desc       string    `json:"description"`
	Account    string    `json:"account"`
	Permission string    `json:"permission"` // "ro" or "rw"
	CreatedAt  time.Time `json:"created_at"`
}

// TokenStore is the interface for managing authentication tokens.
type TokenStore interface {
	GetByHash(hash string) (*TokenInfo, error)
	ListTokens() ([]*TokenInfo, error)
	DeleteToken(id string) error
	CreateToken(desc, account, permission string) (rawToken string, info *TokenInfo, err error)
}

// requestInfo is filled in as a request passes through the middleware
// chain. The outer logging middleware reads what inner layers recorded.
type requestInfo struct {
	id         string
	tokenID    string
	account    string
	permission string
}

type requestInfoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	if ri, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return ri
	}
	return &requestInfo{}
}

// accountFrom returns the account bound to the request's token.
func accountFrom(ctx context.Context) string {
	return infoFrom(ctx).account
}

// requestIDMiddleware attaches a requestInfo to the context. A client
// supplied X-Request-ID is kept so both sides log the same id.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		ri := &requestInfo{id: id}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, ri)))
	})
}

// loggingMiddleware logs one line per request. Successful reads are logged
// at debug level since clients poll them.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case r.Method == http.MethodGet && rw.statusCode < 400:
				level = slog.LevelDebug
			}
			ri := infoFrom(r.Context())
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"bytes", rw.written,
				"latency_ms", time.Since(start).Milliseconds(),
				"account", ri.account,
				"request_id", ri.id,
			)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500 response.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				logger.Error("panic recovered", "error", rec, "request_id", infoFrom(r.Context()).id)
				if rw.statusCode == 0 {
					writeError(rw, http.StatusInternalServerError, remote.CodeInternal, "internal server error")
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// authMiddleware resolves the bearer token and records its account and
// permission on the request.
func authMiddleware(tokens TokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, remote.CodeUnauthorized, "missing or invalid Authorization header")
				return
			}
			info, err := tokens.GetByHash(HashToken(raw))
			if err != nil || info == nil {
				writeError(w, http.StatusUnauthorized, remote.CodeUnauthorized, "invalid token")
				return
			}
			if info.Account == "" {
				writeError(w, http.StatusForbidden, remote.CodeForbidden, "token is not bound to an account")
				return
			}

			ri := infoFrom(r.Context())
			ri.tokenID, ri.account, ri.permission = info.ID, info.Account, info.Permission
			ctx := context.WithValue(r.Context(), requestInfoKey{}, ri)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireWrite rejects read-only tokens.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if infoFrom(r.Context()).permission != "rw" {
			writeError(w, http.StatusForbidden, remote.CodeForbidden, "read-only token cannot upload or delete")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// gzipRequestMiddleware transparently decompresses gzip request bodies.
func gzipRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			next.ServeHTTP(w, r)
			return
		}
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "invalid gzip body")
			return
		}
		defer gz.Close()
		r.Body = struct {
			io.Reader
			io.Closer
		}{gz, r.Body}
		r.Header.Del("Content-Encoding")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter keeps a token bucket per access token, or per client address
// when no token is known. Idle buckets are swept every few minutes.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	done    chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTimeout   = 10 * time.Minute
)

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(requestsPerMinute) / 60),
		burst:   requestsPerMinute,
		done:    make(chan struct{}),
	}
	if requestsPerMinute > 0 {
		go rl.sweep()
	}
	return rl
}

func (rl *rateLimiter) sweep() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.mu.Lock()
			for k, b := range rl.buckets {
				if now.Sub(b.lastSeen) > limiterIdleTimeout {
					delete(rl.buckets, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	close(rl.done)
}

func (rl *rateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// admit reports whether the request may proceed and, if not, how long the
// caller should wait.
func (rl *rateLimiter) admit(key string) (bool, time.Duration) {
	res := rl.limiterFor(key).Reserve()
	if !res.OK() {
		return false, time.Minute
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := infoFrom(r.Context()).tokenID
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = "addr:" + host
		}

		if ok, wait := rl.admit(key); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, remote.CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter records the status code and body size of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(p)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HashToken returns the SHA256 hex digest of a raw token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
