// Package syncerr classifies sync failures into a small set of kinds so
// callers can decide between retrying, re-authenticating and giving up
// without inspecting error messages.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the category of a sync failure.
type Kind int

const (
	Unknown Kind = iota
	Network
	Auth
	NotFound
	RateLimited
	Server
	Validation
	Conflict
	QuotaExceeded
	MissingKey
	Corruption
)

var kindNames = map[Kind]string{
	Unknown:       "unknown",
	Network:       "network",
	Auth:          "auth",
	NotFound:      "not_found",
	RateLimited:   "rate_limited",
	Server:        "server",
	Validation:    "validation",
	Conflict:      "conflict",
	QuotaExceeded: "quota_exceeded",
	MissingKey:    "missing_key",
	Corruption:    "corruption",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified sync failure.
type Error struct {
	Kind    Kind
	Status  int    // HTTP status, zero when not from an HTTP response
	Code    string // machine-readable code reported by the remote
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg + ": " + err.Error(), Err: err}
}

// FromStatus classifies an HTTP error response.
func FromStatus(status int, code, message string) *Error {
	kind := Unknown
	switch {
	case code == "quota_exceeded":
		kind = QuotaExceeded
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = Auth
	case status == http.StatusNotFound:
		kind = NotFound
	case status == http.StatusRequestEntityTooLarge || status == http.StatusInsufficientStorage:
		kind = QuotaExceeded
	case status == http.StatusConflict:
		kind = Conflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = Validation
	case status == http.StatusTooManyRequests:
		kind = RateLimited
	case status >= 500:
		kind = Server
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Kind: kind, Status: status, Code: code, Message: message}
}

// KindOf returns the kind of err. Unclassified network failures are
// reported as Network.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Network
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the remote error code carried by err, if any.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRetryable reports whether retrying the same request may succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case Network, RateLimited, Server:
		return true
	}
	return false
}
