package filesync

import (
	"context"
	"errors"
)

// ErrRevisionMismatch is returned by Backend.Write when the stored file no
// longer has the expected revision.
var ErrRevisionMismatch = errors.New("sync file was modified concurrently")

// Object is the result of reading the sync file.
type Object struct {
	Found bool
	Data  []byte
	// Rev is the backend's revision token for Data.
	Rev string
}

// Backend stores the single shared sync file.
type Backend interface {
	Read(ctx context.Context) (Object, error)
	// Write replaces the file if its revision still equals expectRev. An
	// empty expectRev means the file must not exist yet. It returns the new
	// revision.
	Write(ctx context.Context, data []byte, expectRev string) (string, error)
	Delete(ctx context.Context) error
	// Location identifies the file for sequence tracking.
	Location() string
}
