package filesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kilupskalvis/opsync/internal/syncerr"
)

// FSBackend keeps the sync file on a local or mounted filesystem. The
// revision is the SHA256 of the content.
type FSBackend struct {
	path string
	mu   sync.Mutex
}

// NewFSBackend returns a backend for the file at path. The parent directory
// is created if needed.
func NewFSBackend(path string) (*FSBackend, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sync file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("create sync file dir: %w", err)
	}
	return &FSBackend{path: abs}, nil
}

// Path returns the absolute path of the sync file.
func (b *FSBackend) Path() string { return b.path }

func (b *FSBackend) Location() string { return "file://" + b.path }

func (b *FSBackend) Read(_ context.Context) (Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read()
}

func (b *FSBackend) read() (Object, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return Object{}, nil
	}
	if err != nil {
		return Object{}, syncerr.Wrap(syncerr.Network, err, "read sync file")
	}
	return Object{Found: true, Data: data, Rev: revision(data)}, nil
}

func (b *FSBackend) Write(_ context.Context, data []byte, expectRev string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.read()
	if err != nil {
		return "", err
	}
	if current.Rev != expectRev {
		return "", ErrRevisionMismatch
	}

	dir := filepath.Dir(b.path)
	tmpFile, err := os.CreateTemp(dir, ".sync-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write sync file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename sync file: %w", err)
	}
	return revision(data), nil
}

func (b *FSBackend) Delete(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete sync file: %w", err)
	}
	return nil
}

func revision(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
