package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kilupskalvis/opsync/internal/remote/opstore"
)

// AccountOpener returns the operation store of an account. Each account has
// its own log and its own sequence numbers.
type AccountOpener interface {
	Open(account string) (opstore.OpStore, error)
	List() ([]string, error)
	Delete(account string) error
}

// DiskAccounts keeps one SQLite op store per account under a directory.
// Stores are opened lazily and cached until CloseAll.
type DiskAccounts struct {
	dir    string
	mu     sync.RWMutex
	stores map[string]opstore.OpStore
	logger *slog.Logger
}

// NewDiskAccounts creates the accounts directory if needed.
func NewDiskAccounts(dir string, logger *slog.Logger) (*DiskAccounts, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create accounts directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskAccounts{dir: dir, stores: make(map[string]opstore.OpStore), logger: logger}, nil
}

// validAccountName rejects names that could escape the accounts directory.
func validAccountName(name string) error {
	if strings.ContainsAny(name, "/\\") || name == ".." || name == "." || name == "" {
		return fmt.Errorf("invalid account name: %q", name)
	}
	return nil
}

// Open returns the store for account, creating it on first use.
func (d *DiskAccounts) Open(account string) (opstore.OpStore, error) {
	d.mu.RLock()
	st, ok := d.stores[account]
	d.mu.RUnlock()
	if ok {
		return st, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after write lock
	if st, ok := d.stores[account]; ok {
		return st, nil
	}

	if err := validAccountName(account); err != nil {
		return nil, err
	}

	st, err := opstore.NewSQLiteStore(filepath.Join(d.dir, account, "ops.db"))
	if err != nil {
		return nil, fmt.Errorf("open op store for %s: %w", account, err)
	}

	d.stores[account] = st
	d.logger.Info("opened account", "account", account)
	return st, nil
}

// List returns every account that has a store on disk.
func (d *DiskAccounts) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read accounts directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete closes and removes an account's store.
func (d *DiskAccounts) Delete(account string) error {
	if err := validAccountName(account); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	path := filepath.Join(d.dir, account)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("account '%s' not found", account)
	}

	if st, ok := d.stores[account]; ok {
		if err := st.Close(); err != nil {
			d.logger.Warn("close op store", "account", account, "error", err)
		}
		delete(d.stores, account)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove account %s: %w", account, err)
	}
	d.logger.Info("deleted account", "account", account)
	return nil
}

// CloseAll closes every open store.
func (d *DiskAccounts) CloseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, st := range d.stores {
		if err := st.Close(); err != nil {
			d.logger.Error("close op store", "account", name, "error", err)
		}
	}
	d.stores = make(map[string]opstore.OpStore)
}
