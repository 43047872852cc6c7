package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// FileTokenStore is a JSON-file-backed TokenStore. Tokens are stored as
// hashes; the raw token is only returned on creation.
type FileTokenStore struct {
	path   string
	mu     sync.RWMutex
	tokens map[string]*TokenInfo // keyed by token hash
	logger *slog.Logger
	now    func() time.Time
}

// NewFileTokenStore returns a store persisted at path. Call Load to read
// existing tokens.
func NewFileTokenStore(path string, logger *slog.Logger) *FileTokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTokenStore{
		path:   path,
		tokens: make(map[string]*TokenInfo),
		logger: logger,
		now:    time.Now,
	}
}

// Load reads the token file. A missing file is an empty store.
func (s *FileTokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var tokens []*TokenInfo
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("parse token store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]*TokenInfo, len(tokens))
	for _, t := range tokens {
		s.tokens[t.TokenHash] = t
	}
	s.logger.Info("loaded tokens", "count", len(tokens))
	return nil
}

// GetByHash returns the token with the given SHA256 hash, or nil.
func (s *FileTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[hash], nil
}

// sorted returns the tokens oldest first.
func (s *FileTokenStore) sorted() []*TokenInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]*TokenInfo, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if !tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
		}
		return tokens[i].ID < tokens[j].ID
	})
	return tokens
}

func (s *FileTokenStore) save() error {
	data, err := json.MarshalIndent(s.sorted(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// CreateToken generates a bearer token bound to account.
func (s *FileTokenStore) CreateToken(desc, account, permission string) (string, *TokenInfo, error) {
	if err := validAccountName(account); err != nil {
		return "", nil, err
	}
	if permission != "ro" && permission != "rw" {
		return "", nil, fmt.Errorf("invalid permission %q", permission)
	}
	raw := "ops_" + randomHex()
	hash := HashToken(raw)
	info := &TokenInfo{
		ID:         randomHex(),
		TokenHash:  hash,
		Desc:       desc,
		Account:    account,
		Permission: permission,
		CreatedAt:  s.now().UTC(),
	}

	s.mu.Lock()
	s.tokens[hash] = info
	s.mu.Unlock()

	if err := s.save(); err != nil {
		s.mu.Lock()
		delete(s.tokens, hash)
		s.mu.Unlock()
		return "", nil, fmt.Errorf("persist token: %w", err)
	}
	return raw, info, nil
}

// ListTokens returns token metadata, oldest first. Raw values are never
// returned.
func (s *FileTokenStore) ListTokens() ([]*TokenInfo, error) {
	return s.sorted(), nil
}

// DeleteToken removes the token with the given id.
func (s *FileTokenStore) DeleteToken(id string) error {
	s.mu.Lock()
	var hash string
	var found *TokenInfo
	for h, t := range s.tokens {
		if t.ID == id {
			hash, found = h, t
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		return fmt.Errorf("token '%s' not found", id)
	}
	delete(s.tokens, hash)
	s.mu.Unlock()

	if err := s.save(); err != nil {
		s.mu.Lock()
		s.tokens[hash] = found
		s.mu.Unlock()
		return err
	}
	return nil
}

// randomHex returns 16 random bytes hex encoded.
func randomHex() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
