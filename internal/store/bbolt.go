// Package store provides bbolt-based persistence for the local operation log.
// It keeps the append-only log, the compacted state cache, the vector clock,
// provider credentials and sync bookkeeping in a single embedded database file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/opsync/internal/vclock"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketOps         = []byte("ops")
	bucketOpIndex     = []byte("op_index") // op id -> seq key
	bucketAppliedOps  = []byte("applied_ops")
	bucketStateCache  = []byte("state_cache")
	bucketKV          = []byte("kv")
	bucketCredentials = []byte("credentials")
	bucketServerSeqs  = []byte("server_seqs")
	bucketConflicts   = []byte("conflicts")

	allBuckets = [][]byte{
		bucketOps, bucketOpIndex, bucketAppliedOps, bucketStateCache,
		bucketKV, bucketCredentials, bucketServerSeqs, bucketConflicts,
	}
)

const (
	keyClientID    = "client_id"
	keyVectorClock = "vector_clock"
	keyStateCache  = "current"
	keyConflict    = "pending"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateOp is returned when appending an op id already in the log.
	ErrDuplicateOp = errors.New("operation already in log")
)

// Store is the replica's database. It is safe for concurrent use; bbolt
// serializes writers.
type Store struct {
	db *bolt.DB
}

// New opens the database at path, creating it and its directory if needed.
// Opening fails after a second if another process holds the file.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("open database %s: locked by another process", path)
	}
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Initialize creates any missing buckets.
func (s *Store) Initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// GetValue returns a bookkeeping value, or "" when unset.
func (s *Store) GetValue(key string) (val string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		val = string(tx.Bucket(bucketKV).Get([]byte(key)))
		return nil
	})
	return val, err
}

// SetValue stores a bookkeeping value.
func (s *Store) SetValue(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), []byte(value))
	})
}

// LoadClientID returns the replica's client id, generating and persisting
// one on first use.
func (s *Store) LoadClientID() (id string, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if v := b.Get([]byte(keyClientID)); len(v) > 0 {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		return b.Put([]byte(keyClientID), []byte(id))
	})
	return id, err
}

// SetClientID replaces the client id. A clean slate starts a new identity.
func (s *Store) SetClientID(id string) error {
	return s.SetValue(keyClientID, id)
}

// GetVectorClock returns the local vector clock, empty when none is stored.
func (s *Store) GetVectorClock() (vclock.VectorClock, error) {
	vc := vclock.New()
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx.Bucket(bucketKV), keyVectorClock, &vc)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read vector clock: %w", err)
	}
	return vc, nil
}

func (s *Store) SetVectorClock(vc vclock.VectorClock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketKV), keyVectorClock, vc)
	})
}

// getJSON decodes the value at key into v and reports whether it existed.
func getJSON(b *bolt.Bucket, key string, v any) (bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}
