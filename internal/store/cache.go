package store

import (
	"fmt"

	"github.com/kilupskalvis/opsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// SaveStateCache replaces the compacted state snapshot.
func (s *Store) SaveStateCache(cache *models.StateCache) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketStateCache), keyStateCache, cache)
	})
}

// GetStateCache returns the compacted state snapshot, or (nil, nil) when
// none has been written.
func (s *Store) GetStateCache() (*models.StateCache, error) {
	cache := &models.StateCache{}
	var found bool
	err := s.db.View(func(tx *bolt.Tx) (err error) {
		found, err = getJSON(tx.Bucket(bucketStateCache), keyStateCache, cache)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read state cache: %w", err)
	}
	if !found {
		return nil, nil
	}
	return cache, nil
}
