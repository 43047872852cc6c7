package store

import (
	"github.com/kilupskalvis/opsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// SavePendingConflict persists a whole-state conflict awaiting a user decision.
func (s *Store) SavePendingConflict(c *models.PendingConflict) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketConflicts), keyConflict, c)
	})
}

// GetPendingConflict returns the stored conflict, or (nil, nil) if there is none.
func (s *Store) GetPendingConflict() (*models.PendingConflict, error) {
	c := &models.PendingConflict{}
	var found bool
	err := s.db.View(func(tx *bolt.Tx) (err error) {
		found, err = getJSON(tx.Bucket(bucketConflicts), keyConflict, c)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return c, nil
}

func (s *Store) ClearPendingConflict() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConflicts).Delete([]byte(keyConflict))
	})
}
