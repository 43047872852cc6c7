package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kilupskalvis/opsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// SaveCredentials stores the secrets for a provider, replacing any existing ones.
func (s *Store) SaveCredentials(provider string, creds *models.ProviderCredentials) error {
	creds.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCredentials), provider, creds)
	})
}

// GetCredentials returns the stored secrets for a provider. A provider with
// nothing stored yields empty credentials.
func (s *Store) GetCredentials(provider string) (*models.ProviderCredentials, error) {
	creds := &models.ProviderCredentials{}
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx.Bucket(bucketCredentials), provider, creds)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read credentials for %s: %w", provider, err)
	}
	return creds, nil
}

// UpdateCredentials applies fn to the stored credentials for provider.
func (s *Store) UpdateCredentials(provider string, fn func(*models.ProviderCredentials)) error {
	creds, err := s.GetCredentials(provider)
	if err != nil {
		return err
	}
	fn(creds)
	return s.SaveCredentials(provider, creds)
}

// GetLastServerSeq returns the last processed remote sequence for key, zero if unset.
func (s *Store) GetLastServerSeq(key string) (int64, error) {
	var seq int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketServerSeqs).Get([]byte(key))
		if v == nil {
			return nil
		}
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parse server seq for %s: %w", key, err)
		}
		seq = n
		return nil
	})
	return seq, err
}

// SetLastServerSeq records the last processed remote sequence for key.
func (s *Store) SetLastServerSeq(key string, seq int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServerSeqs).Put([]byte(key), []byte(strconv.FormatInt(seq, 10)))
	})
}

// ResetServerSeqs forgets every recorded remote sequence.
func (s *Store) ResetServerSeqs() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketServerSeqs); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketServerSeqs)
		return err
	})
}
