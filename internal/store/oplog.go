package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilupskalvis/opsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// seqKey builds the bbolt key for a log sequence number.
func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%016d", seq))
}

// Append records a locally created operation. It is pending upload and,
// having been produced by local state, already applied.
func (s *Store) Append(op *models.Operation) (uint64, error) {
	return s.appendEntry(&models.LogEntry{
		Op:                op,
		Source:            models.SourceLocal,
		SyncStatus:        models.SyncPending,
		ApplicationStatus: models.ApplicationApplied,
		ReceivedAt:        time.Now(),
	})
}

// AppendRemote records a downloaded operation before it is applied.
func (s *Store) AppendRemote(op *models.Operation, serverSeq int64) (uint64, error) {
	now := time.Now()
	return s.appendEntry(&models.LogEntry{
		Op:                op,
		Source:            models.SourceRemote,
		SyncStatus:        models.SyncSynced,
		ApplicationStatus: models.ApplicationPending,
		ServerSeq:         serverSeq,
		ReceivedAt:        now,
		SyncedAt:          &now,
	})
}

func (s *Store) appendEntry(entry *models.LogEntry) (uint64, error) {
	if entry.Op == nil || entry.Op.ID == "" {
		return 0, fmt.Errorf("append: operation has no id")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOps)
		idx := tx.Bucket(bucketOpIndex)
		if idx.Get([]byte(entry.Op.ID)) != nil {
			return fmt.Errorf("append %s: %w", entry.Op.ID, ErrDuplicateOp)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		entry.Seq = seq

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal log entry: %w", err)
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		return idx.Put([]byte(entry.Op.ID), seqKey(seq))
	})
	if err != nil {
		return 0, err
	}
	return entry.Seq, nil
}

// GetEntry returns the log entry at seq.
func (s *Store) GetEntry(seq uint64) (*models.LogEntry, error) {
	var entry *models.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOps).Get(seqKey(seq))
		if v == nil {
			return fmt.Errorf("log entry %d: %w", seq, ErrNotFound)
		}
		entry = &models.LogEntry{}
		return json.Unmarshal(v, entry)
	})
	return entry, err
}

// GetEntryByOpID returns the log entry holding the given operation.
func (s *Store) GetEntryByOpID(opID string) (*models.LogEntry, error) {
	var entry *models.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketOpIndex).Get([]byte(opID))
		if key == nil {
			return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
		}
		v := tx.Bucket(bucketOps).Get(key)
		if v == nil {
			return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
		}
		entry = &models.LogEntry{}
		return json.Unmarshal(v, entry)
	})
	return entry, err
}

// HasOp reports whether the log holds an operation with the given id.
func (s *Store) HasOp(opID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketOpIndex).Get([]byte(opID)) != nil
		return nil
	})
	return found, err
}

// LastSeq returns the highest sequence number ever assigned.
func (s *Store) LastSeq() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket(bucketOps).Sequence()
		return nil
	})
	return seq, err
}

// scan walks entries with seq > afterSeq in order until fn returns false.
func (s *Store) scan(afterSeq uint64, fn func(*models.LogEntry) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOps).Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			var entry models.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal log entry %s: %w", k, err)
			}
			if !fn(&entry) {
				return nil
			}
		}
		return nil
	})
}

// ListEntries returns up to limit entries after afterSeq. A limit of zero
// means no limit.
func (s *Store) ListEntries(afterSeq uint64, limit int) ([]*models.LogEntry, error) {
	var entries []*models.LogEntry
	err := s.scan(afterSeq, func(e *models.LogEntry) bool {
		entries = append(entries, e)
		return limit <= 0 || len(entries) < limit
	})
	return entries, err
}

// GetUnsynced returns local operations not yet accepted by the remote, in log order.
func (s *Store) GetUnsynced() ([]*models.LogEntry, error) {
	var entries []*models.LogEntry
	err := s.scan(0, func(e *models.LogEntry) bool {
		if e.IsUnsynced() {
			entries = append(entries, e)
		}
		return true
	})
	return entries, err
}

// GetPendingRemoteOps returns downloaded operations that were never marked applied.
func (s *Store) GetPendingRemoteOps() ([]*models.LogEntry, error) {
	var entries []*models.LogEntry
	err := s.scan(0, func(e *models.LogEntry) bool {
		if e.IsPendingRemote() {
			entries = append(entries, e)
		}
		return true
	})
	return entries, err
}

// updateEntries rewrites each listed entry through fn inside one transaction.
// Missing entries are skipped.
func (s *Store) updateEntries(keys [][]byte, fn func(*models.LogEntry)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOps)
		for _, key := range keys {
			v := b.Get(key)
			if v == nil {
				continue
			}
			var entry models.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal log entry %s: %w", key, err)
			}
			fn(&entry)
			data, err := json.Marshal(&entry)
			if err != nil {
				return fmt.Errorf("marshal log entry: %w", err)
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func seqKeys(seqs []uint64) [][]byte {
	keys := make([][]byte, len(seqs))
	for i, seq := range seqs {
		keys[i] = seqKey(seq)
	}
	return keys
}

func (s *Store) opKeys(opIDs []string) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketOpIndex)
		for _, id := range opIDs {
			if k := idx.Get([]byte(id)); k != nil {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		return nil
	})
	return keys, err
}

// MarkSynced marks local entries as accepted by the remote.
func (s *Store) MarkSynced(seqs []uint64) error {
	now := time.Now()
	return s.updateEntries(seqKeys(seqs), func(e *models.LogEntry) {
		e.SyncStatus = models.SyncSynced
		e.SyncedAt = &now
	})
}

// MarkSyncedByOpID marks the entries holding the given operations as synced.
func (s *Store) MarkSyncedByOpID(opIDs []string) error {
	keys, err := s.opKeys(opIDs)
	if err != nil {
		return err
	}
	now := time.Now()
	return s.updateEntries(keys, func(e *models.LogEntry) {
		e.SyncStatus = models.SyncSynced
		e.SyncedAt = &now
	})
}

// MarkRejected marks operations as permanently refused, recording why.
func (s *Store) MarkRejected(opIDs []string, reason string) error {
	keys, err := s.opKeys(opIDs)
	if err != nil {
		return err
	}
	return s.updateEntries(keys, func(e *models.LogEntry) {
		e.SyncStatus = models.SyncRejected
		e.RejectedReason = reason
	})
}

// MarkApplied marks remote entries as applied to local state.
func (s *Store) MarkApplied(seqs []uint64) error {
	return s.updateEntries(seqKeys(seqs), func(e *models.LogEntry) {
		e.ApplicationStatus = models.ApplicationApplied
	})
}

// MarkApplicationFailed marks a remote entry that could not be applied.
func (s *Store) MarkApplicationFailed(seq uint64, reason string) error {
	return s.updateEntries(seqKeys([]uint64{seq}), func(e *models.LogEntry) {
		e.ApplicationStatus = models.ApplicationFailed
		e.RejectedReason = reason
	})
}

// DeleteOp removes an operation from the log.
func (s *Store) DeleteOp(opID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketOpIndex)
		key := idx.Get([]byte(opID))
		if key == nil {
			return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
		}
		if err := tx.Bucket(bucketOps).Delete(key); err != nil {
			return err
		}
		return idx.Delete([]byte(opID))
	})
}

// ReasonMissingEntityID is recorded on entries rejected by CleanupCorruptOps.
const ReasonMissingEntityID = "operation has no entity id"

// CorruptCleanup counts what CleanupCorruptOps did.
type CorruptCleanup struct {
	// Removed rows could not be decoded at all.
	Removed int
	// Rejected entries decode but lack the entity ids they need. They stay
	// in the log, marked rejected.
	Rejected int
}

// CleanupCorruptOps deletes rows that cannot be decoded and force-rejects
// operations missing their entity identifiers. Operations addressing every
// entity are exempt. Entries already rejected are left alone.
func (s *Store) CleanupCorruptOps() (CorruptCleanup, error) {
	var res CorruptCleanup
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOps)
		idx := tx.Bucket(bucketOpIndex)

		var undecodable [][]byte
		rejected := make(map[string][]byte)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry models.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil || entry.Op == nil {
				undecodable = append(undecodable, append([]byte(nil), k...))
				continue
			}
			op := entry.Op
			if op.IsFullState() || op.EntityType == models.EntityAll {
				continue
			}
			if entry.SyncStatus == models.SyncRejected {
				continue
			}
			if op.EntityType != "" && len(op.TargetIDs()) > 0 {
				continue
			}
			entry.SyncStatus = models.SyncRejected
			entry.RejectedReason = ReasonMissingEntityID
			if entry.Source == models.SourceRemote && entry.ApplicationStatus != models.ApplicationApplied {
				entry.ApplicationStatus = models.ApplicationFailed
			}
			data, err := json.Marshal(&entry)
			if err != nil {
				return fmt.Errorf("marshal entry %s: %w", op.ID, err)
			}
			rejected[string(k)] = data
		}

		for k, data := range rejected {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		for _, k := range undecodable {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		// Index entries pointing at undecodable rows are dropped too.
		ic := idx.Cursor()
		var stale [][]byte
		for k, v := ic.First(); k != nil; k, v = ic.Next() {
			for _, d := range undecodable {
				if bytes.Equal(v, d) {
					stale = append(stale, append([]byte(nil), k...))
				}
			}
		}
		for _, k := range stale {
			if err := idx.Delete(k); err != nil {
				return err
			}
		}
		res = CorruptCleanup{Removed: len(undecodable), Rejected: len(rejected)}
		return nil
	})
	return res, err
}

// DeleteSettledBefore removes entries with seq <= maxSeq that no longer need
// to stay in the log: synced or rejected, and applied. Returns the number removed.
func (s *Store) DeleteSettledBefore(maxSeq uint64) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOps)
		idx := tx.Bucket(bucketOpIndex)
		c := b.Cursor()

		type doomedEntry struct {
			key  []byte
			opID string
		}
		var doomed []doomedEntry
		for k, v := c.First(); k != nil && bytes.Compare(k, seqKey(maxSeq)) <= 0; k, v = c.Next() {
			var entry models.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal log entry %s: %w", k, err)
			}
			if entry.Op == nil || entry.SyncStatus == models.SyncPending || entry.ApplicationStatus == models.ApplicationPending {
				continue
			}
			doomed = append(doomed, doomedEntry{append([]byte(nil), k...), entry.Op.ID})
		}
		for _, d := range doomed {
			if err := b.Delete(d.key); err != nil {
				return err
			}
			if err := idx.Delete([]byte(d.opID)); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	return removed, err
}

// CountEntries returns the number of entries per sync status.
func (s *Store) CountEntries() (map[models.SyncStatus]int, error) {
	counts := make(map[models.SyncStatus]int)
	err := s.scan(0, func(e *models.LogEntry) bool {
		counts[e.SyncStatus]++
		return true
	})
	return counts, err
}

// MarkOpsApplied records op ids in the persistent applied index.
func (s *Store) MarkOpsApplied(opIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAppliedOps)
		stamp := []byte(time.Now().UTC().Format(time.RFC3339))
		for _, id := range opIDs {
			if err := b.Put([]byte(id), stamp); err != nil {
				return err
			}
		}
		return nil
	})
}

// IsOpApplied reports whether the op id is in the applied index.
func (s *Store) IsOpApplied(opID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketAppliedOps).Get([]byte(opID)) != nil
		return nil
	})
	return found, err
}
