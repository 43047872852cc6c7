package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kilupskalvis/opsync/internal/conflict"
	"github.com/kilupskalvis/opsync/internal/crypto"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/store"
	"github.com/kilupskalvis/opsync/internal/syncerr"
)

// Conflict returns the whole-state conflict awaiting a decision, or nil.
func (s *Service) Conflict() (*models.PendingConflict, error) {
	return s.store.GetPendingConflict()
}

// Resolve settles the pending conflict and runs the rest of the sync
// cycle. Keeping local state uploads it as a new SyncImport that dominates
// the remote state; keeping remote state adopts it and discards unsynced
// local work.
func (s *Service) Resolve(ctx context.Context, choice conflict.Choice) (*SyncResult, error) {
	unlock, err := s.tryLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	remote, err := s.opSync()
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetPendingConflict()
	if err != nil {
		return nil, fmt.Errorf("read pending conflict: %w", err)
	}
	if c == nil {
		return nil, ErrNoConflict
	}

	switch choice {
	case conflict.ChoiceKeepRemote:
		if err := s.keepRemote(ctx, c); err != nil {
			return nil, err
		}
	case conflict.ChoiceKeepLocal:
		if err := s.keepLocal(ctx, c); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown conflict choice %q", choice)
	}

	if err := s.advance(ctx, remote, c.RemoteSeq); err != nil {
		return nil, err
	}
	if err := s.store.ClearPendingConflict(); err != nil {
		return nil, err
	}
	s.logger.Info("conflict resolved", "choice", string(choice), "remote_seq", c.RemoteSeq, "remote_op_id", c.RemoteOpID)
	return s.syncLocked(ctx)
}

func (s *Service) keepRemote(ctx context.Context, c *models.PendingConflict) error {
	raw, err := s.migrator.MigrateState(c.RemoteState, c.RemoteSchemaVersion)
	if err != nil {
		return syncerr.Wrap(syncerr.Validation, err, "migrate remote state")
	}
	id := c.RemoteOpID
	if id == "" {
		id = fmt.Sprintf("snapshot-%d", c.RemoteSeq)
	}
	clientID := c.RemoteClientID
	if clientID == "" {
		clientID = s.provider.Name()
	}
	op := &models.Operation{
		ID:            id,
		ClientID:      clientID,
		ActionType:    models.ActionSyncImport,
		OpType:        models.OpSyncImport,
		EntityType:    models.EntityAll,
		Payload:       raw,
		VectorClock:   c.RemoteVectorClock,
		SchemaVersion: s.migrator.Target(),
	}

	pending, err := s.pendingUserOps()
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, e := range pending {
			ids[i] = e.Op.ID
		}
		if err := s.store.MarkRejected(ids, "discarded by conflict resolution"); err != nil {
			return err
		}
	}

	seq, err := s.store.AppendRemote(op, c.RemoteSeq)
	if err != nil && !errors.Is(err, store.ErrDuplicateOp) {
		return fmt.Errorf("log remote state: %w", err)
	}
	if _, err := s.applier.Apply(ctx, op); err != nil {
		return fmt.Errorf("adopt remote state: %w", err)
	}
	if seq > 0 {
		if err := s.store.MarkApplied([]uint64{seq}); err != nil {
			return err
		}
	}
	if err := s.mergeClock(c.RemoteVectorClock); err != nil {
		return err
	}
	_, err = s.persistCache(ctx)
	return err
}

func (s *Service) keepLocal(ctx context.Context, c *models.PendingConflict) error {
	if err := s.mergeClock(c.RemoteVectorClock); err != nil {
		return err
	}
	op, err := s.appendFullState(ctx, models.OpSyncImport, models.ActionSyncImport)
	if err != nil {
		return err
	}
	if c.RemoteOpID != "" {
		if err := s.store.MarkOpsApplied([]string{c.RemoteOpID}); err != nil {
			return err
		}
	}
	s.logger.Info("local state kept", "op_id", op.ID)
	return nil
}

// RestorePoints lists the full-state operations the remote can restore from.
func (s *Service) RestorePoints(ctx context.Context) ([]*models.RestorePoint, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}
	rc := s.provider.Capabilities().Restore
	if rc == nil {
		return nil, fmt.Errorf("provider %s does not support restore", s.provider.Name())
	}
	return rc.RestorePoints(ctx)
}

// Restore replaces local state with the remote state at seq and queues it
// for upload as a BackupImport so other clients follow.
func (s *Service) Restore(ctx context.Context, seq int64) (*models.Operation, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}
	rc := s.provider.Capabilities().Restore
	if rc == nil {
		return nil, fmt.Errorf("provider %s does not support restore", s.provider.Name())
	}
	remote, err := s.opSync()
	if err != nil {
		return nil, err
	}

	unlock, err := s.tryLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.loadKey(ctx, remote); err != nil {
		return nil, err
	}
	sop, err := rc.Restore(ctx, seq)
	if err != nil {
		return nil, fmt.Errorf("fetch restore point %d: %w", seq, err)
	}
	plain, err := s.enc.DecryptOperation(&sop.Operation)
	if err != nil {
		if errors.Is(err, crypto.ErrMissingKey) {
			return nil, syncerr.Wrap(syncerr.MissingKey, err, "decrypt restore point")
		}
		return nil, err
	}
	restored, err := s.migrator.MigrateOperation(plain)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Validation, err, "migrate restore point")
	}

	pending, err := s.pendingUserOps()
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, e := range pending {
			ids[i] = e.Op.ID
		}
		if err := s.store.MarkRejected(ids, fmt.Sprintf("replaced by restore of #%d", seq)); err != nil {
			return nil, err
		}
	}
	if err := s.mergeClock(restored.VectorClock); err != nil {
		return nil, err
	}

	action := fmt.Sprintf("[Sync] Restore #%d", seq)
	op, err := s.recordFullState(ctx, models.OpBackupImport, action, func(conflict.Version) (json.RawMessage, error) {
		return restored.Payload, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("state restored", "server_seq", seq, "source_op_id", restored.ID, "op_id", op.ID)
	return op, nil
}

// DeleteRemoteData removes everything stored remotely. The next sync
// uploads local state again as an initial import.
func (s *Service) DeleteRemoteData(ctx context.Context) error {
	remote, err := s.opSync()
	if err != nil {
		return err
	}
	unlock, err := s.tryLock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := remote.DeleteAllData(ctx); err != nil {
		return fmt.Errorf("delete remote data: %w", err)
	}
	if err := remote.SetLastServerSeq(ctx, 0); err != nil {
		return err
	}
	if err := s.store.SetValue(keyInitialSync, ""); err != nil {
		return err
	}
	s.logger.Warn("remote data deleted", "provider", s.provider.Name())
	return nil
}

// Status summarizes the replica.
type Status struct {
	ClientID      string
	Provider      string
	Phase         Phase
	Pending       int
	Synced        int
	Rejected      int
	LastServerSeq int64
	VectorClock   map[string]int64
	Conflict      *models.PendingConflict
	Encrypted     bool
}

// Status reports the local log counts and sync position.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	counts, err := s.store.CountEntries()
	if err != nil {
		return nil, err
	}
	vc, err := s.store.GetVectorClock()
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetPendingConflict()
	if err != nil {
		return nil, err
	}
	st := &Status{
		ClientID:    s.ClientID(),
		Phase:       s.Phase(),
		Pending:     counts[models.SyncPending],
		Synced:      counts[models.SyncSynced],
		Rejected:    counts[models.SyncRejected],
		VectorClock: vc,
		Conflict:    c,
	}
	if s.provider == nil {
		return st, nil
	}
	st.Provider = s.provider.Name()
	if remote := s.provider.Capabilities().OperationSync; remote != nil {
		if st.LastServerSeq, err = remote.LastServerSeq(ctx); err != nil {
			return nil, err
		}
		key, err := remote.EncryptKey(ctx)
		if err != nil {
			return nil, err
		}
		st.Encrypted = key != ""
	}
	return st, nil
}
