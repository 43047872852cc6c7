package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kilupskalvis/opsync/internal/conflict"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/state"
	"github.com/kilupskalvis/opsync/internal/store"
	"github.com/kilupskalvis/opsync/internal/vclock"
)

// recordFullState stamps, logs and applies a full-state operation whose
// payload is built from its own version.
func (s *Service) recordFullState(ctx context.Context, opType models.OpType, action string, build func(conflict.Version) (json.RawMessage, error)) (*models.Operation, error) {
	op := &models.Operation{ActionType: action, OpType: opType, EntityType: models.EntityAll}

	s.clockMu.Lock()
	vc, err := s.stamp(op)
	if err == nil {
		op.Payload, err = build(conflict.Version{
			OpID:        op.ID,
			ClientID:    op.ClientID,
			VectorClock: op.VectorClock,
			Timestamp:   op.Timestamp,
		})
	}
	if err == nil {
		_, err = s.store.Append(op)
	}
	if err == nil {
		err = s.store.SetVectorClock(vc)
	}
	s.clockMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", opType, err)
	}

	if _, err := s.applier.Apply(ctx, op); err != nil {
		return nil, err
	}
	if _, err := s.persistCache(ctx); err != nil {
		return nil, err
	}
	return op, nil
}

// RecoverFromLegacy seeds an empty log from a legacy key-value dump. It
// returns nil when there is nothing to import.
func (s *Service) RecoverFromLegacy(ctx context.Context, data map[string]json.RawMessage) (*models.Operation, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var op *models.Operation
	err := s.RunWithSyncBlocked(ctx, func(ctx context.Context) error {
		last, err := s.store.LastSeq()
		if err != nil {
			return err
		}
		if last > 0 {
			return ErrLogNotEmpty
		}
		op, err = s.recordFullState(ctx, models.OpRepair, models.ActionLegacyRecovery, func(v conflict.Version) (json.RawMessage, error) {
			return state.FromLegacy(data, v)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("legacy data recovered", "op_id", op.ID, "keys", len(data))
	return op, nil
}

// CleanSlate starts a new client identity and causal history and queues
// the current state for upload as a purge-and-replace snapshot.
func (s *Service) CleanSlate(ctx context.Context, reason string) (*models.Operation, error) {
	var op *models.Operation
	err := s.RunWithSyncBlocked(ctx, func(ctx context.Context) error {
		var err error
		op, err = s.cleanSlateLocked(ctx, reason)
		return err
	})
	return op, err
}

func (s *Service) cleanSlateLocked(ctx context.Context, reason string) (*models.Operation, error) {
	unsynced, err := s.store.GetUnsynced()
	if err != nil {
		return nil, fmt.Errorf("get unsynced: %w", err)
	}
	if len(unsynced) > 0 {
		ids := make([]string, len(unsynced))
		for i, e := range unsynced {
			ids[i] = e.Op.ID
		}
		if err := s.store.MarkRejected(ids, "superseded by clean slate"); err != nil {
			return nil, err
		}
	}

	newID := uuid.NewString()
	s.clockMu.Lock()
	err = s.store.SetClientID(newID)
	if err == nil {
		err = s.store.SetVectorClock(vclock.New())
	}
	if err == nil {
		s.clientID = newID
	}
	s.clockMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("reset client identity: %w", err)
	}
	if err := s.store.ResetServerSeqs(); err != nil {
		return nil, fmt.Errorf("reset server positions: %w", err)
	}

	op, err := s.appendFullState(ctx, models.OpSyncImport, models.ActionCleanSlate)
	if err != nil {
		return nil, err
	}
	if _, err := s.persistCache(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("clean slate", "client_id", newID, "op_id", op.ID, "reason", reason, "superseded", len(unsynced))
	return op, nil
}

// ChangePassword rotates the encryption password. The remote is purged
// and replaced by the current state sealed under the new password; any
// failure to get that snapshot accepted is returned as ErrRotationFailed
// with the new password left configured for a retry.
func (s *Service) ChangePassword(ctx context.Context, password string) error {
	remote, err := s.opSync()
	if err != nil {
		return err
	}
	return s.RunWithSyncBlocked(ctx, func(ctx context.Context) error {
		pending, err := s.pendingUserOps()
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return fmt.Errorf("%w: %d pending, sync first", ErrUnsyncedOps, len(pending))
		}
		if _, err := s.cleanSlateLocked(ctx, "password change"); err != nil {
			return err
		}
		err = s.store.UpdateCredentials(s.provider.Name(), func(c *models.ProviderCredentials) {
			c.EncryptionKey = password
			c.EncryptionEnabled = password != ""
			c.UpdatedAt = s.opts.Now().UTC()
		})
		if err != nil {
			return fmt.Errorf("store password: %w", err)
		}
		s.enc.Clear()
		if err := s.loadKey(ctx, remote); err != nil {
			return err
		}

		if cycle := s.provider.Capabilities().Cycle; cycle != nil {
			cycle.BeginCycle()
			defer cycle.EndCycle()
		}
		res := &SyncResult{}
		if err := s.upload(ctx, remote, res); err != nil {
			return fmt.Errorf("%w: %w", ErrRotationFailed, err)
		}
		if res.SnapshotsUploaded == 0 || len(res.Rejected) > 0 {
			return fmt.Errorf("%w: %d snapshots accepted, %d rejected", ErrRotationFailed, res.SnapshotsUploaded, len(res.Rejected))
		}
		s.logger.Info("encryption password changed", "provider", s.provider.Name(), "encrypted", password != "")
		return nil
	})
}

// ReconcilePendingRemoteOps finishes downloaded operations that were logged
// but never applied, typically because the process stopped mid-cycle.
// Entries older than the expiry window are marked failed instead.
func (s *Service) ReconcilePendingRemoteOps(ctx context.Context) (applied, expired int, err error) {
	unlock, err := s.tryLock()
	if err != nil {
		return 0, 0, err
	}
	defer unlock()

	entries, err := s.store.GetPendingRemoteOps()
	if err != nil {
		return 0, 0, err
	}
	now := s.opts.Now()
	for _, e := range entries {
		if now.Sub(e.ReceivedAt) > s.opts.PendingRemoteExpiry {
			if err := s.store.MarkApplicationFailed(e.Seq, "expired before it was applied"); err != nil {
				return applied, expired, err
			}
			expired++
			continue
		}
		op, err := s.migrator.MigrateOperation(e.Op)
		if err == nil {
			_, err = s.applier.Apply(ctx, op)
		}
		if err != nil {
			s.logger.Warn("pending remote operation failed", "op_id", e.Op.ID, "error", err)
			if err := s.store.MarkApplicationFailed(e.Seq, err.Error()); err != nil {
				return applied, expired, err
			}
			continue
		}
		if err := s.store.MarkApplied([]uint64{e.Seq}); err != nil {
			return applied, expired, err
		}
		applied++
	}
	if applied+expired > 0 {
		s.logger.Info("pending remote operations reconciled", "applied", applied, "expired", expired)
	}
	return applied, expired, nil
}

// CleanupCorruptOps drops log rows that cannot be decoded and rejects
// operations lacking the entity ids they need, keeping them for audit.
func (s *Service) CleanupCorruptOps(ctx context.Context) (store.CorruptCleanup, error) {
	var res store.CorruptCleanup
	err := s.RunWithSyncBlocked(ctx, func(context.Context) error {
		var err error
		res, err = s.store.CleanupCorruptOps()
		return err
	})
	if err != nil {
		return store.CorruptCleanup{}, fmt.Errorf("cleanup corrupt operations: %w", err)
	}
	if res.Removed > 0 || res.Rejected > 0 {
		s.logger.Warn("corrupt operations cleaned up", "removed", res.Removed, "rejected", res.Rejected)
	}
	return res, nil
}
