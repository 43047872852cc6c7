package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kilupskalvis/opsync/internal/applier"
	"github.com/kilupskalvis/opsync/internal/conflict"
	"github.com/kilupskalvis/opsync/internal/crypto"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/provider"
	"github.com/kilupskalvis/opsync/internal/store"
	"github.com/kilupskalvis/opsync/internal/syncerr"
)

// download fetches and applies everything after the stored remote position.
func (s *Service) download(ctx context.Context, remote provider.OperationSyncCapable, res *SyncResult) error {
	s.setPhase(PhaseDownloading)

	pos, err := remote.LastServerSeq(ctx)
	if err != nil {
		return err
	}
	reset := false
	for {
		page, err := remote.DownloadOps(ctx, pos, s.ClientID(), s.opts.DownloadPageSize)
		if err != nil {
			return fmt.Errorf("download operations: %w", err)
		}
		if page.GapDetected {
			if pos == 0 || reset {
				return syncerr.New(syncerr.Server, "remote reported a gap at sequence %d", pos)
			}
			s.logger.Warn("remote history changed, downloading from the start", "last_known_seq", pos, "latest_seq", page.LatestSeq)
			reset = true
			res.GapDetected = true
			if err := remote.SetLastServerSeq(ctx, 0); err != nil {
				return err
			}
			pos = 0
			continue
		}

		if page.Snapshot != nil {
			ok, err := s.adoptSnapshot(ctx, page.Snapshot, res)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := s.advance(ctx, remote, page.Snapshot.Seq); err != nil {
				return err
			}
		}

		res.Downloaded += len(page.Ops)
		last, err := s.applyRemote(ctx, page.Ops, res)
		if err != nil {
			return err
		}
		next := max(pos, last)
		if res.Conflict == nil && !page.HasMore {
			next = max(next, page.LatestSeq)
		}
		if err := s.advance(ctx, remote, next); err != nil {
			return err
		}
		if res.Conflict != nil || !page.HasMore || len(page.Ops) == 0 {
			return nil
		}
		if pos, err = remote.LastServerSeq(ctx); err != nil {
			return err
		}
	}
}

// applyRemote applies downloaded operations in server order and returns
// the sequence of the last one handled. It stops early at a whole-state
// conflict, leaving later operations for after the user's decision.
func (s *Service) applyRemote(ctx context.Context, ops []*models.SyncOperation, res *SyncResult) (int64, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	s.setPhase(PhaseApplying)

	plain, err := s.enc.DecryptOperations(ctx, ops)
	if err != nil {
		if errors.Is(err, crypto.ErrMissingKey) {
			return 0, syncerr.Wrap(syncerr.MissingKey, err, "decrypt remote operations")
		}
		return 0, fmt.Errorf("decrypt remote operations: %w", err)
	}

	var last int64
	for _, sop := range plain {
		seen, err := s.seen(sop.ID)
		if err != nil {
			return last, err
		}
		if seen {
			last = sop.ServerSeq
			continue
		}
		op, err := s.migrator.MigrateOperation(&sop.Operation)
		if err != nil {
			return last, syncerr.Wrap(syncerr.Validation, err, "migrate remote operation")
		}

		if op.IsFullState() {
			ok, err := s.reconcileFullState(ctx, op, sop.ServerSeq, res)
			if err != nil {
				return last, err
			}
			if !ok {
				return last, nil
			}
			s.setPhase(PhaseApplying)
		} else if err := s.applyOne(ctx, op, sop.ServerSeq, res); err != nil {
			return last, err
		}
		if err := s.mergeClock(op.VectorClock); err != nil {
			return last, err
		}
		last = sop.ServerSeq
	}
	return last, nil
}

// seen reports whether an operation is already in the log or was applied.
func (s *Service) seen(opID string) (bool, error) {
	applied, err := s.applier.IsApplied(opID)
	if err != nil || applied {
		return applied, err
	}
	return s.store.HasOp(opID)
}

// applyOne logs and applies a regular remote operation. Apply failures
// run the validate and repair pipeline once; an operation that still
// fails is marked failed and kept for inspection.
func (s *Service) applyOne(ctx context.Context, op *models.Operation, serverSeq int64, res *SyncResult) error {
	seq, err := s.store.AppendRemote(op, serverSeq)
	if errors.Is(err, store.ErrDuplicateOp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("log remote operation: %w", err)
	}

	if _, err := s.applier.Apply(ctx, op); err != nil {
		var ae *applier.ApplyError
		if !errors.As(err, &ae) {
			return err
		}
		if rerr := s.repairAndRetry(ctx, op, err); rerr != nil {
			res.Failed++
			s.logger.Error("remote operation could not be applied", "op_id", op.ID, "entity_type", op.EntityType, "error", rerr)
			if merr := s.store.MarkApplicationFailed(seq, rerr.Error()); merr != nil {
				return merr
			}
			if syncerr.Is(rerr, syncerr.Corruption) {
				return rerr
			}
			return nil
		}
	}
	res.Applied++
	return s.store.MarkApplied([]uint64{seq})
}

// repairAndRetry repairs an invalid state and applies op again. It returns
// cause unchanged when the state was valid to begin with.
func (s *Service) repairAndRetry(ctx context.Context, op *models.Operation, cause error) error {
	problems := s.state.Validate()
	if len(problems) == 0 {
		return cause
	}
	fixed := s.state.Repair()
	s.logger.Warn("state repaired after failed apply", "op_id", op.ID, "problems", len(problems), "fixed", fixed)
	if left := s.state.Validate(); len(left) > 0 {
		return syncerr.New(syncerr.Corruption, "state still invalid after repair: %s", left[0])
	}
	if _, err := s.appendFullState(ctx, models.OpRepair, models.ActionRepair); err != nil {
		return fmt.Errorf("record repair: %w", err)
	}
	_, err := s.applier.Apply(ctx, op)
	return err
}

// reconcileFullState decides what a remote full-state operation does to
// the replica. It returns false when the decision is left to the user.
func (s *Service) reconcileFullState(ctx context.Context, op *models.Operation, serverSeq int64, res *SyncResult) (bool, error) {
	s.setPhase(PhaseReconciling)

	remoteEmpty, err := snapshotIsEmpty(op.Payload)
	if err != nil {
		return false, syncerr.Wrap(syncerr.Corruption, err, "decode remote state")
	}
	local, err := s.localSide()
	if err != nil {
		return false, err
	}
	var decision conflict.StateDecision
	if res.ImportLost && op.OpType == models.OpSyncImport {
		decision = conflict.StateDecision{Outcome: conflict.UseRemote, Reason: "another client's initial state was stored first"}
	} else {
		decision = s.resolver.ResolveState(local, conflict.StateSide{VectorClock: op.VectorClock, IsEmpty: remoteEmpty})
	}
	s.logger.Info("remote full state",
		"op_id", op.ID, "op_type", op.OpType, "client_id", op.ClientID,
		"outcome", decision.Outcome.String(), "reason", decision.Reason)

	switch decision.Outcome {
	case conflict.UseRemote:
		return true, s.adoptFullState(ctx, op, serverSeq, res)
	case conflict.KeepLocal, conflict.InSync:
		return true, s.store.MarkOpsApplied([]string{op.ID})
	}

	c := &models.PendingConflict{
		DetectedAt:          s.opts.Now().UTC(),
		Reason:              decision.Reason,
		LocalVectorClock:    local.VectorClock,
		RemoteVectorClock:   op.VectorClock,
		RemoteState:         op.Payload,
		RemoteSchemaVersion: op.SchemaVersion,
		RemoteSeq:           serverSeq,
		RemoteOpID:          op.ID,
		RemoteClientID:      op.ClientID,
		LocalPendingOps:     local.PendingOps,
	}
	if err := s.store.SavePendingConflict(c); err != nil {
		return false, fmt.Errorf("save conflict: %w", err)
	}
	s.logger.Warn("sync conflict needs a decision", "op_id", op.ID, "reason", decision.Reason)
	res.Conflict = c
	return false, nil
}

// adoptFullState replaces local state with a remote full state and puts
// unsynced local operations back on top.
func (s *Service) adoptFullState(ctx context.Context, op *models.Operation, serverSeq int64, res *SyncResult) error {
	seq, err := s.store.AppendRemote(op, serverSeq)
	if err != nil && !errors.Is(err, store.ErrDuplicateOp) {
		return fmt.Errorf("log remote state: %w", err)
	}
	if _, err := s.applier.Apply(ctx, op); err != nil {
		if seq > 0 {
			_ = s.store.MarkApplicationFailed(seq, err.Error())
		}
		return fmt.Errorf("adopt remote state: %w", err)
	}
	if seq > 0 {
		if err := s.store.MarkApplied([]uint64{seq}); err != nil {
			return err
		}
	}
	if err := s.replayPending(ctx); err != nil {
		return err
	}
	if _, err := s.persistCache(ctx); err != nil {
		return err
	}
	res.SnapshotAdopted = true
	res.Applied++
	return nil
}

// replayPending re-applies unsynced local operations after a state replacement.
func (s *Service) replayPending(ctx context.Context) error {
	pending, err := s.pendingUserOps()
	if err != nil {
		return err
	}
	for _, e := range pending {
		if _, err := s.applier.Replay(ctx, e.Op); err != nil {
			s.logger.Warn("local operation not replayed", "op_id", e.Op.ID, "error", err)
		}
	}
	return nil
}

// adoptSnapshot handles a state snapshot stored beside the operation list.
// It returns false when the decision is left to the user.
func (s *Service) adoptSnapshot(ctx context.Context, snap *provider.RemoteSnapshot, res *SyncResult) (bool, error) {
	id := snap.OpID
	if id == "" {
		id = fmt.Sprintf("snapshot-%d", snap.Seq)
	}
	seen, err := s.seen(id)
	if err != nil || seen {
		return err == nil, err
	}

	raw, archive := snap.State, snap.Archive
	if snap.Encrypted {
		if raw, err = s.open(raw); err != nil {
			return false, err
		}
		if len(archive) > 0 {
			if archive, err = s.open(archive); err != nil {
				return false, err
			}
		}
	}
	if raw, err = s.migrator.MigrateState(raw, snap.SchemaVersion); err != nil {
		return false, syncerr.Wrap(syncerr.Validation, err, "migrate remote snapshot")
	}
	joined, err := joinArchive(raw, archive)
	if err != nil {
		return false, syncerr.Wrap(syncerr.Corruption, err, "decode remote snapshot")
	}

	clientID := snap.ClientID
	if clientID == "" {
		clientID = s.provider.Name()
	}
	op := &models.Operation{
		ID:            id,
		ClientID:      clientID,
		ActionType:    models.ActionSyncImport,
		OpType:        models.OpSyncImport,
		EntityType:    models.EntityAll,
		Payload:       joined,
		VectorClock:   snap.VectorClock,
		SchemaVersion: s.migrator.Target(),
	}
	ok, err := s.reconcileFullState(ctx, op, snap.Seq, res)
	if err != nil || !ok {
		return ok, err
	}
	return true, s.mergeClock(snap.VectorClock)
}

func (s *Service) open(sealed json.RawMessage) (json.RawMessage, error) {
	plain, err := s.enc.DecryptJSON(sealed)
	if err != nil {
		if errors.Is(err, crypto.ErrMissingKey) {
			return nil, syncerr.Wrap(syncerr.MissingKey, err, "decrypt remote snapshot")
		}
		return nil, fmt.Errorf("decrypt remote snapshot: %w", err)
	}
	return plain, nil
}
