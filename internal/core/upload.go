package core

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/provider"
)

// ensureInitialImport turns existing local state into a SyncImport the
// first time a replica with data syncs against an unseen remote.
func (s *Service) ensureInitialImport(ctx context.Context, remote provider.OperationSyncCapable) error {
	done, err := s.store.GetValue(keyInitialSync)
	if err != nil {
		return err
	}
	if done != "" || s.state.IsEmpty() {
		return nil
	}
	pos, err := remote.LastServerSeq(ctx)
	if err != nil {
		return err
	}
	if pos > 0 {
		return nil
	}
	unsynced, err := s.store.GetUnsynced()
	if err != nil {
		return fmt.Errorf("get unsynced: %w", err)
	}
	for _, e := range unsynced {
		if e.Op.IsFullState() {
			return nil
		}
	}
	op, err := s.appendFullState(ctx, models.OpSyncImport, models.ActionSyncImport)
	if err != nil {
		return fmt.Errorf("create initial import: %w", err)
	}
	s.logger.Info("created initial import", "op_id", op.ID, "client_id", op.ClientID)
	return nil
}

// upload sends every pending local operation. Full-state operations go
// first through the snapshot path; regular operations follow in chunks.
func (s *Service) upload(ctx context.Context, remote provider.OperationSyncCapable, res *SyncResult) error {
	s.setPhase(PhaseUploading)

	unsynced, err := s.store.GetUnsynced()
	if err != nil {
		return fmt.Errorf("get unsynced: %w", err)
	}
	for _, e := range unsynced {
		if !e.Op.IsFullState() {
			continue
		}
		if err := s.uploadSnapshot(ctx, remote, e, res); err != nil {
			return err
		}
		if res.ImportLost {
			// Regular operations wait until the winning state is applied.
			return nil
		}
	}

	regular, err := s.pendingUserOps()
	if err != nil {
		return err
	}
	chunk := s.opts.UploadChunkSize
	for start := 0; start < len(regular); start += chunk {
		batch := regular[start:min(start+chunk, len(regular))]
		if err := s.uploadChunk(ctx, remote, batch, res); err != nil {
			return err
		}
		if res.Conflict != nil {
			return nil
		}
	}
	return nil
}

func (s *Service) uploadChunk(ctx context.Context, remote provider.OperationSyncCapable, batch []*models.LogEntry, res *SyncResult) error {
	ops := make([]*models.Operation, len(batch))
	for i, e := range batch {
		ops[i] = e.Op
	}
	wire, err := s.seal(ops)
	if err != nil {
		return err
	}
	pos, err := remote.LastServerSeq(ctx)
	if err != nil {
		return err
	}

	up, err := remote.UploadOps(ctx, wire, s.ClientID(), pos, false)
	if err != nil {
		return fmt.Errorf("upload operations: %w", err)
	}

	// Piggybacked operations land before this chunk counts as settled.
	var last int64
	if len(up.Piggybacked) > 0 {
		res.Piggybacked += len(up.Piggybacked)
		if last, err = s.applyRemote(ctx, up.Piggybacked, res); err != nil {
			return err
		}
	}

	accepted := make([]string, len(up.Accepted))
	for i, a := range up.Accepted {
		accepted[i] = a.OpID
	}
	if err := s.store.MarkSyncedByOpID(accepted); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	res.Uploaded += len(accepted)
	for _, r := range up.Rejected {
		reason := r.Code
		if r.Reason != "" {
			reason = r.Code + ": " + r.Reason
		}
		if err := s.store.MarkRejected([]string{r.OpID}, reason); err != nil {
			return fmt.Errorf("mark rejected: %w", err)
		}
		s.logger.Warn("operation rejected", "op_id", r.OpID, "code", r.Code, "reason", r.Reason)
		res.Rejected = append(res.Rejected, r)
	}

	if up.GapDetected {
		s.logger.Warn("remote reported a gap, downloading from the start", "last_known_seq", pos)
		res.GapDetected = true
		return remote.SetLastServerSeq(ctx, 0)
	}
	next := max(pos, last)
	if !up.HasMorePiggyback && res.Conflict == nil {
		next = max(next, up.LatestSeq)
	}
	return s.advance(ctx, remote, next)
}

// uploadSnapshot sends one full-state operation.
func (s *Service) uploadSnapshot(ctx context.Context, remote provider.OperationSyncCapable, e *models.LogEntry, res *SyncResult) error {
	op := e.Op
	cleanSlate := op.ActionType == models.ActionCleanSlate

	wire := op
	if s.provider.Kind() == provider.KindOperationSync {
		sealed, err := s.seal([]*models.Operation{op})
		if err != nil {
			return err
		}
		wire = sealed[0]
	}
	sr, err := remote.UploadSnapshot(ctx, wire, cleanSlate)
	if err != nil {
		return fmt.Errorf("upload snapshot %s: %w", op.ID, err)
	}

	switch sr.Status {
	case provider.SnapshotAccepted:
		if err := s.store.MarkSyncedByOpID([]string{op.ID}); err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		if err := s.markCovered(e.Seq); err != nil {
			return err
		}
		res.SnapshotsUploaded++
		if cleanSlate {
			if err := s.advance(ctx, remote, sr.ServerSeq); err != nil {
				return err
			}
		}
		s.logger.Info("snapshot uploaded", "op_id", op.ID, "op_type", op.OpType, "server_seq", sr.ServerSeq, "clean_slate", cleanSlate)
	case provider.SnapshotConflict:
		s.logger.Warn("initial import lost to another client, adopting remote state", "op_id", op.ID)
		if err := s.store.DeleteOp(op.ID); err != nil {
			return fmt.Errorf("drop local import: %w", err)
		}
		res.ImportLost = true
	default:
		if err := s.store.MarkRejected([]string{op.ID}, sr.Reason); err != nil {
			return fmt.Errorf("mark rejected: %w", err)
		}
		s.logger.Warn("snapshot rejected", "op_id", op.ID, "reason", sr.Reason)
		res.Rejected = append(res.Rejected, provider.Rejection{OpID: op.ID, Code: "snapshot_rejected", Reason: sr.Reason})
	}
	return nil
}

// markCovered settles pending user operations older than an accepted
// snapshot; their effects are part of it.
func (s *Service) markCovered(snapshotSeq uint64) error {
	pending, err := s.pendingUserOps()
	if err != nil {
		return err
	}
	var ids []string
	for _, e := range pending {
		if e.Seq < snapshotSeq {
			ids = append(ids, e.Op.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return s.store.MarkSyncedByOpID(ids)
}

// seal encrypts outgoing operations when a key is configured.
func (s *Service) seal(ops []*models.Operation) ([]*models.Operation, error) {
	if !s.enc.HasKey() {
		return ops, nil
	}
	sealed, err := s.enc.EncryptOperations(ops)
	if err != nil {
		return nil, fmt.Errorf("encrypt operations: %w", err)
	}
	return sealed, nil
}
