package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kilupskalvis/opsync/internal/applier"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/vclock"
)

const hydrateBatchSize = 500

// RecordInput describes a local state change.
type RecordInput struct {
	ActionType string
	OpType     models.OpType
	EntityType string
	EntityID   string
	EntityIDs  []string
	Payload    json.RawMessage
}

// Record captures a local change: the operation is stamped with the next
// vector clock, logged as pending upload and applied to local state.
func (s *Service) Record(ctx context.Context, in RecordInput) (*models.Operation, error) {
	if in.OpType.IsFullState() {
		return nil, fmt.Errorf("%w: %s cannot be recorded directly", applier.ErrInvalidOperation, in.OpType)
	}
	op := &models.Operation{
		ActionType: in.ActionType,
		OpType:     in.OpType,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		EntityIDs:  in.EntityIDs,
		Payload:    in.Payload,
	}

	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	// Patches are resolved against local state here, so the logged op
	// carries whole entity values.
	if err := s.state.Materialize(op); err != nil {
		return nil, fmt.Errorf("%w: %v", applier.ErrInvalidOperation, err)
	}
	vc, err := s.stamp(op)
	if err != nil {
		return nil, err
	}
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", applier.ErrInvalidOperation, err)
	}
	if _, err := s.store.Append(op); err != nil {
		return nil, fmt.Errorf("append operation: %w", err)
	}
	if err := s.store.SetVectorClock(vc); err != nil {
		return nil, err
	}
	if _, err := s.applier.Apply(ctx, op); err != nil {
		if rerr := s.store.MarkRejected([]string{op.ID}, err.Error()); rerr != nil {
			s.logger.Error("could not reject unapplied operation", "op_id", op.ID, "error", rerr)
		}
		return nil, err
	}
	s.logger.Debug("operation recorded", "op_id", op.ID, "op_type", op.OpType, "entity_type", op.EntityType)
	return op, nil
}

// stamp assigns identity, clock and timestamp to op and returns the clock
// to persist once the operation is logged. Callers hold clockMu.
func (s *Service) stamp(op *models.Operation) (vclock.VectorClock, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate operation id: %w", err)
	}
	vc, err := s.store.GetVectorClock()
	if err != nil {
		return nil, err
	}
	vc = vclock.LimitSize(vclock.Increment(vc, s.clientID), s.clientID, s.opts.MaxVectorClockEntries)

	op.ID = id.String()
	op.ClientID = s.clientID
	op.VectorClock = vc.Clone()
	op.Timestamp = s.nextTimestamp()
	op.SchemaVersion = s.migrator.Target()
	return vc, nil
}

// nextTimestamp is a hybrid logical clock in unix milliseconds: wall time,
// bumped past the previous value when the wall clock stalls or steps back.
func (s *Service) nextTimestamp() int64 {
	now := s.opts.Now().UnixMilli()
	if now <= s.lastTS {
		now = s.lastTS + 1
	}
	s.lastTS = now
	return now
}

// appendFullState logs the current local state as a pending full-state
// operation. The state already reflects it, so it is marked applied.
func (s *Service) appendFullState(ctx context.Context, opType models.OpType, action string) (*models.Operation, error) {
	raw, err := s.state.SnapshotState(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	op := &models.Operation{
		ActionType: action,
		OpType:     opType,
		EntityType: models.EntityAll,
		Payload:    raw,
	}

	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	vc, err := s.stamp(op)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Append(op); err != nil {
		return nil, fmt.Errorf("append %s: %w", opType, err)
	}
	if err := s.store.SetVectorClock(vc); err != nil {
		return nil, err
	}
	if err := s.store.MarkOpsApplied([]string{op.ID}); err != nil {
		return nil, err
	}
	return op, nil
}

// HydrateResult reports how local state was rebuilt.
type HydrateResult struct {
	FromCache bool
	CacheSeq  uint64
	Replayed  int
	Skipped   int
}

// Hydrate rebuilds local state from the state cache and the log entries
// written after it.
func (s *Service) Hydrate(ctx context.Context) (*HydrateResult, error) {
	res := &HydrateResult{}
	cache, err := s.store.GetStateCache()
	if err != nil {
		return nil, err
	}
	if cache != nil {
		migrated, changed, err := s.migrator.MigrateStateCache(cache)
		if err != nil {
			return nil, fmt.Errorf("migrate state cache: %w", err)
		}
		if changed {
			if err := s.store.SaveStateCache(migrated); err != nil {
				return nil, err
			}
		}
		if err := s.state.ReplaceState(ctx, migrated.State, nil); err != nil {
			return nil, fmt.Errorf("load state cache: %w", err)
		}
		res.FromCache = true
		res.CacheSeq = migrated.LastAppliedOpSeq
	}

	after := res.CacheSeq
	for {
		entries, err := s.store.ListEntries(after, hydrateBatchSize)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			after = e.Seq
			if !replayable(e) {
				res.Skipped++
				continue
			}
			op, err := s.migrator.MigrateOperation(e.Op)
			if err != nil {
				s.logger.Warn("log entry skipped", "seq", e.Seq, "op_id", e.Op.ID, "error", err)
				res.Skipped++
				continue
			}
			if _, err := s.applier.Replay(ctx, op); err != nil {
				s.logger.Warn("log entry not replayed", "seq", e.Seq, "op_id", op.ID, "error", err)
				res.Skipped++
				continue
			}
			if e.Source == models.SourceLocal {
				s.clockMu.Lock()
				s.lastTS = max(s.lastTS, op.Timestamp)
				s.clockMu.Unlock()
			}
			res.Replayed++
		}
		if len(entries) < hydrateBatchSize {
			break
		}
	}
	s.logger.Info("state hydrated", "from_cache", res.FromCache, "cache_seq", res.CacheSeq, "replayed", res.Replayed)
	return res, nil
}

func replayable(e *models.LogEntry) bool {
	if e.Op == nil {
		return false
	}
	if e.Source == models.SourceRemote {
		return e.ApplicationStatus == models.ApplicationApplied
	}
	return e.SyncStatus != models.SyncRejected
}

// CompactResult reports what compaction removed.
type CompactResult struct {
	CacheSeq uint64
	Removed  int
}

// Compact writes a state cache and drops settled log entries older than
// the retention window. Pending entries are kept.
func (s *Service) Compact(ctx context.Context) (*CompactResult, error) {
	unlock, err := s.tryLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	cache, err := s.persistCache(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.opts.Now().Add(-s.opts.CompactRetention)
	entries, err := s.store.ListEntries(0, 0)
	if err != nil {
		return nil, err
	}
	var limit uint64
	for _, e := range entries {
		if e.Seq > cache.LastAppliedOpSeq || !e.ReceivedAt.Before(cutoff) {
			break
		}
		limit = e.Seq
	}
	res := &CompactResult{CacheSeq: cache.LastAppliedOpSeq}
	if limit == 0 {
		return res, nil
	}
	if res.Removed, err = s.store.DeleteSettledBefore(limit); err != nil {
		return nil, fmt.Errorf("compact log: %w", err)
	}
	s.logger.Info("log compacted", "removed", res.Removed, "cache_seq", res.CacheSeq)
	return res, nil
}
