package core

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/provider"
)

// Phase is a step of the sync cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseLocked
	PhaseUploading
	PhaseDownloading
	PhaseReconciling
	PhaseApplying
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLocked:
		return "locked"
	case PhaseUploading:
		return "uploading"
	case PhaseDownloading:
		return "downloading"
	case PhaseReconciling:
		return "reconciling"
	case PhaseApplying:
		return "applying"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// SyncResult contains the outcome of a sync cycle.
type SyncResult struct {
	Uploaded          int
	SnapshotsUploaded int
	Rejected          []provider.Rejection
	Piggybacked       int
	Downloaded        int
	Applied           int
	Failed            int
	SnapshotAdopted   bool
	GapDetected       bool
	// ImportLost means another client's initial state was stored first and
	// this replica adopted it.
	ImportLost bool
	// Conflict is set when the cycle stopped at a whole-state conflict.
	Conflict      *models.PendingConflict
	LastServerSeq int64
}

// Sync runs one sync cycle. A cycle already in progress makes it fail with
// ErrSyncInProgress rather than wait.
func (s *Service) Sync(ctx context.Context) (*SyncResult, error) {
	unlock, err := s.tryLock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.syncLocked(ctx)
}

func (s *Service) syncLocked(ctx context.Context) (*SyncResult, error) {
	remote, err := s.opSync()
	if err != nil {
		return nil, err
	}
	pending, err := s.store.GetPendingConflict()
	if err != nil {
		return nil, fmt.Errorf("read pending conflict: %w", err)
	}
	if pending != nil {
		return &SyncResult{Conflict: pending}, ErrConflictPending
	}

	if cycle := s.provider.Capabilities().Cycle; cycle != nil {
		cycle.BeginCycle()
		defer cycle.EndCycle()
	}
	if err := s.loadKey(ctx, remote); err != nil {
		return nil, err
	}
	if s.opts.PreUpload != nil {
		if err := s.opts.PreUpload(ctx); err != nil {
			return nil, fmt.Errorf("pre-upload: %w", err)
		}
	}
	if err := s.ensureInitialImport(ctx, remote); err != nil {
		return nil, err
	}

	res := &SyncResult{}
	if err := s.upload(ctx, remote, res); err != nil {
		return res, err
	}
	if res.Conflict == nil {
		if err := s.download(ctx, remote, res); err != nil {
			return res, err
		}
	}
	if res.ImportLost && res.Conflict == nil {
		// The winner's state is in place, local operations go on top of it.
		if err := s.upload(ctx, remote, res); err != nil {
			return res, err
		}
	}
	if res.Conflict == nil {
		if err := s.store.SetValue(keyInitialSync, "1"); err != nil {
			return res, err
		}
	}

	if res.LastServerSeq, err = remote.LastServerSeq(ctx); err != nil {
		return res, err
	}
	s.logger.Info("sync complete",
		"provider", s.provider.Name(),
		"uploaded", res.Uploaded,
		"snapshots", res.SnapshotsUploaded,
		"rejected", len(res.Rejected),
		"downloaded", res.Downloaded,
		"applied", res.Applied,
		"server_seq", res.LastServerSeq,
		"conflict", res.Conflict != nil)
	return res, nil
}

// loadKey points the encryptor at the provider's configured password. The
// derived key is kept while the password is unchanged.
func (s *Service) loadKey(ctx context.Context, remote provider.OperationSyncCapable) error {
	key, err := remote.EncryptKey(ctx)
	if err != nil {
		return fmt.Errorf("read encryption key: %w", err)
	}
	if key == "" {
		s.enc.Clear()
		return nil
	}
	s.enc.UsePassword(key)
	return nil
}

// advance moves the stored remote position forward, never back.
func (s *Service) advance(ctx context.Context, remote provider.OperationSyncCapable, seq int64) error {
	cur, err := remote.LastServerSeq(ctx)
	if err != nil {
		return err
	}
	if seq <= cur {
		return nil
	}
	if err := remote.SetLastServerSeq(ctx, seq); err != nil {
		return fmt.Errorf("store server seq: %w", err)
	}
	return nil
}
