// Package core runs the operation-log sync cycle: capturing local
// operations, exchanging them with a provider, and reconciling the
// replica with what other clients wrote.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilupskalvis/opsync/internal/applier"
	"github.com/kilupskalvis/opsync/internal/conflict"
	"github.com/kilupskalvis/opsync/internal/crypto"
	"github.com/kilupskalvis/opsync/internal/migration"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/provider"
	"github.com/kilupskalvis/opsync/internal/state"
	"github.com/kilupskalvis/opsync/internal/store"
	"github.com/kilupskalvis/opsync/internal/vclock"
)

const (
	DefaultUploadChunkSize     = 100
	DefaultDownloadPageSize    = 500
	DefaultPendingRemoteExpiry = 24 * time.Hour
	DefaultCompactRetention    = 7 * 24 * time.Hour
)

var (
	// ErrSyncInProgress is returned when a sync cycle is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrNoProvider is returned by remote operations when no provider is configured.
	ErrNoProvider = errors.New("no sync provider configured")
	// ErrUnsyncedOps is returned when a password change would discard local work.
	ErrUnsyncedOps = errors.New("local operations are not synced")
	// ErrConflictPending is returned while a whole-state conflict awaits a decision.
	ErrConflictPending = errors.New("a sync conflict is waiting to be resolved")
	// ErrNoConflict is returned by Resolve when there is nothing to resolve.
	ErrNoConflict = errors.New("no pending conflict")
	// ErrLogNotEmpty is returned when legacy recovery would overwrite existing history.
	ErrLogNotEmpty = errors.New("operation log is not empty")
	// ErrRotationFailed is returned when the clean-slate upload of a password
	// change was not accepted. The new password stays configured.
	ErrRotationFailed = errors.New("password change was not accepted by the remote")
)

const keyInitialSync = "initial_sync_done"

// StateStore is the materialized state the service keeps in step with the log.
type StateStore interface {
	applier.StateStore
	Materialize(op *models.Operation) error
	SnapshotState(ctx context.Context) (json.RawMessage, error)
	IsEmpty() bool
	Validate() []state.Problem
	Repair() int
}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	MaxVectorClockEntries int
	UploadChunkSize       int
	DownloadPageSize      int
	PendingRemoteExpiry   time.Duration
	CompactRetention      time.Duration
	// PreUpload runs inside the sync lock before anything is uploaded.
	PreUpload func(ctx context.Context) error
	Migrator  *migration.Migrator
	Now       func() time.Time
	Logger    *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxVectorClockEntries <= 0 {
		o.MaxVectorClockEntries = vclock.DefaultMaxEntries
	}
	if o.UploadChunkSize <= 0 {
		o.UploadChunkSize = DefaultUploadChunkSize
	}
	if o.DownloadPageSize <= 0 {
		o.DownloadPageSize = DefaultDownloadPageSize
	}
	if o.PendingRemoteExpiry <= 0 {
		o.PendingRemoteExpiry = DefaultPendingRemoteExpiry
	}
	if o.CompactRetention < 0 {
		o.CompactRetention = 0
	} else if o.CompactRetention == 0 {
		o.CompactRetention = DefaultCompactRetention
	}
	if o.Migrator == nil {
		o.Migrator = migration.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Service is the sync orchestrator for one local replica.
type Service struct {
	store    *store.Store
	state    StateStore
	provider provider.Provider
	enc      *crypto.Encryptor
	applier  *applier.Applier
	resolver *conflict.Resolver
	migrator *migration.Migrator
	opts     Options
	logger   *slog.Logger

	// syncMu serializes sync cycles and anything that rewrites history.
	syncMu sync.Mutex
	phase  atomic.Int32

	// clockMu guards the read-modify-write of the vector clock and the
	// hybrid logical timestamp.
	clockMu  sync.Mutex
	clientID string
	lastTS   int64
}

// New creates a service. prov may be nil for a local-only replica.
func New(st *store.Store, ss StateStore, prov provider.Provider, enc *crypto.Encryptor, opts Options) (*Service, error) {
	opts.setDefaults()
	if enc == nil {
		enc = crypto.NewEncryptor(crypto.DefaultKDFParams)
	}
	resolver := conflict.NewResolver(opts.MaxVectorClockEntries)
	ap, err := applier.New(ss, st, resolver, opts.Logger)
	if err != nil {
		return nil, err
	}
	clientID, err := st.LoadClientID()
	if err != nil {
		return nil, fmt.Errorf("load client id: %w", err)
	}
	s := &Service{
		store:    st,
		state:    ss,
		provider: prov,
		enc:      enc,
		applier:  ap,
		resolver: resolver,
		migrator: opts.Migrator,
		opts:     opts,
		logger:   opts.Logger,
		clientID: clientID,
	}
	if src, ok := prov.(interface{ SetStateSource(provider.StateSource) }); ok {
		src.SetStateSource(s)
	}
	return s, nil
}

// ClientID returns the current client identity.
func (s *Service) ClientID() string {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.clientID
}

// Provider returns the configured provider, nil when there is none.
func (s *Service) Provider() provider.Provider { return s.provider }

// Phase reports the current sync phase.
func (s *Service) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Service) setPhase(p Phase) {
	s.phase.Store(int32(p))
	s.logger.Debug("sync phase", "phase", p.String())
}

// RunWithSyncBlocked waits for any running cycle to finish and runs fn
// while new cycles are refused.
func (s *Service) RunWithSyncBlocked(ctx context.Context, fn func(ctx context.Context) error) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// tryLock acquires the sync lock without waiting.
func (s *Service) tryLock() (func(), error) {
	if !s.syncMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	s.setPhase(PhaseLocked)
	return func() {
		s.setPhase(PhaseIdle)
		s.syncMu.Unlock()
	}, nil
}

func (s *Service) opSync() (provider.OperationSyncCapable, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}
	ops := s.provider.Capabilities().OperationSync
	if ops == nil {
		return nil, fmt.Errorf("provider %s does not support operation sync", s.provider.Name())
	}
	return ops, nil
}

// UploadState implements provider.StateSource with the archive split out
// of the state document.
func (s *Service) UploadState(ctx context.Context) (*provider.LocalState, error) {
	raw, err := s.state.SnapshotState(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	snap, err := state.Decode(raw)
	if err != nil {
		return nil, err
	}
	archive := snap.Archive
	snap.Archive = nil
	main, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	vc, err := s.store.GetVectorClock()
	if err != nil {
		return nil, err
	}
	return &provider.LocalState{
		State:         main,
		Archive:       archive,
		VectorClock:   vc,
		SchemaVersion: s.migrator.Target(),
	}, nil
}

// joinArchive puts a separately stored archive back into a state document.
func joinArchive(raw, archive json.RawMessage) (json.RawMessage, error) {
	if len(archive) == 0 || string(archive) == "null" {
		return raw, nil
	}
	snap, err := state.Decode(raw)
	if err != nil {
		return nil, err
	}
	snap.Archive = archive
	return json.Marshal(snap)
}

// snapshotIsEmpty reports whether a serialized state holds no live entity
// and no archive.
func snapshotIsEmpty(raw json.RawMessage) (bool, error) {
	snap, err := state.Decode(raw)
	if err != nil {
		return false, err
	}
	if len(snap.Archive) > 0 && string(snap.Archive) != "null" {
		return false, nil
	}
	for _, byID := range snap.Entities {
		for _, e := range byID {
			if e != nil && !e.Deleted {
				return false, nil
			}
		}
	}
	return true, nil
}

// localSide summarizes the replica for whole-state comparison.
func (s *Service) localSide() (conflict.StateSide, error) {
	vc, err := s.store.GetVectorClock()
	if err != nil {
		return conflict.StateSide{}, err
	}
	pending, err := s.pendingUserOps()
	if err != nil {
		return conflict.StateSide{}, err
	}
	return conflict.StateSide{VectorClock: vc, IsEmpty: s.state.IsEmpty(), PendingOps: len(pending)}, nil
}

// pendingUserOps returns unsynced local operations that are not full-state
// recovery operations.
func (s *Service) pendingUserOps() ([]*models.LogEntry, error) {
	unsynced, err := s.store.GetUnsynced()
	if err != nil {
		return nil, fmt.Errorf("get unsynced: %w", err)
	}
	var out []*models.LogEntry
	for _, e := range unsynced {
		if !e.Op.IsFullState() {
			out = append(out, e)
		}
	}
	return out, nil
}

// mergeClock folds a remote clock into the persisted local clock.
func (s *Service) mergeClock(remote vclock.VectorClock) error {
	if len(remote) == 0 {
		return nil
	}
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	local, err := s.store.GetVectorClock()
	if err != nil {
		return err
	}
	merged := vclock.LimitSize(vclock.Merge(local, remote), s.clientID, s.opts.MaxVectorClockEntries)
	if !vclock.HasChanges(merged, local) {
		return nil
	}
	return s.store.SetVectorClock(merged)
}

// persistCache writes a state cache covering every log entry so far.
func (s *Service) persistCache(ctx context.Context) (*models.StateCache, error) {
	raw, err := s.state.SnapshotState(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	last, err := s.store.LastSeq()
	if err != nil {
		return nil, err
	}
	vc, err := s.store.GetVectorClock()
	if err != nil {
		return nil, err
	}
	cache := &models.StateCache{
		State:            raw,
		LastAppliedOpSeq: last,
		VectorClock:      vc,
		CompactedAt:      s.opts.Now().UTC(),
		SchemaVersion:    s.migrator.Target(),
	}
	if err := s.store.SaveStateCache(cache); err != nil {
		return nil, fmt.Errorf("save state cache: %w", err)
	}
	return cache, nil
}
