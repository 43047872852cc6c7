// Package filesync implements the single shared file provider. The whole
// synchronized state lives in one file holding a state snapshot and a
// bounded buffer of recent operations. Writers use optimistic concurrency
// on the backend's revision token and fold in operations written by others
// since their last read.
package filesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kilupskalvis/opsync/internal/crypto"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/provider"
	"github.com/kilupskalvis/opsync/internal/remote"
	"github.com/kilupskalvis/opsync/internal/syncerr"
	"github.com/kilupskalvis/opsync/internal/vclock"
)

const (
	// DefaultMaxRecentOps caps the operation buffer.
	DefaultMaxRecentOps = 500

	// maxWriteAttempts bounds retries after losing a write race.
	maxWriteAttempts = 3
)

// Config configures a Provider.
type Config struct {
	Backend Backend
	// Name is the credential key, e.g. "file" or "s3".
	Name         string
	MaxRecentOps int
	// Encryptor seals the state snapshot when encryption is enabled.
	Encryptor *crypto.Encryptor
	Logger    *slog.Logger
	Now       func() time.Time
}

type cachedFile struct {
	file  *File
	rev   string
	found bool
}

// Provider syncs through one shared file.
type Provider struct {
	backend   Backend
	persist   provider.Persistence
	name      string
	maxRecent int
	enc       *crypto.Encryptor
	logger    *slog.Logger
	now       func() time.Time
	seqKey    string

	mu      sync.Mutex
	source  provider.StateSource
	inCycle bool
	cache   *cachedFile
}

// New returns a provider over cfg.Backend.
func New(cfg Config, persist provider.Persistence) (*Provider, error) {
	if cfg.Backend == nil {
		return nil, errors.New("file provider: backend is required")
	}
	p := &Provider{
		backend:   cfg.Backend,
		persist:   persist,
		name:      cfg.Name,
		maxRecent: cfg.MaxRecentOps,
		enc:       cfg.Encryptor,
		logger:    cfg.Logger,
		now:       cfg.Now,
		seqKey:    provider.SeqKey("file_seq", cfg.Backend.Location()),
	}
	if p.name == "" {
		p.name = "file"
	}
	if p.maxRecent <= 0 {
		p.maxRecent = DefaultMaxRecentOps
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// SetStateSource registers where snapshots are read from on upload.
func (p *Provider) SetStateSource(src provider.StateSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = src
}

func (p *Provider) Kind() provider.Kind { return provider.KindFileBased }

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{OperationSync: p, Cycle: p}
}

// BeginCycle enables the download cache until EndCycle.
func (p *Provider) BeginCycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inCycle = true
	p.cache = nil
}

func (p *Provider) EndCycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inCycle = false
	p.cache = nil
}

func (p *Provider) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = nil
}

// load reads the file, from the cycle cache unless fresh is set.
func (p *Provider) load(ctx context.Context, fresh bool) (*cachedFile, error) {
	p.mu.Lock()
	if !fresh && p.inCycle && p.cache != nil {
		c := p.cache
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	obj, err := p.backend.Read(ctx)
	if err != nil {
		return nil, err
	}
	c := &cachedFile{file: newFile(), rev: obj.Rev, found: obj.Found}
	if obj.Found {
		if c.file, err = decodeFile(obj.Data); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	if p.inCycle {
		p.cache = c
	}
	p.mu.Unlock()
	return c, nil
}

// write encodes f and stores it, retrying mutate on a lost race.
func (p *Provider) write(ctx context.Context, clientID string, mutate func(f *File) (bool, error)) error {
	defer p.invalidate()
	for attempt := 1; ; attempt++ {
		c, err := p.load(ctx, attempt > 1)
		if err != nil {
			return err
		}
		changed, err := mutate(c.file)
		if err != nil || !changed {
			return err
		}
		data, err := c.file.encode(clientID, p.now())
		if err != nil {
			return err
		}
		if _, err := p.backend.Write(ctx, data, c.rev); err != nil {
			if errors.Is(err, ErrRevisionMismatch) && attempt < maxWriteAttempts {
				p.logger.Debug("sync file changed during upload, retrying", "attempt", attempt)
				p.invalidate()
				continue
			}
			return fmt.Errorf("write %s: %w", p.backend.Location(), err)
		}
		return nil
	}
}

// UploadOps appends ops to the file. Operations other clients wrote after
// lastKnownSeq are returned as piggybacked.
func (p *Provider) UploadOps(ctx context.Context, ops []*models.Operation, clientID string, lastKnownSeq int64, cleanSlate bool) (*provider.UploadResult, error) {
	var result *provider.UploadResult
	err := p.write(ctx, clientID, func(f *File) (bool, error) {
		result = &provider.UploadResult{}
		if cleanSlate {
			resetFile(f)
		}

		// A clean slate starts a new history, so nothing can be missing.
		result.GapDetected = !cleanSlate &&
			(lastKnownSeq > f.Metadata.LastSeq || f.trimmedPast(lastKnownSeq))
		caughtUp := cleanSlate || lastKnownSeq == f.Metadata.LastSeq

		if !result.GapDetected {
			for _, c := range f.RecentOps {
				if c.Seq > lastKnownSeq && c.ClientID != clientID {
					result.Piggybacked = append(result.Piggybacked, c.Expand())
				}
			}
		}

		changed := cleanSlate
		for _, op := range ops {
			if op.IsFullState() {
				result.Rejected = append(result.Rejected, provider.Rejection{
					OpID: op.ID, Code: remote.CodeFullStateOp, Reason: "full-state operations must be uploaded as snapshots",
				})
				continue
			}
			if i := f.indexOf(op.ID); i >= 0 {
				result.Accepted = append(result.Accepted, provider.Accepted{OpID: op.ID, ServerSeq: f.RecentOps[i].Seq})
				continue
			}
			f.Metadata.LastSeq++
			f.RecentOps = append(f.RecentOps, models.ToCompact(op, f.Metadata.LastSeq))
			result.Accepted = append(result.Accepted, provider.Accepted{OpID: op.ID, ServerSeq: f.Metadata.LastSeq})
			changed = true
		}
		if !changed {
			result.LatestSeq = f.Metadata.LastSeq
			return false, nil
		}

		if dropped := f.trim(p.maxRecent); dropped > 0 {
			p.logger.Debug("trimmed sync file op buffer", "dropped", dropped, "kept", len(f.RecentOps))
		}

		if !result.GapDetected && (f.Snapshot == nil || lastKnownSeq >= f.Snapshot.Seq) {
			covered := lastKnownSeq
			if caughtUp {
				covered = f.Metadata.LastSeq
			}
			if err := p.refreshSnapshot(ctx, f, clientID, covered); err != nil {
				return false, err
			}
		}
		result.LatestSeq = f.Metadata.LastSeq
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug("uploaded ops to sync file",
		"accepted", len(result.Accepted),
		"rejected", len(result.Rejected),
		"piggybacked", len(result.Piggybacked),
		"latest_seq", result.LatestSeq,
	)
	return result, nil
}

// refreshSnapshot replaces the embedded state with the local state, which
// includes every op up to covered.
func (p *Provider) refreshSnapshot(ctx context.Context, f *File, clientID string, covered int64) error {
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src == nil {
		return nil
	}
	st, err := src.UploadState(ctx)
	if err != nil {
		return fmt.Errorf("read local state: %w", err)
	}
	state, archive, encrypted, err := p.seal(ctx, st.State, st.Archive)
	if err != nil {
		return err
	}
	f.StateSnapshot = state
	f.ArchiveData = archive
	f.Snapshot = &SnapshotInfo{
		Seq:           covered,
		VectorClock:   st.VectorClock.Clone(),
		SchemaVersion: st.SchemaVersion,
		Encrypted:     encrypted,
		ClientID:      clientID,
	}
	return nil
}

// seal encrypts the state and archive when encryption is enabled.
func (p *Provider) seal(ctx context.Context, state, archive json.RawMessage) (json.RawMessage, json.RawMessage, bool, error) {
	key, err := p.EncryptKey(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	if key == "" {
		return state, archive, false, nil
	}
	if p.enc == nil {
		return nil, nil, false, syncerr.Wrap(syncerr.MissingKey, crypto.ErrMissingKey, "seal sync file snapshot")
	}
	p.enc.UsePassword(key)
	sealedState, err := p.enc.EncryptJSON(state)
	if err != nil {
		return nil, nil, false, err
	}
	var sealedArchive json.RawMessage
	if len(archive) > 0 {
		if sealedArchive, err = p.enc.EncryptJSON(archive); err != nil {
			return nil, nil, false, err
		}
	}
	return sealedState, sealedArchive, true, nil
}

// resetFile drops all content but keeps the sequence counter, so positions
// held by other clients are detected as gaps rather than reused.
func resetFile(f *File) {
	f.StateSnapshot = nil
	f.ArchiveData = nil
	f.Snapshot = nil
	f.LastImport = nil
	f.RecentOps = []models.CompactOperation{}
}

// DownloadOps returns operations after sinceSeq. A client whose position
// fell behind the op buffer receives the embedded snapshot first.
func (p *Provider) DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*provider.DownloadResult, error) {
	c, err := p.load(ctx, false)
	if err != nil {
		return nil, err
	}
	f := c.file
	result := &provider.DownloadResult{LatestSeq: f.Metadata.LastSeq}
	if !c.found {
		result.GapDetected = sinceSeq > 0
		return result, nil
	}
	if sinceSeq > f.Metadata.LastSeq {
		result.GapDetected = true
		return result, nil
	}

	floor := sinceSeq
	if f.trimmedPast(sinceSeq) {
		if f.Snapshot != nil && sinceSeq < f.Snapshot.Seq {
			result.Snapshot = &provider.RemoteSnapshot{
				OpID:          f.Snapshot.OpID,
				State:         f.StateSnapshot,
				Archive:       f.ArchiveData,
				VectorClock:   f.Snapshot.VectorClock.Clone(),
				SchemaVersion: f.Snapshot.SchemaVersion,
				Encrypted:     f.Snapshot.Encrypted,
				ClientID:      f.Snapshot.ClientID,
				Seq:           f.Snapshot.Seq,
			}
			floor = f.Snapshot.Seq
		} else {
			p.logger.Warn("sync file no longer holds operations after position",
				"since_seq", sinceSeq, "lowest_seq", f.lowestAvailable())
		}
	}

	for i, op := range f.RecentOps {
		if op.Seq <= floor || (excludeClient != "" && op.ClientID == excludeClient) {
			continue
		}
		if limit > 0 && len(result.Ops) == limit {
			result.HasMore = hasOpsAfter(f.RecentOps[i:], excludeClient)
			break
		}
		result.Ops = append(result.Ops, op.Expand())
	}
	return result, nil
}

func hasOpsAfter(ops []models.CompactOperation, excludeClient string) bool {
	for _, op := range ops {
		if excludeClient == "" || op.ClientID != excludeClient {
			return true
		}
	}
	return false
}

// UploadSnapshot embeds the current local state as a new snapshot for op.
// The op's payload is not used: the state is read from the source and
// sealed here so it is encrypted exactly once.
func (p *Provider) UploadSnapshot(ctx context.Context, op *models.Operation, cleanSlate bool) (*provider.SnapshotResult, error) {
	if !op.IsFullState() {
		return &provider.SnapshotResult{Status: provider.SnapshotRejected, Reason: fmt.Sprintf("operation %s is not a full-state operation", op.ID)}, nil
	}

	result := &provider.SnapshotResult{}
	err := p.write(ctx, op.ClientID, func(f *File) (bool, error) {
		if f.Snapshot != nil && f.Snapshot.OpID == op.ID {
			*result = provider.SnapshotResult{Status: provider.SnapshotAccepted, ServerSeq: f.Snapshot.Seq}
			return false, nil
		}
		if cleanSlate {
			resetFile(f)
		}
		if op.OpType == models.OpSyncImport && f.LastImport != nil &&
			vclock.Compare(op.VectorClock, f.LastImport.VectorClock) != vclock.GreaterThan {
			*result = provider.SnapshotResult{
				Status: provider.SnapshotConflict,
				Reason: fmt.Sprintf("sync import %s from client %s already exists", f.LastImport.OpID, f.LastImport.ClientID),
			}
			return false, nil
		}

		state, archive, encrypted, err := p.snapshotState(ctx, op)
		if err != nil {
			return false, err
		}
		f.Metadata.LastSeq++
		f.StateSnapshot = state
		f.ArchiveData = archive
		f.Snapshot = &SnapshotInfo{
			Seq:           f.Metadata.LastSeq,
			VectorClock:   op.VectorClock.Clone(),
			SchemaVersion: op.SchemaVersion,
			Encrypted:     encrypted,
			ClientID:      op.ClientID,
			OpID:          op.ID,
		}
		f.RecentOps = []models.CompactOperation{}
		if op.OpType == models.OpSyncImport {
			f.LastImport = &ImportInfo{OpID: op.ID, ClientID: op.ClientID, VectorClock: op.VectorClock.Clone()}
		}
		*result = provider.SnapshotResult{Status: provider.SnapshotAccepted, ServerSeq: f.Metadata.LastSeq}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("uploaded snapshot to sync file", "op_id", op.ID, "status", result.Status, "seq", result.ServerSeq)
	return result, nil
}

func (p *Provider) snapshotState(ctx context.Context, op *models.Operation) (json.RawMessage, json.RawMessage, bool, error) {
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src == nil {
		if op.IsPayloadEncrypted {
			return op.Payload, nil, true, nil
		}
		return p.seal(ctx, op.Payload, nil)
	}
	st, err := src.UploadState(ctx)
	if err != nil {
		return nil, nil, false, fmt.Errorf("read local state: %w", err)
	}
	return p.seal(ctx, st.State, st.Archive)
}

func (p *Provider) LastServerSeq(_ context.Context) (int64, error) {
	return p.persist.GetLastServerSeq(p.seqKey)
}

func (p *Provider) SetLastServerSeq(_ context.Context, seq int64) error {
	return p.persist.SetLastServerSeq(p.seqKey, seq)
}

func (p *Provider) EncryptKey(_ context.Context) (string, error) {
	return provider.EncryptKey(p.persist, p.name)
}

// DeleteAllData removes the shared file.
func (p *Provider) DeleteAllData(ctx context.Context) error {
	defer p.invalidate()
	return p.backend.Delete(ctx)
}
