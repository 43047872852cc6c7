package filesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/opsync/internal/crypto"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/provider"
	"github.com/kilupskalvis/opsync/internal/remote"
	"github.com/kilupskalvis/opsync/internal/syncerr"
	"github.com/kilupskalvis/opsync/internal/vclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory Backend with a write hook for race tests.
type memBackend struct {
	mu          sync.Mutex
	data        []byte
	rev         int
	reads       int
	beforeWrite func()
}

func (m *memBackend) Read(_ context.Context) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.data == nil {
		return Object{}, nil
	}
	return Object{Found: true, Data: append([]byte(nil), m.data...), Rev: strconv.Itoa(m.rev)}, nil
}

func (m *memBackend) Write(_ context.Context, data []byte, expectRev string) (string, error) {
	if hook := m.beforeWrite; hook != nil {
		m.beforeWrite = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := ""
	if m.data != nil {
		current = strconv.Itoa(m.rev)
	}
	if current != expectRev {
		return "", ErrRevisionMismatch
	}
	m.data = append([]byte(nil), data...)
	m.rev++
	return strconv.Itoa(m.rev), nil
}

func (m *memBackend) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

func (m *memBackend) Location() string { return "mem://sync" }

func (m *memBackend) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

type memPersistence struct {
	seqs  map[string]int64
	creds map[string]*models.ProviderCredentials
}

func newMemPersistence() *memPersistence {
	return &memPersistence{seqs: map[string]int64{}, creds: map[string]*models.ProviderCredentials{}}
}

func (m *memPersistence) GetLastServerSeq(key string) (int64, error) { return m.seqs[key], nil }

func (m *memPersistence) SetLastServerSeq(key string, seq int64) error {
	m.seqs[key] = seq
	return nil
}

func (m *memPersistence) GetCredentials(p string) (*models.ProviderCredentials, error) {
	if c, ok := m.creds[p]; ok {
		return c, nil
	}
	return &models.ProviderCredentials{}, nil
}

type staticSource struct {
	state provider.LocalState
	calls int
}

func (s *staticSource) UploadState(context.Context) (*provider.LocalState, error) {
	s.calls++
	st := s.state
	return &st, nil
}

func newTestProvider(t *testing.T, backend Backend, mutate ...func(*Config)) (*Provider, *memPersistence) {
	t.Helper()
	cfg := Config{
		Backend: backend,
		Logger:  slog.New(slog.DiscardHandler),
		Now:     func() time.Time { return time.UnixMilli(1700000000000) },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	persist := newMemPersistence()
	p, err := New(cfg, persist)
	require.NoError(t, err)
	return p, persist
}

func op(id, client string, counter int64) *models.Operation {
	return &models.Operation{
		ID:            id,
		ClientID:      client,
		ActionType:    "[Task] Update",
		OpType:        models.OpUpdate,
		EntityType:    "task",
		EntityID:      "t-" + id,
		Payload:       json.RawMessage(`{"title":"x"}`),
		VectorClock:   vclock.VectorClock{client: counter},
		Timestamp:     1700000000000 + counter,
		SchemaVersion: 1,
	}
}

func syncImport(id, client string, vc vclock.VectorClock) *models.Operation {
	return &models.Operation{
		ID:            id,
		ClientID:      client,
		ActionType:    models.ActionSyncImport,
		OpType:        models.OpSyncImport,
		EntityType:    models.EntityAll,
		Payload:       json.RawMessage(`{"ignored":true}`),
		VectorClock:   vc,
		Timestamp:     1700000000000,
		SchemaVersion: 1,
	}
}

func ids(ops []*models.SyncOperation) []string {
	out := make([]string, len(ops))
	for i, o := range ops {
		out[i] = o.ID
	}
	return out
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(Config{}, newMemPersistence())
	require.Error(t, err)
}

func TestUploadThenDownload_FS(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFSBackend(filepath.Join(t.TempDir(), "shared", DefaultFileName))
	require.NoError(t, err)
	p, _ := newTestProvider(t, backend)

	res, err := p.UploadOps(ctx, []*models.Operation{op("a1", "a", 1), op("a2", "a", 2)}, "a", 0, false)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 2)
	assert.Equal(t, int64(2), res.LatestSeq)
	assert.False(t, res.GapDetected)

	page, err := p.DownloadOps(ctx, 0, "b", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids(page.Ops))
	assert.Equal(t, int64(1), page.Ops[0].ServerSeq)
	assert.Nil(t, page.Snapshot)

	page, err = p.DownloadOps(ctx, 1, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, ids(page.Ops))

	page, err = p.DownloadOps(ctx, 0, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Ops)
}

func TestUploadOps_PiggybacksOtherClients(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, &memBackend{})

	_, err := p.UploadOps(ctx, []*models.Operation{op("c1", "c", 1), op("c2", "c", 2)}, "c", 0, false)
	require.NoError(t, err)

	res, err := p.UploadOps(ctx, []*models.Operation{op("a1", "a", 1)}, "a", 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids(res.Piggybacked))
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, int64(3), res.Accepted[0].ServerSeq)
	assert.False(t, res.GapDetected)
}

func TestUploadOps_DuplicateKeepsSeq(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{}
	p, _ := newTestProvider(t, backend)

	_, err := p.UploadOps(ctx, []*models.Operation{op("a1", "a", 1)}, "a", 0, false)
	require.NoError(t, err)
	rev := backend.rev

	res, err := p.UploadOps(ctx, []*models.Operation{op("a1", "a", 1)}, "a", 1, false)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, int64(1), res.Accepted[0].ServerSeq)
	assert.Equal(t, rev, backend.rev, "a pure duplicate must not rewrite the file")
}

func TestUploadOps_RejectsFullStateOps(t *testing.T) {
	p, _ := newTestProvider(t, &memBackend{})

	res, err := p.UploadOps(context.Background(), []*models.Operation{syncImport("s1", "a", vclock.VectorClock{"a": 1})}, "a", 0, false)
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, remote.CodeFullStateOp, res.Rejected[0].Code)
	assert.Empty(t, res.Accepted)
}

func TestUploadOps_TrimKeepsNewest(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, &memBackend{}, func(c *Config) { c.MaxRecentOps = 5 })

	var ops []*models.Operation
	for i := 1; i <= 15; i++ {
		ops = append(ops, op(fmt.Sprintf("op-%02d", i), "a", int64(i)))
	}
	_, err := p.UploadOps(ctx, ops, "a", 0, false)
	require.NoError(t, err)

	page, err := p.DownloadOps(ctx, 0, "b", 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(page.Ops), 5)
	assert.Equal(t, []string{"op-11", "op-12", "op-13", "op-14", "op-15"}, ids(page.Ops))
}

func TestDownload_TrimmedPositionGetsSnapshot(t *testing.T) {
	ctx := context.Background()
	src := &staticSource{state: provider.LocalState{
		State:         json.RawMessage(`{"entities":{"task":{}}}`),
		Archive:       json.RawMessage(`{"old":1}`),
		VectorClock:   vclock.VectorClock{"a": 15},
		SchemaVersion: 1,
	}}
	p, _ := newTestProvider(t, &memBackend{}, func(c *Config) { c.MaxRecentOps = 5 })
	p.SetStateSource(src)

	var ops []*models.Operation
	for i := 1; i <= 15; i++ {
		ops = append(ops, op(fmt.Sprintf("op-%02d", i), "a", int64(i)))
	}
	_, err := p.UploadOps(ctx, ops, "a", 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	page, err := p.DownloadOps(ctx, 0, "b", 0)
	require.NoError(t, err)
	require.NotNil(t, page.Snapshot)
	assert.Equal(t, int64(15), page.Snapshot.Seq)
	assert.Empty(t, page.Snapshot.OpID)
	assert.JSONEq(t, `{"entities":{"task":{}}}`, string(page.Snapshot.State))
	assert.JSONEq(t, `{"old":1}`, string(page.Snapshot.Archive))
	assert.Equal(t, vclock.VectorClock{"a": 15}, page.Snapshot.VectorClock)
	assert.Empty(t, page.Ops, "every buffered op is covered by the snapshot")

	page, err = p.DownloadOps(ctx, 12, "b", 0)
	require.NoError(t, err)
	assert.Nil(t, page.Snapshot)
	assert.Equal(t, []string{"op-13", "op-14", "op-15"}, ids(page.Ops))
}

func TestUploadOps_LostRaceRetriesAndPiggybacks(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{}
	p, _ := newTestProvider(t, backend)
	other, _ := newTestProvider(t, backend)

	backend.beforeWrite = func() {
		_, err := other.UploadOps(ctx, []*models.Operation{op("c1", "c", 1)}, "c", 0, false)
		require.NoError(t, err)
	}

	res, err := p.UploadOps(ctx, []*models.Operation{op("a1", "a", 1)}, "a", 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids(res.Piggybacked))
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, int64(2), res.Accepted[0].ServerSeq)

	page, err := p.DownloadOps(ctx, 0, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "a1"}, ids(page.Ops))
}

func TestUploadOps_GiveUpAfterRepeatedRaces(t *testing.T) {
	ctx := context.Background()
	backend := &racingBackend{memBackend: &memBackend{}}
	p, _ := newTestProvider(t, backend)

	_, err := p.UploadOps(ctx, []*models.Operation{op("a1", "a", 1)}, "a", 0, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRevisionMismatch)
	assert.Equal(t, maxWriteAttempts, backend.writes)
}

type racingBackend struct {
	*memBackend
	writes int
}

func (r *racingBackend) Write(context.Context, []byte, string) (string, error) {
	r.writes++
	return "", ErrRevisionMismatch
}

func TestCycleCache(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{}
	p, _ := newTestProvider(t, backend)

	_, err := p.UploadOps(ctx, []*models.Operation{op("a1", "a", 1)}, "a", 0, false)
	require.NoError(t, err)
	base := backend.readCount()

	p.BeginCycle()
	_, err = p.DownloadOps(ctx, 0, "", 1)
	require.NoError(t, err)
	_, err = p.DownloadOps(ctx, 1, "", 1)
	require.NoError(t, err)
	assert.Equal(t, base+1, backend.readCount(), "second download in a cycle is served from cache")

	_, err = p.UploadOps(ctx, []*models.Operation{op("a2", "a", 2)}, "a", 1, false)
	require.NoError(t, err)
	assert.Equal(t, base+1, backend.readCount(), "upload reuses the cached read")

	page, err := p.DownloadOps(ctx, 1, "", 0)
	require.NoError(t, err)
	assert.Equal(t, base+2, backend.readCount(), "upload invalidates the cache")
	assert.Equal(t, []string{"a2"}, ids(page.Ops))
	p.EndCycle()

	_, err = p.DownloadOps(ctx, 0, "", 0)
	require.NoError(t, err)
	_, err = p.DownloadOps(ctx, 0, "", 0)
	require.NoError(t, err)
	assert.Equal(t, base+4, backend.readCount(), "no caching outside a cycle")
}

func TestDownload_Paging(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, &memBackend{})

	_, err := p.UploadOps(ctx, []*models.Operation{op("a1", "a", 1), op("b1", "b", 1), op("a2", "a", 2), op("a3", "a", 3)}, "a", 0, false)
	require.NoError(t, err)

	page, err := p.DownloadOps(ctx, 0, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids(page.Ops))
	assert.True(t, page.HasMore)

	page, err = p.DownloadOps(ctx, 3, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, ids(page.Ops))
	assert.False(t, page.HasMore)

	page, err = p.DownloadOps(ctx, 0, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids(page.Ops))
	assert.False(t, page.HasMore, "only excluded ops remain")
}

func TestDownload_GapAfterReset(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, &memBackend{})

	_, err := p.UploadOps(ctx, []*models.Operation{op("a1", "a", 1)}, "a", 0, false)
	require.NoError(t, err)

	page, err := p.DownloadOps(ctx, 5, "", 0)
	require.NoError(t, err)
	assert.True(t, page.GapDetected)

	require.NoError(t, p.DeleteAllData(ctx))
	page, err = p.DownloadOps(ctx, 1, "", 0)
	require.NoError(t, err)
	assert.True(t, page.GapDetected)

	page, err = p.DownloadOps(ctx, 0, "", 0)
	require.NoError(t, err)
	assert.False(t, page.GapDetected)
	assert.Empty(t, page.Ops)
}

func TestUploadSnapshot_UsesLocalStateAndSupersedesOps(t *testing.T) {
	ctx := context.Background()
	src := &staticSource{state: provider.LocalState{State: json.RawMessage(`{"entities":{}}`), VectorClock: vclock.VectorClock{"a": 3}}}
	p, _ := newTestProvider(t, &memBackend{})
	p.SetStateSource(src)

	_, err := p.UploadOps(ctx, []*models.Operation{op("c1", "c", 1), op("c2", "c", 2)}, "c", 0, false)
	require.NoError(t, err)

	res, err := p.UploadSnapshot(ctx, syncImport("imp", "a", vclock.VectorClock{"a": 3, "c": 2}), false)
	require.NoError(t, err)
	assert.Equal(t, provider.SnapshotAccepted, res.Status)
	assert.Equal(t, int64(3), res.ServerSeq)

	// Client c is caught up to 2 but not to the import.
	page, err := p.DownloadOps(ctx, 2, "c", 0)
	require.NoError(t, err)
	require.NotNil(t, page.Snapshot)
	assert.Equal(t, "imp", page.Snapshot.OpID)
	assert.JSONEq(t, `{"entities":{}}`, string(page.Snapshot.State), "the op payload is not what gets stored")
	assert.Equal(t, vclock.VectorClock{"a": 3, "c": 2}, page.Snapshot.VectorClock)

	again, err := p.UploadSnapshot(ctx, syncImport("imp", "a", vclock.VectorClock{"a": 3, "c": 2}), false)
	require.NoError(t, err)
	assert.Equal(t, provider.SnapshotAccepted, again.Status)
	assert.Equal(t, int64(3), again.ServerSeq)
}

func TestUploadSnapshot_ImportRace(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, &memBackend{})

	res, err := p.UploadSnapshot(ctx, syncImport("first", "a", vclock.VectorClock{"a": 1}), false)
	require.NoError(t, err)
	assert.Equal(t, provider.SnapshotAccepted, res.Status)

	res, err = p.UploadSnapshot(ctx, syncImport("second", "b", vclock.VectorClock{"b": 1}), false)
	require.NoError(t, err)
	assert.Equal(t, provider.SnapshotConflict, res.Status)

	res, err = p.UploadSnapshot(ctx, syncImport("third", "b", vclock.VectorClock{"a": 1, "b": 2}), false)
	require.NoError(t, err)
	assert.Equal(t, provider.SnapshotAccepted, res.Status, "an import that saw the previous one supersedes it")

	res, err = p.UploadSnapshot(ctx, syncImport("fresh", "z", vclock.VectorClock{"z": 1}), true)
	require.NoError(t, err)
	assert.Equal(t, provider.SnapshotAccepted, res.Status)
	assert.Equal(t, int64(3), res.ServerSeq, "clean slate keeps the sequence")

	res, err = p.UploadSnapshot(ctx, op("r1", "a", 4), false)
	require.NoError(t, err)
	assert.Equal(t, provider.SnapshotRejected, res.Status)
}

func TestUploadOps_CleanSlate(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t, &memBackend{})

	_, err := p.UploadOps(ctx, []*models.Operation{op("c1", "c", 1), op("c2", "c", 2)}, "c", 0, false)
	require.NoError(t, err)

	res, err := p.UploadOps(ctx, []*models.Operation{op("n1", "n", 1)}, "n", 0, true)
	require.NoError(t, err)
	assert.False(t, res.GapDetected)
	assert.Empty(t, res.Piggybacked)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, int64(3), res.Accepted[0].ServerSeq)

	page, err := p.DownloadOps(ctx, 2, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids(page.Ops))
}

func TestSnapshotIsEncryptedOnce(t *testing.T) {
	ctx := context.Background()
	enc := crypto.NewEncryptor(crypto.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1})
	src := &staticSource{state: provider.LocalState{State: json.RawMessage(`{"entities":{"task":{}}}`), VectorClock: vclock.VectorClock{"a": 1}}}
	p, persist := newTestProvider(t, &memBackend{}, func(c *Config) { c.Encryptor = enc })
	p.SetStateSource(src)
	persist.creds["file"] = &models.ProviderCredentials{EncryptionEnabled: true, EncryptionKey: "secret"}

	res, err := p.UploadSnapshot(ctx, syncImport("imp", "a", vclock.VectorClock{"a": 1}), false)
	require.NoError(t, err)
	require.Equal(t, provider.SnapshotAccepted, res.Status)

	page, err := p.DownloadOps(ctx, 0, "b", 0)
	require.NoError(t, err)
	require.NotNil(t, page.Snapshot)
	assert.True(t, page.Snapshot.Encrypted)

	reader := crypto.NewEncryptor(crypto.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1})
	reader.SetPassword("secret")
	plain, err := reader.DecryptJSON(page.Snapshot.State)
	require.NoError(t, err)
	assert.JSONEq(t, `{"entities":{"task":{}}}`, string(plain))
}

func TestSnapshotEncryptionWithoutEncryptor(t *testing.T) {
	ctx := context.Background()
	p, persist := newTestProvider(t, &memBackend{})
	persist.creds["file"] = &models.ProviderCredentials{EncryptionEnabled: true, EncryptionKey: "secret"}

	_, err := p.UploadSnapshot(ctx, syncImport("imp", "a", vclock.VectorClock{"a": 1}), false)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.MissingKey))
}

func TestDownload_ChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	backend, err := NewFSBackend(path)
	require.NoError(t, err)
	p, _ := newTestProvider(t, backend)

	_, err = p.UploadOps(ctx, []*models.Operation{op("a1", "a", 1)}, "a", 0, false)
	require.NoError(t, err)

	var f File
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &f))
	f.RecentOps[0].EntityID = "tampered"
	data, err = json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = p.DownloadOps(ctx, 0, "", 0)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.Corruption))
}

func TestLastServerSeqIsScopedToFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b1, err := NewFSBackend(filepath.Join(dir, "one.json"))
	require.NoError(t, err)
	b2, err := NewFSBackend(filepath.Join(dir, "two.json"))
	require.NoError(t, err)

	persist := newMemPersistence()
	p1, err := New(Config{Backend: b1}, persist)
	require.NoError(t, err)
	p2, err := New(Config{Backend: b2}, persist)
	require.NoError(t, err)

	require.NoError(t, p1.SetLastServerSeq(ctx, 7))
	seq, err := p2.LastServerSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
	seq, err = p1.LastServerSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
}

func TestCapabilities(t *testing.T) {
	p, _ := newTestProvider(t, &memBackend{})
	caps := p.Capabilities()
	assert.NotNil(t, caps.OperationSync)
	assert.NotNil(t, caps.Cycle)
	assert.Nil(t, caps.Restore)
	assert.Equal(t, provider.KindFileBased, p.Kind())
	assert.Equal(t, "file", p.Name())
}
