package core

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/opsync/internal/crypto"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/provider"
	"github.com/kilupskalvis/opsync/internal/state"
	"github.com/kilupskalvis/opsync/internal/store"
	"github.com/kilupskalvis/opsync/internal/vclock"
	"github.com/stretchr/testify/require"
)

var testKDF = crypto.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}

// memRemote is an in-memory sequence-numbered server shared by test clients.
type memRemote struct {
	mu         sync.Mutex
	ops        []*models.SyncOperation
	nextSeq    int64
	floor      int64
	lastImport vclock.VectorClock

	rejectOps       map[string]string
	rejectSnapshots bool
	uploadCalls     int
	uploadErr       error
}

func newMemRemote() *memRemote {
	return &memRemote{nextSeq: 1, rejectOps: make(map[string]string)}
}

func (r *memRemote) latest() int64 { return r.nextSeq - 1 }

func (r *memRemote) add(op *models.Operation) int64 {
	seq := r.nextSeq
	r.nextSeq++
	r.ops = append(r.ops, &models.SyncOperation{Operation: *op.Clone(), ServerSeq: seq})
	return seq
}

func (r *memRemote) find(id string) *models.SyncOperation {
	for _, op := range r.ops {
		if op.ID == id {
			return op
		}
	}
	return nil
}

// inject stores an operation directly, bypassing every server check.
func (r *memRemote) inject(op *models.Operation) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(op)
}

func (r *memRemote) snapshot() []*models.SyncOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.SyncOperation(nil), r.ops...)
}

func (r *memRemote) gap(since int64) bool {
	return since > r.latest() || (since > 0 && since < r.floor)
}

func (r *memRemote) after(since int64, exclude string) []*models.SyncOperation {
	var out []*models.SyncOperation
	for _, op := range r.ops {
		if op.ServerSeq > since && op.ClientID != exclude {
			out = append(out, op)
		}
	}
	return out
}

// memProvider is one client's view of a memRemote. Positions and
// credentials live in the client's store.
type memProvider struct {
	remote  *memRemote
	persist *store.Store
	name    string

	mu     sync.Mutex
	begun  int
	ended  int
	inside bool
}

func (p *memProvider) Kind() provider.Kind { return provider.KindOperationSync }
func (p *memProvider) Name() string        { return p.name }

func (p *memProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{OperationSync: p, Restore: p, Cycle: p}
}

func (p *memProvider) BeginCycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begun++
	p.inside = true
}

func (p *memProvider) EndCycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended++
	p.inside = false
}

func (p *memProvider) UploadOps(_ context.Context, ops []*models.Operation, clientID string, lastKnown int64, _ bool) (*provider.UploadResult, error) {
	r := p.remote
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploadCalls++
	if r.uploadErr != nil {
		return nil, r.uploadErr
	}

	res := &provider.UploadResult{}
	gap := r.gap(lastKnown)
	if !gap {
		res.Piggybacked = r.after(lastKnown, clientID)
	}
	for _, op := range ops {
		if reason, ok := r.rejectOps[op.ID]; ok {
			res.Rejected = append(res.Rejected, provider.Rejection{OpID: op.ID, Code: "invalid_operation", Reason: reason})
			continue
		}
		if op.IsFullState() {
			res.Rejected = append(res.Rejected, provider.Rejection{OpID: op.ID, Code: "full_state_op"})
			continue
		}
		if existing := r.find(op.ID); existing != nil {
			res.Accepted = append(res.Accepted, provider.Accepted{OpID: op.ID, ServerSeq: existing.ServerSeq})
			continue
		}
		res.Accepted = append(res.Accepted, provider.Accepted{OpID: op.ID, ServerSeq: r.add(op)})
	}
	res.LatestSeq = r.latest()
	res.GapDetected = gap
	return res, nil
}

func (p *memProvider) DownloadOps(_ context.Context, since int64, exclude string, limit int) (*provider.DownloadResult, error) {
	r := p.remote
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gap(since) {
		return &provider.DownloadResult{GapDetected: true, LatestSeq: r.latest()}, nil
	}
	ops := r.after(since, exclude)
	res := &provider.DownloadResult{LatestSeq: r.latest()}
	if limit > 0 && len(ops) > limit {
		ops, res.HasMore = ops[:limit], true
	}
	res.Ops = ops
	return res, nil
}

func (p *memProvider) UploadSnapshot(_ context.Context, op *models.Operation, cleanSlate bool) (*provider.SnapshotResult, error) {
	r := p.remote
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rejectSnapshots {
		return &provider.SnapshotResult{Status: provider.SnapshotRejected, Reason: "snapshot refused"}, nil
	}
	if existing := r.find(op.ID); existing != nil {
		return &provider.SnapshotResult{Status: provider.SnapshotAccepted, ServerSeq: existing.ServerSeq}, nil
	}
	if cleanSlate {
		r.ops = nil
		r.lastImport = nil
		r.floor = r.nextSeq
	} else if op.OpType == models.OpSyncImport && r.lastImport != nil &&
		vclock.Compare(op.VectorClock, r.lastImport) != vclock.GreaterThan {
		return &provider.SnapshotResult{Status: provider.SnapshotConflict, Reason: "sync import exists"}, nil
	}
	seq := r.add(op)
	if op.OpType == models.OpSyncImport {
		r.lastImport = op.VectorClock.Clone()
	}
	return &provider.SnapshotResult{Status: provider.SnapshotAccepted, ServerSeq: seq}, nil
}

func (p *memProvider) seqKey() string { return provider.SeqKey("mem", p.name) }

func (p *memProvider) LastServerSeq(context.Context) (int64, error) {
	return p.persist.GetLastServerSeq(p.seqKey())
}

func (p *memProvider) SetLastServerSeq(_ context.Context, seq int64) error {
	return p.persist.SetLastServerSeq(p.seqKey(), seq)
}

func (p *memProvider) EncryptKey(context.Context) (string, error) {
	return provider.EncryptKey(p.persist, p.name)
}

func (p *memProvider) DeleteAllData(context.Context) error {
	r := p.remote
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = nil
	r.lastImport = nil
	r.floor = r.nextSeq
	return nil
}

func (p *memProvider) RestorePoints(context.Context) ([]*models.RestorePoint, error) {
	r := p.remote
	r.mu.Lock()
	defer r.mu.Unlock()
	var points []*models.RestorePoint
	for _, op := range r.ops {
		if op.IsFullState() {
			points = append(points, &models.RestorePoint{ServerSeq: op.ServerSeq, OpID: op.ID, OpType: op.OpType, ClientID: op.ClientID})
		}
	}
	return points, nil
}

func (p *memProvider) Restore(_ context.Context, seq int64) (*models.SyncOperation, error) {
	r := p.remote
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range r.ops {
		if op.ServerSeq == seq && op.IsFullState() {
			cp := *op
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no restore point at %d", seq)
}

// testClient bundles one replica.
type testClient struct {
	svc   *Service
	store *store.Store
	state *state.Memory
	prov  *memProvider
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "opsync.db"))
	require.NoError(t, err)
	require.NoError(t, st.Initialize())
	t.Cleanup(func() { st.Close() })
	return st
}

func newClient(t *testing.T, remote *memRemote, opts Options) *testClient {
	t.Helper()
	st := newTestStore(t)
	mem := state.NewMemory()
	var prov *memProvider
	var p provider.Provider
	if remote != nil {
		prov = &memProvider{remote: remote, persist: st, name: "mem"}
		p = prov
	}
	svc, err := New(st, mem, p, crypto.NewEncryptor(testKDF), opts)
	require.NoError(t, err)
	return &testClient{svc: svc, store: st, state: mem, prov: prov}
}

func (c *testClient) create(t *testing.T, id, payload string) *models.Operation {
	t.Helper()
	op, err := c.svc.Record(context.Background(), RecordInput{
		ActionType: "[Task] Add",
		OpType:     models.OpCreate,
		EntityType: "task",
		EntityID:   id,
		Payload:    json.RawMessage(payload),
	})
	require.NoError(t, err)
	return op
}

func (c *testClient) sync(t *testing.T) *SyncResult {
	t.Helper()
	res, err := c.svc.Sync(context.Background())
	require.NoError(t, err)
	return res
}

func (c *testClient) has(id string) bool {
	e, ok := c.state.Get("task", id)
	return ok && !e.Deleted
}

func (c *testClient) entry(t *testing.T, opID string) *models.LogEntry {
	t.Helper()
	e, err := c.store.GetEntryByOpID(opID)
	require.NoError(t, err)
	return e
}

func (c *testClient) position(t *testing.T) int64 {
	t.Helper()
	seq, err := c.prov.LastServerSeq(context.Background())
	require.NoError(t, err)
	return seq
}

// fullState builds a full-state operation from another client.
func fullState(t *testing.T, id, clientID string, vc vclock.VectorClock, entities map[string]string) *models.Operation {
	t.Helper()
	mem := state.NewMemory()
	for eid, payload := range entities {
		require.NoError(t, mem.Dispatch(context.Background(), &models.Operation{
			ID: id + "-" + eid, ClientID: clientID, OpType: models.OpCreate, EntityType: "task", EntityID: eid,
			Payload: json.RawMessage(payload), VectorClock: vc,
		}, []string{eid}))
	}
	raw, err := mem.SnapshotState(context.Background())
	require.NoError(t, err)
	return &models.Operation{
		ID:            id,
		ClientID:      clientID,
		ActionType:    models.ActionSyncImport,
		OpType:        models.OpSyncImport,
		EntityType:    models.EntityAll,
		Payload:       raw,
		VectorClock:   vc,
		Timestamp:     time.Now().UnixMilli(),
		SchemaVersion: 3,
	}
}

// testClock is a settable wall clock for Options.Now.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(ms int64) *testClock { return &testClock{now: time.UnixMilli(ms)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

func (c *testClient) update(t *testing.T, id, patch string) *models.Operation {
	t.Helper()
	op, err := c.svc.Record(context.Background(), RecordInput{
		ActionType: "[Task] Update",
		OpType:     models.OpUpdate,
		EntityType: "task",
		EntityID:   id,
		Payload:    json.RawMessage(patch),
	})
	require.NoError(t, err)
	return op
}

// requireConverged checks that every replica holds the same entities and
// the same vector clock.
func requireConverged(t *testing.T, clients ...*testClient) {
	t.Helper()
	first := clients[0]
	for _, c := range clients[1:] {
		require.Equal(t, first.state.List("task"), c.state.List("task"))
		for _, id := range first.state.List("task") {
			want, _ := first.state.Get("task", id)
			got, _ := c.state.Get("task", id)
			require.JSONEq(t, string(want.Payload), string(got.Payload), "entity %s", id)
			require.Equal(t, want.Version.OpID, got.Version.OpID, "entity %s", id)
		}
		wantVC, err := first.store.GetVectorClock()
		require.NoError(t, err)
		gotVC, err := c.store.GetVectorClock()
		require.NoError(t, err)
		require.Equal(t, wantVC, gotVC)
	}
}
