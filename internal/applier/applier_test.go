package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/kilupskalvis/opsync/internal/conflict"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/state"
	"github.com/kilupskalvis/opsync/internal/vclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memIndex struct {
	mu      sync.Mutex
	applied map[string]bool
	failOn  string
}

func newMemIndex() *memIndex { return &memIndex{applied: make(map[string]bool)} }

func (m *memIndex) IsOpApplied(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[id], nil
}

func (m *memIndex) MarkOpsApplied(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if id == m.failOn {
			return errors.New("disk full")
		}
		m.applied[id] = true
	}
	return nil
}

func newTestApplier(t *testing.T) (*Applier, *state.Memory, *memIndex) {
	t.Helper()
	st := state.NewMemory()
	idx := newMemIndex()
	a, err := New(st, idx, conflict.NewResolver(vclock.DefaultMaxEntries), nil)
	require.NoError(t, err)
	return a, st, idx
}

func mkOp(id, client string, typ models.OpType, entityID, payload string, ts int64, vc vclock.VectorClock) *models.Operation {
	return &models.Operation{
		ID:          id,
		ClientID:    client,
		ActionType:  "[Task] Change",
		OpType:      typ,
		EntityType:  "task",
		EntityID:    entityID,
		Payload:     json.RawMessage(payload),
		VectorClock: vc,
		Timestamp:   ts,
	}
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newTestApplier(t)
	op := mkOp("o1", "a", models.OpCreate, "t1", `{"n":1}`, 1, vclock.VectorClock{"a": 1})

	res, err := a.Apply(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
	before, err := st.SnapshotState(ctx)
	require.NoError(t, err)

	res, err = a.Apply(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Outcome)
	after, err := st.SnapshotState(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestApply_DuplicateFromPersistentIndex(t *testing.T) {
	ctx := context.Background()
	st := state.NewMemory()
	idx := newMemIndex()
	idx.applied["o1"] = true
	a, err := New(st, idx, conflict.NewResolver(0), nil)
	require.NoError(t, err)

	res, err := a.Apply(ctx, mkOp("o1", "a", models.OpCreate, "t1", `{}`, 1, vclock.VectorClock{"a": 1}))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Outcome)
	assert.True(t, st.IsEmpty())
}

func TestApply_StaleWriteSuperseded(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newTestApplier(t)

	_, err := a.Apply(ctx, mkOp("o2", "a", models.OpUpdate, "t1", `{"v":"new"}`, 1, vclock.VectorClock{"a": 2}))
	require.NoError(t, err)
	res, err := a.Apply(ctx, mkOp("o1", "a", models.OpUpdate, "t1", `{"v":"old"}`, 5, vclock.VectorClock{"a": 1}))
	require.NoError(t, err)
	assert.Equal(t, Superseded, res.Outcome)

	e, ok := st.Get("task", "t1")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":"new"}`, string(e.Payload))
}

func TestApply_ConcurrentLWW(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newTestApplier(t)

	_, err := a.Apply(ctx, mkOp("oa", "a", models.OpUpdate, "t1", `{"v":"a"}`, 2000, vclock.VectorClock{"a": 1}))
	require.NoError(t, err)
	res, err := a.Apply(ctx, mkOp("ob", "b", models.OpUpdate, "t1", `{"v":"b"}`, 1000, vclock.VectorClock{"b": 1}))
	require.NoError(t, err)
	assert.Equal(t, Superseded, res.Outcome)
	assert.Equal(t, 1, res.Concurrent)

	e, _ := st.Get("task", "t1")
	assert.JSONEq(t, `{"v":"a"}`, string(e.Payload))
}

func TestApply_Rejections(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestApplier(t)

	enc := mkOp("o1", "a", models.OpUpdate, "t1", `"xyz"`, 1, vclock.VectorClock{"a": 1})
	enc.IsPayloadEncrypted = true
	_, err := a.Apply(ctx, enc)
	assert.ErrorIs(t, err, ErrEncrypted)

	_, err = a.Apply(ctx, mkOp("o2", "a", models.OpUpdate, "", `{}`, 1, vclock.VectorClock{"a": 1}))
	assert.ErrorIs(t, err, ErrInvalidOperation)
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "o2", ae.OpID)

	// Failed ops are not recorded as applied.
	done, err := a.IsApplied("o2")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestApply_FullState(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newTestApplier(t)
	_, err := a.Apply(ctx, mkOp("o1", "a", models.OpCreate, "t1", `{}`, 1, vclock.VectorClock{"a": 1}))
	require.NoError(t, err)

	imp := mkOp("imp", "b", models.OpSyncImport, "", `{"entities":{"task":{"t2":{"payload":{"x":1}}}}}`, 2, vclock.VectorClock{"b": 1})
	imp.EntityType = models.EntityAll
	_, err = a.Apply(ctx, imp)
	require.NoError(t, err)

	assert.Equal(t, []string{"t2"}, st.List("task"))
	v, ok := st.EntityVersion("task", "t2")
	require.True(t, ok)
	assert.Equal(t, "imp", v.OpID)
}

func TestApply_GlobalEntity(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newTestApplier(t)
	op := mkOp("g1", "a", models.OpUpdate, "", `{"theme":"dark"}`, 1, vclock.VectorClock{"a": 1})
	op.EntityType = models.EntityAll
	_, err := a.Apply(ctx, op)
	require.NoError(t, err)

	e, ok := st.Get(models.EntityAll, state.GlobalID)
	require.True(t, ok)
	assert.JSONEq(t, `{"theme":"dark"}`, string(e.Payload))
}

func TestApplyAll_StopsAtFailure(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestApplier(t)
	ops := []*models.Operation{
		mkOp("o1", "a", models.OpCreate, "t1", `{}`, 1, vclock.VectorClock{"a": 1}),
		mkOp("o2", "a", models.OpCreate, "t2", `{bad`, 2, vclock.VectorClock{"a": 2}),
		mkOp("o3", "a", models.OpCreate, "t3", `{}`, 3, vclock.VectorClock{"a": 3}),
	}
	results, err := a.ApplyAll(ctx, ops)
	require.Error(t, err)
	assert.Len(t, results, 1)

	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.Index)
}

func TestApply_IndexFailureSurfaces(t *testing.T) {
	a, _, idx := newTestApplier(t)
	idx.failOn = "o1"
	_, err := a.Apply(context.Background(), mkOp("o1", "a", models.OpCreate, "t1", `{}`, 1, vclock.VectorClock{"a": 1}))
	assert.Error(t, err)
}

// Replicas that receive the same set of operations in different orders
// converge to the same state. Timestamps increase along each client's
// causal chain, as recorded operations guarantee.
func TestApply_ConvergesAcrossOrders(t *testing.T) {
	ctx := context.Background()
	var ops []*models.Operation
	clients := []string{"a", "b", "c"}
	clocks := map[string]vclock.VectorClock{}
	for i := 0; i < 30; i++ {
		c := clients[i%3]
		clocks[c] = vclock.Increment(clocks[c], c)
		typ := models.OpUpdate
		if i%7 == 6 {
			typ = models.OpDelete
		}
		ops = append(ops, mkOp(fmt.Sprintf("op-%02d", i), c, typ,
			fmt.Sprintf("t%d", i%4), fmt.Sprintf(`{"by_%s":%d}`, c, i), int64(1000+i*10-(i%3)*7), clocks[c]))
	}

	var snapshots []string
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 4; round++ {
		shuffled := append([]*models.Operation(nil), ops...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		a, st, _ := newTestApplier(t)
		for _, op := range shuffled {
			_, err := a.Apply(ctx, op)
			require.NoError(t, err)
		}
		// Re-delivering everything changes nothing.
		for _, op := range shuffled {
			res, err := a.Apply(ctx, op)
			require.NoError(t, err)
			assert.Equal(t, Duplicate, res.Outcome)
		}
		snap, err := st.SnapshotState(ctx)
		require.NoError(t, err)
		snapshots = append(snapshots, string(snap))
	}
	for _, s := range snapshots[1:] {
		assert.JSONEq(t, snapshots[0], s)
	}
}
