package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/remote/opstore"
	"github.com/kilupskalvis/opsync/internal/vclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGCStore(t *testing.T) *opstore.SQLiteStore {
	t.Helper()
	st, err := opstore.NewSQLiteStore(filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func gcOp(id string, n int64) *models.Operation {
	return &models.Operation{
		ID: id, ClientID: "a", OpType: models.OpCreate, EntityType: "task", EntityID: id,
		Payload: json.RawMessage(`{}`), VectorClock: vclock.VectorClock{"a": n}, Timestamp: n, SchemaVersion: 1,
	}
}

func gcSnapshot(id string, n int64) *models.Operation {
	return &models.Operation{
		ID: id, ClientID: "a", OpType: models.OpSyncImport, EntityType: models.EntityAll,
		Payload: json.RawMessage(`{}`), VectorClock: vclock.VectorClock{"a": n}, Timestamp: n, SchemaVersion: 1,
	}
}

func TestGarbageCollect_NoSnapshots(t *testing.T) {
	ctx := context.Background()
	st := newGCStore(t)

	_, err := st.UploadOps(ctx, "a", 0, []*models.Operation{gcOp("1", 1)}, 0)
	require.NoError(t, err)

	result, err := GarbageCollect(ctx, st, 1, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.OpsDeleted)
	assert.Equal(t, int64(1), result.KeptFrom)
}

func TestGarbageCollect_KeepsNewestSnapshots(t *testing.T) {
	ctx := context.Background()
	st := newGCStore(t)

	n := int64(0)
	next := func() int64 { n++; return n }
	for round := 0; round < 3; round++ {
		_, err := st.UploadOps(ctx, "a", 0, []*models.Operation{gcOp(fmt.Sprintf("op-%d", round), next())}, 0)
		require.NoError(t, err)
		_, err = st.InsertSnapshot(ctx, gcSnapshot(fmt.Sprintf("snap-%d", round), next()), false)
		require.NoError(t, err)
	}
	// seqs: op-0=1 snap-0=2 op-1=3 snap-1=4 op-2=5 snap-2=6

	result, err := GarbageCollect(ctx, st, 2, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.OpsDeleted)
	assert.Equal(t, int64(4), result.KeptFrom)

	points, err := st.RestorePoints(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, points, 2)
}
