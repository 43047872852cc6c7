package models

import (
	"encoding/json"
	"testing"

	"github.com/kilupskalvis/opsync/internal/vclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOp() *Operation {
	return &Operation{
		ID:          "op-1",
		ClientID:    "client-a",
		ActionType:  "[Task] Add",
		OpType:      OpCreate,
		EntityType:  "task",
		EntityID:    "t1",
		Payload:     json.RawMessage(`{"title":"x"}`),
		VectorClock: vclock.VectorClock{"client-a": 1},
		Timestamp:   1000,
	}
}

func TestOperation_Validate(t *testing.T) {
	assert.NoError(t, validOp().Validate())

	op := validOp()
	op.EntityID = ""
	assert.Error(t, op.Validate())

	op = validOp()
	op.EntityType = EntityAll
	op.EntityID = ""
	assert.NoError(t, op.Validate(), "ALL entity type needs no id")

	op = validOp()
	op.OpType = OpSyncImport
	op.EntityID = ""
	assert.NoError(t, op.Validate(), "full-state ops need no id")

	op = validOp()
	op.OpType = "bogus"
	assert.Error(t, op.Validate())

	op = validOp()
	op.ClientID = ""
	assert.Error(t, op.Validate())
}

func TestOperation_Clone(t *testing.T) {
	op := validOp()
	op.EntityIDs = []string{"a"}
	c := op.Clone()
	c.VectorClock["client-a"] = 5
	c.EntityIDs[0] = "b"
	c.Payload[0] = '['

	assert.Equal(t, int64(1), op.VectorClock["client-a"])
	assert.Equal(t, "a", op.EntityIDs[0])
	assert.Equal(t, byte('{'), op.Payload[0])
}

func TestOpType_IsFullState(t *testing.T) {
	assert.True(t, OpSyncImport.IsFullState())
	assert.True(t, OpBackupImport.IsFullState())
	assert.True(t, OpRepair.IsFullState())
	assert.False(t, OpUpdate.IsFullState())
	assert.False(t, OpBatch.IsFullState())
}

func TestSyncOperation_JSONFlattens(t *testing.T) {
	so := SyncOperation{Operation: *validOp(), ServerSeq: 7}
	data, err := json.Marshal(so)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "op-1", raw["id"])
	assert.Equal(t, float64(7), raw["server_seq"])
}

func TestCompactOperation(t *testing.T) {
	op := validOp()
	op.IsPayloadEncrypted = true
	c := ToCompact(op, 42)
	back := c.Expand()

	assert.Equal(t, int64(42), back.ServerSeq)
	assert.Equal(t, *op, back.Operation)
}
