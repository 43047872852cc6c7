package models

import (
	"encoding/json"

	"github.com/kilupskalvis/opsync/internal/vclock"
)

// CompactOperation is the short-keyed form operations take inside the
// shared sync file.
type CompactOperation struct {
	Seq           int64              `json:"q"`
	ID            string             `json:"i"`
	ClientID      string             `json:"c"`
	ActionType    string             `json:"a"`
	OpType        OpType             `json:"o"`
	EntityType    string             `json:"e"`
	EntityID      string             `json:"d,omitempty"`
	EntityIDs     []string           `json:"ds,omitempty"`
	Payload       json.RawMessage    `json:"p,omitempty"`
	VectorClock   vclock.VectorClock `json:"v"`
	Timestamp     int64              `json:"t"`
	SchemaVersion int                `json:"s"`
	Encrypted     bool               `json:"x,omitempty"`
}

// ToCompact converts an operation to its compact form at the given file sequence.
func ToCompact(op *Operation, seq int64) CompactOperation {
	return CompactOperation{
		Seq:           seq,
		ID:            op.ID,
		ClientID:      op.ClientID,
		ActionType:    op.ActionType,
		OpType:        op.OpType,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		EntityIDs:     op.EntityIDs,
		Payload:       op.Payload,
		VectorClock:   op.VectorClock,
		Timestamp:     op.Timestamp,
		SchemaVersion: op.SchemaVersion,
		Encrypted:     op.IsPayloadEncrypted,
	}
}

// Expand converts the compact form back to a sequenced operation.
func (c CompactOperation) Expand() *SyncOperation {
	return &SyncOperation{
		Operation: Operation{
			ID:                 c.ID,
			ClientID:           c.ClientID,
			ActionType:         c.ActionType,
			OpType:             c.OpType,
			EntityType:         c.EntityType,
			EntityID:           c.EntityID,
			EntityIDs:          c.EntityIDs,
			Payload:            c.Payload,
			VectorClock:        c.VectorClock,
			Timestamp:          c.Timestamp,
			SchemaVersion:      c.SchemaVersion,
			IsPayloadEncrypted: c.Encrypted,
		},
		ServerSeq: c.Seq,
	}
}
