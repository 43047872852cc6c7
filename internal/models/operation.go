package models

import (
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/opsync/internal/vclock"
)

// OpType is the kind of change an operation carries.
type OpType string

const (
	OpCreate       OpType = "CRT"
	OpUpdate       OpType = "UPD"
	OpDelete       OpType = "DEL"
	OpBatch        OpType = "BATCH"
	OpSyncImport   OpType = "SYNC_IMPORT"
	OpBackupImport OpType = "BACKUP_IMPORT"
	OpRepair       OpType = "REPAIR"
)

// IsFullState reports whether the op type replaces the whole application state.
func (t OpType) IsFullState() bool {
	switch t {
	case OpSyncImport, OpBackupImport, OpRepair:
		return true
	}
	return false
}

// Valid reports whether t is a known op type.
func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete, OpBatch, OpSyncImport, OpBackupImport, OpRepair:
		return true
	}
	return false
}

// EntityAll is the entity type used by operations that span every entity.
const EntityAll = "ALL"

// Action types attached to operations created by the sync layer itself.
const (
	ActionCleanSlate     = "[Sync] Clean Slate"
	ActionLegacyRecovery = "[Sync] Legacy Data Recovery"
	ActionRepair         = "[Sync] Repair State"
	ActionSyncImport     = "[Sync] Import State"
)

// Operation is an immutable record of a single state change. Payload is the
// raw JSON payload, or a JSON string holding ciphertext when
// IsPayloadEncrypted is set.
type Operation struct {
	ID                 string             `json:"id"`
	ClientID           string             `json:"client_id"`
	ActionType         string             `json:"action_type"`
	OpType             OpType             `json:"op_type"`
	EntityType         string             `json:"entity_type"`
	EntityID           string             `json:"entity_id,omitempty"`
	EntityIDs          []string           `json:"entity_ids,omitempty"`
	Payload            json.RawMessage    `json:"payload,omitempty"`
	VectorClock        vclock.VectorClock `json:"vector_clock"`
	Timestamp          int64              `json:"timestamp"` // unix milliseconds
	SchemaVersion      int                `json:"schema_version"`
	IsPayloadEncrypted bool               `json:"is_payload_encrypted,omitempty"`
}

// IsFullState reports whether the operation replaces the whole state.
func (o *Operation) IsFullState() bool {
	return o.OpType.IsFullState()
}

// Clone returns a deep copy of the operation.
func (o *Operation) Clone() *Operation {
	c := *o
	c.VectorClock = o.VectorClock.Clone()
	if o.EntityIDs != nil {
		c.EntityIDs = append([]string(nil), o.EntityIDs...)
	}
	if o.Payload != nil {
		c.Payload = append(json.RawMessage(nil), o.Payload...)
	}
	return &c
}

// TargetIDs returns every entity id the operation touches.
func (o *Operation) TargetIDs() []string {
	if len(o.EntityIDs) > 0 {
		return o.EntityIDs
	}
	if o.EntityID != "" {
		return []string{o.EntityID}
	}
	return nil
}

// Validate checks the structural invariants every operation must satisfy.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("operation has no id")
	}
	if o.ClientID == "" {
		return fmt.Errorf("operation %s has no client id", o.ID)
	}
	if !o.OpType.Valid() {
		return fmt.Errorf("operation %s has unknown op type %q", o.ID, o.OpType)
	}
	if o.EntityType == "" {
		return fmt.Errorf("operation %s has no entity type", o.ID)
	}
	if err := o.VectorClock.Validate(); err != nil {
		return fmt.Errorf("operation %s: %w", o.ID, err)
	}
	if !o.IsFullState() && o.EntityType != EntityAll && len(o.TargetIDs()) == 0 {
		return fmt.Errorf("operation %s (%s %s) has no entity id", o.ID, o.OpType, o.EntityType)
	}
	return nil
}

// SyncOperation is the wire form of an operation once the server has
// assigned it a position in the global order.
type SyncOperation struct {
	Operation
	ServerSeq  int64 `json:"server_seq"`
	ReceivedAt int64 `json:"received_at,omitempty"`
}
