package models

import (
	"encoding/json"
	"time"

	"github.com/kilupskalvis/opsync/internal/vclock"
)

// PendingConflict is a whole-state conflict waiting for the user to pick a side.
type PendingConflict struct {
	DetectedAt          time.Time          `json:"detected_at"`
	Reason              string             `json:"reason"`
	LocalVectorClock    vclock.VectorClock `json:"local_vector_clock"`
	RemoteVectorClock   vclock.VectorClock `json:"remote_vector_clock"`
	RemoteState         json.RawMessage    `json:"remote_state"`
	RemoteSchemaVersion int                `json:"remote_schema_version"`
	RemoteSeq           int64              `json:"remote_seq"`
	RemoteOpID          string             `json:"remote_op_id,omitempty"`
	RemoteClientID      string             `json:"remote_client_id,omitempty"`
	LocalPendingOps     int                `json:"local_pending_ops"`
}

// RestorePoint describes a full-state operation the server can restore from.
type RestorePoint struct {
	ServerSeq  int64  `json:"server_seq"`
	OpID       string `json:"op_id"`
	OpType     OpType `json:"op_type"`
	ClientID   string `json:"client_id"`
	Timestamp  int64  `json:"timestamp"`
	ActionType string `json:"action_type,omitempty"`
}

// ProviderCredentials holds the secrets for a sync provider.
type ProviderCredentials struct {
	Token             string    `json:"token,omitempty"`
	EncryptionKey     string    `json:"encryption_key,omitempty"`
	EncryptionEnabled bool      `json:"encryption_enabled"`
	UpdatedAt         time.Time `json:"updated_at"`
}
