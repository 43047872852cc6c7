package models

import (
	"encoding/json"
	"time"

	"github.com/kilupskalvis/opsync/internal/vclock"
)

// SyncStatus tracks whether a local operation reached the remote.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncRejected SyncStatus = "rejected"
)

// Source records where a log entry came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// ApplicationStatus tracks whether a remote operation was applied to local state.
type ApplicationStatus string

const (
	ApplicationPending ApplicationStatus = "pending"
	ApplicationApplied ApplicationStatus = "applied"
	ApplicationFailed  ApplicationStatus = "failed"
)

// LogEntry is an operation as kept in the local operation log.
type LogEntry struct {
	Seq               uint64            `json:"seq"`
	Op                *Operation        `json:"op"`
	Source            Source            `json:"source"`
	SyncStatus        SyncStatus        `json:"sync_status"`
	ApplicationStatus ApplicationStatus `json:"application_status"`
	ServerSeq         int64             `json:"server_seq,omitempty"`
	RejectedReason    string            `json:"rejected_reason,omitempty"`
	ReceivedAt        time.Time         `json:"received_at"`
	SyncedAt          *time.Time        `json:"synced_at,omitempty"`
}

// IsUnsynced reports whether the entry is a local operation still awaiting upload.
func (e *LogEntry) IsUnsynced() bool {
	return e.Source == SourceLocal && e.SyncStatus == SyncPending
}

// IsPendingRemote reports whether the entry is a downloaded operation not yet applied.
func (e *LogEntry) IsPendingRemote() bool {
	return e.Source == SourceRemote && e.ApplicationStatus == ApplicationPending
}

// StateCache is a compacted snapshot of materialized state.
type StateCache struct {
	State            json.RawMessage    `json:"state"`
	LastAppliedOpSeq uint64             `json:"last_applied_op_seq"`
	VectorClock      vclock.VectorClock `json:"vector_clock"`
	CompactedAt      time.Time          `json:"compacted_at"`
	SchemaVersion    int                `json:"schema_version"`
}
