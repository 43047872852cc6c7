// Package provider defines the sync provider abstraction shared by the
// sequence-numbered server protocol and the single-shared-file protocol.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/vclock"
)

// Kind identifies the protocol family of a provider.
type Kind int

const (
	KindOperationSync Kind = iota
	KindFileBased
)

func (k Kind) String() string {
	switch k {
	case KindOperationSync:
		return "operation-sync"
	case KindFileBased:
		return "file-based"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Provider is a configured sync target.
type Provider interface {
	Kind() Kind
	// Name is the key under which the provider's credentials are stored.
	Name() string
	// Capabilities reports which optional surfaces the provider implements.
	Capabilities() Capabilities
}

// Capabilities lists the optional surfaces of a provider. A nil field means
// the provider does not support it.
type Capabilities struct {
	OperationSync OperationSyncCapable
	Restore       RestoreCapable
	Cycle         CycleScoped
}

// OperationSyncCapable is the surface both protocol families share.
type OperationSyncCapable interface {
	// UploadOps sends regular operations. Operations from other clients the
	// caller has not seen are returned as piggybacked operations.
	UploadOps(ctx context.Context, ops []*models.Operation, clientID string, lastKnownSeq int64, cleanSlate bool) (*UploadResult, error)

	// DownloadOps returns operations with a sequence above sinceSeq.
	DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*DownloadResult, error)

	// UploadSnapshot stores a full-state operation. The operation id is kept
	// unchanged end to end.
	UploadSnapshot(ctx context.Context, op *models.Operation, cleanSlate bool) (*SnapshotResult, error)

	LastServerSeq(ctx context.Context) (int64, error)
	SetLastServerSeq(ctx context.Context, seq int64) error

	// EncryptKey returns the configured encryption password, or "" when
	// encryption is disabled.
	EncryptKey(ctx context.Context) (string, error)

	// DeleteAllData removes every operation stored remotely for the account.
	DeleteAllData(ctx context.Context) error
}

// RestoreCapable lists and fetches full-state restore points.
type RestoreCapable interface {
	RestorePoints(ctx context.Context) ([]*models.RestorePoint, error)
	Restore(ctx context.Context, seq int64) (*models.SyncOperation, error)
}

// CycleScoped providers cache remote reads for the duration of one sync
// cycle.
type CycleScoped interface {
	BeginCycle()
	EndCycle()
}

// Accepted is an uploaded operation the remote stored.
type Accepted struct {
	OpID      string
	ServerSeq int64
}

// Rejection is an uploaded operation the remote refused.
type Rejection struct {
	OpID   string
	Code   string
	Reason string
}

// UploadResult is the outcome of UploadOps.
type UploadResult struct {
	Accepted    []Accepted
	Rejected    []Rejection
	Piggybacked []*models.SyncOperation
	LatestSeq   int64
	// GapDetected means the remote cannot serve the operations after
	// lastKnownSeq and the caller must download from scratch.
	GapDetected bool
	// HasMorePiggyback means Piggybacked was truncated. The caller may only
	// advance its position to the last piggybacked operation.
	HasMorePiggyback bool
}

// RemoteSnapshot is a whole state carried outside the operation list, as
// the shared file does.
type RemoteSnapshot struct {
	// OpID is set when the snapshot was written by an explicit full-state
	// operation rather than refreshed alongside regular uploads.
	OpID          string
	State         json.RawMessage
	Archive       json.RawMessage
	VectorClock   vclock.VectorClock
	SchemaVersion int
	Encrypted     bool
	ClientID      string
	// Seq is the file sequence the snapshot covers.
	Seq int64
}

// DownloadResult is one page of remote operations.
type DownloadResult struct {
	Ops         []*models.SyncOperation
	LatestSeq   int64
	HasMore     bool
	GapDetected bool
	// Snapshot is set when the remote holds a state snapshot the caller
	// must adopt before applying Ops.
	Snapshot *RemoteSnapshot
	// SnapshotVectorClock is the clock of the newest full-state operation
	// in Ops, if any.
	SnapshotVectorClock vclock.VectorClock
}

// SnapshotStatus is the verdict on an uploaded snapshot.
type SnapshotStatus int

const (
	SnapshotAccepted SnapshotStatus = iota
	// SnapshotConflict means another client's initial state won the race.
	SnapshotConflict
	SnapshotRejected
)

func (s SnapshotStatus) String() string {
	switch s {
	case SnapshotAccepted:
		return "accepted"
	case SnapshotConflict:
		return "conflict"
	case SnapshotRejected:
		return "rejected"
	}
	return fmt.Sprintf("SnapshotStatus(%d)", int(s))
}

// SnapshotResult is the outcome of UploadSnapshot.
type SnapshotResult struct {
	Status    SnapshotStatus
	ServerSeq int64
	Reason    string
}

// Persistence is the part of the local store providers need.
type Persistence interface {
	GetLastServerSeq(key string) (int64, error)
	SetLastServerSeq(key string, seq int64) error
	GetCredentials(provider string) (*models.ProviderCredentials, error)
}

// LocalState is the plaintext materialized local state, with the archive
// split out of the main document.
type LocalState struct {
	State         json.RawMessage
	Archive       json.RawMessage
	VectorClock   vclock.VectorClock
	SchemaVersion int
}

// StateSource supplies the current local state to providers that store
// snapshots alongside operations.
type StateSource interface {
	UploadState(ctx context.Context) (*LocalState, error)
}

// SeqKey derives the key under which the last processed sequence of one
// remote identity is stored. Switching server, account, or file resets the
// position.
func SeqKey(prefix string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{'|'})
	}
	return prefix + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// EncryptKey returns the encryption password stored for provider, or "" if
// encryption is disabled.
func EncryptKey(p Persistence, provider string) (string, error) {
	creds, err := p.GetCredentials(provider)
	if err != nil {
		return "", err
	}
	if !creds.EncryptionEnabled {
		return "", nil
	}
	return creds.EncryptionKey, nil
}

// MaxAccepted returns the highest server sequence among accepted ops.
func (r *UploadResult) MaxAccepted() int64 {
	var highest int64
	for _, a := range r.Accepted {
		if a.ServerSeq > highest {
			highest = a.ServerSeq
		}
	}
	return highest
}
