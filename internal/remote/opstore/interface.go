// Package opstore provides the server-side operation log for one account.
package opstore

import (
	"context"
	"errors"

	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/vclock"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound       = errors.New("not found")
	ErrSnapshotExists = errors.New("a sync import already exists")
)

// OpResult is the store's verdict for one uploaded operation.
type OpResult struct {
	OpID      string
	ServerSeq int64
	Duplicate bool
}

// UploadResult is the outcome of UploadOps.
type UploadResult struct {
	Results          []OpResult
	LatestSeq        int64
	Piggyback        []*models.SyncOperation
	HasMorePiggyback bool
	GapDetected      bool
}

// Page is one page of a download.
type Page struct {
	Ops                 []*models.SyncOperation
	HasMore             bool
	LatestSeq           int64
	GapDetected         bool
	SnapshotVectorClock vclock.VectorClock
}

// Stats summarizes the log.
type Stats struct {
	LatestSeq         int64
	MinSeq            int64
	OpCount           int64
	LatestSnapshotSeq int64
}

// OpStore defines the contract for server-side operation persistence.
type OpStore interface {
	// LatestSeq returns the highest sequence number ever assigned, including
	// sequence numbers of operations that were since purged or pruned.
	LatestSeq(ctx context.Context) (int64, error)

	// UploadOps stores regular operations and returns the operations from
	// other clients after lastKnownSeq, in one transaction.
	UploadOps(ctx context.Context, clientID string, lastKnownSeq int64, ops []*models.Operation, piggybackLimit int) (*UploadResult, error)

	// OpsSince returns operations with a sequence number above since.
	OpsSince(ctx context.Context, since int64, excludeClient string, limit int) (*Page, error)

	// InsertSnapshot stores a full-state operation. With cleanSlate set the
	// log is purged first.
	InsertSnapshot(ctx context.Context, op *models.Operation, cleanSlate bool) (int64, error)

	// RestorePoints lists full-state operations, newest first.
	RestorePoints(ctx context.Context, limit int) ([]*models.RestorePoint, error)

	// OpAt returns the operation stored at seq.
	OpAt(ctx context.Context, seq int64) (*models.SyncOperation, error)

	// Purge deletes every operation. Sequence numbers are never reused.
	Purge(ctx context.Context) error

	// Prune deletes operations older than the keep-th newest full-state
	// operation and returns how many were removed.
	Prune(ctx context.Context, keep int) (int64, error)

	Stats(ctx context.Context) (*Stats, error)

	// Close releases resources.
	Close() error
}
