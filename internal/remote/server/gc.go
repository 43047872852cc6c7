package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/opsync/internal/remote/opstore"
)

// GCResult contains the outcome of a garbage collection run.
type GCResult struct {
	Account    string `json:"account"`
	OpsDeleted int64  `json:"ops_deleted"`
	KeptFrom   int64  `json:"kept_from"`
}

// GarbageCollect removes operations that precede the keep newest full-state
// operations. Clients positioned before the cut are served the snapshot and
// a gap flag on their next download.
func GarbageCollect(ctx context.Context, st opstore.OpStore, keep int, logger *slog.Logger) (*GCResult, error) {
	before, err := st.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}

	deleted, err := st.Prune(ctx, keep)
	if err != nil {
		return nil, fmt.Errorf("prune ops: %w", err)
	}

	after, err := st.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}

	logger.Info("gc complete",
		"ops_before", before.OpCount,
		"deleted", deleted,
		"kept_from", after.MinSeq,
	)

	return &GCResult{OpsDeleted: deleted, KeptFrom: after.MinSeq}, nil
}
