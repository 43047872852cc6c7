// Package applier applies operations to application state exactly once.
//
// Every operation is checked against an applied-op index before it touches
// state, so re-delivering the same operation is a no-op. Entity writes go
// through last-writer-wins resolution per target entity; full-state
// operations replace the state wholesale.
package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kilupskalvis/opsync/internal/conflict"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/state"
)

// DefaultCacheSize is the number of recently applied op ids kept in memory.
const DefaultCacheSize = 4096

var (
	// ErrEncrypted is returned for operations whose payload was not decrypted.
	ErrEncrypted = errors.New("operation payload is encrypted")
	// ErrInvalidOperation is returned for structurally invalid operations.
	ErrInvalidOperation = errors.New("invalid operation")
)

// StateStore is the state the applier writes to.
type StateStore interface {
	EntityVersion(entityType, entityID string) (*conflict.Version, bool)
	Dispatch(ctx context.Context, op *models.Operation, ids []string) error
	ReplaceState(ctx context.Context, raw json.RawMessage, stamp *conflict.Version) error
}

// AppliedIndex persists which operations were applied.
type AppliedIndex interface {
	IsOpApplied(opID string) (bool, error)
	MarkOpsApplied(opIDs []string) error
}

// Outcome describes what applying an operation did.
type Outcome int

const (
	// Applied means at least one target changed.
	Applied Outcome = iota
	// Superseded means every target already held a winning version.
	Superseded
	// Duplicate means the operation had been applied before.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Superseded:
		return "superseded"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Result reports the effect of one operation.
type Result struct {
	OpID       string
	Outcome    Outcome
	Changed    []string
	Kept       []string
	Concurrent int
}

// ApplyError is returned when an operation could not be applied.
type ApplyError struct {
	OpID  string
	Index int
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply operation %s: %v", e.OpID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Applier applies operations to a state store.
type Applier struct {
	state    StateStore
	index    AppliedIndex
	resolver *conflict.Resolver
	seen     *lru.Cache[string, struct{}]
	logger   *slog.Logger
}

// New creates an applier. A nil logger discards log output.
func New(st StateStore, index AppliedIndex, resolver *conflict.Resolver, logger *slog.Logger) (*Applier, error) {
	seen, err := lru.New[string, struct{}](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create applied cache: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Applier{state: st, index: index, resolver: resolver, seen: seen, logger: logger}, nil
}

// IsApplied reports whether the operation was applied before.
func (a *Applier) IsApplied(opID string) (bool, error) {
	if a.seen.Contains(opID) {
		return true, nil
	}
	ok, err := a.index.IsOpApplied(opID)
	if err != nil {
		return false, fmt.Errorf("check applied index: %w", err)
	}
	if ok {
		a.seen.Add(opID, struct{}{})
	}
	return ok, nil
}

// Apply applies op unless it was applied before.
func (a *Applier) Apply(ctx context.Context, op *models.Operation) (*Result, error) {
	done, err := a.IsApplied(op.ID)
	if err != nil {
		return nil, err
	}
	if done {
		return &Result{OpID: op.ID, Outcome: Duplicate}, nil
	}
	return a.apply(ctx, op)
}

// Replay applies op without consulting the applied index. It is used to
// rebuild in-memory state from the log; entity versions keep the replay
// from regressing newer writes.
func (a *Applier) Replay(ctx context.Context, op *models.Operation) (*Result, error) {
	return a.apply(ctx, op)
}

// ApplyAll applies ops in order and stops at the first failure. The
// returned results cover every op before the failing one.
func (a *Applier) ApplyAll(ctx context.Context, ops []*models.Operation) ([]*Result, error) {
	results := make([]*Result, 0, len(ops))
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := a.Apply(ctx, op)
		if err != nil {
			var ae *ApplyError
			if errors.As(err, &ae) {
				ae.Index = i
			}
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (a *Applier) apply(ctx context.Context, op *models.Operation) (*Result, error) {
	if op.IsPayloadEncrypted {
		return nil, &ApplyError{OpID: op.ID, Err: ErrEncrypted}
	}
	if err := op.Validate(); err != nil {
		return nil, &ApplyError{OpID: op.ID, Err: fmt.Errorf("%w: %v", ErrInvalidOperation, err)}
	}

	version := conflict.Version{
		OpID:        op.ID,
		ClientID:    op.ClientID,
		VectorClock: op.VectorClock,
		Timestamp:   op.Timestamp,
	}
	res := &Result{OpID: op.ID}

	if op.IsFullState() {
		if err := a.state.ReplaceState(ctx, op.Payload, &version); err != nil {
			return nil, &ApplyError{OpID: op.ID, Err: err}
		}
		res.Outcome = Applied
		a.logger.Info("full state replaced", "op_id", op.ID, "op_type", op.OpType, "client_id", op.ClientID)
	} else {
		for _, id := range Targets(op) {
			current, _ := a.state.EntityVersion(op.EntityType, id)
			decision := a.resolver.ResolveEntity(current, version)
			if decision.ByTimestamp {
				res.Concurrent++
			}
			if decision.Decision == conflict.Apply {
				res.Changed = append(res.Changed, id)
			} else {
				res.Kept = append(res.Kept, id)
			}
		}
		if err := a.state.Dispatch(ctx, op, res.Changed); err != nil {
			return nil, &ApplyError{OpID: op.ID, Err: err}
		}
		res.Outcome = Applied
		if len(res.Changed) == 0 {
			res.Outcome = Superseded
		}
		if res.Concurrent > 0 {
			a.logger.Debug("concurrent write resolved by timestamp",
				"op_id", op.ID, "entity_type", op.EntityType, "changed", len(res.Changed), "kept", len(res.Kept))
		}
	}

	if err := a.index.MarkOpsApplied([]string{op.ID}); err != nil {
		return nil, fmt.Errorf("record applied op %s: %w", op.ID, err)
	}
	a.seen.Add(op.ID, struct{}{})
	return res, nil
}

// Targets returns the entity ids an operation writes. Operations on every
// entity address the single global record.
func Targets(op *models.Operation) []string {
	ids := op.TargetIDs()
	if len(ids) == 0 && op.EntityType == models.EntityAll {
		return []string{state.GlobalID}
	}
	return ids
}
