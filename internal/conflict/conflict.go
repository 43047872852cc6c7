// Package conflict decides between competing versions of an entity or of
// the whole application state.
//
// Entity conflicts are resolved automatically: causal order wins when the
// vector clocks are comparable, and concurrent edits fall back to
// last-writer-wins on the wall-clock timestamp. Whole-state conflicts are
// only resolved automatically when one side is empty or causally behind;
// otherwise they are escalated to the user.
package conflict

import (
	"github.com/kilupskalvis/opsync/internal/vclock"
)

// Version identifies the write that produced an entity's current value.
type Version struct {
	OpID        string             `json:"op_id"`
	ClientID    string             `json:"client_id"`
	VectorClock vclock.VectorClock `json:"vector_clock"`
	Timestamp   int64              `json:"timestamp"`
}

// EntityDecision is the outcome of offering an incoming write to an entity.
type EntityDecision int

const (
	// Apply means the incoming write supersedes the current version.
	Apply EntityDecision = iota
	// Skip means the current version wins and the incoming write is dropped.
	Skip
)

func (d EntityDecision) String() string {
	if d == Apply {
		return "apply"
	}
	return "skip"
}

// EntityResult explains an entity decision.
type EntityResult struct {
	Decision   EntityDecision
	Comparison vclock.Comparison
	// ByTimestamp is set when the clocks were concurrent and the decision
	// fell back to last-writer-wins.
	ByTimestamp bool
}

// Resolver resolves conflicts with a fixed vector clock cap.
type Resolver struct {
	MaxEntries int
}

// NewResolver returns a resolver using the given vector clock cap.
func NewResolver(maxEntries int) *Resolver {
	return &Resolver{MaxEntries: maxEntries}
}

// ResolveEntity decides whether incoming replaces current. A nil current
// means the entity has never been written, so incoming always applies.
func (r *Resolver) ResolveEntity(current *Version, incoming Version) EntityResult {
	if current == nil {
		return EntityResult{Decision: Apply, Comparison: vclock.GreaterThan}
	}
	if current.OpID != "" && current.OpID == incoming.OpID {
		return EntityResult{Decision: Skip, Comparison: vclock.Equal}
	}

	cmp := vclock.CompareWithLimit(incoming.VectorClock, current.VectorClock, r.MaxEntries)
	switch cmp {
	case vclock.GreaterThan:
		return EntityResult{Decision: Apply, Comparison: cmp}
	case vclock.LessThan:
		return EntityResult{Decision: Skip, Comparison: cmp}
	}

	// Equal clocks with different op ids only happen when clocks were
	// pruned; treat them like concurrent writes.
	res := EntityResult{Comparison: cmp, ByTimestamp: true, Decision: Skip}
	if Wins(incoming, *current) {
		res.Decision = Apply
	}
	return res
}

// Wins reports whether a beats b under last-writer-wins. Later timestamps
// win; ties go to the larger client id and then the larger op id so every
// replica picks the same winner regardless of arrival order.
func Wins(a, b Version) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.ClientID != b.ClientID {
		return a.ClientID > b.ClientID
	}
	return a.OpID > b.OpID
}
