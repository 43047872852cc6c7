package conflict

import (
	"github.com/kilupskalvis/opsync/internal/vclock"
)

// StateSide summarizes one replica's whole state for comparison.
type StateSide struct {
	VectorClock vclock.VectorClock
	IsEmpty     bool
	// PendingOps counts local user operations not yet accepted by the remote.
	PendingOps int
}

// StateOutcome is the result of comparing two whole states.
type StateOutcome int

const (
	// InSync means neither side has anything the other lacks.
	InSync StateOutcome = iota
	// UseRemote means local state should be replaced by the remote state.
	UseRemote
	// KeepLocal means local state already contains the remote state.
	KeepLocal
	// NeedsUserChoice means both sides carry unique history.
	NeedsUserChoice
)

func (o StateOutcome) String() string {
	switch o {
	case InSync:
		return "in_sync"
	case UseRemote:
		return "use_remote"
	case KeepLocal:
		return "keep_local"
	case NeedsUserChoice:
		return "needs_user_choice"
	}
	return "unknown"
}

// StateDecision explains a whole-state outcome.
type StateDecision struct {
	Outcome    StateOutcome
	Comparison vclock.Comparison
	Reason     string
}

// ResolveState compares local and remote whole states. An empty side never
// wins against a non-empty one, whatever the clocks say.
func (r *Resolver) ResolveState(local, remote StateSide) StateDecision {
	switch {
	case remote.IsEmpty && local.IsEmpty:
		return StateDecision{Outcome: InSync, Reason: "both sides empty"}
	case remote.IsEmpty:
		return StateDecision{Outcome: KeepLocal, Reason: "remote state is empty"}
	case local.IsEmpty && local.PendingOps == 0:
		return StateDecision{Outcome: UseRemote, Reason: "local state is empty"}
	}

	cmp := vclock.CompareWithLimit(local.VectorClock, remote.VectorClock, r.MaxEntries)
	d := StateDecision{Comparison: cmp}
	switch cmp {
	case vclock.Equal:
		d.Outcome, d.Reason = InSync, "vector clocks are equal"
	case vclock.LessThan:
		d.Outcome, d.Reason = UseRemote, "remote state is causally ahead"
		if local.PendingOps > 0 {
			d.Outcome, d.Reason = NeedsUserChoice, "remote state is ahead but local changes are unsynced"
		}
	case vclock.GreaterThan:
		d.Outcome, d.Reason = KeepLocal, "local state is causally ahead"
	default:
		d.Outcome, d.Reason = NeedsUserChoice, "local and remote states diverged"
	}
	return d
}

// Choice is the user's answer to a whole-state conflict.
type Choice string

const (
	ChoiceKeepLocal  Choice = "local"
	ChoiceKeepRemote Choice = "remote"
)

// ParseChoice validates a user supplied choice.
func ParseChoice(s string) (Choice, bool) {
	switch Choice(s) {
	case ChoiceKeepLocal, ChoiceKeepRemote:
		return Choice(s), true
	}
	return "", false
}
