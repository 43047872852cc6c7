// Package vclock implements per-client vector clocks used to order
// operations produced by independent replicas.
package vclock

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultMaxEntries is the default cap on the number of client entries a clock keeps.
const DefaultMaxEntries = 20

// VectorClock maps a client id to the number of operations that client produced.
type VectorClock map[string]int64

// Comparison is the causal relationship between two clocks.
type Comparison int

const (
	Equal Comparison = iota
	LessThan
	GreaterThan
	Concurrent
)

func (c Comparison) String() string {
	switch c {
	case Equal:
		return "EQUAL"
	case LessThan:
		return "LESS_THAN"
	case GreaterThan:
		return "GREATER_THAN"
	case Concurrent:
		return "CONCURRENT"
	default:
		return fmt.Sprintf("Comparison(%d)", int(c))
	}
}

// New returns an empty clock.
func New() VectorClock {
	return VectorClock{}
}

// Clone returns a deep copy. A nil clock clones to an empty one.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Get returns the counter for a client, zero when absent.
func (vc VectorClock) Get(clientID string) int64 {
	return vc[clientID]
}

// IsEmpty reports whether the clock has no entries.
func (vc VectorClock) IsEmpty() bool {
	return len(vc) == 0
}

// String renders the clock as JSON with sorted keys.
func (vc VectorClock) String() string {
	data, _ := json.Marshal(map[string]int64(vc))
	return string(data)
}

// Validate rejects empty client ids and negative counters.
func (vc VectorClock) Validate() error {
	for id, n := range vc {
		if id == "" {
			return fmt.Errorf("empty client id in vector clock")
		}
		if n < 0 {
			return fmt.Errorf("negative counter %d for client %s", n, id)
		}
	}
	return nil
}

// Increment returns a copy of vc with the counter for clientID advanced by one.
func Increment(vc VectorClock, clientID string) VectorClock {
	out := vc.Clone()
	out[clientID]++
	return out
}

// Merge returns the pointwise maximum of a and b.
func Merge(a, b VectorClock) VectorClock {
	out := a.Clone()
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare compares two clocks using DefaultMaxEntries as the pruning cap.
func Compare(a, b VectorClock) Comparison {
	return CompareWithLimit(a, b, DefaultMaxEntries)
}

// CompareWithLimit compares a and b over the union of their keys. A missing
// key counts as zero. When both clocks are at or above maxEntries either may
// have had entries pruned, so only keys present on both sides are compared;
// if they share none the result is Concurrent. A maxEntries of zero disables
// the pruning rule.
func CompareWithLimit(a, b VectorClock, maxEntries int) Comparison {
	bothPruned := maxEntries > 0 && len(a) >= maxEntries && len(b) >= maxEntries

	keys := make(map[string]struct{}, len(a)+len(b))
	if bothPruned {
		for k := range a {
			if _, ok := b[k]; ok {
				keys[k] = struct{}{}
			}
		}
		if len(keys) == 0 {
			return Concurrent
		}
	} else {
		for k := range a {
			keys[k] = struct{}{}
		}
		for k := range b {
			keys[k] = struct{}{}
		}
	}

	aGreater, bGreater := false, false
	for k := range keys {
		av, bv := a[k], b[k]
		if av > bv {
			aGreater = true
		} else if bv > av {
			bGreater = true
		}
		if aGreater && bGreater {
			return Concurrent
		}
	}

	switch {
	case aGreater:
		return GreaterThan
	case bGreater:
		return LessThan
	default:
		return Equal
	}
}

// LimitSize returns a copy of vc with at most maxEntries entries. The entry
// for ownClientID is always kept; the remaining slots go to the clients with
// the highest counters, ties broken by client id.
func LimitSize(vc VectorClock, ownClientID string, maxEntries int) VectorClock {
	if maxEntries <= 0 || len(vc) <= maxEntries {
		return vc.Clone()
	}

	type entry struct {
		id string
		n  int64
	}
	others := make([]entry, 0, len(vc))
	for id, n := range vc {
		if id == ownClientID {
			continue
		}
		others = append(others, entry{id, n})
	}
	sort.Slice(others, func(i, j int) bool {
		if others[i].n != others[j].n {
			return others[i].n > others[j].n
		}
		return others[i].id < others[j].id
	})

	out := make(VectorClock, maxEntries)
	slots := maxEntries
	if n, ok := vc[ownClientID]; ok {
		out[ownClientID] = n
		slots--
	}
	for i := 0; i < slots && i < len(others); i++ {
		out[others[i].id] = others[i].n
	}
	return out
}

// HasChanges reports whether current differs from reference in a way worth
// persisting: a counter beyond reference, or a reference key that current
// no longer carries, as after pruning.
func HasChanges(current, reference VectorClock) bool {
	for k, v := range current {
		if v > reference[k] {
			return true
		}
	}
	for k := range reference {
		if _, ok := current[k]; !ok {
			return true
		}
	}
	return false
}
