package conflict

import (
	"testing"

	"github.com/kilupskalvis/opsync/internal/vclock"
	"github.com/stretchr/testify/assert"
)

func ver(opID, client string, ts int64, vc vclock.VectorClock) Version {
	return Version{OpID: opID, ClientID: client, Timestamp: ts, VectorClock: vc}
}

func TestResolveEntity_CausalOrder(t *testing.T) {
	r := NewResolver(vclock.DefaultMaxEntries)
	cur := ver("op1", "a", 2000, vclock.VectorClock{"a": 2})

	// Causally newer wins even with an older timestamp.
	newer := ver("op2", "a", 1000, vclock.VectorClock{"a": 3})
	res := r.ResolveEntity(&cur, newer)
	assert.Equal(t, Apply, res.Decision)
	assert.False(t, res.ByTimestamp)

	older := ver("op0", "a", 3000, vclock.VectorClock{"a": 1})
	res = r.ResolveEntity(&cur, older)
	assert.Equal(t, Skip, res.Decision)
	assert.Equal(t, vclock.LessThan, res.Comparison)
}

func TestResolveEntity_NoCurrent(t *testing.T) {
	r := NewResolver(0)
	res := r.ResolveEntity(nil, ver("op1", "a", 1, vclock.VectorClock{"a": 1}))
	assert.Equal(t, Apply, res.Decision)
}

func TestResolveEntity_SameOpSkips(t *testing.T) {
	r := NewResolver(0)
	v := ver("op1", "a", 1, vclock.VectorClock{"a": 1})
	assert.Equal(t, Skip, r.ResolveEntity(&v, v).Decision)
}

func TestResolveEntity_ConcurrentUsesLWW(t *testing.T) {
	r := NewResolver(vclock.DefaultMaxEntries)
	a := ver("opA", "a", 1000, vclock.VectorClock{"a": 1})
	b := ver("opB", "b", 2000, vclock.VectorClock{"b": 1})

	res := r.ResolveEntity(&a, b)
	assert.Equal(t, Apply, res.Decision)
	assert.True(t, res.ByTimestamp)
	assert.Equal(t, vclock.Concurrent, res.Comparison)

	assert.Equal(t, Skip, r.ResolveEntity(&b, a).Decision)
}

// Two replicas receiving the same concurrent pair in opposite orders end
// with the same winner.
func TestResolveEntity_DeterministicAcrossOrder(t *testing.T) {
	r := NewResolver(vclock.DefaultMaxEntries)
	a := ver("opA", "a", 1000, vclock.VectorClock{"a": 1})
	b := ver("opB", "b", 1000, vclock.VectorClock{"b": 1})

	final := func(first, second Version) Version {
		cur := first
		if r.ResolveEntity(&cur, second).Decision == Apply {
			cur = second
		}
		return cur
	}
	assert.Equal(t, final(a, b), final(b, a))
	assert.Equal(t, "opB", final(a, b).OpID)
}

func TestWins_TieBreaks(t *testing.T) {
	assert.True(t, Wins(ver("x", "b", 1, nil), ver("y", "a", 1, nil)))
	assert.True(t, Wins(ver("y", "a", 1, nil), ver("x", "a", 1, nil)))
	assert.False(t, Wins(ver("y", "z", 1, nil), ver("x", "a", 2, nil)))
}

func TestResolveState(t *testing.T) {
	r := NewResolver(vclock.DefaultMaxEntries)
	tests := []struct {
		name          string
		local, remote StateSide
		want          StateOutcome
	}{
		{"both empty", StateSide{IsEmpty: true}, StateSide{IsEmpty: true}, InSync},
		{"remote empty", StateSide{VectorClock: vclock.VectorClock{"a": 1}}, StateSide{IsEmpty: true, VectorClock: vclock.VectorClock{"b": 9}}, KeepLocal},
		{"local empty", StateSide{IsEmpty: true, VectorClock: vclock.VectorClock{"a": 5}}, StateSide{VectorClock: vclock.VectorClock{"b": 1}}, UseRemote},
		{"equal", StateSide{VectorClock: vclock.VectorClock{"a": 1}}, StateSide{VectorClock: vclock.VectorClock{"a": 1}}, InSync},
		{"remote ahead", StateSide{VectorClock: vclock.VectorClock{"a": 1}}, StateSide{VectorClock: vclock.VectorClock{"a": 2}}, UseRemote},
		{"remote ahead with pending", StateSide{VectorClock: vclock.VectorClock{"a": 1}, PendingOps: 2}, StateSide{VectorClock: vclock.VectorClock{"a": 2}}, NeedsUserChoice},
		{"local ahead", StateSide{VectorClock: vclock.VectorClock{"a": 3}}, StateSide{VectorClock: vclock.VectorClock{"a": 2}}, KeepLocal},
		{"diverged", StateSide{VectorClock: vclock.VectorClock{"a": 1}}, StateSide{VectorClock: vclock.VectorClock{"b": 1}}, NeedsUserChoice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ResolveState(tt.local, tt.remote).Outcome)
		})
	}
}

func TestParseChoice(t *testing.T) {
	c, ok := ParseChoice("local")
	assert.True(t, ok)
	assert.Equal(t, ChoiceKeepLocal, c)
	_, ok = ParseChoice("both")
	assert.False(t, ok)
}
