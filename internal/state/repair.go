package state

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Problem is an inconsistency found by Validate.
type Problem struct {
	EntityType string
	EntityID   string
	Reason     string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s/%s: %s", p.EntityType, p.EntityID, p.Reason)
}

// Validate reports structural problems in the current state.
func (m *Memory) Validate() []Problem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return validate(m.snap)
}

func validate(snap Snapshot) []Problem {
	var problems []Problem
	for t, coll := range snap.Entities {
		if t == "" {
			problems = append(problems, Problem{Reason: "empty entity type"})
			continue
		}
		for id, e := range coll {
			switch {
			case id == "":
				problems = append(problems, Problem{EntityType: t, Reason: "empty entity id"})
			case e == nil:
				problems = append(problems, Problem{EntityType: t, EntityID: id, Reason: "nil entity"})
			case !e.Deleted && !json.Valid(e.Payload):
				problems = append(problems, Problem{EntityType: t, EntityID: id, Reason: "invalid payload"})
			}
		}
	}
	sort.Slice(problems, func(i, j int) bool {
		return problems[i].String() < problems[j].String()
	})
	return problems
}

// Repair removes every record Validate would flag and returns how many
// problems it fixed. The state is valid afterwards.
func (m *Memory) Repair() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	problems := validate(m.snap)
	for _, p := range problems {
		if p.EntityType == "" {
			delete(m.snap.Entities, "")
			continue
		}
		delete(m.snap.Entities[p.EntityType], p.EntityID)
	}
	return len(problems)
}
