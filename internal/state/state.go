// Package state holds the materialized application state that operations
// are applied to: typed entity collections keyed by id, each carrying the
// version of the write that produced it.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kilupskalvis/opsync/internal/conflict"
	"github.com/kilupskalvis/opsync/internal/models"
)

// GlobalID is the entity id used for operations that address every entity.
const GlobalID = "*"

// Entity is one record of application state.
type Entity struct {
	Payload json.RawMessage  `json:"payload,omitempty"`
	Deleted bool             `json:"deleted,omitempty"`
	Version conflict.Version `json:"version"`
}

// Snapshot is the serialized form of the whole state.
type Snapshot struct {
	Entities map[string]map[string]*Entity `json:"entities"`
	Archive  json.RawMessage               `json:"archive,omitempty"`
}

func newSnapshot() Snapshot {
	return Snapshot{Entities: make(map[string]map[string]*Entity)}
}

// Decode parses a serialized snapshot. An empty input yields an empty snapshot.
func Decode(raw json.RawMessage) (Snapshot, error) {
	snap := newSnapshot()
	if len(raw) == 0 || string(raw) == "null" {
		return snap, nil
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode state snapshot: %w", err)
	}
	if snap.Entities == nil {
		snap.Entities = make(map[string]map[string]*Entity)
	}
	return snap, nil
}

// Memory is an in-memory state store safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	snap      Snapshot
	onReplace []func(Snapshot)
}

// NewMemory returns an empty state store.
func NewMemory() *Memory {
	return &Memory{snap: newSnapshot()}
}

// OnReplace registers a hook run after every whole-state replacement, while
// the new state is still exclusively held.
func (m *Memory) OnReplace(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReplace = append(m.onReplace, fn)
}

// EntityVersion returns the version of an entity, including tombstones.
func (m *Memory) EntityVersion(entityType, entityID string) (*conflict.Version, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.snap.Entities[entityType][entityID]
	if !ok || e == nil {
		return nil, false
	}
	v := e.Version
	v.VectorClock = v.VectorClock.Clone()
	return &v, true
}

// Get returns a copy of a live entity.
func (m *Memory) Get(entityType, entityID string) (*Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.snap.Entities[entityType][entityID]
	if !ok || e == nil || e.Deleted {
		return nil, false
	}
	cp := *e
	cp.Payload = append(json.RawMessage(nil), e.Payload...)
	return &cp, true
}

// List returns the ids of live entities of a type, sorted.
func (m *Memory) List(entityType string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, e := range m.snap.Entities[entityType] {
		if e != nil && !e.Deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Types returns every entity type holding at least one record, sorted.
func (m *Memory) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.snap.Entities))
	for t, coll := range m.snap.Entities {
		if len(coll) > 0 {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

// IsEmpty reports whether the state holds no live entities and no archive.
func (m *Memory) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snap.Archive) > 0 && string(m.snap.Archive) != "null" {
		return false
	}
	for _, coll := range m.snap.Entities {
		for _, e := range coll {
			if e != nil && !e.Deleted {
				return false
			}
		}
	}
	return true
}

// SnapshotState serializes the whole state.
func (m *Memory) SnapshotState(ctx context.Context) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := json.Marshal(m.snap)
	if err != nil {
		return nil, fmt.Errorf("encode state snapshot: %w", err)
	}
	return data, nil
}

// ReplaceState swaps in a serialized snapshot. When stamp is non-nil every
// entity is re-versioned to it, making the replacement the new baseline
// for later writes.
func (m *Memory) ReplaceState(ctx context.Context, raw json.RawMessage, stamp *conflict.Version) error {
	snap, err := Decode(raw)
	if err != nil {
		return err
	}
	if stamp != nil {
		for _, coll := range snap.Entities {
			for _, e := range coll {
				if e == nil {
					continue
				}
				e.Version = *stamp
				e.Version.VectorClock = stamp.VectorClock.Clone()
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	for _, fn := range m.onReplace {
		fn(m.snap)
	}
	return nil
}

// Materialize rewrites the patch carried by a locally recorded Update or
// Batch into whole entity values, overlaying top-level fields onto the
// current entity. Applied ops then replace entities outright, so the
// result depends only on which op wins an entity, never on arrival order.
func (m *Memory) Materialize(op *models.Operation) error {
	switch op.OpType {
	case models.OpUpdate, models.OpBatch:
	default:
		return nil
	}
	if op.IsPayloadEncrypted {
		return fmt.Errorf("materialize %s: payload is encrypted", op.ID)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	coll := m.snap.Entities[op.EntityType]

	if op.OpType == models.OpUpdate {
		merged, err := mergePayload(coll[op.EntityID], op.Payload)
		if err != nil {
			return fmt.Errorf("materialize %s: %s/%s: %w", op.ID, op.EntityType, op.EntityID, err)
		}
		op.Payload = merged
		return nil
	}

	var batch map[string]json.RawMessage
	if err := json.Unmarshal(op.Payload, &batch); err != nil {
		return fmt.Errorf("materialize %s: batch payload: %w", op.ID, err)
	}
	for id, p := range batch {
		if string(p) == "null" {
			continue
		}
		merged, err := mergePayload(coll[id], p)
		if err != nil {
			return fmt.Errorf("materialize %s: %s/%s: %w", op.ID, op.EntityType, id, err)
		}
		batch[id] = merged
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("materialize %s: %w", op.ID, err)
	}
	op.Payload = data
	return nil
}

// Dispatch applies a single-entity or batch operation to the listed ids.
// Ids the caller decided should not change are simply left out. Every id
// is validated before any is written, so a failing op changes nothing.
func (m *Memory) Dispatch(ctx context.Context, op *models.Operation, ids []string) error {
	if op.IsPayloadEncrypted {
		return fmt.Errorf("dispatch %s: payload is still encrypted", op.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	version := conflict.Version{
		OpID:        op.ID,
		ClientID:    op.ClientID,
		VectorClock: op.VectorClock.Clone(),
		Timestamp:   op.Timestamp,
	}

	var batch map[string]json.RawMessage
	if op.OpType == models.OpBatch {
		if err := json.Unmarshal(op.Payload, &batch); err != nil {
			return fmt.Errorf("dispatch %s: batch payload: %w", op.ID, err)
		}
	}

	staged := make(map[string]*Entity, len(ids))
	for _, id := range ids {
		var payload json.RawMessage
		switch op.OpType {
		case models.OpCreate:
			if !json.Valid(op.Payload) {
				return fmt.Errorf("dispatch %s: invalid payload for %s/%s", op.ID, op.EntityType, id)
			}
			staged[id] = &Entity{Payload: clone(op.Payload), Version: version}
			continue
		case models.OpUpdate:
			payload = op.Payload
		case models.OpDelete:
			staged[id] = &Entity{Deleted: true, Version: version}
			continue
		case models.OpBatch:
			p, ok := batch[id]
			if !ok {
				return fmt.Errorf("dispatch %s: batch has no payload for %s", op.ID, id)
			}
			if string(p) == "null" {
				staged[id] = &Entity{Deleted: true, Version: version}
				continue
			}
			payload = p
		default:
			return fmt.Errorf("dispatch %s: op type %s cannot be dispatched per entity", op.ID, op.OpType)
		}
		if !isObject(payload) {
			return fmt.Errorf("dispatch %s: %s/%s: payload is not a JSON object", op.ID, op.EntityType, id)
		}
		staged[id] = &Entity{Payload: clone(payload), Version: version}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.snap.Entities[op.EntityType]
	if coll == nil {
		coll = make(map[string]*Entity, len(staged))
		m.snap.Entities[op.EntityType] = coll
	}
	for id, e := range staged {
		coll[id] = e
	}
	return nil
}

func clone(b json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}

func isObject(b json.RawMessage) bool {
	var fields map[string]json.RawMessage
	return json.Unmarshal(b, &fields) == nil && fields != nil
}

// mergePayload overlays the top-level fields of patch onto the current
// payload. A missing or deleted current entity takes the patch as is.
func mergePayload(current *Entity, patch json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	if current == nil || current.Deleted || len(current.Payload) == 0 {
		return clone(patch), nil
	}
	var base map[string]json.RawMessage
	if err := json.Unmarshal(current.Payload, &base); err != nil || base == nil {
		return clone(patch), nil
	}
	for k, v := range fields {
		base[k] = v
	}
	return json.Marshal(base)
}
