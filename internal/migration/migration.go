// Package migration upgrades operations and state snapshots written by
// older schema versions to the current one.
package migration

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kilupskalvis/opsync/internal/models"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 3

// ErrNewerSchema is returned for data written by a newer schema than this
// build understands.
var ErrNewerSchema = errors.New("data written by a newer schema version")

// Step upgrades data from version From to From+1. Either transform may be nil.
type Step struct {
	From        int
	Description string
	Operation   func(op *models.Operation) error
	State       func(state map[string]json.RawMessage) error
}

// Migrator applies an ordered chain of steps.
type Migrator struct {
	steps  []Step
	target int
}

// New builds a migrator from steps that must start at version 1 and be contiguous.
func New(steps ...Step) (*Migrator, error) {
	for i, s := range steps {
		if s.From != i+1 {
			return nil, fmt.Errorf("migration step %d starts at version %d, want %d", i, s.From, i+1)
		}
	}
	return &Migrator{steps: steps, target: len(steps) + 1}, nil
}

// Default returns the migrator for the built-in schema history.
func Default() *Migrator {
	m, err := New(builtinSteps...)
	if err != nil {
		panic(err)
	}
	return m
}

// Target returns the version data is migrated to.
func (m *Migrator) Target() int { return m.target }

// normalize maps the unset version to 1.
func normalize(version int) int {
	if version <= 0 {
		return 1
	}
	return version
}

// NeedsMigration reports whether data at version must be upgraded.
func (m *Migrator) NeedsMigration(version int) bool {
	return normalize(version) < m.target
}

// MigrateOperation returns op upgraded to the target version. Operations
// already at the target are returned unchanged.
func (m *Migrator) MigrateOperation(op *models.Operation) (*models.Operation, error) {
	version := normalize(op.SchemaVersion)
	if version > m.target {
		return nil, fmt.Errorf("operation %s at version %d: %w", op.ID, op.SchemaVersion, ErrNewerSchema)
	}
	if version == m.target {
		if op.SchemaVersion == m.target {
			return op, nil
		}
		out := op.Clone()
		out.SchemaVersion = m.target
		return out, nil
	}

	out := op.Clone()
	for _, step := range m.steps[version-1:] {
		if step.Operation == nil {
			continue
		}
		if err := step.Operation(out); err != nil {
			return nil, fmt.Errorf("migrate operation %s from v%d: %w", op.ID, step.From, err)
		}
	}
	out.SchemaVersion = m.target
	return out, nil
}

// MigrateState upgrades a serialized state snapshot written at version.
func (m *Migrator) MigrateState(state json.RawMessage, version int) (json.RawMessage, error) {
	version = normalize(version)
	if version > m.target {
		return nil, fmt.Errorf("state at version %d: %w", version, ErrNewerSchema)
	}
	if version == m.target || len(state) == 0 {
		return state, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(state, &doc); err != nil {
		return nil, fmt.Errorf("decode state for migration: %w", err)
	}
	for _, step := range m.steps[version-1:] {
		if step.State == nil {
			continue
		}
		if err := step.State(doc); err != nil {
			return nil, fmt.Errorf("migrate state from v%d: %w", step.From, err)
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode migrated state: %w", err)
	}
	return out, nil
}

// MigrateStateCache upgrades a state cache if needed. The returned bool
// reports whether anything changed.
func (m *Migrator) MigrateStateCache(cache *models.StateCache) (*models.StateCache, bool, error) {
	if cache == nil || !m.NeedsMigration(cache.SchemaVersion) {
		return cache, false, nil
	}
	state, err := m.MigrateState(cache.State, cache.SchemaVersion)
	if err != nil {
		return nil, false, err
	}
	out := *cache
	out.State = state
	out.SchemaVersion = m.target
	return &out, true, nil
}
