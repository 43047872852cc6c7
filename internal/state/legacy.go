package state

import (
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/opsync/internal/conflict"
	"github.com/kilupskalvis/opsync/internal/models"
)

// legacyCollection is the normalized ids/entities layout older installs
// stored each entity type in.
type legacyCollection struct {
	IDs      []string                   `json:"ids"`
	Entities map[string]json.RawMessage `json:"entities"`
}

// FromLegacy converts a legacy model map into a serialized snapshot with
// every entity stamped with version. Model keys in the ids/entities layout
// become entity types; any other key is kept as a global entity under
// models.EntityAll. An "archive" key becomes the snapshot archive.
func FromLegacy(data map[string]json.RawMessage, version conflict.Version) (json.RawMessage, error) {
	snap := newSnapshot()
	for key, raw := range data {
		if key == "archive" {
			snap.Archive = clone(raw)
			continue
		}

		var coll legacyCollection
		if err := json.Unmarshal(raw, &coll); err == nil && coll.Entities != nil {
			entities := make(map[string]*Entity, len(coll.Entities))
			for id, payload := range coll.Entities {
				if id == "" {
					continue
				}
				entities[id] = &Entity{Payload: clone(payload), Version: version}
			}
			snap.Entities[key] = entities
			continue
		}

		if snap.Entities[models.EntityAll] == nil {
			snap.Entities[models.EntityAll] = make(map[string]*Entity)
		}
		snap.Entities[models.EntityAll][key] = &Entity{Payload: clone(raw), Version: version}
	}

	out, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode legacy snapshot: %w", err)
	}
	return out, nil
}
