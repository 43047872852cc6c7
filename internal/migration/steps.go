package migration

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kilupskalvis/opsync/internal/models"
)

var builtinSteps = []Step{
	{
		From:        1,
		Description: "entity types are lower-case and singular",
		Operation: func(op *models.Operation) error {
			op.EntityType = NormalizeEntityType(op.EntityType)
			return nil
		},
		State: renameEntityTypes,
	},
	{
		From:        2,
		Description: "single-target operations carry entity_id instead of a one-element entity_ids",
		Operation: func(op *models.Operation) error {
			if op.OpType != models.OpBatch && op.EntityID == "" && len(op.EntityIDs) == 1 {
				op.EntityID = op.EntityIDs[0]
				op.EntityIDs = nil
			}
			return nil
		},
	},
}

// NormalizeEntityType converts a v1 entity type such as "Tasks" to "task".
func NormalizeEntityType(t string) string {
	if t == models.EntityAll {
		return t
	}
	t = strings.ToLower(strings.TrimSpace(t))
	if strings.HasSuffix(t, "s") && !strings.HasSuffix(t, "ss") && len(t) > 1 {
		t = t[:len(t)-1]
	}
	return t
}

// renameEntityTypes normalizes the keys of the "entities" map, merging
// collections whose names collapse to the same type.
func renameEntityTypes(doc map[string]json.RawMessage) error {
	raw, ok := doc["entities"]
	if !ok {
		return nil
	}
	var types map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &types); err != nil {
		return fmt.Errorf("decode entities: %w", err)
	}

	renamed := make(map[string]map[string]json.RawMessage, len(types))
	for name, entities := range types {
		target := NormalizeEntityType(name)
		if renamed[target] == nil {
			renamed[target] = make(map[string]json.RawMessage, len(entities))
		}
		for id, e := range entities {
			if _, exists := renamed[target][id]; exists && name != target {
				continue
			}
			renamed[target][id] = e
		}
	}

	out, err := json.Marshal(renamed)
	if err != nil {
		return err
	}
	doc["entities"] = out
	return nil
}
