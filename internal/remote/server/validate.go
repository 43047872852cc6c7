package server

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// operationSchema describes an uploaded operation. Semantic checks that JSON
// Schema cannot express run afterwards in models.Operation.Validate.
const operationSchema = `{
	"type": "object",
	"required": ["id", "client_id", "op_type", "entity_type", "vector_clock", "timestamp", "schema_version"],
	"properties": {
		"id": {"type": "string", "minLength": 1, "maxLength": 128},
		"client_id": {"type": "string", "minLength": 1, "maxLength": 128},
		"action_type": {"type": "string", "maxLength": 256},
		"op_type": {"enum": ["CRT", "UPD", "DEL", "BATCH", "SYNC_IMPORT", "BACKUP_IMPORT", "REPAIR"]},
		"entity_type": {"type": "string", "minLength": 1, "maxLength": 128},
		"entity_id": {"type": "string", "maxLength": 256},
		"entity_ids": {"type": "array", "items": {"type": "string"}},
		"vector_clock": {
			"type": "object",
			"additionalProperties": {"type": "integer", "minimum": 0}
		},
		"timestamp": {"type": "integer", "minimum": 0},
		"schema_version": {"type": "integer", "minimum": 1},
		"is_payload_encrypted": {"type": "boolean"}
	}
}`

// opValidator checks raw operation JSON against operationSchema.
type opValidator struct {
	schema *gojsonschema.Schema
}

func newOpValidator() (*opValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(operationSchema))
	if err != nil {
		return nil, fmt.Errorf("compile operation schema: %w", err)
	}
	return &opValidator{schema: schema}, nil
}

// Validate returns a descriptive error when raw does not match the schema.
func (v *opValidator) Validate(raw []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var msgs []string
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}
