// internal/schema/validator.go
// Package schema provides JSON schema validation for inbound dataset events.
// It ensures that event payloads conform to the published contract before they
// touch the dataset projection.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Event payload schemas, keyed by event type as carried in the envelope.
// The upsert payload mirrors the dataset announcement contract of the
// metadata service; the deletion payload only carries the accession.
const (
	datasetUpsertSchema = `{
		"type": "object",
		"required": ["accession", "title", "stage", "files"],
		"properties": {
			"accession": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"description": {"type": ["string", "null"]},
			"stage": {"type": "string"},
			"files": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["accession"],
					"properties": {
						"accession": {"type": "string", "minLength": 1},
						"file_extension": {"type": "string"}
					}
				}
			}
		}
	}`

	datasetDeletionSchema = `{
		"type": "object",
		"required": ["accession"],
		"properties": {
			"accession": {"type": "string", "minLength": 1}
		}
	}`
)

// Validator validates event payloads against their JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // event type to compiled schema
}

// NewValidator creates a validator with the schemas for the given upsert and
// deletion event types compiled and ready.
func NewValidator(upsertType, deletionType string) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}

	if err := v.loadSchema(upsertType, datasetUpsertSchema); err != nil {
		return nil, fmt.Errorf("failed to load dataset upsert schema: %w", err)
	}
	if err := v.loadSchema(deletionType, datasetDeletionSchema); err != nil {
		return nil, fmt.Errorf("failed to load dataset deletion schema: %w", err)
	}
	return v, nil
}

// loadSchema compiles a single schema and stores it under the event type.
func (v *Validator) loadSchema(eventType, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", eventType, err)
	}
	v.schemas[eventType] = schema
	return nil
}

// Knows reports whether a schema is registered for the given event type.
func (v *Validator) Knows(eventType string) bool {
	_, exists := v.schemas[eventType]
	return exists
}

// Validate validates a raw payload against the schema of its event type.
// It returns nil if the payload is valid and a descriptive error otherwise.
func (v *Validator) Validate(eventType string, payload json.RawMessage) error {
	schema, exists := v.schemas[eventType]
	if !exists {
		return fmt.Errorf("unsupported event type: %s", eventType)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
