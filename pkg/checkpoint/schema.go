package checkpoint

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://curt-ia.dev/schemas/checkpoint.schema.json"

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "sequence", "session", "phases", "digest"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "sequence": {"type": "integer", "minimum": 1},
    "digest": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
    "session": {
      "type": "object",
      "required": ["id", "status", "target", "current_phase"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "status": {"enum": ["running", "paused", "completed", "failed"]},
        "target": {
          "type": "object",
          "required": ["threshold", "max_iterations"],
          "properties": {
            "threshold": {"type": "number", "minimum": 0, "maximum": 10},
            "max_iterations": {"type": "integer", "minimum": 1}
          }
        }
      }
    },
    "phases": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "ordinal", "status", "iteration", "budget", "threshold"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "ordinal": {"type": "integer", "minimum": 0},
          "status": {"enum": ["pending", "active", "accepted", "failed"]},
          "iteration": {"type": "integer", "minimum": 0},
          "budget": {"type": "integer", "minimum": 0},
          "threshold": {"type": "number", "minimum": 0, "maximum": 10},
          "history": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["iteration"],
              "properties": {"iteration": {"type": "integer", "minimum": 1}}
            }
          }
        }
      }
    },
    "artifacts": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func validateSchema(doc any) error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add checkpoint schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	if schemaErr != nil {
		return schemaErr
	}
	return compiledSchema.Validate(doc)
}
