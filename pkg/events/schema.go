package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the JSON Schema every outbound envelope must satisfy.
// Kept embedded so the binary has no runtime file dependency.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://portarium.dev/schemas/cloudevent-envelope.json",
  "type": "object",
  "required": ["specversion", "id", "source", "type", "tenantid", "correlationid"],
  "properties": {
    "specversion": {"const": "1.0"},
    "id": {"type": "string", "minLength": 1},
    "source": {"type": "string", "minLength": 1},
    "type": {"type": "string", "pattern": "^com\\.portarium\\.[A-Za-z0-9.]+$"},
    "tenantid": {"type": "string", "minLength": 1},
    "correlationid": {"type": "string", "minLength": 1},
    "subject": {"type": "string"},
    "time": {"type": "string"}
  }
}`

var compiledEnvelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		panic(fmt.Sprintf("events: add envelope schema: %v", err))
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("events: compile envelope schema: %v", err))
	}
	return schema
}

// Validate checks an envelope against the embedded schema.
func Validate(ev CloudEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("events: decode envelope: %w", err)
	}
	if err := compiledEnvelopeSchema.Validate(doc); err != nil {
		return fmt.Errorf("events: envelope failed schema validation: %w", err)
	}
	return nil
}
