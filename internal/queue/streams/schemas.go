package streams

import "fmt"

// Event types carried on postcraft streams.
const (
	EventRunEnqueued  = "run.enqueued"
	EventRunStep      = "run.step"
	EventRunStatus    = "run.status"
	EventRunFinished  = "run.finished"
	EventRunEvaluated = "run.evaluated"

	PayloadV1 = "v1"
)

// Definition is a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventRunEnqueued,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "user_id", "topic", "config"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string"},
    "topic": {"type": "string", "minLength": 1},
    "template_id": {"type": "string"},
    "config": {
      "type": "object",
      "properties": {
        "max_revisions": {"type": "integer", "minimum": 0},
        "word_count_min": {"type": "integer", "minimum": 0},
        "word_count_max": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventRunStep,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "sequence", "stage", "decision", "payload", "timestamp"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "sequence": {"type": "integer", "minimum": 1},
    "stage": {"type": "string", "enum": ["supervisor", "researcher", "writer", "critic"]},
    "decision": {"type": "string"},
    "payload": {"type": "object"},
    "duration_ms": {"type": "integer", "minimum": 0},
    "timestamp": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventRunStatus,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "status"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["pending", "running", "researching", "writing", "reviewing", "completed", "failed", "cancelled"]},
    "sequence": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventRunFinished,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "status", "revision_count", "steps"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["completed", "failed", "cancelled"]},
    "revision_count": {"type": "integer", "minimum": 0},
    "steps": {"type": "integer", "minimum": 0},
    "approved": {"type": "boolean"},
    "final_draft": {"type": "string"},
    "error": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventRunEvaluated,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "score", "supported", "unsupported"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "score": {"type": "integer", "minimum": -1, "maximum": 5},
    "supported": {"type": "array", "items": {"type": "string"}},
    "unsupported": {"type": "array", "items": {"type": "string"}},
    "notes": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns a copy of the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the run event schemas into reg.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
