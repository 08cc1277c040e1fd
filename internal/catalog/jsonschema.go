package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/veralt/nodeflow/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://nodeflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["key", "type"],
      "properties": {
        "key": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["start", "end", "condition", "foreach", "fork", "javascript", "plugin", "wiki", "dataprocess", "aichat"]
        },
        "name": { "type": "string" },
        "inputs": { "type": "object" },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "branch": { "type": "string" },
        "guard": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// Validator validates workflow definitions against the embedded JSON Schema
// and node inputs against per-plugin schemas. Safe for concurrent use.
type Validator struct {
	definitionSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates a Validator with the definition schema pre-compiled.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://nodeflow.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile("https://nodeflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &Validator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow
// schema, then applies structural checks the schema cannot express.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	seen := make(map[string]struct{}, len(def.Nodes))
	for _, node := range def.Nodes {
		if _, exists := seen[node.Key]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node key %q", node.Key)
		}
		seen[node.Key] = struct{}{}
	}
	for _, edge := range def.Edges {
		if _, ok := seen[edge.Source]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge source %q is not a node", edge.Source)
		}
		if _, ok := seen[edge.Target]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge target %q is not a node", edge.Target)
		}
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw
// bytes. The compiled schema is cached for subsequent calls.
func (v *Validator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *Validator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("nodeflow://input-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// readable per-violation messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
