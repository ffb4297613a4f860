package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// TypedTool adapts a function over a parameter struct into a Tool. The schema
// is reflected from P, so struct tags are the single source of truth for the
// arguments the model sees:
//
//	type weatherParams struct {
//	    Latitude  float64 `json:"latitude" jsonschema:"description=Latitude in degrees"`
//	    Longitude float64 `json:"longitude" jsonschema:"description=Longitude in degrees"`
//	}
type TypedTool[P any] struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, params P) (any, error)
}

// NewTypedTool builds a tool named name. fn's return value is encoded as the
// JSON tool result; a returned error becomes a structured tool failure.
func NewTypedTool[P any](name, description string, fn func(ctx context.Context, params P) (any, error)) (*TypedTool[P], error) {
	schema, err := ReflectSchema[P]()
	if err != nil {
		return nil, fmt.Errorf("reflect schema for tool %s: %w", name, err)
	}
	return &TypedTool[P]{name: name, description: description, schema: schema, fn: fn}, nil
}

// ReflectSchema returns the JSON Schema of P as an inline object schema.
func ReflectSchema[P any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	var zero P
	schema := r.Reflect(&zero)
	schema.Version = ""
	schema.ID = ""
	return json.Marshal(schema)
}

func (t *TypedTool[P]) Name() string            { return t.name }
func (t *TypedTool[P]) Description() string     { return t.description }
func (t *TypedTool[P]) Schema() json.RawMessage { return t.schema }

// Execute decodes params into P and calls the tool function.
func (t *TypedTool[P]) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var p P
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToolInput, err)
		}
	}
	out, err := t.fn(ctx, p)
	if err != nil {
		return nil, err
	}
	if s, ok := out.(string); ok {
		return &ToolResult{Content: s}, nil
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &ToolResult{Content: string(encoded)}, nil
}
