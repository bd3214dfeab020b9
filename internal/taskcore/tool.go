package taskcore

import (
	"context"
	"fmt"
	"log/slog"
)

// Tool is the contract every concrete tool honors, shared by both the
// server and client locales. Implementations declare their locale to the
// registry but are otherwise opaque to the core: the core never
// introspects tool data beyond the declared TaskOutput shape and binding
// resolution.
type Tool interface {
	// ToolName is a stable identifier matching the tool's registry entry.
	ToolName() string

	// SetSchemas is called once after registry load; the tool stores the
	// schemas for use by Execute.
	SetSchemas(params, output FieldSchema)

	// Execute is the public entry point: validate → invoke body → validate
	// output (warn-only) → never panic out of the call.
	Execute(ctx context.Context, inputs map[string]any) TaskOutput
}

// FieldDef declares one field of a tool's params or output schema.
type FieldDef struct {
	Type     FieldType
	Required bool
	Default  any
}

// FieldType is one of the primitive shapes a schema field can declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// FieldSchema maps a field name to its declaration. A nil/empty FieldSchema
// means "no schema" and validation is skipped, matching
// original_source/server/app/agent/shared/tools/base.py's behavior when
// _params_schema is unset.
type FieldSchema map[string]FieldDef

// Body is the tool-specific implementation invoked by BaseTool.Execute
// after input validation succeeds.
type Body func(ctx context.Context, inputs map[string]any) TaskOutput

// BaseTool implements the validate → body → validate-output-but-don't-fail →
// recover wrapper described in SPEC_FULL.md §4.5, ported from
// original_source/server/app/agent/shared/tools/base.py's BaseTool.execute.
// Concrete tools embed BaseTool and supply a name and Body, the same way the
// teacher's tools embed common scaffolding rather than reimplementing it.
type BaseTool struct {
	Name         string
	body         Body
	paramsSchema FieldSchema
	outputSchema FieldSchema
}

// NewBaseTool wires a name and body into a BaseTool ready for registration.
func NewBaseTool(name string, body Body) *BaseTool {
	return &BaseTool{Name: name, body: body}
}

func (b *BaseTool) ToolName() string { return b.Name }

func (b *BaseTool) SetSchemas(params, output FieldSchema) {
	b.paramsSchema = params
	b.outputSchema = output
}

// Execute runs the wrapper contract. It never panics: a recovering deferred
// function converts any panic from Body into a failed TaskOutput, matching
// the original's blanket except-and-convert behavior.
func (b *BaseTool) Execute(ctx context.Context, inputs map[string]any) (out TaskOutput) {
	defer func() {
		if r := recover(); r != nil {
			out = TaskOutput{Success: false, Data: map[string]any{}, Error: fmt.Sprintf("%v", r)}
		}
	}()

	if len(b.paramsSchema) > 0 {
		if err := validateFields(b.paramsSchema, inputs); err != nil {
			return TaskOutput{
				Success: false,
				Data:    map[string]any{},
				Error:   fmt.Sprintf("Input validation failed: %v", err),
			}
		}
		inputs = applyDefaults(b.paramsSchema, inputs)
	}

	if b.body == nil {
		return TaskOutput{Success: false, Data: map[string]any{}, Error: "tool has no body"}
	}
	result := b.body(ctx, inputs)

	if len(b.outputSchema) > 0 && result.Success {
		// Output validation failures are logged as a warning and never
		// override success, matching the original's "don't fail the task,
		// just log warning".
		if err := validateOutputFields(b.outputSchema, result.Data); err != nil {
			slog.Warn("tool output validation failed", "tool", b.Name, "error", err)
		}
	}

	return result
}

func validateFields(schema FieldSchema, inputs map[string]any) error {
	for name, def := range schema {
		v, present := inputs[name]
		if !present {
			if def.Required {
				return fmt.Errorf("missing required parameter: %s", name)
			}
			continue
		}
		if err := checkType(name, def.Type, v); err != nil {
			return err
		}
	}
	return nil
}

func validateOutputFields(schema FieldSchema, data map[string]any) error {
	for name := range schema {
		if _, ok := data[name]; !ok {
			return fmt.Errorf("missing declared output field: %s", name)
		}
	}
	return nil
}

func applyDefaults(schema FieldSchema, inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for name, def := range schema {
		if _, present := out[name]; !present && def.Default != nil {
			out[name] = def.Default
		}
	}
	return out
}

// checkType enforces numeric semantics from SPEC_FULL.md §4.1: integer
// rejects boolean, array requires an ordered sequence, object requires a
// mapping.
func checkType(name string, t FieldType, v any) error {
	switch t {
	case TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("parameter %q must be string, got %T", name, v)
		}
	case TypeInteger:
		switch v.(type) {
		case bool:
			return fmt.Errorf("parameter %q must be integer, got bool", name)
		case int, int32, int64, float64:
			// float64 accepted: JSON-decoded numbers land here; callers
			// constructing Go literals may pass int directly.
		default:
			return fmt.Errorf("parameter %q must be integer, got %T", name, v)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q must be boolean, got %T", name, v)
		}
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("parameter %q must be array, got %T", name, v)
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("parameter %q must be object, got %T", name, v)
		}
	}
	return nil
}
