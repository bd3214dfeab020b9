// Package taskcoretest provides minimal stub tools for exercising the
// registry, orchestrator, binding, and engine packages without pulling in
// real tool implementations. Modeled on the teacher's pattern of small
// fixture types defined alongside the package they support rather than in
// a separate testdata tree.
package taskcoretest

import (
	"context"
	"fmt"

	"github.com/meridianai/taskcore/internal/taskcore"
)

// Echo returns a tool that copies its inputs into output.data verbatim,
// plus an "ok" boolean set to true. Useful for binding-resolution tests
// where the shape of the downstream output matters more than its content.
func Echo(name string) *taskcore.BaseTool {
	return taskcore.NewBaseTool(name, func(_ context.Context, inputs map[string]any) taskcore.TaskOutput {
		data := make(map[string]any, len(inputs)+1)
		for k, v := range inputs {
			data[k] = v
		}
		data["ok"] = true
		return taskcore.TaskOutput{Success: true, Data: data}
	})
}

// AlwaysFail returns a tool whose body always reports failure with the
// given message, for exercising cascade-failure paths.
func AlwaysFail(name, message string) *taskcore.BaseTool {
	return taskcore.NewBaseTool(name, func(_ context.Context, _ map[string]any) taskcore.TaskOutput {
		return taskcore.TaskOutput{Success: false, Data: map[string]any{}, Error: message}
	})
}

// Panics returns a tool whose body panics, for exercising BaseTool.Execute's
// recover wrapper.
func Panics(name string) *taskcore.BaseTool {
	return taskcore.NewBaseTool(name, func(_ context.Context, _ map[string]any) taskcore.TaskOutput {
		panic("boom")
	})
}

// Blocks returns a tool whose body blocks until the context is cancelled,
// for exercising engine timeout handling.
func Blocks(name string) *taskcore.BaseTool {
	return taskcore.NewBaseTool(name, func(ctx context.Context, _ map[string]any) taskcore.TaskOutput {
		<-ctx.Done()
		return taskcore.TaskOutput{Success: false, Data: map[string]any{}, Error: "context ended"}
	})
}

// Adder returns a tool that sums an integer field named "a" and "b" into
// output field "sum", failing validation if either is missing — useful for
// exercising the registry's required-field checks end to end.
func Adder(name string) *taskcore.BaseTool {
	tool := taskcore.NewBaseTool(name, func(_ context.Context, inputs map[string]any) taskcore.TaskOutput {
		a, err := asInt(inputs["a"])
		if err != nil {
			return taskcore.TaskOutput{Success: false, Data: map[string]any{}, Error: err.Error()}
		}
		b, err := asInt(inputs["b"])
		if err != nil {
			return taskcore.TaskOutput{Success: false, Data: map[string]any{}, Error: err.Error()}
		}
		return taskcore.TaskOutput{Success: true, Data: map[string]any{"sum": a + b}}
	})
	tool.SetSchemas(
		taskcore.FieldSchema{
			"a": {Type: taskcore.TypeInteger, Required: true},
			"b": {Type: taskcore.TypeInteger, Required: true},
		},
		taskcore.FieldSchema{
			"sum": {Type: taskcore.TypeInteger, Required: true},
		},
	)
	return tool
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
