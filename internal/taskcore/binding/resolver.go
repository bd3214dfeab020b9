// Package binding implements the Binding Resolver subsystem: dereferencing
// JSONPath-like expressions of the form $.task_id.a.b against completed
// task outputs. Ported from
// original_source/electron/action_executor/engine/binding_resolver.py.
package binding

import (
	"strconv"
	"strings"

	"github.com/meridianai/taskcore/internal/taskcore"
)

// StateView is the minimal read surface the resolver needs from an
// orchestrator-owned ExecutionState: look up a task record by ID. Kept as
// an interface so binding has no import-time dependency on the
// orchestrator package.
type StateView interface {
	GetTask(taskID string) (*taskcore.TaskRecord, bool)
}

// Resolver resolves task input bindings. It is stateless and safe for
// concurrent use.
type Resolver struct{}

// New returns a ready-to-use Resolver.
func New() *Resolver { return &Resolver{} }

// ResolveInputs produces the effective input mapping for a task per
// SPEC_FULL.md §4.3:
//  1. Start with a copy of task.Inputs.
//  2. Overlay any already-populated ResolvedInputs.
//  3. For every (name, expr) in InputBindings not already set, resolve the
//     path; if it resolves fully, set it; otherwise leave it unset.
//
// Unresolved bindings are returned via the warnings slice (one entry per
// unresolved name) rather than as an error — validation, not resolution,
// is what gates scheduling.
func (r *Resolver) ResolveInputs(task *taskcore.TaskRecord, state StateView) (map[string]any, []string) {
	resolved := make(map[string]any, len(task.Inputs)+len(task.InputBindings))
	for k, v := range task.Inputs {
		resolved[k] = v
	}
	for k, v := range task.ResolvedInputs {
		resolved[k] = v
	}

	var warnings []string
	for name, expr := range task.InputBindings {
		if _, already := resolved[name]; already {
			continue
		}
		value, ok := r.resolveExpr(expr, state)
		if ok {
			resolved[name] = value
		} else {
			warnings = append(warnings, name+"="+expr)
		}
	}
	return resolved, warnings
}

// ValidateBindings reports whether every binding in task.InputBindings can
// be resolved: the referenced task exists, is completed, and the full path
// dereferences without failing midway. A task whose bindings do not
// validate must not be scheduled.
func (r *Resolver) ValidateBindings(task *taskcore.TaskRecord, state StateView) (bool, string) {
	for name, expr := range task.InputBindings {
		if _, already := task.ResolvedInputs[name]; already {
			continue
		}
		if _, already := task.Inputs[name]; already {
			continue
		}
		taskID, _, ok := parseExpr(expr)
		if !ok {
			return false, "invalid binding expression: " + expr
		}
		ref, exists := state.GetTask(taskID)
		if !exists {
			return false, "binding references unknown task: " + taskID
		}
		if ref.Status != taskcore.StatusCompleted {
			return false, "binding references task not yet completed: " + taskID
		}
		if _, ok := r.resolveExpr(expr, state); !ok {
			return false, "binding path did not resolve: " + expr
		}
	}
	return true, ""
}

// resolveExpr parses and walks a single binding expression against state.
func (r *Resolver) resolveExpr(expr string, state StateView) (any, bool) {
	taskID, path, ok := parseExpr(expr)
	if !ok || len(path) == 0 {
		return nil, false
	}

	ref, exists := state.GetTask(taskID)
	if !exists || ref.Output == nil {
		return nil, false
	}

	var current any = outputAsMap(ref.Output)
	for _, segment := range path {
		next, ok := step(current, segment)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// outputAsMap mirrors the Python original's model_dump(): a binding walk
// starts at the task's full serialized output, {success, data, error}, not
// just its data payload, so "$.task_id.data.field" (the spec's documented
// form) selects into Output.Data via an explicit "data" segment rather than
// skipping it.
func outputAsMap(out *taskcore.TaskOutput) map[string]any {
	return map[string]any{
		"success": out.Success,
		"data":    out.Data,
		"error":   out.Error,
	}
}

// parseExpr splits "$.task_id.a.b" into ("task_id", ["a", "b"], true). An
// expression with no path segments ($.task_id alone) is parsed but yields
// an empty path, which resolveExpr treats as unresolved per the "Path
// empty" edge case in SPEC_FULL.md §4.3.
func parseExpr(expr string) (taskID string, path []string, ok bool) {
	if !strings.HasPrefix(expr, "$.") {
		return "", nil, false
	}
	parts := strings.Split(expr[2:], ".")
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, false
	}
	return parts[0], parts[1:], true
}

// step navigates one segment of a path into a map (by key) or slice (by
// integer index), returning false on a missing key or out-of-range index.
func step(current any, segment string) (any, bool) {
	switch v := current.(type) {
	case map[string]any:
		next, ok := v[segment]
		return next, ok
	case []any:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	default:
		return nil, false
	}
}
