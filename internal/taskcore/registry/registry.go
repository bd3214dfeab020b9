// Package registry implements the Tool Registry subsystem: validating tool
// names and the shape of inputs/outputs against schemas loaded once at
// startup. Grounded on the teacher's internal/agent/tool_registry.go (a
// name -> entry map behind sync.RWMutex) and on
// original_source/server/app/agent/shared/tools/base.py's field validation
// semantics.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/meridianai/taskcore/internal/taskcore"
)

// Entry is a Tool Registry record: the schemas a tool declares and its
// default execution locale.
type Entry struct {
	ToolName                string
	ParamsSchema            taskcore.FieldSchema
	OutputSchema            taskcore.FieldSchema
	DefaultExecutionTarget  taskcore.ExecutionTarget

	// jsonSchema is an optional richer input validator built from a JSON
	// Schema document by CompileJSONSchema; LoadYAML never sets it. Nil
	// unless configured.
	jsonSchema *jsonschema.Schema
}

// Registry loads tool schemas at startup and validates tool names and
// input/output shapes at registration and invocation time. Read-only after
// Load(); safe for concurrent use without synchronization once loaded, but
// Load itself and any runtime re-registration are serialized by mu.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	loaded  bool
}

// New returns an empty Registry. Call Load (or Register) before use.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Load is idempotent: subsequent calls replace the entry table rather than
// erroring, matching "load() — idempotent, invoked once" in SPEC_FULL.md
// §4.1 while tolerating a caller that reloads schemas after a config
// change.
func (r *Registry) Load(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := make(map[string]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		table[e.ToolName] = &e
	}
	r.entries = table
	r.loaded = true
}

// Register adds or replaces a single entry without discarding the rest of
// the table, for tests and incremental setup.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ToolName] = &e
	r.loaded = true
}

// Has reports whether name exists in the registry.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Get returns the entry for name, or nil if absent.
func (r *Registry) Get(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Loaded reports whether Load or Register has been called at least once.
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// ValidateInputs checks required fields are present and primitive types
// agree with the declared schema; missing optional fields with a declared
// default are substituted into the returned map. An unknown tool name is
// reported as a KindUnknownTool error.
func (r *Registry) ValidateInputs(name string, inputs map[string]any) (map[string]any, error) {
	entry := r.Get(name)
	if entry == nil {
		return nil, taskcore.NewTaskError(taskcore.KindUnknownTool, "", fmt.Sprintf("tool %q not found in registry", name), nil)
	}

	if entry.jsonSchema != nil {
		if err := entry.jsonSchema.Validate(toJSONCompatible(inputs)); err != nil {
			return nil, taskcore.NewTaskError(taskcore.KindValidation, "", err.Error(), err)
		}
	}

	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for field, def := range entry.ParamsSchema {
		v, present := out[field]
		if !present {
			if def.Required {
				return nil, taskcore.NewTaskError(taskcore.KindValidation, "", fmt.Sprintf("missing required parameter: %s", field), nil)
			}
			if def.Default != nil {
				out[field] = def.Default
			}
			continue
		}
		if err := checkFieldType(field, def.Type, v); err != nil {
			return nil, taskcore.NewTaskError(taskcore.KindValidation, "", err.Error(), err)
		}
	}
	return out, nil
}

// ValidateOutput checks declared output field names are present; extra
// fields beyond the schema are allowed.
func (r *Registry) ValidateOutput(name string, data map[string]any) error {
	entry := r.Get(name)
	if entry == nil {
		return taskcore.NewTaskError(taskcore.KindUnknownTool, "", fmt.Sprintf("tool %q not found in registry", name), nil)
	}
	for field := range entry.OutputSchema {
		if _, ok := data[field]; !ok {
			return taskcore.NewTaskError(taskcore.KindValidation, "", fmt.Sprintf("missing declared output field: %s", field), nil)
		}
	}
	return nil
}

func checkFieldType(name string, t taskcore.FieldType, v any) error {
	switch t {
	case taskcore.TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("parameter %q must be string, got %T", name, v)
		}
	case taskcore.TypeInteger:
		switch v.(type) {
		case bool:
			return fmt.Errorf("parameter %q must be integer, got bool", name)
		case int, int32, int64, float64:
		default:
			return fmt.Errorf("parameter %q must be integer, got %T", name, v)
		}
	case taskcore.TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q must be boolean, got %T", name, v)
		}
	case taskcore.TypeArray:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("parameter %q must be array, got %T", name, v)
		}
	case taskcore.TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("parameter %q must be object, got %T", name, v)
		}
	}
	return nil
}

func toJSONCompatible(m map[string]any) any {
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return m
	}
	return v
}

// CompileJSONSchema compiles a JSON Schema document (as raw bytes) for the
// named entry's input validation, used when a caller supplies a full JSON
// Schema document instead of the flat FieldSchema table. Returns an error
// if the entry does not already exist or the document fails to compile.
func (r *Registry) CompileJSONSchema(name string, schemaDoc []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("tool %q not registered", name)
	}
	compiler := jsonschema.NewCompiler()
	const resourceURL = "mem://tool-schema.json"
	if err := compiler.AddResource(resourceURL, jsonDoc(schemaDoc)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	entry.jsonSchema = compiled
	return nil
}

func jsonDoc(b []byte) any {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return map[string]any{}
	}
	return v
}

// LoadYAML loads a tool_registry.yaml-shaped document of the form
// { tool_name: { params_schema: {...}, output_schema: {...}, default_execution_target: "server" } }
// into the registry, matching the external schema source shape declared in
// SPEC_FULL.md §6.3.
func (r *Registry) LoadYAML(doc []byte) error {
	var raw map[string]yamlEntry
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return fmt.Errorf("parse tool registry yaml: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for name, y := range raw {
		entries = append(entries, Entry{
			ToolName:               name,
			ParamsSchema:           y.toFieldSchema(y.ParamsSchema),
			OutputSchema:           y.toFieldSchema(y.OutputSchema),
			DefaultExecutionTarget: taskcore.ExecutionTarget(y.DefaultExecutionTarget),
		})
	}
	r.Load(entries)
	return nil
}

type yamlEntry struct {
	ParamsSchema           map[string]yamlField `yaml:"params_schema"`
	OutputSchema           map[string]yamlField `yaml:"output_schema"`
	DefaultExecutionTarget string               `yaml:"default_execution_target"`
}

type yamlField struct {
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
	Default  any    `yaml:"default"`
}

func (yamlEntry) toFieldSchema(m map[string]yamlField) taskcore.FieldSchema {
	if len(m) == 0 {
		return nil
	}
	out := make(taskcore.FieldSchema, len(m))
	for k, v := range m {
		out[k] = taskcore.FieldDef{Type: taskcore.FieldType(v.Type), Required: v.Required, Default: v.Default}
	}
	return out
}
