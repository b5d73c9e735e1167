package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/Shin0205go/mcp-tool-builder/internal/catalog"
)

var (
	// ErrUnknownTool is returned when no handler is registered for a
	// tool name. Lookup failures are tagged so the broker can
	// distinguish them from handler errors.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidParams is returned when params fail the tool's
	// argument schema.
	ErrInvalidParams = errors.New("invalid params")
)

// Handler is the typed entry point of a single tool.
type Handler func(ctx context.Context, params map[string]any, call CallContext) (any, error)

// Entry binds a handler to its registration metadata.
type Entry struct {
	Handler     Handler
	Description string
}

// Registry is an Executor backed by an in-process table of handlers,
// one per tool name. When a catalog is supplied, params are validated
// against the tool's argument schema before the handler runs.
type Registry struct {
	entries map[string]Entry
	catalog catalog.Catalog
	logger  *zap.Logger
}

// NewRegistry creates a registry. catalog may be nil to skip argument
// validation.
func NewRegistry(cat catalog.Catalog, logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		catalog: cat,
		logger:  logger,
	}
}

// Register adds a tool handler. Registration happens once at startup,
// before any Execute call; duplicate names are an error.
func (r *Registry) Register(name string, e Entry) error {
	if e.Handler == nil {
		return fmt.Errorf("register %s: nil handler", name)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("register %s: already registered", name)
	}
	r.entries[name] = e
	return nil
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Execute looks up the tool, validates params against its catalog
// schema when one exists, and runs the handler.
func (r *Registry) Execute(ctx context.Context, tool string, params map[string]any, call CallContext) (any, error) {
	entry, ok := r.entries[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}

	if r.catalog != nil {
		spec, err := r.catalog.GetTool(ctx, tool)
		if err != nil {
			r.logger.Warn("catalog lookup failed, skipping validation",
				zap.String("tool", tool),
				zap.Error(err),
			)
		} else if spec != nil && spec.ArgumentSchema != nil {
			if issue := validateParams(params, spec.ArgumentSchema); issue != "" {
				return nil, fmt.Errorf("%w: %s", ErrInvalidParams, issue)
			}
		}
	}

	return entry.Handler(ctx, params, call)
}

func validateParams(params map[string]any, schema map[string]any) string {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Sprintf("invalid argument schema: %v", err)
	}

	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return fmt.Sprintf("schema unmarshal error: %v", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return fmt.Sprintf("schema compile error: %v", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Sprintf("schema compile error: %v", err)
	}

	// Round-trip through JSON so handler-facing types (ints, structs)
	// validate the same way wire params do.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("params are not serializable: %v", err)
	}
	var args any
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Sprintf("params are not valid JSON: %v", err)
	}

	if err := sch.Validate(args); err != nil {
		return fmt.Sprintf("schema validation failed: %v", err)
	}

	return ""
}
