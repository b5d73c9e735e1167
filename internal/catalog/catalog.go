// Package catalog provides tool metadata: descriptions, argument
// schemas, and which tools produce UI specifications.
package catalog

import (
	"context"
	"sync"
)

// ToolSpec describes a tool registered with the host.
type ToolSpec struct {
	Name           string
	Description    string
	ArgumentSchema map[string]any // JSON Schema, nil if not set
	UITool         bool           // tool returns a UI specification
}

// Catalog looks up tool metadata by name.
type Catalog interface {
	// GetTool returns the spec for a tool, or nil if unknown.
	GetTool(ctx context.Context, toolName string) (*ToolSpec, error)
}

// MemoryCatalog is an in-process Catalog seeded at construction time,
// typically from the generated tool registrations.
type MemoryCatalog struct {
	mu    sync.RWMutex
	specs map[string]*ToolSpec
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{specs: make(map[string]*ToolSpec)}
}

// Put registers or replaces a tool spec.
func (c *MemoryCatalog) Put(spec *ToolSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[spec.Name] = spec
}

func (c *MemoryCatalog) GetTool(_ context.Context, toolName string) (*ToolSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.specs[toolName], nil
}
