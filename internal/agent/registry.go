package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/hoonlabs/agentd/pkg/models"
)

// Tool is a callable capability offered to the model. Schema returns
// the JSON Schema of the tool's arguments, including any server-filled
// fields; the dispatcher strips those before the model sees it.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}

// Targeted is implemented by tools whose arguments name a target drawn
// from a closed, caller-specific set (retrieval collections). The
// dispatcher rejects calls naming a target outside the caller's set.
type Targeted interface {
	TargetField() string
	Targets(ctx context.Context, caller Caller) ([]string, error)
}

// Registry holds the available tools with thread-safe registration and
// lookup. Registering a name twice replaces the earlier tool.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool by its name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools in name order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}
