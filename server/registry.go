package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/richinex/berry-mcp/protocol"
)

// ToolHandler executes one tool invocation. The returned value is rendered
// according to the tool's declared ResultKind; a returned error is reported
// as a tool-level failure (CallToolResult with isError), never as a protocol
// error.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ToolEntry couples a tool's declared metadata with its handler.
type ToolEntry struct {
	Tool    protocol.Tool
	Kind    protocol.ResultKind
	Handler ToolHandler

	// Blocking marks tools whose handler may block on I/O or sleep for a
	// long time. Blocking tools are run on the server's worker pool so they
	// cannot stall a transport loop.
	Blocking bool
}

// ErrToolNotFound is returned by Lookup for unregistered tool names.
var ErrToolNotFound = fmt.Errorf("tool not found")

// ToolRegistry maps tool names to their entries. It is safe for concurrent
// use; the server and the task workers share one registry.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolEntry
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolEntry)}
}

// Register adds or replaces a tool entry. The entry's tool name must be
// non-empty.
func (r *ToolRegistry) Register(entry *ToolEntry) error {
	if entry == nil || entry.Tool.Name == "" {
		return fmt.Errorf("tool entry must have a name")
	}
	if entry.Handler == nil {
		return fmt.Errorf("tool %q has no handler", entry.Tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[entry.Tool.Name] = entry
	return nil
}

// Lookup returns the entry registered under name, or ErrToolNotFound.
func (r *ToolRegistry) Lookup(name string) (*ToolEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return entry, nil
}

// List returns the declared metadata of all registered tools, sorted by name
// so tools/list output is stable.
func (r *ToolRegistry) List() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		out = append(out, entry.Tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DecodeArguments decodes a tool's argument map into a typed struct using
// json tags. Handlers for tools with structured parameters call this at the
// top instead of fishing values out of the map by hand.
func DecodeArguments(args map[string]interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "json",
	})
	if err != nil {
		return fmt.Errorf("internal error creating argument decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
