package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/richinex/berry-mcp/protocol"
)

// PromptRegistry holds named prompt templates and fills their placeholders.
type PromptRegistry struct {
	mu      sync.RWMutex
	prompts map[string]protocol.Prompt
}

// NewPromptRegistry creates an empty registry.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{prompts: make(map[string]protocol.Prompt)}
}

// Register adds or replaces a prompt by its ID.
func (r *PromptRegistry) Register(p protocol.Prompt) error {
	if p.ID == "" {
		return fmt.Errorf("prompt must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[p.ID] = p
	return nil
}

// List returns all prompts sorted by ID.
func (r *PromptRegistry) List() []protocol.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Prompt, 0, len(r.prompts))
	for _, p := range r.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the prompt registered under id.
func (r *PromptRegistry) Get(id string) (protocol.Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[id]
	if !ok {
		return protocol.Prompt{}, fmt.Errorf("prompt not found: %s", id)
	}
	return p, nil
}

// Fill substitutes {name} placeholders in the prompt template. Missing
// required arguments fail; optional ones are left blank.
func Fill(p protocol.Prompt, params map[string]interface{}) (string, error) {
	text := p.Template
	for _, arg := range p.Arguments {
		value, ok := params[arg.Name]
		if !ok {
			if arg.Required {
				return "", fmt.Errorf("missing required prompt argument: %s", arg.Name)
			}
			value = ""
		}
		text = strings.ReplaceAll(text, "{"+arg.Name+"}", fmt.Sprintf("%v", value))
	}
	return text, nil
}
