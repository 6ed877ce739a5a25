package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/richinex/berry-mcp/protocol"
)

// ResourceProvider serves a set of readable resources. Providers are
// external collaborators; the server only lists them and routes reads.
type ResourceProvider interface {
	// Resources returns the resources this provider can serve.
	Resources() []protocol.Resource
	// Read returns the contents of one resource. An error means the URI is
	// known to this provider but could not be read.
	Read(ctx context.Context, uri string) ([]protocol.ResourceContent, error)
	// Handles reports whether the provider serves the given URI.
	Handles(uri string) bool
}

// ResourceRegistry aggregates resource providers.
type ResourceRegistry struct {
	mu        sync.RWMutex
	providers []ResourceProvider
}

// NewResourceRegistry creates an empty registry.
func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{}
}

// AddProvider appends a provider. Later providers do not shadow earlier ones;
// the first provider claiming a URI wins.
func (r *ResourceRegistry) AddProvider(p ResourceProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// List returns all resources across providers.
func (r *ResourceRegistry) List() []protocol.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []protocol.Resource
	for _, p := range r.providers {
		out = append(out, p.Resources()...)
	}
	if out == nil {
		out = []protocol.Resource{}
	}
	return out
}

// Read resolves a URI to its provider and reads it. Contents missing a URI
// are stamped with the requested one.
func (r *ResourceRegistry) Read(ctx context.Context, uri string) ([]protocol.ResourceContent, error) {
	r.mu.RLock()
	providers := r.providers
	r.mu.RUnlock()
	for _, p := range providers {
		if !p.Handles(uri) {
			continue
		}
		contents, err := p.Read(ctx, uri)
		if err != nil {
			return nil, err
		}
		for i := range contents {
			if contents[i].URI == "" {
				contents[i].URI = uri
			}
		}
		return contents, nil
	}
	return nil, fmt.Errorf("no provider for resource: %s", uri)
}
