package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps a provider type to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Provider)}
}

// Register binds providerType to p, replacing any previous adapter.
func (r *Registry) Register(providerType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[providerType] = p
}

// Lookup returns the adapter for providerType.
func (r *Registry) Lookup(providerType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.adapters[providerType]
	if !ok {
		return nil, ConfigError(providerType, fmt.Sprintf("unsupported provider type %q", providerType))
	}
	return p, nil
}

// Types lists the registered provider types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
