package provider

import (
	"sort"
	"sync"
)

// Registry maps provider slugs to adapter instances. It is populated at
// startup and read-only afterwards; lookups after that never mutate it.
// It is passed explicitly to the components that need it so tests can
// substitute fake adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	names    map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		names:    make(map[string]string),
	}
}

// Register adds an adapter under a slug. Registering an existing slug
// replaces the adapter; this only happens during deployment rollout,
// never at request time.
func (r *Registry) Register(slug, displayName string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[slug] = a
	r.names[slug] = displayName
}

// Lookup returns the adapter for a slug. An unknown slug is a permanent
// validation error, never retried.
func (r *Registry) Lookup(slug string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[slug]
	if !ok {
		return nil, Errorf("registry.Lookup", slug, ErrUnknownProvider, nil)
	}
	return a, nil
}

// Providers returns descriptors for all registered providers, sorted by slug.
func (r *Registry) Providers() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.adapters))
	for slug := range r.adapters {
		out = append(out, Descriptor{Slug: slug, Name: r.names[slug], IsActive: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
