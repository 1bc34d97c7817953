// Package provider implements the Provider Registry & Adapters (C5):
// descriptor/model enumeration and adapter instantiation. Concrete
// adapters live in subpackages (provider/anthropic, provider/openaicompat)
// so each provider's SDK dependency stays isolated.
//
// Grounded on godex's pkg/backend.Registry for the registry shape
// (name-keyed map, RWMutex, Register/Get/List/All), generalized from a
// single flat backend map to the descriptor+factory split spec.md §4.5
// calls for.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tsagent/pkg/session"
)

// ConfigField describes one entry of a ProviderDescriptor's config value
// schema (spec.md §3).
type ConfigField struct {
	Key      string
	Caption  string
	Required bool
	Secret   bool
	Default  string
}

// Model is a (providerId, modelId) pair with display metadata.
type Model struct {
	ProviderID  string
	ID          string
	Name        string
	Source      string // "static" | "dynamic"
	Description string
}

// Descriptor is a ProviderDescriptor (spec.md §3).
type Descriptor struct {
	ID          string
	DisplayName string
	Description string
	URL         string
	ConfigSchema []ConfigField

	// StaticModels is used when ListModels is nil.
	StaticModels []Model

	// ListModels, when set, dynamically enumerates models (e.g. by
	// querying the provider's API) instead of using StaticModels.
	ListModels func(ctx context.Context, credentials map[string]string) ([]Model, error)

	// NewAdapter constructs a session.Adapter bound to a specific model
	// id and credential set.
	NewAdapter func(modelID string, credentials map[string]string) (session.Adapter, error)
}

// Registry enumerates provider descriptors and instantiates adapters.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: map[string]Descriptor{}}
}

// Register adds or replaces a provider descriptor.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.ID] = d
}

// Descriptor returns a provider's descriptor.
func (r *Registry) Descriptor(pid string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[pid]
	return d, ok
}

// AvailableProviders lists every registered provider id, sorted.
func (r *Registry) AvailableProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ListModels returns a provider's models, dynamic if the descriptor
// supplies a lookup function, otherwise its static list.
func (r *Registry) ListModels(ctx context.Context, pid string, credentials map[string]string) ([]Model, error) {
	d, ok := r.Descriptor(pid)
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q", pid)
	}
	if d.ListModels != nil {
		return d.ListModels(ctx, credentials)
	}
	return d.StaticModels, nil
}

// CreateAdapter instantiates a session.Adapter for (pid, modelId) bound to
// the given credentials.
func (r *Registry) CreateAdapter(pid, modelID string, credentials map[string]string) (session.Adapter, error) {
	d, ok := r.Descriptor(pid)
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q", pid)
	}
	if d.NewAdapter == nil {
		return nil, fmt.Errorf("provider: provider %q has no adapter factory", pid)
	}
	return d.NewAdapter(modelID, credentials)
}
