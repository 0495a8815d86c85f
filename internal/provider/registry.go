// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"fmt"
	"sync"
)

// =============================================================================
// REGISTRY
// =============================================================================

// entry pairs a descriptor with its invoker under a per-provider lock.
// Cross-provider operations never take a global write lock, matching the
// one-lock-per-provider concurrency model.
type entry struct {
	mu      sync.Mutex
	desc    Descriptor
	invoker Invoker
}

// Registry owns the provider set. Registration order is preserved and is
// the final routing tie-break, so it must be deterministic: register
// providers in a fixed order at startup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a provider. Duplicate ids fail.
func (r *Registry) Register(desc Descriptor, invoker Invoker) error {
	if desc.ID == "" {
		return fmt.Errorf("register provider: empty id")
	}
	if desc.MaxConcurrent <= 0 {
		desc.MaxConcurrent = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.ID]; exists {
		return fmt.Errorf("register provider %s: already registered", desc.ID)
	}
	r.entries[desc.ID] = &entry{desc: desc, invoker: invoker}
	r.order = append(r.order, desc.ID)
	return nil
}

// Get returns a snapshot of a descriptor.
func (r *Registry) Get(id string) (Descriptor, bool) {
	e := r.lookup(id)
	if e == nil {
		return Descriptor{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc, true
}

// Invoker returns the invoker for a provider id.
func (r *Registry) Invoker(id string) (Invoker, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return e.invoker, nil
}

// List returns descriptor snapshots in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	out := make([]Descriptor, 0, len(order))
	for _, id := range order {
		if desc, ok := r.Get(id); ok {
			out = append(out, desc)
		}
	}
	return out
}

// SetLoad records the admitted-invocation count for a provider. Called
// only by the admission controller.
func (r *Registry) SetLoad(id string, load int) {
	if e := r.lookup(id); e != nil {
		e.mu.Lock()
		e.desc.CurrentLoad = load
		e.mu.Unlock()
	}
}

// SetMaxConcurrent updates the admission ceiling recorded on the
// descriptor. The admission controller holds the authoritative value; this
// keeps the registry's view consistent for scoring and health reporting.
func (r *Registry) SetMaxConcurrent(id string, max int) {
	if e := r.lookup(id); e != nil {
		e.mu.Lock()
		e.desc.MaxConcurrent = max
		e.mu.Unlock()
	}
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}
