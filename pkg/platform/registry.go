package platform

import (
	"errors"
	"fmt"
)

// ErrNotRegistered is returned when no adapter serves a platform.
var ErrNotRegistered = errors.New("platform adapter not registered")

// Registry is the static platform → adapter table.
type Registry struct {
	adapters map[Platform]Adapter
}

// NewRegistry builds a registry with one adapter per platform.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	table := make(map[Platform]Adapter, len(adapters))
	for _, adapter := range adapters {
		if adapter == nil {
			return nil, errors.New("registry adapter is nil")
		}
		p := adapter.Platform()
		if !p.Valid() {
			return nil, fmt.Errorf("adapter reports unknown platform %q", p)
		}
		if _, exists := table[p]; exists {
			return nil, fmt.Errorf("duplicate adapter for platform %q", p)
		}
		table[p] = adapter
	}

	return &Registry{adapters: table}, nil
}

// Adapter returns the adapter registered for p.
func (r *Registry) Adapter(p Platform) (Adapter, error) {
	if r != nil {
		if adapter, ok := r.adapters[p]; ok {
			return adapter, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotRegistered, p)
}

// Platforms lists the registered platforms in enumeration order.
func (r *Registry) Platforms() []Platform {
	if r == nil {
		return nil
	}
	out := make([]Platform, 0, len(r.adapters))
	for _, p := range known {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
