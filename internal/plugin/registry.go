// Package plugin keeps the set of available capture backends and loads
// external ones from Go plugin files.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/pkg/backend"
)

// SourceBuiltin marks a backend compiled into the binary.
const SourceBuiltin = "builtin"

type entry struct {
	backend backend.Backend
	source  string
}

// Registry maps backend names to backends. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]entry)}
}

// Register adds a built-in backend.
func (r *Registry) Register(b backend.Backend) error {
	return r.add(b, SourceBuiltin)
}

func (r *Registry) add(b backend.Backend, source string) error {
	name := b.Name()
	if name == "" {
		return fmt.Errorf("backend from %s has an empty name", source)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, exists := r.backends[name]; exists {
		return fmt.Errorf("%w: '%s' (from %s)", core.ErrBackendExists, name, old.source)
	}
	r.backends[name] = entry{backend: b, source: source}
	return nil
}

func (r *Registry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, name)
}

func (r *Registry) Get(name string) (backend.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.backends[name]
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", core.ErrBackendNotFound, name)
	}
	return e.backend, nil
}

// Source returns where a backend came from: SourceBuiltin or a plugin path.
func (r *Registry) Source(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[name].source
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names) // Ensure deterministic order
	return names
}

// List returns the registered backends sorted by name.
func (r *Registry) List() []backend.Backend {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]backend.Backend, 0, len(names))
	for _, name := range names {
		if e, ok := r.backends[name]; ok {
			out = append(out, e.backend)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}
