package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured adapters. Adapters that failed with a
// configuration error can be disabled, which removes them from rotation
// until a successful probe enables them again.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	disabled map[string]string
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}, disabled: map[string]string{}}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Describe().Name] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", name)
	}
	return a, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// Available reports whether name is registered, enabled and locally usable.
func (r *Registry) Available(name string) bool {
	r.mu.RLock()
	a, ok := r.adapters[name]
	_, off := r.disabled[name]
	r.mu.RUnlock()
	return ok && !off && a.IsAvailable()
}

func (r *Registry) Disable(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; ok {
		r.disabled[name] = reason
	}
}

func (r *Registry) Enable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, name)
}

// Disabled returns the reason name was disabled, if it is.
func (r *Registry) Disabled(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reason, ok := r.disabled[name]
	return reason, ok
}

// ByPriority returns adapter names ordered by descriptor priority, then name.
func (r *Registry) ByPriority() []string {
	r.mu.RLock()
	descs := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		descs = append(descs, a.Describe())
	}
	r.mu.RUnlock()

	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Priority != descs[j].Priority {
			return descs[i].Priority < descs[j].Priority
		}
		return descs[i].Name < descs[j].Name
	})
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

// All returns the adapters in priority order.
func (r *Registry) All() []Adapter {
	names := r.ByPriority()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(names))
	for _, n := range names {
		if a, ok := r.adapters[n]; ok {
			out = append(out, a)
		}
	}
	return out
}
