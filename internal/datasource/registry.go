package datasource

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/sqlgate/internal/failure"
)

// Registry maps datasource names to open datasources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Datasource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*Datasource)}
}

// Add registers ds. Names must be unique.
func (r *Registry) Add(ds *Datasource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[ds.name]; exists {
		return fmt.Errorf("datasource %q already registered", ds.name)
	}
	r.sources[ds.name] = ds
	return nil
}

// Get returns the datasource called name.
func (r *Registry) Get(name string) (*Datasource, error) {
	r.mu.RLock()
	ds, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, failure.NotFound("datasource %q not configured", name)
	}
	return ds, nil
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats snapshots every datasource in name order.
func (r *Registry) Stats() []Stats {
	names := r.Names()
	out := make([]Stats, 0, len(names))
	for _, name := range names {
		if ds, err := r.Get(name); err == nil {
			out = append(out, ds.Stats())
		}
	}
	return out
}

// Close closes and removes every datasource.
func (r *Registry) Close() error {
	r.mu.Lock()
	sources := r.sources
	r.sources = make(map[string]*Datasource)
	r.mu.Unlock()
	var errs []error
	for name, ds := range sources {
		if err := ds.Close(); err != nil {
			errs = append(errs, fmt.Errorf("datasource %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
