package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Managed is the type-erased view of a Pool the registry works with.
type Managed interface {
	Name() string
	Stats() Stats
	Maintain(ctx context.Context) error
	Run(ctx context.Context, onPass func(Stats)) error
	Close() error
}

// Registry holds one pool per backend identifier. It is built once at
// startup and passed to whoever needs a pool.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]Managed
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]Managed)}
}

func (r *Registry) Register(p Managed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[p.Name()]; ok {
		return fmt.Errorf("pool %q already registered", p.Name())
	}
	r.pools[p.Name()] = p
	return nil
}

func (r *Registry) Get(name string) (Managed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// Lookup returns the pool registered under name with its concrete
// connection type.
func Lookup[C Conn](r *Registry, name string) (*Pool[C], error) {
	m, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("pool %q not registered", name)
	}
	p, ok := m.(*Pool[C])
	if !ok {
		return nil, fmt.Errorf("pool %q has a different connection type", name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pools))
	for name := range r.pools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close closes every registered pool and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]Managed)
	r.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
