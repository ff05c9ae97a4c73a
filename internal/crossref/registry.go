package crossref

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Aman-CERP/memnon/internal/store"
)

// EntitySource lists persisted entities.
type EntitySource interface {
	ListEntities(ctx context.Context) ([]store.Entity, error)
}

// Registry holds the known entities. Version increases on every change so
// callers can invalidate anything derived from the entity set.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]store.Entity
	version  atomic.Uint64
}

// NewRegistry creates a registry holding entities.
func NewRegistry(entities ...store.Entity) *Registry {
	r := &Registry{entities: make(map[string]store.Entity)}
	for _, e := range entities {
		r.entities[e.ID] = e
	}
	r.version.Store(1)
	return r
}

// Load replaces the registry content from src.
func (r *Registry) Load(ctx context.Context, src EntitySource) error {
	list, err := src.ListEntities(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]store.Entity, len(list))
	for _, e := range list {
		next[e.ID] = e
	}
	r.mu.Lock()
	r.entities = next
	r.mu.Unlock()
	r.version.Add(1)
	return nil
}

// Put adds or replaces one entity.
func (r *Registry) Put(e store.Entity) {
	r.mu.Lock()
	r.entities[e.ID] = e
	r.mu.Unlock()
	r.version.Add(1)
}

// Get returns an entity by id.
func (r *Registry) Get(id string) (store.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	return e, ok
}

// Entities returns every entity ordered by id.
func (r *Registry) Entities() []store.Entity {
	r.mu.RLock()
	out := make([]store.Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b store.Entity) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Version returns the change counter.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}
