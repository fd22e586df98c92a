// Package registry implements the current set of known engine endpoints
// (spec component C1). It is the one place in the router where a pointer
// swap, rather than a lock, guards the hot path: readers call List and get
// back an immutable Snapshot that can never be observed half-updated.
package registry

import (
	"sort"
	"sync/atomic"

	"github.com/vllm-router/core/engine/internal/domain"
)

// RemovalObserver is notified when an endpoint drops out of the registry so
// dependent subsystems (stats, workflow bindings) can react. Registered
// observers are invoked synchronously and must not block.
type RemovalObserver func(removed []domain.Endpoint)

// Registry holds the atomically-swapped current endpoint snapshot.
type Registry struct {
	current   atomic.Pointer[domain.Snapshot]
	version   atomic.Uint64
	observers []RemovalObserver
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	r.current.Store(&domain.Snapshot{})
	return r
}

// OnRemoval registers a callback invoked with the set of endpoints removed
// by a Replace call. Must be called before concurrent Replace traffic starts;
// it is not itself safe to call concurrently with Replace.
func (r *Registry) OnRemoval(obs RemovalObserver) {
	if obs != nil {
		r.observers = append(r.observers, obs)
	}
}

// List returns the current immutable snapshot.
func (r *Registry) List() domain.Snapshot {
	if s := r.current.Load(); s != nil {
		return *s
	}
	return domain.Snapshot{}
}

// Replace installs a new endpoint set, built by a service discovery
// variant. Registration is idempotent by url: the incoming set is
// deduplicated by url, later entries winning. Any endpoint present in the
// old snapshot but absent from the new one is reported to removal
// observers after the swap is visible to readers.
func (r *Registry) Replace(endpoints []domain.Endpoint) {
	dedup := make(map[string]domain.Endpoint, len(endpoints))
	order := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if _, exists := dedup[e.URL]; !exists {
			order = append(order, e.URL)
		}
		dedup[e.URL] = e
	}
	sort.Strings(order)
	next := make([]domain.Endpoint, 0, len(order))
	nextSet := make(map[string]struct{}, len(order))
	for _, u := range order {
		next = append(next, dedup[u])
		nextSet[u] = struct{}{}
	}

	prev := r.List()
	ver := r.version.Add(1)
	r.current.Store(&domain.Snapshot{Endpoints: next, Version: ver})

	var removed []domain.Endpoint
	for _, e := range prev.Endpoints {
		if _, ok := nextSet[e.URL]; !ok {
			removed = append(removed, e)
		}
	}
	if len(removed) > 0 {
		for _, obs := range r.observers {
			obs(removed)
		}
	}
}

// FilterByModel returns the subset of the snapshot serving the given model.
func FilterByModel(snap domain.Snapshot, model string) []domain.Endpoint {
	out := make([]domain.Endpoint, 0, len(snap.Endpoints))
	for _, e := range snap.Endpoints {
		if e.HasModel(model) {
			out = append(out, e)
		}
	}
	return out
}

// FilterByTag narrows an endpoint slice to those carrying tag.
func FilterByTag(endpoints []domain.Endpoint, tag string) []domain.Endpoint {
	out := make([]domain.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.HasTag(tag) {
			out = append(out, e)
		}
	}
	return out
}
