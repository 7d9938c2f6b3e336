package device

import (
	"maps"
	"slices"
	"sync"
)

// Entry is anything a Repository can hold: a handle plus plugin-specific
// bookkeeping.
type Entry interface {
	Handle() *Handle
}

// Repository maps identity keys to entries.
//
// All reads and writes go through one mutex, so a key maps to at most one
// entry no matter how many claims and scans race. Callbacks passed to
// Compute and Mutate run with that mutex held: they may build handles and
// write handle state, but must not block on I/O or call back into the
// repository.
//
// Whenever the set of keys changes, a sorted snapshot is published to the
// List before the mutex is released. Entries dropped from the map have
// their handles closed once the mutex is released.
type Repository[E Entry] struct {
	mu      sync.Mutex
	entries map[string]E
	list    *List
}

// NewRepository creates an empty repository.
func NewRepository[E Entry]() *Repository[E] {
	return &Repository[E]{
		entries: make(map[string]E),
		list:    NewList(),
	}
}

// List returns the observable handle list.
func (r *Repository[E]) List() *List { return r.list }

// Get looks up the entry for key.
func (r *Repository[E]) Get(key string) (E, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// Len returns the number of entries.
func (r *Repository[E]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns the entries ordered by key.
func (r *Repository[E]) Entries() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// Compute atomically creates, replaces or removes the entry for key.
// fn receives the current entry (ok is false if absent) and returns the
// entry to store, or keep=false to remove it.
func (r *Repository[E]) Compute(key string, fn func(cur E, ok bool) (next E, keep bool)) (E, bool) {
	var result E
	var kept bool
	r.Mutate(func(m map[string]E) {
		cur, ok := m[key]
		result, kept = fn(cur, ok)
		if kept {
			m[key] = result
		} else {
			delete(m, key)
		}
	})
	return result, kept
}

// Mutate gives fn exclusive access to the underlying map.
func (r *Repository[E]) Mutate(fn func(m map[string]E)) {
	r.mu.Lock()
	before := maps.Clone(r.entries)
	fn(r.entries)

	var dropped []*Handle
	changed := len(before) != len(r.entries)
	for k, old := range before {
		cur, ok := r.entries[k]
		if !ok || cur.Handle() != old.Handle() {
			changed = true
			dropped = append(dropped, old.Handle())
		}
	}
	// Publishing under the lock keeps snapshots in mutation order.
	if changed {
		r.list.publish(handlesOf(r.sortedLocked()))
	}
	r.mu.Unlock()

	for _, h := range dropped {
		h.Close()
	}
}

// Remove deletes the entry for key and closes its handle.
func (r *Repository[E]) Remove(key string) bool {
	var existed bool
	r.Mutate(func(m map[string]E) {
		_, existed = m[key]
		delete(m, key)
	})
	return existed
}

// Close drops every entry.
func (r *Repository[E]) Close() {
	r.Mutate(func(m map[string]E) { clear(m) })
}

func (r *Repository[E]) sortedLocked() []E {
	keys := slices.Sorted(maps.Keys(r.entries))
	out := make([]E, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.entries[k])
	}
	return out
}

func handlesOf[E Entry](entries []E) []*Handle {
	out := make([]*Handle, len(entries))
	for i, e := range entries {
		out[i] = e.Handle()
	}
	return out
}
