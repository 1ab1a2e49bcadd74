package openiap

import "sync"

// registry maps correlation keys to handlers for one client. Trampolines
// look entries up from native threads while the owning goroutine adds and
// removes them.
type registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

func newRegistry[K comparable, V any]() *registry[K, V] {
	return &registry[K, V]{entries: make(map[K]V)}
}

// Add inserts v under k. It reports false if k is already taken.
func (r *registry[K, V]) Add(k K, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[k]; ok {
		return false
	}
	r.entries[k] = v
	return true
}

func (r *registry[K, V]) Get(k K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[k]
	return v, ok
}

func (r *registry[K, V]) Remove(k K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[k]
	delete(r.entries, k)
	return ok
}

// Take removes and returns the entry, so exactly one caller wins it.
func (r *registry[K, V]) Take(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[k]
	if ok {
		delete(r.entries, k)
	}
	return v, ok
}

// Drain empties the registry and returns what it held.
func (r *registry[K, V]) Drain() map[K]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.entries
	r.entries = make(map[K]V)
	return out
}

func (r *registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Find returns the first entry matching fn.
func (r *registry[K, V]) Find(fn func(K, V) bool) (K, V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.entries {
		if fn(k, v) {
			return k, v, true
		}
	}
	var zk K
	var zv V
	return zk, zv, false
}
