// Package keylock provides mutual-exclusion gates keyed by string. Gates are
// created lazily on first use and garbage-collected once their queue empties,
// so contention stays bounded to keys that actually collide.
package keylock

import "sync"

// Registry hands out one gate per key.
type Registry struct {
	mu    sync.Mutex
	gates map[string]*gate
}

type gate struct {
	ch      chan struct{}
	waiters int
}

// NewRegistry creates an empty gate registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*gate)}
}

// Lock acquires the gate for key, blocking until it is free.
func (r *Registry) Lock(key string) {
	r.mu.Lock()
	g, ok := r.gates[key]
	if !ok {
		g = &gate{ch: make(chan struct{}, 1)}
		r.gates[key] = g
	}
	g.waiters++
	r.mu.Unlock()

	g.ch <- struct{}{}
}

// Unlock releases the gate for key. The gate is dropped from the registry when
// nobody else is queued on it.
func (r *Registry) Unlock(key string) {
	r.mu.Lock()
	g, ok := r.gates[key]
	if !ok {
		r.mu.Unlock()
		panic("keylock: unlock of unheld key " + key)
	}
	g.waiters--
	if g.waiters == 0 {
		delete(r.gates, key)
	}
	r.mu.Unlock()

	<-g.ch
}

// With runs fn while holding the gate for key.
func (r *Registry) With(key string, fn func() error) error {
	r.Lock(key)
	defer r.Unlock(key)
	return fn()
}

// Len reports how many gates currently exist. Used by tests to check that
// emptied gates are collected.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gates)
}
