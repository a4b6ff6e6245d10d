// Package keyed provides per-key mutual exclusion.
package keyed

import "sync"

// Locker serialises work per key. Entries are reference counted and released once no caller holds or
// waits on them, so the map only grows with the number of keys in flight.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewLocker constructs an empty locker.
func NewLocker() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key and returns its release function.
func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

// With runs fn while holding the mutex for key.
func (l *Locker) With(key string, fn func() error) error {
	unlock := l.Lock(key)
	defer unlock()
	return fn()
}

// Len reports the number of keys currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
