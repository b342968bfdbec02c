// Package keylock serializes work per resource key.
//
// The registry keeps a lock only while someone holds or waits for it, so
// keys that are no longer in use do not accumulate over the process lifetime.
package keylock

import (
	"context"
	"sync"
)

// Registry issues one mutual-exclusion lock per key
type Registry struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// Lock is a held key lock. Release must be called once; extra calls are no-ops.
type Lock struct {
	registry *Registry
	key      string
	entry    *keyLock
	once     sync.Once
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		locks: make(map[string]*keyLock),
	}
}

// Acquire blocks until the lock for key is held or ctx is done
func (r *Registry) Acquire(ctx context.Context, key string) (*Lock, error) {
	entry := r.ref(key)

	select {
	case entry.sem <- struct{}{}:
		return &Lock{registry: r, key: key, entry: entry}, nil
	case <-ctx.Done():
		r.unref(key, entry)
		return nil, ctx.Err()
	}
}

// Key returns the key the lock guards
func (l *Lock) Key() string {
	return l.key
}

// Release unlocks the key
func (l *Lock) Release() {
	l.once.Do(func() {
		<-l.entry.sem
		l.registry.unref(l.key, l.entry)
	})
}

// Len returns the number of keys currently held or waited on
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *Registry) ref(key string) *keyLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.locks[key]
	if !ok {
		entry = &keyLock{sem: make(chan struct{}, 1)}
		r.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (r *Registry) unref(key string, entry *keyLock) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(r.locks, key)
	}
}
