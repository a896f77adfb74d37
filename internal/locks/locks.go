// Package locks provides per-key mutual exclusion for attempt builds and
// corpus deletion.
//
// Registry serializes holders within one process. RedisLocker extends the
// guarantee across processes sharing a Redis instance.
package locks

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock on key. The returned func releases it and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Registry is an in-process Locker keyed by string. Entries are removed when
// no goroutine holds or waits on them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
func (r *Registry) Lock(ctx context.Context, key string) (func(), error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		r.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			r.release(key, e)
		})
	}, nil
}

func (r *Registry) release(key string, e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

// Len returns the number of keys currently held or waited on.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// AttemptKey is the lock key guarding one build attempt.
func AttemptKey(attemptID string) string {
	return "attempt:" + attemptID
}

var _ Locker = (*Registry)(nil)
