// Package lock provides per-key mutual exclusion used to serialize all
// conversation events for one user.
package lock

import (
	"context"
	"sync"
)

// Locker grants exclusive ownership of a string key. Release must be called
// exactly once; Acquire blocks until the key is free or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type keyedEntry struct {
	refs int
	sem  chan struct{}
}

// Keyed is an in-process Locker backed by one semaphore per active key.
// Idle keys are removed so the map stays bounded by concurrent users.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyed constructs an empty in-process locker.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*keyedEntry)}
}

// Acquire implements Locker.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.put(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.sem
			k.put(key, e)
		})
	}
	return release, nil
}

func (k *Keyed) put(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}
