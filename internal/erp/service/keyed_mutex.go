package service

import (
	"context"
	"sync"
)

// keyedMutex serializes callers holding the same key while letting
// distinct keys proceed in parallel. Entries are reference counted so
// the map does not grow with one slot per customer ever seen.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*mutexEntry
}

type mutexEntry struct {
	slot chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: map[string]*mutexEntry{}}
}

// Lock acquires the mutex for key, honoring ctx cancellation while queued.
// The returned func releases the lock.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &mutexEntry{slot: make(chan struct{}, 1)}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		k.put(key, entry)
		return nil, ctx.Err()
	}
	return func() {
		<-entry.slot
		k.put(key, entry)
	}, nil
}

func (k *keyedMutex) put(key string, entry *mutexEntry) {
	k.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}
