package repository

import (
	"context"
	"sort"
	"sync"
)

type keyedEntry struct {
	// sem holds a token while the key is locked.
	sem  chan struct{}
	refs int
}

// keyedMutex provides one mutual-exclusion lock per key. Entries exist only
// while at least one goroutine holds or waits for them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock acquires the locks for all keys in sorted order and returns a function
// that releases them. Duplicate keys are locked once. If ctx is done before
// every lock is held, the locks taken so far are released and ctx's error is
// returned.
func (k *keyedMutex) Lock(ctx context.Context, keys ...string) (unlock func(), err error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	held := make([]string, 0, len(sorted))
	unlock = func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.release(held[i])
		}
	}
	for i, key := range sorted {
		if i > 0 && sorted[i-1] == key {
			continue
		}
		e := k.acquire(key)
		select {
		case e.sem <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			k.drop(key)
			unlock()
			return nil, ctx.Err()
		}
	}
	return unlock, nil
}

func (k *keyedMutex) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

// drop gives up a reference taken by acquire without holding the lock.
func (k *keyedMutex) drop(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

func (k *keyedMutex) release(key string) {
	k.mu.Lock()
	e := k.entries[key]
	k.mu.Unlock()
	<-e.sem
	k.drop(key)
}

// size returns the number of live entries.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func pathKey(path string) string { return "p:" + path }

func sigKey(sig string) string { return "s:" + sig }
