package supervisor

import "sync"

// keyedMutex serializes operations per stream name. Entries are reference
// counted and removed once the last holder releases, so the map does not
// grow with the set of names ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for name and returns its release func.
func (k *keyedMutex) lock(name string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*nameLock)
	}
	entry, ok := k.locks[name]
	if !ok {
		entry = &nameLock{}
		k.locks[name] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, name)
		}
		k.mu.Unlock()
	}
}
