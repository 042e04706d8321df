package snapshot

import "sync"

// LockRegistry hands out one mutex per (bucket, prefix) identity so that two
// snapshot triggers inside the same process never interleave archives. It is
// an explicit dependency rather than package state so multiple instances can
// coexist in one address space during testing. Cross-instance exclusion is
// not provided here; partitioning guarantees it structurally.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	registry := new(LockRegistry)
	registry.locks = make(map[string]*sync.Mutex)
	return registry
}

// Get returns the mutex for the given identity, creating it on first use.
func (r *LockRegistry) Get(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = new(sync.Mutex)
		r.locks[key] = lock
	}
	return lock
}
