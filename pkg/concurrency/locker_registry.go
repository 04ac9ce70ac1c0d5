package concurrency

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// LockerRegistry keeps the locker of every connected client. Every client runs
// one locker at a time, so the client id identifies it.
type LockerRegistry struct {
	lm      *LockManager
	opts    []LockerOption
	lockers map[uuid.UUID]*Locker
	mtx     sync.RWMutex
}

// NewLockerRegistry creates a registry whose lockers share lm and are built
// with opts.
func NewLockerRegistry(lm *LockManager, opts ...LockerOption) *LockerRegistry {
	return &LockerRegistry{
		lm:      lm,
		opts:    opts,
		lockers: make(map[uuid.UUID]*Locker),
	}
}

func (r *LockerRegistry) GetLockManager() *LockManager {
	return r.lm
}

// Begin creates the locker of a client; error if it already has one.
func (r *LockerRegistry) Begin(clientId uuid.UUID) (*Locker, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, found := r.lockers[clientId]; found {
		return nil, fmt.Errorf("%w: client %s", ErrLockerExists, clientId)
	}
	l := NewLocker(r.lm, clientId, r.opts...)
	r.lockers[clientId] = l
	return l, nil
}

// Get returns the locker of a client.
func (r *LockerRegistry) Get(clientId uuid.UUID) (*Locker, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	l, found := r.lockers[clientId]
	return l, found
}

// Len returns the number of registered lockers.
func (r *LockerRegistry) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.lockers)
}

// End releases everything the client's locker holds and removes it.
func (r *LockerRegistry) End(clientId uuid.UUID) error {
	r.mtx.Lock()
	l, found := r.lockers[clientId]
	if !found {
		r.mtx.Unlock()
		return fmt.Errorf("%w: client %s", ErrNoSuchLocker, clientId)
	}
	delete(r.lockers, clientId)
	r.mtx.Unlock()

	l.UnlockAll()
	return nil
}
