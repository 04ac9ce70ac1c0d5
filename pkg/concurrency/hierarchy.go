package concurrency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Guard releases one reference to a lock acquired through Acquire.
type Guard struct {
	locker *Locker
	resId  ResourceId
	mode   LockMode
	once   sync.Once
	err    error
}

// Acquire locks resId in mode and returns a guard whose Release undoes it.
func (l *Locker) Acquire(ctx context.Context, resId ResourceId, mode LockMode) (*Guard, error) {
	if err := l.Lock(ctx, resId, mode); err != nil {
		return nil, err
	}
	return &Guard{locker: l, resId: resId, mode: mode}, nil
}

func (g *Guard) ResourceId() ResourceId {
	return g.resId
}

func (g *Guard) Mode() LockMode {
	return g.mode
}

// Release drops the reference. Only the first call has an effect.
func (g *Guard) Release() error {
	g.once.Do(func() {
		_, g.err = g.locker.Unlock(g.resId)
	})
	return g.err
}

// LockStack is a set of guards taken parent first and released child first.
type LockStack struct {
	guards []*Guard
}

func (s *LockStack) acquire(ctx context.Context, l *Locker, resId ResourceId, mode LockMode) error {
	g, err := l.Acquire(ctx, resId, mode)
	if err != nil {
		return err
	}
	s.guards = append(s.guards, g)
	return nil
}

// Len returns the number of guards on the stack.
func (s *LockStack) Len() int {
	return len(s.guards)
}

// Guards returns the guards in acquisition order.
func (s *LockStack) Guards() []*Guard {
	return s.guards
}

// Release releases every guard in reverse order of acquisition.
func (s *LockStack) Release() error {
	var errs []error
	for i := len(s.guards) - 1; i >= 0; i-- {
		if err := s.guards[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	s.guards = nil
	return errors.Join(errs...)
}

// LockGlobal takes the global lock in mode. Unless the locker already holds
// the parallel batch writer mode resource, it is first taken in IS.
func (l *Locker) LockGlobal(ctx context.Context, mode LockMode) (*LockStack, error) {
	s := &LockStack{}
	if l.LockMode(ResourceIdParallelBatchWriterMode) == ModeNone {
		if err := s.acquire(ctx, l, ResourceIdParallelBatchWriterMode, ModeIS); err != nil {
			return nil, err
		}
	}
	if err := s.acquire(ctx, l, ResourceIdGlobal, mode); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

// LockDatabase takes db in mode, after the global lock in the matching intent
// mode.
func (l *Locker) LockDatabase(ctx context.Context, db string, mode LockMode) (*LockStack, error) {
	if db == "" {
		return nil, fmt.Errorf("%w: empty database name", ErrLockInvalid)
	}
	s, err := l.LockGlobal(ctx, IntentMode(mode))
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, l, DatabaseResource(db), mode); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

// LockCollection takes the collection ns ("<db>.<collection>") in mode, after
// its database and the global lock in the matching intent mode.
func (l *Locker) LockCollection(ctx context.Context, ns string, mode LockMode) (*LockStack, error) {
	db, coll, ok := strings.Cut(ns, ".")
	if !ok || db == "" || coll == "" {
		return nil, fmt.Errorf("%w: malformed namespace %q", ErrLockInvalid, ns)
	}
	s, err := l.LockDatabase(ctx, db, IntentMode(mode))
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, l, CollectionResource(ns), mode); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

// LockParallelBatchWriterMode takes the parallel batch writer mode resource
// exclusively, which keeps every other locker out of the global lock.
func (l *Locker) LockParallelBatchWriterMode(ctx context.Context) (*LockStack, error) {
	s := &LockStack{}
	if err := s.acquire(ctx, l, ResourceIdParallelBatchWriterMode, ModeX); err != nil {
		return nil, err
	}
	return s, nil
}

// lockedByParent reports whether resId is held in S or X covering mode, which
// protects all of its children.
func (l *Locker) lockedByParent(resId ResourceId, mode LockMode) bool {
	held := l.LockMode(resId)
	return (held == ModeS || held == ModeX) && IsModeCovered(mode, held)
}

// IsDbLockedForMode reports whether db is protected for mode, either directly
// or through a global lock covering it.
func (l *Locker) IsDbLockedForMode(db string, mode LockMode) bool {
	if l.lockedByParent(ResourceIdGlobal, mode) {
		return true
	}
	if !l.IsLockHeldForMode(ResourceIdGlobal, IntentMode(mode)) {
		return false
	}
	return l.IsLockHeldForMode(DatabaseResource(db), mode)
}

// IsCollectionLockedForMode is IsDbLockedForMode one level down.
func (l *Locker) IsCollectionLockedForMode(ns string, mode LockMode) bool {
	db, _, ok := strings.Cut(ns, ".")
	if !ok {
		return false
	}
	if l.lockedByParent(ResourceIdGlobal, mode) {
		return true
	}
	if !l.IsDbLockedForMode(db, IntentMode(mode)) {
		return false
	}
	if l.lockedByParent(DatabaseResource(db), mode) {
		return true
	}
	return l.IsLockHeldForMode(CollectionResource(ns), mode)
}
