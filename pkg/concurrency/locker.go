package concurrency

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var lockerIds atomic.Uint64

// Locker is the execution context that owns lock requests. Each client has at
// most one Locker, and a Locker is driven by one goroutine at a time: at most
// one of its requests is pending at any moment.
type Locker struct {
	id       LockerID
	clientId uuid.UUID
	lm       *LockManager
	notify   *GrantNotifier

	requests map[ResourceId]*LockRequest // resources locked or being waited for
	mtx      sync.RWMutex

	waitingResource atomic.Uint64

	detectDeadlock       bool
	partitionIntentLocks bool
	lockTimeout          time.Duration
	events               zerolog.Logger
}

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithDeadlockDetection turns deadlock detection on the locker's requests on
// or off. It is on by default.
func WithDeadlockDetection(enabled bool) LockerOption {
	return func(l *Locker) { l.detectDeadlock = enabled }
}

// WithPartitionedIntentLocks lets intent locks on the global, flush barrier
// and database resources be granted on partitioned heads.
func WithPartitionedIntentLocks(enabled bool) LockerOption {
	return func(l *Locker) { l.partitionIntentLocks = enabled }
}

// WithLockTimeout bounds waits whose context carries no deadline.
func WithLockTimeout(d time.Duration) LockerOption {
	return func(l *Locker) { l.lockTimeout = d }
}

// WithEventLogger records grants, waits and releases to logger.
func WithEventLogger(logger zerolog.Logger) LockerOption {
	return func(l *Locker) { l.events = logger }
}

// NewLocker creates a locker with a fresh LockerID.
func NewLocker(lm *LockManager, clientId uuid.UUID, opts ...LockerOption) *Locker {
	l := &Locker{
		id:                   LockerID(lockerIds.Add(1)),
		clientId:             clientId,
		lm:                   lm,
		notify:               NewGrantNotifier(),
		requests:             make(map[ResourceId]*LockRequest),
		detectDeadlock:       true,
		partitionIntentLocks: true,
		events:               zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) GetId() LockerID {
	return l.id
}

func (l *Locker) GetClientID() uuid.UUID {
	return l.clientId
}

func (l *Locker) GetLockManager() *LockManager {
	return l.lm
}

// Lock acquires resId in mode, waiting until ctx is done (or the locker's
// lock timeout passes) if the lock is not immediately available. Locking a
// resource the locker already holds converts the lock to a mode covering
// both, or just counts another reference if the held mode covers mode.
//
// A wait that would deadlock fails with ErrDeadlock and a wait that runs out
// of time fails with ErrLockTimeout; in both cases no new lock is held.
func (l *Locker) Lock(ctx context.Context, resId ResourceId, mode LockMode) error {
	return l.LockOrNotify(ctx, resId, mode, nil)
}

// LockOrNotify is Lock, but calls onWait before blocking if the request has
// to wait.
func (l *Locker) LockOrNotify(ctx context.Context, resId ResourceId, mode LockMode, onWait func()) error {
	req, held, result := l.lockBegin(resId, mode)
	if result == LockWaiting && onWait != nil {
		onWait()
	}
	return l.lockComplete(ctx, resId, mode, req, held, result)
}

func (l *Locker) lockBegin(resId ResourceId, mode LockMode) (*LockRequest, bool, LockResult) {
	l.mtx.Lock()
	req, held := l.requests[resId]
	if !held {
		req = NewLockRequest(l.id, l.notify)
		l.applyPolicy(req, resId, mode)
		l.requests[resId] = req
	}
	l.mtx.Unlock()

	if held && mode != ModeNone && mode < LockModesCount && !IsModeCovered(mode, req.Mode()) {
		mode = combinedMode(req.Mode(), mode)
	}

	l.notify.Clear()
	l.waitingResource.Store(uint64(resId))
	return req, held, l.lm.Lock(resId, req, mode)
}

// combinedMode is the weakest mode covering both a and b.
func combinedMode(a, b LockMode) LockMode {
	for m := ModeIS; m < LockModesCount; m++ {
		if IsModeCovered(a, m) && IsModeCovered(b, m) {
			return m
		}
	}
	return ModeX
}

// applyPolicy sets the request flags for a new request.
func (l *Locker) applyPolicy(req *LockRequest, resId ResourceId, mode LockMode) {
	req.SetDetectDeadlock(l.detectDeadlock)
	if resId == ResourceIdGlobal && (mode == ModeS || mode == ModeX) {
		req.SetEnqueueAtFront(true)
		req.SetCompatibleFirst(true)
	}
	if l.partitionIntentLocks && (mode == ModeIS || mode == ModeIX) {
		switch resId.Type() {
		case ResourceGlobal, ResourceFlushBarrier, ResourceDatabase:
			req.SetPartitioned(true)
		}
	}
}

func (l *Locker) lockComplete(ctx context.Context, resId ResourceId, mode LockMode, req *LockRequest, held bool, result LockResult) error {
	switch result {
	case LockOk:
		l.waitingResource.Store(0)
		l.logEvent("granted", resId, mode)
		return nil
	case LockInvalid:
		l.waitingResource.Store(0)
		l.forget(resId, held)
		return fmt.Errorf("%w: %s on %s", ErrLockInvalid, mode, resId)
	case LockDeadlock:
		l.waitingResource.Store(0)
		l.forget(resId, held)
		l.logEvent("deadlock", resId, mode)
		return fmt.Errorf("%w: locker %d requesting %s on %s", ErrDeadlock, l.id, mode, resId)
	}

	l.logEvent("waiting", resId, mode)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && l.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.lockTimeout)
		defer cancel()
	}
	_, _, err := l.notify.Wait(ctx)
	l.waitingResource.Store(0)
	if err == nil {
		l.logEvent("granted", resId, mode)
		return nil
	}

	// Retract the pending request. If the grant raced with the deadline, this
	// drops the reference the grant just handed us.
	if l.lm.Unlock(req) {
		l.forget(resId, false)
	}
	l.notify.Clear()
	if errors.Is(err, context.DeadlineExceeded) {
		l.logEvent("timeout", resId, mode)
		return fmt.Errorf("%w: locker %d requesting %s on %s", ErrLockTimeout, l.id, mode, resId)
	}
	return fmt.Errorf("lock %s on %s: %w", mode, resId, err)
}

func (l *Locker) forget(resId ResourceId, held bool) {
	if held {
		return
	}
	l.mtx.Lock()
	delete(l.requests, resId)
	l.mtx.Unlock()
}

// Unlock drops one reference to resId. It returns true once the resource is no
// longer held.
func (l *Locker) Unlock(resId ResourceId) (bool, error) {
	l.mtx.RLock()
	req, ok := l.requests[resId]
	l.mtx.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotHeld, resId)
	}
	if !l.lm.Unlock(req) {
		return false, nil
	}
	l.forget(resId, false)
	l.logEvent("released", resId, ModeNone)
	return true, nil
}

// Downgrade weakens the lock held on resId to mode.
func (l *Locker) Downgrade(resId ResourceId, mode LockMode) error {
	l.mtx.RLock()
	req, ok := l.requests[resId]
	l.mtx.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, resId)
	}
	if mode == ModeNone || mode >= LockModesCount || !IsModeCovered(mode, req.Mode()) {
		return fmt.Errorf("%w: cannot downgrade %s from %s to %s", ErrLockInvalid, resId, req.Mode(), mode)
	}
	l.lm.Downgrade(req, mode)
	l.logEvent("downgraded", resId, mode)
	return nil
}

// UnlockAll releases every reference the locker holds and returns the number
// of resources released.
func (l *Locker) UnlockAll() int {
	l.mtx.Lock()
	reqs := l.requests
	l.requests = make(map[ResourceId]*LockRequest)
	l.mtx.Unlock()

	for resId, req := range reqs {
		for !l.lm.Unlock(req) {
		}
		l.logEvent("released", resId, ModeNone)
	}
	return len(reqs)
}

// LockMode returns the mode resId is held in, or ModeNone.
func (l *Locker) LockMode(resId ResourceId) LockMode {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	req, ok := l.requests[resId]
	if !ok {
		return ModeNone
	}
	switch req.Status() {
	case StatusGranted, StatusConverting:
		return req.Mode()
	}
	return ModeNone
}

// IsLockHeldForMode reports whether resId is held in a mode covering mode.
func (l *Locker) IsLockHeldForMode(resId ResourceId, mode LockMode) bool {
	return IsModeCovered(mode, l.LockMode(resId))
}

// HeldResources returns the resources with a request, ordered by ResourceId.
func (l *Locker) HeldResources() []ResourceId {
	l.mtx.RLock()
	resIds := make([]ResourceId, 0, len(l.requests))
	for resId := range l.requests {
		resIds = append(resIds, resId)
	}
	l.mtx.RUnlock()
	slices.Sort(resIds)
	return resIds
}

// WaitingResource returns the resource the locker is blocked on, if any.
func (l *Locker) WaitingResource() (ResourceId, bool) {
	resId := ResourceId(l.waitingResource.Load())
	return resId, resId.IsValid()
}

func (l *Locker) logEvent(event string, resId ResourceId, mode LockMode) {
	e := l.events.Info().
		Str("event", event).
		Str("client", l.clientId.String()).
		Uint64("locker", uint64(l.id)).
		Stringer("resource", resId)
	if mode != ModeNone {
		e = e.Stringer("mode", mode)
	}
	e.Msg("lock")
}
