package concurrency

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spaolacci/murmur3"

	"doclock/pkg/config"
	"doclock/pkg/list"
)

type lockBucket struct {
	mtx  sync.Mutex
	data map[ResourceId]*LockHead
}

func (b *lockBucket) find(resId ResourceId) *LockHead {
	return b.data[resId]
}

func (b *lockBucket) findOrInsert(resId ResourceId) *LockHead {
	lock, ok := b.data[resId]
	if !ok {
		lock = newLockHead(resId)
		b.data[resId] = lock
	}
	return lock
}

type waitingEntry struct {
	req    *LockRequest
	resId  ResourceId
	handle list.Handle
}

// LockManager grants, queues and releases lock requests. Lock heads are kept in
// buckets sharded by ResourceId, so requests on unrelated resources do not
// contend. Intent mode requests may be granted on per-partition heads, sharded
// by locker.
//
// Lock order: detectMtx, then one bucket lock (the deadlock detector may take
// further bucket locks while holding detectMtx), then partition locks, then
// waitMtx.
type LockManager struct {
	buckets    []*lockBucket
	partitions []*lockPartition

	detectMtx sync.Mutex

	waitMtx sync.Mutex
	waiting map[LockerID]waitingEntry

	log zerolog.Logger
}

// Option configures a LockManager.
type Option func(*LockManager)

// WithBuckets sets the number of lock head buckets.
func WithBuckets(n int) Option {
	return func(lm *LockManager) {
		if n > 0 {
			lm.buckets = make([]*lockBucket, n)
		}
	}
}

// WithPartitions sets the number of partitions for intent mode requests.
func WithPartitions(n int) Option {
	return func(lm *LockManager) {
		if n > 0 {
			lm.partitions = make([]*lockPartition, n)
		}
	}
}

// WithLogger sets the logger deadlocks are reported to.
func WithLogger(logger zerolog.Logger) Option {
	return func(lm *LockManager) {
		lm.log = logger
	}
}

// NewLockManager creates a lock manager. One instance is created at server
// start and handed to every locker.
func NewLockManager(opts ...Option) *LockManager {
	lm := &LockManager{
		buckets:    make([]*lockBucket, config.DefaultLockBuckets),
		partitions: make([]*lockPartition, config.DefaultLockPartitions),
		waiting:    make(map[LockerID]waitingEntry),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(lm)
	}
	for i := range lm.buckets {
		lm.buckets[i] = &lockBucket{data: make(map[ResourceId]*LockHead)}
	}
	for i := range lm.partitions {
		lm.partitions[i] = newLockPartition()
	}
	return lm
}

func mix(v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return murmur3.Sum64(buf[:])
}

func (lm *LockManager) getBucket(resId ResourceId) *lockBucket {
	return lm.buckets[mix(uint64(resId))%uint64(len(lm.buckets))]
}

func (lm *LockManager) getPartition(owner LockerID) *lockPartition {
	return lm.partitions[mix(uint64(owner))%uint64(len(lm.partitions))]
}

// Lock asks for mode on resId on behalf of req.
//
// A New request is granted (LockOk), queued (LockWaiting) or, if it asked for
// deadlock detection and waiting would close a cycle, rejected with
// LockDeadlock without any state change. After LockWaiting the request's
// notification fires exactly once with LockOk, unless Unlock retracts the
// request first.
//
// Calling Lock on a Granted request converts it, see Convert. Calling it on a
// request that is still waiting or converting panics.
func (lm *LockManager) Lock(resId ResourceId, req *LockRequest, mode LockMode) LockResult {
	switch req.status {
	case StatusGranted:
		return lm.Convert(resId, req, mode)
	case StatusWaiting, StatusConverting:
		invariant(false, "lock of %s by locker %d while its request is %s", resId, req.owner, req.status)
	}
	if !resId.IsValid() || mode == ModeNone || mode >= LockModesCount || req.recursiveCount != 1 {
		return LockInvalid
	}

	partitioned := req.partitioned && (mode == ModeIS || mode == ModeIX)

	// Fast path: the resource already has a partitioned head for our partition.
	if partitioned {
		partition := lm.getPartition(req.owner)
		partition.mtx.Lock()
		if plh := partition.find(resId); plh != nil {
			req.resourceId = resId
			req.mode = mode
			plh.newRequest(req)
			partition.mtx.Unlock()
			return LockOk
		}
		partition.mtx.Unlock()
	}

	bucket := lm.getBucket(resId)
	bucket.mtx.Lock()
	lock := bucket.findOrInsert(resId)

	// Start a partitioned head if only intent modes are around.
	if partitioned && lock.grantedModes&^intentModes == 0 && lock.conflictModes == 0 {
		partition := lm.getPartition(req.owner)
		partition.mtx.Lock()
		plh := partition.findOrInsert(resId)
		if !lock.hasPartition(partition) {
			lock.partitions = append(lock.partitions, partition)
		}
		req.resourceId = resId
		req.mode = mode
		plh.newRequest(req)
		partition.mtx.Unlock()
		bucket.mtx.Unlock()
		return LockOk
	}

	if lock.partitioned() {
		lock.migratePartitionedLockHeads()
	}

	if req.detectDeadlock && lock.wouldWait(mode) {
		bucket.mtx.Unlock()
		return lm.lockDetectingDeadlock(resId, req, mode)
	}

	result := lm.enqueue(lock, resId, req, mode)
	bucket.mtx.Unlock()
	return result
}

// lockDetectingDeadlock redoes the grant decision with detectMtx held, so that
// no other detecting request can queue between the cycle check and our own
// enqueue. The request is queued before the check, so that waiters it gets
// ahead of see it as a blocker, and unlinked again if it closes a cycle.
func (lm *LockManager) lockDetectingDeadlock(resId ResourceId, req *LockRequest, mode LockMode) LockResult {
	lm.detectMtx.Lock()
	defer lm.detectMtx.Unlock()

	bucket := lm.getBucket(resId)
	bucket.mtx.Lock()
	defer bucket.mtx.Unlock()

	lock := bucket.findOrInsert(resId)
	if lock.partitioned() {
		lock.migratePartitionedLockHeads()
	}
	before := *req
	result := lm.enqueue(lock, resId, req, mode)
	if result != LockWaiting {
		return result
	}
	blockers := lock.blockers(req.owner, mode, req.handle, true)
	if cycle := lm.findCycle(bucket, req.owner, blockers); cycle != nil {
		lm.logDeadlock(req.owner, resId, mode, cycle)
		invariant(lock.arena.PopSelf(req.handle), "waiting request for %s is not linked", resId)
		lock.decConflictModeCount(mode)
		lm.clearWaiting(req)
		*req = before
		if lock.isEmpty() && !lock.partitioned() {
			delete(bucket.data, resId)
		}
		return LockDeadlock
	}
	return LockWaiting
}

// enqueue links a New request into the head. Caller must hold the bucket lock.
func (lm *LockManager) enqueue(lock *LockHead, resId ResourceId, req *LockRequest, mode LockMode) LockResult {
	req.resourceId = resId
	req.mode = mode
	req.partitioned = false
	result := lock.newRequest(req)
	if result == LockWaiting {
		lm.setWaiting(req)
	}
	return result
}

// Convert asks for newMode on a resource req already holds, without releasing
// the current grant first: until the conversion is granted the request keeps
// its current mode, and the pending mode is already visible to other requests.
// A newMode covered by the current mode only bumps the recursive count.
// Conversions are granted ahead of the conflict queue.
//
// Like Lock, a conversion that would wait and close a wait-for cycle returns
// LockDeadlock and changes nothing. Each successful call (LockOk or
// LockWaiting) must be matched by an Unlock.
func (lm *LockManager) Convert(resId ResourceId, req *LockRequest, newMode LockMode) LockResult {
	invariant(req.status == StatusGranted && req.recursiveCount > 0,
		"convert of %s by locker %d in status %s", resId, req.owner, req.status)
	invariant(req.resourceId == resId, "convert of %s by locker %d on a request for %s", resId, req.owner, req.resourceId)
	if newMode == ModeNone || newMode >= LockModesCount {
		return LockInvalid
	}

	if IsModeCovered(newMode, req.mode) {
		unlock := lm.lockRequestGuard(req)
		req.recursiveCount++
		unlock()
		return LockOk
	}

	bucket := lm.getBucket(resId)
	bucket.mtx.Lock()
	lock := bucket.find(resId)
	invariant(lock != nil, "no lock head for granted resource %s", resId)
	if lock.partitioned() {
		lock.migratePartitionedLockHeads()
	}

	if !Conflicts(newMode, lock.grantedModesExcluding(req)) {
		lock.decGrantedModeCount(req.mode)
		req.mode = newMode
		lock.incGrantedModeCount(req.mode)
		req.recursiveCount++
		bucket.mtx.Unlock()
		return LockOk
	}

	if req.detectDeadlock {
		bucket.mtx.Unlock()
		return lm.convertDetectingDeadlock(resId, req, newMode)
	}

	lm.startConversion(lock, req, newMode)
	bucket.mtx.Unlock()
	return LockWaiting
}

// convertDetectingDeadlock is lockDetectingDeadlock for conversions: the
// pending mode is applied before the check and withdrawn on a cycle.
func (lm *LockManager) convertDetectingDeadlock(resId ResourceId, req *LockRequest, newMode LockMode) LockResult {
	lm.detectMtx.Lock()
	defer lm.detectMtx.Unlock()

	bucket := lm.getBucket(resId)
	bucket.mtx.Lock()
	defer bucket.mtx.Unlock()

	lock := bucket.find(resId)
	invariant(lock != nil, "no lock head for granted resource %s", resId)
	if lock.partitioned() {
		lock.migratePartitionedLockHeads()
	}
	if !Conflicts(newMode, lock.grantedModesExcluding(req)) {
		lock.decGrantedModeCount(req.mode)
		req.mode = newMode
		lock.incGrantedModeCount(req.mode)
		req.recursiveCount++
		return LockOk
	}
	lm.startConversion(lock, req, newMode)
	blockers := lock.blockers(req.owner, newMode, list.Nil, false)
	if cycle := lm.findCycle(bucket, req.owner, blockers); cycle != nil {
		lm.logDeadlock(req.owner, resId, newMode, cycle)
		lm.cancelConversion(lock, req)
		req.recursiveCount--
		return LockDeadlock
	}
	return LockWaiting
}

func (lm *LockManager) startConversion(lock *LockHead, req *LockRequest, newMode LockMode) {
	req.recursiveCount++
	req.convertMode = newMode
	req.status = StatusConverting
	lock.conversionsCount++
	lock.incGrantedModeCount(newMode)
	lm.setWaiting(req)
}

// cancelConversion withdraws the pending mode of a converting request; the
// reference taken by the conversion is the caller's to drop. Caller must hold
// the bucket lock.
func (lm *LockManager) cancelConversion(lock *LockHead, req *LockRequest) {
	req.status = StatusGranted
	lock.conversionsCount--
	lock.decGrantedModeCount(req.convertMode)
	req.convertMode = ModeNone
	lm.clearWaiting(req)
}

// Unlock drops one reference of req. It returns true once the resource is
// fully released. Unlocking a waiting request retracts it; unlocking a
// converting request cancels the conversion and keeps the original grant.
// Unlocking a request that holds nothing panics.
func (lm *LockManager) Unlock(req *LockRequest) bool {
	invariant(req.resourceId.IsValid() && req.recursiveCount > 0,
		"unlock by locker %d of a request that is not held", req.owner)

	if req.partitioned {
		partition := lm.getPartition(req.owner)
		partition.mtx.Lock()
		if plh := req.partitionedLockHead; plh != nil {
			req.recursiveCount--
			if req.recursiveCount > 0 {
				partition.mtx.Unlock()
				return false
			}
			resId := req.resourceId
			plh.remove(req)
			if plh.grantedList.Empty() {
				delete(partition.data, resId)
			}
			req.release()
			partition.mtx.Unlock()
			return true
		}
		// Migrated to the lock head in the meantime.
		partition.mtx.Unlock()
	}

	bucket := lm.getBucket(req.resourceId)
	bucket.mtx.Lock()
	defer bucket.mtx.Unlock()

	lock := req.lockHead
	req.recursiveCount--
	switch req.status {
	case StatusGranted:
		if req.recursiveCount > 0 {
			return false
		}
		invariant(lock.arena.PopSelf(req.handle), "granted request for %s is not linked", req.resourceId)
		lock.decGrantedModeCount(req.mode)
		if req.compatibleFirst {
			lock.compatibleFirstCount--
		}
	case StatusWaiting:
		invariant(req.recursiveCount == 0, "waiting request for %s has references", req.resourceId)
		invariant(lock.arena.PopSelf(req.handle), "waiting request for %s is not linked", req.resourceId)
		lock.decConflictModeCount(req.mode)
		lm.clearWaiting(req)
	case StatusConverting:
		invariant(req.recursiveCount > 0, "converting request for %s lost its grant", req.resourceId)
		lm.cancelConversion(lock, req)
		lm.onLockModeChanged(lock)
		return false
	default:
		invariant(false, "unlock of %s in status %s", req.resourceId, req.status)
	}

	lm.onLockModeChanged(lock)
	if lock.isEmpty() && !lock.partitioned() {
		delete(bucket.data, lock.resourceId)
	}
	req.release()
	return true
}

// Downgrade weakens a granted request to newMode, which must be covered by its
// current mode, and grants whatever that unblocks.
func (lm *LockManager) Downgrade(req *LockRequest, newMode LockMode) {
	invariant(req.status == StatusGranted && req.recursiveCount > 0,
		"downgrade by locker %d of a request in status %s", req.owner, req.status)
	invariant(newMode != ModeNone && IsModeCovered(newMode, req.mode),
		"downgrade of %s from %s to %s", req.resourceId, req.mode, newMode)

	if req.partitioned {
		partition := lm.getPartition(req.owner)
		partition.mtx.Lock()
		if req.partitionedLockHead != nil {
			req.mode = newMode
			partition.mtx.Unlock()
			return
		}
		partition.mtx.Unlock()
	}

	bucket := lm.getBucket(req.resourceId)
	bucket.mtx.Lock()
	defer bucket.mtx.Unlock()

	lock := req.lockHead
	lock.decGrantedModeCount(req.mode)
	req.mode = newMode
	lock.incGrantedModeCount(req.mode)
	lm.onLockModeChanged(lock)
}

// onLockModeChanged grants pending conversions and then the longest
// grantable prefix of the conflict queue. While a compatibleFirst request is
// granted, blocked waiters do not stop the scan. Caller must hold the bucket
// lock.
func (lm *LockManager) onLockModeChanged(lock *LockHead) {
	if lock.conversionsCount > 0 {
		for h := lock.grantedList.PeekHead(); !h.IsNil() && lock.conversionsCount > 0; h = lock.arena.Next(h) {
			req, _ := lock.arena.Get(h)
			if req.status != StatusConverting {
				continue
			}
			if Conflicts(req.convertMode, lock.grantedModesExcluding(req)) {
				continue
			}
			lock.conversionsCount--
			lock.decGrantedModeCount(req.mode)
			req.status = StatusGranted
			req.mode = req.convertMode
			req.convertMode = ModeNone
			lm.clearWaiting(req)
			req.notify.Notify(lock.resourceId, LockOk)
		}
	}

	for h := lock.conflictList.PeekHead(); !h.IsNil(); {
		next := lock.arena.Next(h)
		req, _ := lock.arena.Get(h)
		if Conflicts(req.mode, lock.grantedModes) {
			if lock.compatibleFirstCount == 0 {
				break
			}
			h = next
			continue
		}
		lock.arena.PopSelf(h)
		lock.decConflictModeCount(req.mode)
		lock.grant(req)
		lm.clearWaiting(req)
		req.notify.Notify(lock.resourceId, LockOk)

		// Nothing is compatible with a newly granted X.
		if req.mode == ModeX {
			break
		}
		h = next
	}
}

// lockRequestGuard locks whichever lock currently guards req's queue and
// returns the matching unlock.
func (lm *LockManager) lockRequestGuard(req *LockRequest) func() {
	if req.partitioned {
		partition := lm.getPartition(req.owner)
		partition.mtx.Lock()
		if req.partitionedLockHead != nil {
			return partition.mtx.Unlock
		}
		partition.mtx.Unlock()
	}
	bucket := lm.getBucket(req.resourceId)
	bucket.mtx.Lock()
	return bucket.mtx.Unlock
}

func (lm *LockManager) setWaiting(req *LockRequest) {
	lm.waitMtx.Lock()
	lm.waiting[req.owner] = waitingEntry{req: req, resId: req.resourceId, handle: req.handle}
	lm.waitMtx.Unlock()
}

func (lm *LockManager) clearWaiting(req *LockRequest) {
	lm.waitMtx.Lock()
	if entry, ok := lm.waiting[req.owner]; ok && entry.req == req {
		delete(lm.waiting, req.owner)
	}
	lm.waitMtx.Unlock()
}

func (lm *LockManager) waitingEntry(owner LockerID) (waitingEntry, bool) {
	lm.waitMtx.Lock()
	defer lm.waitMtx.Unlock()
	entry, ok := lm.waiting[owner]
	return entry, ok
}

// CleanupUnusedLocks merges partitioned heads back and drops heads with
// nothing granted or queued. It returns the number of heads removed.
func (lm *LockManager) CleanupUnusedLocks() int {
	removed := 0
	for _, bucket := range lm.buckets {
		bucket.mtx.Lock()
		for resId, lock := range bucket.data {
			if lock.partitioned() {
				lock.migratePartitionedLockHeads()
			}
			if lock.isEmpty() {
				delete(bucket.data, resId)
				removed++
			}
		}
		bucket.mtx.Unlock()
	}
	return removed
}

func (lm *LockManager) logDeadlock(owner LockerID, resId ResourceId, mode LockMode, cycle []LockerID) {
	lm.log.Debug().
		Uint64("locker", uint64(owner)).
		Stringer("resource", resId).
		Stringer("mode", mode).
		Interface("cycle", cycle).
		Msg("deadlock detected")
}
