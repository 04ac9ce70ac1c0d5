package concurrency

import (
	"doclock/pkg/list"
)

// LockHead holds the granted and conflicting requests of one resource. All
// access happens under the lock of the bucket that owns the head.
type LockHead struct {
	resourceId ResourceId

	arena *list.Arena[*LockRequest]

	// Granted and converting requests, in grant order.
	grantedList   *list.List[*LockRequest]
	grantedCounts [LockModesCount]uint32
	grantedModes  uint32

	// Waiting requests, granted front to back.
	conflictList   *list.List[*LockRequest]
	conflictCounts [LockModesCount]uint32
	conflictModes  uint32

	// Partitions that may hold a PartitionedLockHead for this resource.
	partitions []*lockPartition

	conversionsCount     int
	compatibleFirstCount int
}

func newLockHead(resId ResourceId) *LockHead {
	arena := list.NewArena[*LockRequest]()
	return &LockHead{
		resourceId:   resId,
		arena:        arena,
		grantedList:  arena.NewList(),
		conflictList: arena.NewList(),
	}
}

func (lock *LockHead) incGrantedModeCount(mode LockMode) {
	lock.grantedCounts[mode]++
	if lock.grantedCounts[mode] == 1 {
		lock.grantedModes |= modeMask(mode)
	}
}

func (lock *LockHead) decGrantedModeCount(mode LockMode) {
	invariant(lock.grantedCounts[mode] > 0, "granted count underflow for %s on %s", mode, lock.resourceId)
	lock.grantedCounts[mode]--
	if lock.grantedCounts[mode] == 0 {
		lock.grantedModes &^= modeMask(mode)
	}
}

func (lock *LockHead) incConflictModeCount(mode LockMode) {
	lock.conflictCounts[mode]++
	if lock.conflictCounts[mode] == 1 {
		lock.conflictModes |= modeMask(mode)
	}
}

func (lock *LockHead) decConflictModeCount(mode LockMode) {
	invariant(lock.conflictCounts[mode] > 0, "conflict count underflow for %s on %s", mode, lock.resourceId)
	lock.conflictCounts[mode]--
	if lock.conflictCounts[mode] == 0 {
		lock.conflictModes &^= modeMask(mode)
	}
}

// grantedModesExcluding returns the granted modes with the contribution of req
// itself (its mode, and its convert mode while converting) taken out.
func (lock *LockHead) grantedModesExcluding(req *LockRequest) uint32 {
	var modes uint32
	for m := ModeIS; m < LockModesCount; m++ {
		var own uint32
		if req.mode == m {
			own++
		}
		if req.status == StatusConverting && req.convertMode == m {
			own++
		}
		if lock.grantedCounts[m] > own {
			modes |= modeMask(m)
		}
	}
	return modes
}

// wouldWait reports whether a new request in mode would be queued.
func (lock *LockHead) wouldWait(mode LockMode) bool {
	return Conflicts(mode, lock.grantedModes) ||
		(lock.compatibleFirstCount == 0 && Conflicts(mode, lock.conflictModes))
}

// newRequest grants req or queues it on the conflict list.
func (lock *LockHead) newRequest(req *LockRequest) LockResult {
	req.lockHead = lock
	if lock.wouldWait(req.mode) {
		req.status = StatusWaiting
		if req.enqueueAtFront {
			req.handle = lock.conflictList.PushHead(req)
		} else {
			req.handle = lock.conflictList.PushTail(req)
		}
		lock.incConflictModeCount(req.mode)
		return LockWaiting
	}
	lock.grant(req)
	return LockOk
}

func (lock *LockHead) grant(req *LockRequest) {
	req.status = StatusGranted
	req.handle = lock.grantedList.PushTail(req)
	lock.incGrantedModeCount(req.mode)
	if req.compatibleFirst {
		lock.compatibleFirstCount++
	}
}

func (lock *LockHead) partitioned() bool {
	return len(lock.partitions) > 0
}

func (lock *LockHead) hasPartition(p *lockPartition) bool {
	for _, existing := range lock.partitions {
		if existing == p {
			return true
		}
	}
	return false
}

// isEmpty reports whether nothing is granted or queued on the head itself.
func (lock *LockHead) isEmpty() bool {
	return lock.grantedList.Empty() && lock.conflictList.Empty()
}

// migratePartitionedLockHeads moves every partitioned request of the resource
// onto the head, so that a non-intent request sees them. Caller must hold the
// bucket lock.
func (lock *LockHead) migratePartitionedLockHeads() {
	for _, partition := range lock.partitions {
		partition.mtx.Lock()
		if plh, ok := partition.data[lock.resourceId]; ok {
			plh.grantedList.Map(func(req *LockRequest) {
				req.partitionedLockHead = nil
				req.lockHead = lock
				req.handle = lock.grantedList.PushTail(req)
				lock.incGrantedModeCount(req.mode)
				if req.compatibleFirst {
					lock.compatibleFirstCount++
				}
			})
			delete(partition.data, lock.resourceId)
		}
		partition.mtx.Unlock()
	}
	lock.partitions = lock.partitions[:0]
}

// blockers returns the owners req (owned by owner, asking for mode) has to
// wait for: holders of conflicting granted or pending-conversion modes, and
// queued requests ahead of it. For a request that is not queued yet, pass
// list.Nil as position and queued=true to treat it as if appended at the tail.
func (lock *LockHead) blockers(owner LockerID, mode LockMode, position list.Handle, queued bool) []LockerID {
	var owners []LockerID
	lock.grantedList.Map(func(other *LockRequest) {
		if other.owner == owner {
			return
		}
		if !Compatible(mode, other.mode) ||
			(other.status == StatusConverting && !Compatible(mode, other.convertMode)) {
			owners = append(owners, other.owner)
		}
	})
	if !queued {
		return owners
	}
	// With compatibleFirst active only conflicting waiters hold a request back.
	onlyConflicting := lock.compatibleFirstCount > 0
	for h := lock.conflictList.PeekHead(); !h.IsNil() && h != position; h = lock.arena.Next(h) {
		other, _ := lock.arena.Get(h)
		if other.owner == owner {
			continue
		}
		if onlyConflicting && Compatible(mode, other.mode) {
			continue
		}
		owners = append(owners, other.owner)
	}
	return owners
}

// snapshot captures the state of the head and its partitioned requests.
// Caller must hold the bucket lock.
func (lock *LockHead) snapshot() ResourceSnapshot {
	snap := ResourceSnapshot{
		ResourceId:   lock.resourceId,
		GrantedModes: modesOf(lock.grantedModes),
	}
	lock.grantedList.Map(func(req *LockRequest) {
		snap.Granted = append(snap.Granted, req.info())
	})
	lock.conflictList.Map(func(req *LockRequest) {
		snap.Pending = append(snap.Pending, req.info())
	})
	for _, partition := range lock.partitions {
		partition.mtx.Lock()
		if plh, ok := partition.data[lock.resourceId]; ok {
			plh.grantedList.Map(func(req *LockRequest) {
				snap.Granted = append(snap.Granted, req.info())
			})
		}
		partition.mtx.Unlock()
	}
	snap.QueueDepth = len(snap.Pending)
	return snap
}

func modesOf(mask uint32) []LockMode {
	var modes []LockMode
	for m := ModeIS; m < LockModesCount; m++ {
		if mask&modeMask(m) != 0 {
			modes = append(modes, m)
		}
	}
	return modes
}
