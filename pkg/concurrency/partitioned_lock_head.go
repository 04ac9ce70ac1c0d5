package concurrency

import (
	"sync"

	"doclock/pkg/list"
)

// PartitionedLockHead holds granted intent mode requests of one resource that
// were issued by lockers mapped to the same partition. Intent modes never
// conflict with each other, so these requests need no queue; they are merged
// into the LockHead when a conflicting mode shows up.
type PartitionedLockHead struct {
	arena       *list.Arena[*LockRequest]
	grantedList *list.List[*LockRequest]
}

func newPartitionedLockHead() *PartitionedLockHead {
	arena := list.NewArena[*LockRequest]()
	return &PartitionedLockHead{arena: arena, grantedList: arena.NewList()}
}

func (plh *PartitionedLockHead) newRequest(req *LockRequest) {
	req.partitionedLockHead = plh
	req.handle = plh.grantedList.PushTail(req)
	req.status = StatusGranted
}

func (plh *PartitionedLockHead) remove(req *LockRequest) {
	invariant(plh.arena.PopSelf(req.handle), "request for %s is not in its partition", req.resourceId)
	req.partitionedLockHead = nil
}

type lockPartition struct {
	mtx  sync.Mutex
	data map[ResourceId]*PartitionedLockHead
}

func newLockPartition() *lockPartition {
	return &lockPartition{data: make(map[ResourceId]*PartitionedLockHead)}
}

func (p *lockPartition) find(resId ResourceId) *PartitionedLockHead {
	return p.data[resId]
}

func (p *lockPartition) findOrInsert(resId ResourceId) *PartitionedLockHead {
	plh, ok := p.data[resId]
	if !ok {
		plh = newPartitionedLockHead()
		p.data[resId] = plh
	}
	return plh
}
