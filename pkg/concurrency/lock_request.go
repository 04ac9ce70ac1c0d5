package concurrency

import (
	"fmt"

	"doclock/pkg/list"
)

// LockerID identifies the execution context that owns lock requests.
type LockerID uint64

// RequestStatus is the position of a LockRequest in its lifecycle.
type RequestStatus uint8

const (
	StatusNew RequestStatus = iota
	StatusGranted
	StatusWaiting
	StatusConverting
)

var requestStatusNames = [...]string{"new", "granted", "waiting", "converting"}

func (s RequestStatus) String() string {
	if int(s) >= len(requestStatusNames) {
		return fmt.Sprintf("RequestStatus(%d)", uint8(s))
	}
	return requestStatusNames[s]
}

// LockGrantNotification receives the final result of a request that returned
// LockWaiting. Notify is called at most once per request, while the lock
// manager holds the bucket lock of the resource: it must return promptly and
// must not call back into the lock manager.
type LockGrantNotification interface {
	Notify(resId ResourceId, result LockResult)
}

// LockRequest is the record of one owner's interest in one resource. It is
// linked into the queues of a LockHead (or a PartitionedLockHead) while the
// resource is held or waited for.
//
// Fields set by the owner before a call (owner, notify, flags) are only read by
// the lock manager. Fields describing queue state are only modified under the
// bucket (or partition) lock of the resource.
type LockRequest struct {
	owner  LockerID
	notify LockGrantNotification

	resourceId ResourceId
	lockHead   *LockHead
	// partitionedLockHead is set while the request lives in a partition. It is
	// guarded by the partition lock.
	partitionedLockHead *PartitionedLockHead
	handle              list.Handle

	mode        LockMode
	convertMode LockMode
	status      RequestStatus

	recursiveCount uint32

	enqueueAtFront  bool
	compatibleFirst bool
	partitioned     bool
	detectDeadlock  bool
}

// NewLockRequest creates a request in status New.
func NewLockRequest(owner LockerID, notify LockGrantNotification) *LockRequest {
	req := &LockRequest{}
	req.InitNew(owner, notify)
	return req
}

// InitNew resets the request so it can be passed to LockManager.Lock. A request
// must be re-initialized before it is reused after being fully released.
func (req *LockRequest) InitNew(owner LockerID, notify LockGrantNotification) {
	*req = LockRequest{
		owner:          owner,
		notify:         notify,
		recursiveCount: 1,
	}
}

// SetEnqueueAtFront makes the request jump ahead of the conflict queue if it
// has to wait.
func (req *LockRequest) SetEnqueueAtFront(v bool) { req.enqueueAtFront = v }

// SetCompatibleFirst makes the resource admit any request compatible with the
// granted modes while this request is granted, ahead of queued conflicting
// requests.
func (req *LockRequest) SetCompatibleFirst(v bool) { req.compatibleFirst = v }

// SetPartitioned allows an intent mode request to be granted on a partitioned
// lock head. It has no effect for other modes.
func (req *LockRequest) SetPartitioned(v bool) { req.partitioned = v }

// SetDetectDeadlock makes Lock and Convert run the deadlock detector before the
// request is queued.
func (req *LockRequest) SetDetectDeadlock(v bool) { req.detectDeadlock = v }

func (req *LockRequest) Owner() LockerID           { return req.owner }
func (req *LockRequest) ResourceId() ResourceId    { return req.resourceId }
func (req *LockRequest) Mode() LockMode            { return req.mode }
func (req *LockRequest) ConvertMode() LockMode     { return req.convertMode }
func (req *LockRequest) Status() RequestStatus     { return req.status }
func (req *LockRequest) RecursiveCount() uint32    { return req.recursiveCount }
func (req *LockRequest) IsEnqueueAtFront() bool    { return req.enqueueAtFront }
func (req *LockRequest) IsCompatibleFirst() bool   { return req.compatibleFirst }
func (req *LockRequest) IsPartitioned() bool       { return req.partitioned }
func (req *LockRequest) IsDetectingDeadlock() bool { return req.detectDeadlock }

// info captures the request for a snapshot. Caller must hold the lock guarding
// the request's queue.
func (req *LockRequest) info() RequestInfo {
	return RequestInfo{
		Owner:           req.owner,
		Mode:            req.mode,
		ConvertMode:     req.convertMode,
		Status:          req.status,
		RecursiveCount:  req.recursiveCount,
		EnqueueAtFront:  req.enqueueAtFront,
		CompatibleFirst: req.compatibleFirst,
		Partitioned:     req.partitionedLockHead != nil,
	}
}

// release returns a fully unlocked request to status New. The recursive count
// stays at zero so that reuse without InitNew is rejected.
func (req *LockRequest) release() {
	req.resourceId = 0
	req.lockHead = nil
	req.partitionedLockHead = nil
	req.handle = list.Nil
	req.mode = ModeNone
	req.convertMode = ModeNone
	req.status = StatusNew
	req.recursiveCount = 0
}
