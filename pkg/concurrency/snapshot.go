package concurrency

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/btree"
)

// RequestInfo describes one request in a snapshot.
type RequestInfo struct {
	Owner           LockerID
	Mode            LockMode
	ConvertMode     LockMode
	Status          RequestStatus
	RecursiveCount  uint32
	EnqueueAtFront  bool
	CompatibleFirst bool
	Partitioned     bool
}

func (info RequestInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "locker %d %s %s", info.Owner, info.Mode, info.Status)
	if info.Status == StatusConverting {
		fmt.Fprintf(&sb, "->%s", info.ConvertMode)
	}
	if info.RecursiveCount > 1 {
		fmt.Fprintf(&sb, " x%d", info.RecursiveCount)
	}
	if info.Partitioned {
		sb.WriteString(" partitioned")
	}
	if info.EnqueueAtFront {
		sb.WriteString(" front")
	}
	if info.CompatibleFirst {
		sb.WriteString(" compatible-first")
	}
	return sb.String()
}

// ResourceSnapshot is the state of one lock head at the time it was read.
type ResourceSnapshot struct {
	ResourceId   ResourceId
	Granted      []RequestInfo
	Pending      []RequestInfo
	QueueDepth   int
	GrantedModes []LockMode
}

// Snapshot reads every lock head that has granted or pending requests, one
// bucket at a time, and returns them ordered by ResourceId. Heads in different
// buckets may be read at different moments.
func (lm *LockManager) Snapshot() []ResourceSnapshot {
	tree := btree.NewG[ResourceSnapshot](32, func(a, b ResourceSnapshot) bool {
		return a.ResourceId.Less(b.ResourceId)
	})
	for _, bucket := range lm.buckets {
		bucket.mtx.Lock()
		for _, lock := range bucket.data {
			snap := lock.snapshot()
			if len(snap.Granted) == 0 && len(snap.Pending) == 0 {
				continue
			}
			tree.ReplaceOrInsert(snap)
		}
		bucket.mtx.Unlock()
	}
	snaps := make([]ResourceSnapshot, 0, tree.Len())
	tree.Ascend(func(snap ResourceSnapshot) bool {
		snaps = append(snaps, snap)
		return true
	})
	return snaps
}

// Dump writes a human readable snapshot to w.
func (lm *LockManager) Dump(w io.Writer) {
	snaps := lm.Snapshot()
	if len(snaps) == 0 {
		io.WriteString(w, "no locks\n")
		return
	}
	for _, snap := range snaps {
		fmt.Fprintf(w, "%s granted=%v queued=%d\n", snap.ResourceId, snap.GrantedModes, snap.QueueDepth)
		for _, info := range snap.Granted {
			fmt.Fprintf(w, "\t+ %s\n", info)
		}
		for _, info := range snap.Pending {
			fmt.Fprintf(w, "\t- %s\n", info)
		}
	}
}

// VerifySnapshot checks that every resource in snaps only grants mutually
// compatible modes to distinct owners, and that its queue only holds waiting
// requests.
func VerifySnapshot(snaps []ResourceSnapshot) error {
	var errs []error
	for _, snap := range snaps {
		owners := make(map[LockerID]bool)
		for i, a := range snap.Granted {
			if owners[a.Owner] {
				errs = append(errs, fmt.Errorf("%s: locker %d granted twice", snap.ResourceId, a.Owner))
			}
			owners[a.Owner] = true
			if a.Status != StatusGranted && a.Status != StatusConverting {
				errs = append(errs, fmt.Errorf("%s: locker %d is %s on the granted list", snap.ResourceId, a.Owner, a.Status))
			}
			for _, b := range snap.Granted[i+1:] {
				if !Compatible(a.Mode, b.Mode) {
					errs = append(errs, fmt.Errorf("%s: locker %d holds %s alongside locker %d holding %s",
						snap.ResourceId, a.Owner, a.Mode, b.Owner, b.Mode))
				}
			}
		}
		for _, p := range snap.Pending {
			if p.Status != StatusWaiting {
				errs = append(errs, fmt.Errorf("%s: locker %d is %s on the queue", snap.ResourceId, p.Owner, p.Status))
			}
		}
		if snap.QueueDepth != len(snap.Pending) {
			errs = append(errs, fmt.Errorf("%s: queue depth %d with %d pending", snap.ResourceId, snap.QueueDepth, len(snap.Pending)))
		}
	}
	return errors.Join(errs...)
}
