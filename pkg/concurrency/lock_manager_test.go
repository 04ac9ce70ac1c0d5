package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOwner struct {
	id     LockerID
	notify *GrantNotifier
}

func newTestOwner(id LockerID) *testOwner {
	return &testOwner{id: id, notify: NewGrantNotifier()}
}

func (o *testOwner) request() *LockRequest {
	return NewLockRequest(o.id, o.notify)
}

// granted reports whether a grant notification is waiting for the owner,
// consuming it. Notifications are delivered inside the lock manager call
// that grants, so no waiting is needed.
func (o *testOwner) granted(t *testing.T) bool {
	t.Helper()
	select {
	case ev := <-o.notify.ch:
		assert.Equal(t, LockOk, ev.result)
		return true
	default:
		return false
	}
}

func dbRes(name string) ResourceId {
	return DatabaseResource(name)
}

func TestLockManagerGrant(t *testing.T) {
	t.Run("it should grant and release a free resource", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		a := newTestOwner(1)
		req := a.request()

		// WHEN
		result := lm.Lock(dbRes("d"), req, ModeS)

		// THEN
		assert.Equal(t, LockOk, result)
		assert.Equal(t, StatusGranted, req.Status())
		assert.Equal(t, ModeS, req.Mode())
		assert.Equal(t, uint32(1), req.RecursiveCount())
		assert.True(t, lm.Unlock(req))
		assert.Equal(t, StatusNew, req.Status())
		assert.Empty(t, lm.Snapshot())
	})

	t.Run("it should grant compatible modes together", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		res := dbRes("d")
		reqs := []*LockRequest{newTestOwner(1).request(), newTestOwner(2).request(), newTestOwner(3).request()}

		// WHEN / THEN
		assert.Equal(t, LockOk, lm.Lock(res, reqs[0], ModeIS))
		assert.Equal(t, LockOk, lm.Lock(res, reqs[1], ModeIX))
		assert.Equal(t, LockOk, lm.Lock(res, reqs[2], ModeIS))
		snaps := lm.Snapshot()
		require.Len(t, snaps, 1)
		assert.Len(t, snaps[0].Granted, 3)
		assert.Equal(t, []LockMode{ModeIS, ModeIX}, snaps[0].GrantedModes)
	})

	t.Run("it should notify a waiting X once after every intent holder left", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		res := dbRes("d")
		a, b, c := newTestOwner(1), newTestOwner(2), newTestOwner(3)
		reqA, reqB, reqC := a.request(), b.request(), c.request()
		require.Equal(t, LockOk, lm.Lock(res, reqA, ModeIX))
		require.Equal(t, LockOk, lm.Lock(res, reqB, ModeIS))

		// WHEN
		result := lm.Lock(res, reqC, ModeX)

		// THEN
		assert.Equal(t, LockWaiting, result)
		assert.Equal(t, StatusWaiting, reqC.Status())
		assert.True(t, lm.Unlock(reqA))
		assert.False(t, c.granted(t))
		assert.True(t, lm.Unlock(reqB))
		assert.True(t, c.granted(t))
		assert.Equal(t, StatusGranted, reqC.Status())
		assert.False(t, c.granted(t))
		assert.True(t, lm.Unlock(reqC))
	})

	t.Run("it should grant waiters in FIFO order", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		res := dbRes("d")
		a, b, c, d := newTestOwner(1), newTestOwner(2), newTestOwner(3), newTestOwner(4)
		reqA, reqB, reqC, reqD := a.request(), b.request(), c.request(), d.request()
		require.Equal(t, LockOk, lm.Lock(res, reqA, ModeX))
		require.Equal(t, LockWaiting, lm.Lock(res, reqB, ModeS))
		require.Equal(t, LockWaiting, lm.Lock(res, reqC, ModeX))
		require.Equal(t, LockWaiting, lm.Lock(res, reqD, ModeS))

		// WHEN / THEN
		lm.Unlock(reqA)
		assert.True(t, b.granted(t))
		assert.False(t, c.granted(t))
		assert.False(t, d.granted(t), "S behind a queued X must keep waiting")

		lm.Unlock(reqB)
		assert.True(t, c.granted(t))
		assert.False(t, d.granted(t))

		lm.Unlock(reqC)
		assert.True(t, d.granted(t))
		lm.Unlock(reqD)
		assert.Empty(t, lm.Snapshot())
	})

	t.Run("it should queue a new compatible request behind a waiter", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		res := dbRes("d")
		reqA := newTestOwner(1).request()
		reqB := newTestOwner(2).request()
		reqC := newTestOwner(3).request()
		require.Equal(t, LockOk, lm.Lock(res, reqA, ModeS))
		require.Equal(t, LockWaiting, lm.Lock(res, reqB, ModeX))

		// WHEN
		result := lm.Lock(res, reqC, ModeS)

		// THEN
		assert.Equal(t, LockWaiting, result)
	})

	t.Run("it should put enqueueAtFront requests ahead of the queue", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		res := dbRes("d")
		reqA := newTestOwner(1).request()
		reqB := newTestOwner(2).request()
		c := newTestOwner(3)
		reqC := c.request()
		reqC.SetEnqueueAtFront(true)
		require.Equal(t, LockOk, lm.Lock(res, reqA, ModeX))
		require.Equal(t, LockWaiting, lm.Lock(res, reqB, ModeS))

		// WHEN
		require.Equal(t, LockWaiting, lm.Lock(res, reqC, ModeX))

		// THEN
		snaps := lm.Snapshot()
		require.Len(t, snaps, 1)
		require.Len(t, snaps[0].Pending, 2)
		assert.Equal(t, LockerID(3), snaps[0].Pending[0].Owner)
		assert.Equal(t, LockerID(2), snaps[0].Pending[1].Owner)
		lm.Unlock(reqA)
		assert.True(t, c.granted(t))
	})
}

func TestLockManagerCompatibleFirst(t *testing.T) {
	t.Run("it should admit global S past a queued X while compatibleFirst holders remain", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		newGlobalS := func(id LockerID) (*testOwner, *LockRequest) {
			o := newTestOwner(id)
			req := o.request()
			req.SetEnqueueAtFront(true)
			req.SetCompatibleFirst(true)
			return o, req
		}
		var readers []*LockRequest
		for i := 1; i <= 10; i++ {
			_, req := newGlobalS(LockerID(i))
			require.Equal(t, LockOk, lm.Lock(ResourceIdGlobal, req, ModeS))
			readers = append(readers, req)
		}
		x := newTestOwner(11)
		reqX := x.request()
		require.Equal(t, LockWaiting, lm.Lock(ResourceIdGlobal, reqX, ModeX))

		// WHEN
		_, reqS := newGlobalS(12)
		result := lm.Lock(ResourceIdGlobal, reqS, ModeS)

		// THEN
		assert.Equal(t, LockOk, result)
		readers = append(readers, reqS)
		for i, req := range readers {
			assert.True(t, lm.Unlock(req))
			if i < len(readers)-1 {
				assert.False(t, x.granted(t))
			}
		}
		assert.True(t, x.granted(t))
		assert.True(t, lm.Unlock(reqX))
	})

	t.Run("it should grant compatible waiters behind a blocked one", func(t *testing.T) {
		// GIVEN: s, x and is queue in that order behind an exclusive holder.
		lm := NewLockManager()
		res := dbRes("d")
		holder := newTestOwner(1)
		reqH := holder.request()
		require.Equal(t, LockOk, lm.Lock(res, reqH, ModeX))
		s, x, is := newTestOwner(2), newTestOwner(3), newTestOwner(4)
		reqS, reqX, reqIS := s.request(), x.request(), is.request()
		reqS.SetCompatibleFirst(true)
		require.Equal(t, LockWaiting, lm.Lock(res, reqS, ModeS))
		require.Equal(t, LockWaiting, lm.Lock(res, reqX, ModeX))
		require.Equal(t, LockWaiting, lm.Lock(res, reqIS, ModeIS))

		// WHEN
		assert.True(t, lm.Unlock(reqH))

		// THEN: is skips the blocked x while the compatibleFirst S is held.
		assert.True(t, s.granted(t))
		assert.False(t, x.granted(t))
		assert.True(t, is.granted(t))
		assert.Equal(t, StatusGranted, reqIS.Status())
		assert.Equal(t, StatusWaiting, reqX.Status())
		snaps := lm.Snapshot()
		require.Len(t, snaps, 1)
		assert.Equal(t, []LockMode{ModeIS, ModeS}, snaps[0].GrantedModes)
		assert.Equal(t, 1, snaps[0].QueueDepth)
		assert.NoError(t, VerifySnapshot(snaps))
	})

	t.Run("it should stop at a blocked waiter without compatibleFirst", func(t *testing.T) {
		lm := NewLockManager()
		res := dbRes("d")
		reqH := newTestOwner(1).request()
		require.Equal(t, LockOk, lm.Lock(res, reqH, ModeX))
		s, x, is := newTestOwner(2), newTestOwner(3), newTestOwner(4)
		require.Equal(t, LockWaiting, lm.Lock(res, s.request(), ModeS))
		require.Equal(t, LockWaiting, lm.Lock(res, x.request(), ModeX))
		require.Equal(t, LockWaiting, lm.Lock(res, is.request(), ModeIS))

		assert.True(t, lm.Unlock(reqH))

		assert.True(t, s.granted(t))
		assert.False(t, x.granted(t))
		assert.False(t, is.granted(t))
	})
}

func TestLockManagerRecursion(t *testing.T) {
	t.Run("it should count covered re-acquisitions", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		res := dbRes("d")
		req := newTestOwner(1).request()
		require.Equal(t, LockOk, lm.Lock(res, req, ModeX))

		// WHEN
		result := lm.Lock(res, req, ModeIS)

		// THEN
		assert.Equal(t, LockOk, result)
		assert.Equal(t, uint32(2), req.RecursiveCount())
		assert.Equal(t, ModeX, req.Mode())
		assert.False(t, lm.Unlock(req))
		assert.True(t, lm.Unlock(req))
	})

	t.Run("it should reject invalid requests", func(t *testing.T) {
		lm := NewLockManager()
		req := newTestOwner(1).request()
		assert.Equal(t, LockInvalid, lm.Lock(dbRes("d"), req, ModeNone))
		assert.Equal(t, LockInvalid, lm.Lock(ResourceId(0), req, ModeS))
		assert.Equal(t, LockInvalid, lm.Lock(dbRes("d"), req, LockModesCount))
		assert.Equal(t, StatusNew, req.Status())
		assert.Empty(t, lm.Snapshot())
	})

	t.Run("it should reject a released request until it is reinitialized", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		o := newTestOwner(1)
		req := o.request()
		require.Equal(t, LockOk, lm.Lock(dbRes("d"), req, ModeS))
		require.True(t, lm.Unlock(req))

		// WHEN / THEN
		assert.Equal(t, LockInvalid, lm.Lock(dbRes("d"), req, ModeS))
		req.InitNew(o.id, o.notify)
		assert.Equal(t, LockOk, lm.Lock(dbRes("d"), req, ModeS))
		assert.True(t, lm.Unlock(req))
	})

	t.Run("it should panic on misuse", func(t *testing.T) {
		lm := NewLockManager()
		res := dbRes("d")
		assert.Panics(t, func() { lm.Unlock(newTestOwner(1).request()) })

		holder := newTestOwner(2).request()
		require.Equal(t, LockOk, lm.Lock(res, holder, ModeX))
		waiter := newTestOwner(3).request()
		require.Equal(t, LockWaiting, lm.Lock(res, waiter, ModeX))
		assert.Panics(t, func() { lm.Lock(res, waiter, ModeX) })
	})

	t.Run("it should retract a waiting request on unlock", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		res := dbRes("d")
		reqA := newTestOwner(1).request()
		b := newTestOwner(2)
		reqB := b.request()
		c := newTestOwner(3)
		reqC := c.request()
		require.Equal(t, LockOk, lm.Lock(res, reqA, ModeS))
		require.Equal(t, LockWaiting, lm.Lock(res, reqB, ModeX))
		require.Equal(t, LockWaiting, lm.Lock(res, reqC, ModeS))

		// WHEN
		assert.True(t, lm.Unlock(reqB))

		// THEN
		assert.False(t, b.granted(t))
		assert.True(t, c.granted(t), "the waiter behind the retracted X is now grantable")
		assert.Equal(t, StatusNew, reqB.Status())
	})
}

func TestLockManagerConversion(t *testing.T) {
	t.Run("it should convert immediately when nobody conflicts", func(t *testing.T) {
		lm := NewLockManager()
		res := dbRes("d")
		req := newTestOwner(1).request()
		require.Equal(t, LockOk, lm.Lock(res, req, ModeIS))
		assert.Equal(t, LockOk, lm.Convert(res, req, ModeX))
		assert.Equal(t, ModeX, req.Mode())
		assert.Equal(t, uint32(2), req.RecursiveCount())
		assert.False(t, lm.Unlock(req))
		assert.True(t, lm.Unlock(req))
	})

	t.Run("it should keep protection while a conversion waits", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		res := dbRes("d")
		a, b, c := newTestOwner(1), newTestOwner(2), newTestOwner(3)
		reqA, reqB, reqC := a.request(), b.request(), c.request()
		require.Equal(t, LockOk, lm.Lock(res, reqA, ModeIS))
		require.Equal(t, LockOk, lm.Lock(res, reqB, ModeIS))

		// WHEN
		result := lm.Convert(res, reqA, ModeX)

		// THEN
		assert.Equal(t, LockWaiting, result)
		assert.Equal(t, StatusConverting, reqA.Status())
		assert.Equal(t, ModeIS, reqA.Mode())
		assert.Equal(t, LockWaiting, lm.Lock(res, reqC, ModeIX), "pending X is already visible")

		lm.Unlock(reqB)
		assert.True(t, a.granted(t))
		assert.Equal(t, StatusGranted, reqA.Status())
		assert.Equal(t, ModeX, reqA.Mode())
		assert.False(t, c.granted(t))

		assert.False(t, lm.Unlock(reqA))
		assert.False(t, c.granted(t))
		assert.True(t, lm.Unlock(reqA))
		assert.True(t, c.granted(t))
	})

	t.Run("it should cancel a pending conversion on unlock", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		res := dbRes("d")
		a := newTestOwner(1)
		reqA, reqB := a.request(), newTestOwner(2).request()
		require.Equal(t, LockOk, lm.Lock(res, reqA, ModeS))
		require.Equal(t, LockOk, lm.Lock(res, reqB, ModeS))
		require.Equal(t, LockWaiting, lm.Convert(res, reqA, ModeX))

		// WHEN
		released := lm.Unlock(reqA)

		// THEN
		assert.False(t, released)
		assert.Equal(t, StatusGranted, reqA.Status())
		assert.Equal(t, ModeS, reqA.Mode())
		assert.Equal(t, uint32(1), reqA.RecursiveCount())
		lm.Unlock(reqB)
		assert.False(t, a.granted(t))
		assert.NoError(t, VerifySnapshot(lm.Snapshot()))
		assert.True(t, lm.Unlock(reqA))
	})

	t.Run("it should prefer conversions over queued requests", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager()
		res := dbRes("d")
		a, c := newTestOwner(1), newTestOwner(3)
		reqA, reqB, reqC := a.request(), newTestOwner(2).request(), c.request()
		require.Equal(t, LockOk, lm.Lock(res, reqA, ModeS))
		require.Equal(t, LockOk, lm.Lock(res, reqB, ModeS))
		require.Equal(t, LockWaiting, lm.Lock(res, reqC, ModeX))
		require.Equal(t, LockWaiting, lm.Convert(res, reqA, ModeX))

		// WHEN
		lm.Unlock(reqB)

		// THEN
		assert.True(t, a.granted(t))
		assert.False(t, c.granted(t))
	})
}

func TestLockManagerDowngrade(t *testing.T) {
	t.Run("it should grant waiters unblocked by a downgrade", func(t *testing.T) {
		lm := NewLockManager()
		res := dbRes("d")
		b := newTestOwner(2)
		reqA, reqB := newTestOwner(1).request(), b.request()
		require.Equal(t, LockOk, lm.Lock(res, reqA, ModeX))
		require.Equal(t, LockWaiting, lm.Lock(res, reqB, ModeS))

		lm.Downgrade(reqA, ModeS)

		assert.True(t, b.granted(t))
		assert.Equal(t, ModeS, reqA.Mode())
		assert.NoError(t, VerifySnapshot(lm.Snapshot()))
	})

	t.Run("it should downgrade a request on a partitioned head", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager(WithPartitions(4))
		res := dbRes("d")
		req := newTestOwner(1).request()
		req.SetPartitioned(true)
		require.Equal(t, LockOk, lm.Lock(res, req, ModeIX))

		// WHEN
		lm.Downgrade(req, ModeIS)

		// THEN
		assert.Equal(t, ModeIS, req.Mode())
		snaps := lm.Snapshot()
		require.Len(t, snaps, 1)
		require.Len(t, snaps[0].Granted, 1)
		assert.Equal(t, ModeIS, snaps[0].Granted[0].Mode)
		assert.True(t, snaps[0].Granted[0].Partitioned)

		// An S request now migrates the IS holder and is compatible with it.
		reqS := newTestOwner(2).request()
		assert.Equal(t, LockOk, lm.Lock(res, reqS, ModeS))
		assert.NoError(t, VerifySnapshot(lm.Snapshot()))
		assert.True(t, lm.Unlock(req))
		assert.True(t, lm.Unlock(reqS))
		assert.Empty(t, lm.Snapshot())
	})

	t.Run("it should refuse an upgrade", func(t *testing.T) {
		lm := NewLockManager()
		req := newTestOwner(1).request()
		require.Equal(t, LockOk, lm.Lock(dbRes("d"), req, ModeIS))
		assert.Panics(t, func() { lm.Downgrade(req, ModeX) })
	})
}

func TestLockManagerPartitions(t *testing.T) {
	t.Run("it should grant intent locks on a partitioned head", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager(WithPartitions(4))
		res := dbRes("d")
		reqA := newTestOwner(1).request()
		reqA.SetPartitioned(true)

		// WHEN
		result := lm.Lock(res, reqA, ModeIX)

		// THEN
		assert.Equal(t, LockOk, result)
		snaps := lm.Snapshot()
		require.Len(t, snaps, 1)
		require.Len(t, snaps[0].Granted, 1)
		assert.True(t, snaps[0].Granted[0].Partitioned)
		assert.True(t, lm.Unlock(reqA))
		assert.Empty(t, lm.Snapshot())
		assert.Equal(t, 1, lm.CleanupUnusedLocks())
		assert.Equal(t, 0, lm.CleanupUnusedLocks())
	})

	t.Run("it should migrate partitioned holders when S or X arrives", func(t *testing.T) {
		// GIVEN
		lm := NewLockManager(WithPartitions(4))
		res := dbRes("d")
		var holders []*LockRequest
		for i := 1; i <= 6; i++ {
			req := newTestOwner(LockerID(i)).request()
			req.SetPartitioned(true)
			mode := ModeIS
			if i%2 == 0 {
				mode = ModeIX
			}
			require.Equal(t, LockOk, lm.Lock(res, req, mode))
			holders = append(holders, req)
		}
		x := newTestOwner(100)
		reqX := x.request()

		// WHEN
		result := lm.Lock(res, reqX, ModeX)

		// THEN
		assert.Equal(t, LockWaiting, result)
		snaps := lm.Snapshot()
		require.Len(t, snaps, 1)
		assert.Len(t, snaps[0].Granted, 6)
		for _, info := range snaps[0].Granted {
			assert.False(t, info.Partitioned)
		}

		late := newTestOwner(200).request()
		late.SetPartitioned(true)
		assert.Equal(t, LockWaiting, lm.Lock(res, late, ModeIS), "no partitioned grant past a queued X")

		for _, req := range holders {
			assert.False(t, x.granted(t))
			assert.True(t, lm.Unlock(req))
		}
		assert.True(t, x.granted(t))
		assert.True(t, lm.Unlock(reqX))
		assert.True(t, lm.Unlock(late))
	})

	t.Run("it should let a partitioned request convert", func(t *testing.T) {
		lm := NewLockManager()
		res := dbRes("d")
		req := newTestOwner(1).request()
		req.SetPartitioned(true)
		require.Equal(t, LockOk, lm.Lock(res, req, ModeIS))
		assert.Equal(t, LockOk, lm.Lock(res, req, ModeIS))
		assert.Equal(t, LockOk, lm.Convert(res, req, ModeX))
		assert.Equal(t, ModeX, req.Mode())
		assert.False(t, lm.Unlock(req))
		assert.False(t, lm.Unlock(req))
		assert.True(t, lm.Unlock(req))
		assert.Empty(t, lm.Snapshot())
	})
}

func TestGrantNotifier(t *testing.T) {
	t.Run("it should deliver a notification", func(t *testing.T) {
		n := NewGrantNotifier()
		n.Notify(ResourceIdGlobal, LockOk)
		resId, result, err := n.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ResourceIdGlobal, resId)
		assert.Equal(t, LockOk, result)
	})

	t.Run("it should give up when the context ends", func(t *testing.T) {
		n := NewGrantNotifier()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, _, err := n.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("it should panic on a second pending notification", func(t *testing.T) {
		n := NewGrantNotifier()
		n.Notify(ResourceIdGlobal, LockOk)
		assert.Panics(t, func() { n.Notify(ResourceIdGlobal, LockOk) })
		n.Clear()
		assert.NotPanics(t, func() { n.Notify(ResourceIdGlobal, LockOk) })
	})
}
