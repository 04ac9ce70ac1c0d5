package concurrency

import (
	"context"
)

type grantEvent struct {
	resId  ResourceId
	result LockResult
}

// GrantNotifier is a LockGrantNotification an execution context parks on
// after receiving LockWaiting. Notify never blocks: the single slot can only
// be filled once per pending request.
type GrantNotifier struct {
	ch chan grantEvent
}

// NewGrantNotifier creates an empty notifier.
func NewGrantNotifier() *GrantNotifier {
	return &GrantNotifier{ch: make(chan grantEvent, 1)}
}

// Notify implements LockGrantNotification.
func (n *GrantNotifier) Notify(resId ResourceId, result LockResult) {
	select {
	case n.ch <- grantEvent{resId: resId, result: result}:
	default:
		invariant(false, "second grant notification for %s (%s)", resId, result)
	}
}

// Wait blocks until the notification arrives or ctx is done.
func (n *GrantNotifier) Wait(ctx context.Context) (ResourceId, LockResult, error) {
	select {
	case ev := <-n.ch:
		return ev.resId, ev.result, nil
	case <-ctx.Done():
		return 0, LockWaiting, ctx.Err()
	}
}

// Clear drops a notification left over from a request that was retracted after
// it had been granted.
func (n *GrantNotifier) Clear() {
	select {
	case <-n.ch:
	default:
	}
}
