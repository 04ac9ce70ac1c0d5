package concurrency

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

var (
	// ErrDeadlock is returned when waiting for a lock would close a cycle in the
	// wait-for graph. No lock state was changed; retrying the whole operation
	// is safe.
	ErrDeadlock = errors.New("deadlock detected")
	// ErrLockTimeout is returned when the deadline passed before a grant.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrLockInvalid is returned for malformed resource ids or modes and for
	// requests reused without re-initialization.
	ErrLockInvalid = errors.New("invalid lock request")
	// ErrNotHeld is returned when releasing a resource the locker does not hold.
	ErrNotHeld = errors.New("resource not held")

	ErrLockerExists = errors.New("locker already exists")
	ErrNoSuchLocker = errors.New("no such locker")

	// ErrInvariant is the panic value for misuse of the lock manager.
	ErrInvariant = errors.New("lock manager invariant violated")
)

// invariant panics when misuse would corrupt the lock queues.
func invariant(cond bool, format string, args ...any) {
	if cond {
		return
	}
	err := fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
	log.Error().Err(err).Msg("lock manager misuse")
	panic(err)
}
