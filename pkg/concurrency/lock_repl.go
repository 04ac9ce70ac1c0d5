package concurrency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"doclock/pkg/repl"
)

// Lock REPL. Every command acts on behalf of the locker of the calling client.
func LockREPL(registry *LockerRegistry) *repl.REPL {
	r := repl.NewRepl()
	r.AddCommand("lock", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandleLock(registry, payload, replConfig)
	}, "Lock a resource, or convert a held lock. usage: lock <kind> [name] <IS|IX|S|X>")

	r.AddCommand("unlock", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleUnlock(registry, payload, replConfig.GetAddr())
	}, "Release one reference to a resource. usage: unlock <kind> [name]")

	r.AddCommand("downgrade", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandleDowngrade(registry, payload, replConfig.GetAddr())
	}, "Weaken a held lock. usage: downgrade <kind> [name] <IS|IX|S|X>")

	r.AddCommand("held", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleHeld(registry, payload, replConfig.GetAddr())
	}, "List the resources this client holds. usage: held")

	r.AddCommand("release", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleRelease(registry, payload, replConfig.GetAddr())
	}, "Release everything this client holds. usage: release")

	r.AddCommand("locks", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleLocks(registry, payload)
	}, "Print the lock table. usage: locks")

	r.AddCommand("waitsfor", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleWaitsFor(registry, payload)
	}, "Print the waits-for graph. usage: waitsfor")

	return r
}

func getLocker(registry *LockerRegistry, clientId uuid.UUID) (*Locker, error) {
	l, found := registry.Get(clientId)
	if !found {
		return nil, fmt.Errorf("%w: client %s", ErrNoSuchLocker, clientId)
	}
	return l, nil
}

// parseTarget reads "<kind> [name]" off the front of args. The name is only
// present for kinds other than global, pbwm and flush.
func parseTarget(args []string) (ResourceId, []string, error) {
	if len(args) == 0 {
		return 0, nil, errors.New("missing resource kind")
	}
	kind := args[0]
	switch kind {
	case "global", "pbwm", "flush":
		resId, err := ParseResource(kind, "")
		return resId, args[1:], err
	}
	if len(args) < 2 {
		return 0, nil, fmt.Errorf("resource kind %q requires a name", kind)
	}
	resId, err := ParseResource(kind, args[1])
	return resId, args[2:], err
}

// Handle lock. The wait ends with the client's session, and the client is told
// when the lock is not granted right away.
func HandleLock(registry *LockerRegistry, payload string, replConfig *repl.REPLConfig) (err error) {
	fields := strings.Fields(payload)
	// Usage: lock <kind> [name] <mode>
	resId, rest, err := parseTarget(fields[1:])
	if err != nil || len(rest) != 1 {
		return errors.New("usage: lock <kind> [name] <IS|IX|S|X>")
	}
	mode, err := ParseLockMode(rest[0])
	if err != nil {
		return fmt.Errorf("lock error: %w", err)
	}
	l, err := getLocker(registry, replConfig.GetAddr())
	if err != nil {
		return fmt.Errorf("lock error: %w", err)
	}
	err = l.LockOrNotify(replConfig.Context(), resId, mode, func() {
		replConfig.Notify("waiting for %s in %s", resId, mode)
	})
	if err != nil {
		return fmt.Errorf("lock error: %w", err)
	}
	return nil
}

// Handle unlock.
func HandleUnlock(registry *LockerRegistry, payload string, clientId uuid.UUID) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: unlock <kind> [name]
	resId, rest, err := parseTarget(fields[1:])
	if err != nil || len(rest) != 0 {
		return "", errors.New("usage: unlock <kind> [name]")
	}
	l, err := getLocker(registry, clientId)
	if err != nil {
		return "", fmt.Errorf("unlock error: %w", err)
	}
	released, err := l.Unlock(resId)
	if err != nil {
		return "", fmt.Errorf("unlock error: %w", err)
	}
	if released {
		return fmt.Sprintf("released %s", resId), nil
	}
	return fmt.Sprintf("still holding %s in %s", resId, l.LockMode(resId)), nil
}

// Handle downgrade.
func HandleDowngrade(registry *LockerRegistry, payload string, clientId uuid.UUID) (err error) {
	fields := strings.Fields(payload)
	// Usage: downgrade <kind> [name] <mode>
	resId, rest, err := parseTarget(fields[1:])
	if err != nil || len(rest) != 1 {
		return errors.New("usage: downgrade <kind> [name] <IS|IX|S|X>")
	}
	mode, err := ParseLockMode(rest[0])
	if err != nil {
		return fmt.Errorf("downgrade error: %w", err)
	}
	l, err := getLocker(registry, clientId)
	if err != nil {
		return fmt.Errorf("downgrade error: %w", err)
	}
	if err = l.Downgrade(resId, mode); err != nil {
		return fmt.Errorf("downgrade error: %w", err)
	}
	return nil
}

// Handle held.
func HandleHeld(registry *LockerRegistry, payload string, clientId uuid.UUID) (output string, err error) {
	if len(strings.Fields(payload)) != 1 {
		return "", errors.New("usage: held")
	}
	l, err := getLocker(registry, clientId)
	if err != nil {
		return "", fmt.Errorf("held error: %w", err)
	}
	resIds := l.HeldResources()
	if len(resIds) == 0 {
		return "nothing held", nil
	}
	var sb strings.Builder
	for _, resId := range resIds {
		fmt.Fprintf(&sb, "%s %s\n", resId, l.LockMode(resId))
	}
	return sb.String(), nil
}

// Handle release.
func HandleRelease(registry *LockerRegistry, payload string, clientId uuid.UUID) (output string, err error) {
	if len(strings.Fields(payload)) != 1 {
		return "", errors.New("usage: release")
	}
	l, err := getLocker(registry, clientId)
	if err != nil {
		return "", fmt.Errorf("release error: %w", err)
	}
	return fmt.Sprintf("released %d resources", l.UnlockAll()), nil
}

// Handle locks.
func HandleLocks(registry *LockerRegistry, payload string) (output string, err error) {
	if len(strings.Fields(payload)) != 1 {
		return "", errors.New("usage: locks")
	}
	var sb strings.Builder
	registry.GetLockManager().Dump(&sb)
	return sb.String(), nil
}

// Handle waitsfor.
func HandleWaitsFor(registry *LockerRegistry, payload string) (output string, err error) {
	if len(strings.Fields(payload)) != 1 {
		return "", errors.New("usage: waitsfor")
	}
	g := registry.GetLockManager().WaitsForGraph()
	var sb strings.Builder
	for _, e := range g.Edges() {
		fmt.Fprintf(&sb, "%d -> %d\n", e.From, e.To)
	}
	fmt.Fprintf(&sb, "cycle: %t", g.DetectCycle())
	return sb.String(), nil
}
