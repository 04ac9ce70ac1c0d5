package concurrency

import (
	"fmt"
	"strings"
)

// LockMode is the strength a resource is locked in.
type LockMode uint8

const (
	ModeNone LockMode = iota
	ModeIS
	ModeIX
	ModeS
	ModeX

	LockModesCount
)

var lockModeNames = [LockModesCount]string{"NONE", "IS", "IX", "S", "X"}

func (m LockMode) String() string {
	if m >= LockModesCount {
		return fmt.Sprintf("LockMode(%d)", uint8(m))
	}
	return lockModeNames[m]
}

// ParseLockMode accepts the names printed by String, case insensitively.
func ParseLockMode(s string) (LockMode, error) {
	upper := strings.ToUpper(s)
	for i, name := range lockModeNames {
		if name == upper {
			return LockMode(i), nil
		}
	}
	return ModeNone, fmt.Errorf("unknown lock mode %q", s)
}

func modeMask(m LockMode) uint32 {
	return 1 << m
}

const (
	maskIS = 1 << ModeIS
	maskIX = 1 << ModeIX
	maskS  = 1 << ModeS
	maskX  = 1 << ModeX

	intentModes = maskIS | maskIX
)

// lockConflictsTable[m] is the set of modes that conflict with m.
var lockConflictsTable = [LockModesCount]uint32{
	0,
	maskX,
	maskS | maskX,
	maskIX | maskX,
	maskIS | maskIX | maskS | maskX,
}

// Conflicts reports whether mode conflicts with any mode in the mask.
func Conflicts(mode LockMode, modesMask uint32) bool {
	return lockConflictsTable[mode]&modesMask != 0
}

// Compatible reports whether two modes may be granted together.
func Compatible(requested, granted LockMode) bool {
	return !Conflicts(requested, modeMask(granted))
}

// IsModeCovered reports whether every mode conflicting with mode also conflicts
// with coveringMode, i.e. holding coveringMode already gives the protection of
// mode.
func IsModeCovered(mode, coveringMode LockMode) bool {
	return lockConflictsTable[coveringMode]|lockConflictsTable[mode] == lockConflictsTable[coveringMode]
}

// IsSharedMode reports whether the mode only reads.
func IsSharedMode(mode LockMode) bool {
	return mode == ModeIS || mode == ModeS
}

// IntentMode returns the mode a parent resource has to be held in before mode
// can be requested on a child.
func IntentMode(mode LockMode) LockMode {
	if IsSharedMode(mode) {
		return ModeIS
	}
	return ModeIX
}

// LockResult is the outcome of a lock manager call.
type LockResult uint8

const (
	LockOk LockResult = iota
	LockWaiting
	LockDeadlock
	LockInvalid
)

var lockResultNames = [...]string{"LOCK_OK", "LOCK_WAITING", "LOCK_DEADLOCK", "LOCK_INVALID"}

func (r LockResult) String() string {
	if int(r) >= len(lockResultNames) {
		return fmt.Sprintf("LockResult(%d)", uint8(r))
	}
	return lockResultNames[r]
}
