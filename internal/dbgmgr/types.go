// Package dbgmgr defines the contract between the object model and a
// native debugger manager. Implementations adapt a real engine (or the
// simulator in package sim); the model only sees futures, queries and
// listener callbacks.
package dbgmgr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoSuchBreakpoint is returned for an unknown breakpoint number.
	ErrNoSuchBreakpoint = errors.New("no such breakpoint")

	// ErrNoSuchProcess is returned for an unknown process id.
	ErrNoSuchProcess = errors.New("no such process")

	// ErrNoSuchTarget is returned when a focus target does not exist.
	ErrNoSuchTarget = errors.New("no such target")
)

// BreakpointType is the native breakpoint type.
type BreakpointType int

const (
	BreakpointUnknown BreakpointType = iota
	Breakpoint
	HWBreakpoint
	HWWatchpoint
	ReadWatchpoint
	AccessWatchpoint
	Catchpoint
)

var breakpointTypeNames = map[BreakpointType]string{
	BreakpointUnknown: "OTHER",
	Breakpoint:        "BREAKPOINT",
	HWBreakpoint:      "HW_BREAKPOINT",
	HWWatchpoint:      "HW_WATCHPOINT",
	ReadWatchpoint:    "READ_WATCHPOINT",
	AccessWatchpoint:  "ACCESS_WATCHPOINT",
	Catchpoint:        "CATCHPOINT",
}

func (t BreakpointType) String() string {
	if s, ok := breakpointTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("BreakpointType(%d)", int(t))
}

// ParseBreakpointType maps a native type name. Unrecognized names map to
// BreakpointUnknown.
func ParseBreakpointType(s string) BreakpointType {
	s = strings.ToUpper(strings.TrimSpace(s))
	for t, name := range breakpointTypeNames {
		if name == s {
			return t
		}
	}
	return BreakpointUnknown
}

// BreakpointInfo is an immutable snapshot of one native breakpoint.
// Managers publish a fresh value on every change; the model compares
// snapshots by identity.
type BreakpointInfo struct {
	Number      int64
	Type        BreakpointType
	Disposition string
	Pending     bool
	Times       int
	Access      string
	Expression  string
	Enabled     bool

	// Offset is the native address text, nil when the engine has none.
	Offset *string
	// Size is the watched length, nil for the engine default.
	Size *uint64
}

// WithEnabled returns a copy of info with Enabled set.
func (info *BreakpointInfo) WithEnabled(enabled bool) *BreakpointInfo {
	cp := *info
	cp.Enabled = enabled
	return &cp
}

// WithHit returns a copy of info with the hit count incremented.
func (info *BreakpointInfo) WithHit() *BreakpointInfo {
	cp := *info
	cp.Times++
	return &cp
}

// DeviceInfo describes a target the debugger can attach to.
type DeviceInfo struct {
	ID   string
	Name string
	Type string
}

// ProcessInfo describes a debugged process.
type ProcessInfo struct {
	PID  int64
	Name string
}

// ThreadInfo describes one thread of a process.
type ThreadInfo struct {
	PID   int64
	TID   int64
	Name  string
	State string
}

// ThreadRef identifies a thread.
type ThreadRef struct {
	PID int64
	TID int64
}

// FrameInfo is the top frame reported with a breakpoint hit.
type FrameInfo struct {
	Level    int
	PC       uint64
	Function string
}
