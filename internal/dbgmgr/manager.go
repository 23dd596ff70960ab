package dbgmgr

import (
	"context"

	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/model/path"
)

// Manager is a native debugger manager. Commands return futures that the
// manager completes from its own goroutines, possibly out of order.
type Manager interface {
	EnableBreakpoints(ctx context.Context, numbers ...int64) *future.Future[future.Void]
	DisableBreakpoints(ctx context.Context, numbers ...int64) *future.Future[future.Void]
	DeleteBreakpoints(ctx context.Context, numbers ...int64) *future.Future[future.Void]

	// ListBreakpoints returns the current breakpoint snapshots.
	ListBreakpoints(ctx context.Context) *future.Future[[]*BreakpointInfo]

	// BreakpointAttributes returns the native attribute document of one
	// breakpoint, a JSON object of string fields such as
	// {"Id":"3","Address":"0x1000","IsEnabled":"-1"}.
	BreakpointAttributes(ctx context.Context, number int64) *future.Future[[]byte]

	ListAvailableDevices(ctx context.Context) *future.Future[[]DeviceInfo]
	ListProcesses(ctx context.Context) *future.Future[[]ProcessInfo]
	ListThreads(ctx context.Context, pid int64) *future.Future[[]ThreadInfo]

	// RequestFocus asks the engine to move focus within scope to target.
	// The engine may reshape the request and report the outcome through
	// EventThreadChanged.
	RequestFocus(ctx context.Context, scope, target path.Path) *future.Future[future.Void]

	// IsWaiting reports whether the engine is blocked awaiting an
	// unrelated synchronous event.
	IsWaiting() bool

	// EventThread returns the thread of the last stop event.
	EventThread() (ThreadRef, bool)

	// AddListener registers l and returns a function that removes it.
	AddListener(l Listener) (remove func())
}

// Listener receives unsolicited manager events. Callbacks run on manager
// goroutines and must not block.
type Listener interface {
	// BreakpointChanged reports creation (old nil), modification, or
	// deletion (updated nil).
	BreakpointChanged(old, updated *BreakpointInfo, reason string)
	BreakpointHit(number int64, thread ThreadRef, frame *FrameInfo, cause string)
	EventThreadChanged(thread ThreadRef, reason string)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	OnBreakpointChanged  func(old, updated *BreakpointInfo, reason string)
	OnBreakpointHit      func(number int64, thread ThreadRef, frame *FrameInfo, cause string)
	OnEventThreadChanged func(thread ThreadRef, reason string)
}

// BreakpointChanged implements Listener.
func (l ListenerFuncs) BreakpointChanged(old, updated *BreakpointInfo, reason string) {
	if l.OnBreakpointChanged != nil {
		l.OnBreakpointChanged(old, updated, reason)
	}
}

// BreakpointHit implements Listener.
func (l ListenerFuncs) BreakpointHit(number int64, thread ThreadRef, frame *FrameInfo, cause string) {
	if l.OnBreakpointHit != nil {
		l.OnBreakpointHit(number, thread, frame, cause)
	}
}

// EventThreadChanged implements Listener.
func (l ListenerFuncs) EventThreadChanged(thread ThreadRef, reason string) {
	if l.OnEventThreadChanged != nil {
		l.OnEventThreadChanged(thread, reason)
	}
}
