package agent

import (
	"context"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
)

// Hit describes one breakpoint hit delivered to actions.
type Hit struct {
	Spec *BreakpointSpec
	// Thread is the event thread, nil if it is not in the tree.
	Thread *Thread
	// Frame is the top frame when the engine reports one.
	Frame *dbgmgr.FrameInfo
	Cause string
}

// Action runs when a breakpoint is hit.
type Action interface {
	BreakpointHit(ctx context.Context, hit Hit) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, hit Hit) error

// BreakpointHit calls f.
func (f ActionFunc) BreakpointHit(ctx context.Context, hit Hit) error {
	return f(ctx, hit)
}
