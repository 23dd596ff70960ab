package agent

import (
	"context"
	"fmt"

	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/path"
)

// FocusScope tracks the node the user is looking at. The focus is always
// nil or a descendant of the scope.
type FocusScope struct {
	m    *Model
	node *model.Node
}

func newFocusScope(m *Model, node *model.Node) *FocusScope {
	return &FocusScope{m: m, node: node}
}

// Node returns the scope node.
func (f *FocusScope) Node() *model.Node { return f.node }

// Focus returns the focused node, or nil.
func (f *FocusScope) Focus() *model.Node {
	v, _ := f.node.GetCachedAttribute(AttrFocus)
	n, _ := v.(*model.Node)
	return n
}

func (f *FocusScope) checkTarget(target *model.Node) error {
	if target == nil || !path.IsAncestor(f.node.Path(), target.Path()) {
		var tp path.Path
		if target != nil {
			tp = target.Path()
		}
		return &InvalidFocusTargetError{Scope: f.node.Path(), Target: tp}
	}
	return nil
}

// RequestFocus asks the engine to focus target. The engine decides the
// outcome and reports it back as an event, which DoRequestFocus applies.
func (f *FocusScope) RequestFocus(ctx context.Context, target *model.Node) *future.Future[future.Void] {
	if err := f.checkTarget(target); err != nil {
		return future.Failed[future.Void](err)
	}
	return f.m.gateFocus("request focus", func() *future.Future[future.Void] {
		return f.m.mgr.RequestFocus(ctx, f.node.Path(), target.Path())
	})
}

// DoRequestFocus applies an engine focus change: it moves focus to the
// nearest focusable node at or above target.
func (f *FocusScope) DoRequestFocus(target *model.Node) *future.Future[future.Void] {
	if f.m.mgr.IsWaiting() {
		return future.Nil()
	}
	if target != nil && target == f.Focus() {
		return future.Nil()
	}
	if err := f.checkTarget(target); err != nil {
		return future.Failed[future.Void](err)
	}

	for cur := target; cur != nil && cur != f.node; cur = cur.Parent() {
		if cur.Schema().Focusable {
			if err := f.setFocus(cur); err != nil {
				return future.Failed[future.Void](err)
			}
			return future.Nil()
		}
	}
	err := f.m.tree.Fault(fmt.Errorf("%w: %s", ErrNoFocusableAncestor, target.Path()))
	return future.Failed[future.Void](err)
}

func (f *FocusScope) setFocus(n *model.Node) error {
	return f.node.ChangeAttributes(nil, map[string]any{AttrFocus: n}, "focus changed")
}

// onTreeEvent clears the focus when the focused node leaves the tree.
func (f *FocusScope) onTreeEvent(_ context.Context, ev any) {
	inv, ok := ev.(model.Invalidated)
	if !ok {
		return
	}
	focus := f.Focus()
	if focus == nil || !path.IsAncestor(inv.Path, focus.Path()) || focus.IsLive() {
		return
	}
	if err := f.node.ChangeAttributes([]string{AttrFocus}, nil, "focus removed"); err != nil {
		f.m.logger.Error("cannot clear focus", "err", err)
	}
}
