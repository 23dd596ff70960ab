package agent

import (
	"context"
	"strconv"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/identity"
	"github.com/dshills/dbgmodel/internal/model/path"
)

// BreakpointContainer is the canonical container of breakpoint specs.
type BreakpointContainer struct {
	m     *Model
	node  *model.Node
	specs *identity.Cache[int64, BreakpointSpec]
}

func newBreakpointContainer(m *Model) (*BreakpointContainer, error) {
	c := &BreakpointContainer{m: m, specs: identity.New[int64, BreakpointSpec]()}
	node, err := m.tree.NewNode(m.tree.Root(), path.Key(AttrBreakpoints), SchemaBreakpointContainer,
		model.WithObject(c),
		model.WithSource(model.SourceFuncs{Elements: c.fetchElements}),
	)
	if err != nil {
		return nil, err
	}
	c.node = node
	return c, nil
}

// Node returns the container node.
func (c *BreakpointContainer) Node() *model.Node { return c.node }

// Spec returns the breakpoint in the tree with the given number.
func (c *BreakpointContainer) Spec(number int64) *BreakpointSpec {
	n := c.node.Element(strconv.FormatInt(number, 10))
	if n == nil {
		return nil
	}
	s, _ := n.Object().(*BreakpointSpec)
	return s
}

// Specs returns the breakpoints in the tree ordered by number.
func (c *BreakpointContainer) Specs() []*BreakpointSpec {
	return specsOf(c.node.CachedElements())
}

func specsOf(nodes []*model.Node) []*BreakpointSpec {
	out := make([]*BreakpointSpec, 0, len(nodes))
	for _, n := range nodes {
		if s, ok := n.Object().(*BreakpointSpec); ok {
			out = append(out, s)
		}
	}
	return out
}

// Refresh re-enumerates breakpoints from the engine.
func (c *BreakpointContainer) Refresh(ctx context.Context) *future.Future[[]*BreakpointSpec] {
	return future.Then(c.node.RequestElements(ctx, model.RefreshAlways), func(nodes []*model.Node) ([]*BreakpointSpec, error) {
		return specsOf(nodes), nil
	})
}

// specFor returns the spec for info.Number, creating it if no live one
// exists. A spec that left the tree is never reused: a recycled number
// gets a fresh spec. A spec that is already in the tree keeps its
// snapshot: change events, not listings, move it forward.
func (c *BreakpointContainer) specFor(info *dbgmgr.BreakpointInfo) *BreakpointSpec {
	created := false
	spec := c.specs.GetOrCreateLive(info.Number, specLive, func(int64) *BreakpointSpec {
		s, err := newBreakpointSpec(c, info)
		if err != nil {
			c.m.logger.Error("cannot create breakpoint node", "breakpoint", info.Number, "err", err)
			return nil
		}
		created = true
		return s
	})
	if spec == nil {
		return nil
	}

	switch {
	case created:
		if err := spec.applyFields(fieldsFromInfo(info), "created"); err != nil {
			c.m.logger.Error("cannot populate breakpoint", "breakpoint", info.Number, "err", err)
		}
	case !spec.node.IsLive() && spec.Info() != info:
		// Created by a listing still in flight and not attached yet.
		if err := spec.replaceInfo(info, "refreshed"); err != nil {
			c.m.logger.Error("cannot repopulate breakpoint", "breakpoint", info.Number, "err", err)
		}
	}
	return spec
}

func specLive(s *BreakpointSpec) bool { return !s.node.Removed() }

func (c *BreakpointContainer) fetchElements(ctx context.Context, _ *model.Node) *future.Future[model.ElementUpdate] {
	list := gated(c.m, "list breakpoints", c.m.mgr.ListBreakpoints(ctx))
	return future.Then(list, func(infos []*dbgmgr.BreakpointInfo) (model.ElementUpdate, error) {
		elems := make([]*model.Node, 0, len(infos))
		for _, info := range infos {
			if s := c.specFor(info); s != nil {
				elems = append(elems, s.node)
			}
		}
		return model.ElementUpdate{Elements: elems, Reason: "refreshed"}, nil
	})
}

func (c *BreakpointContainer) remove(number int64, reason string) error {
	return c.node.ChangeElements([]string{strconv.FormatInt(number, 10)}, nil, reason)
}

// removeSpec removes spec unless its number now belongs to another spec.
func (c *BreakpointContainer) removeSpec(spec *BreakpointSpec, reason string) error {
	key := strconv.FormatInt(spec.number, 10)
	if c.node.Element(key) != spec.node {
		return nil
	}
	return c.node.ChangeElements([]string{key}, nil, reason)
}

// breakpointChanged applies a manager breakpoint event.
func (c *BreakpointContainer) breakpointChanged(old, updated *dbgmgr.BreakpointInfo, reason string) {
	if updated == nil {
		if old != nil {
			if err := c.remove(old.Number, reason); err != nil {
				c.m.logger.Error("cannot remove breakpoint", "breakpoint", old.Number, "err", err)
			}
		}
		return
	}

	spec := c.Spec(updated.Number)
	if spec == nil || old == nil {
		spec = c.specFor(updated)
		if spec == nil {
			return
		}
		if err := c.node.ChangeElements(nil, []*model.Node{spec.node}, reason); err != nil {
			c.m.logger.Error("cannot add breakpoint", "breakpoint", updated.Number, "err", err)
		}
		return
	}
	if spec.Info() == updated {
		return
	}
	if err := spec.UpdateInfo(old, updated, reason); err != nil {
		c.m.logger.Error("cannot update breakpoint", "breakpoint", updated.Number, "err", err)
	}
}

// breakpointHit dispatches a hit to the spec's actions.
func (c *BreakpointContainer) breakpointHit(ctx context.Context, number int64, ref dbgmgr.ThreadRef, frame *dbgmgr.FrameInfo, cause string) {
	spec := c.Spec(number)
	if spec == nil {
		c.m.logger.Warn("hit on unknown breakpoint", "breakpoint", number)
		return
	}
	thread := c.m.processes.Thread(ref)
	if err := spec.OnHit(ctx, thread, frame, cause); err != nil {
		c.m.logger.Debug("breakpoint actions reported errors", "breakpoint", number, "err", err)
	}
}
