package model

import (
	"context"

	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/model/schema"
)

// RefreshBehavior selects how a request treats cached data.
type RefreshBehavior int

const (
	// RefreshNever serves the cache and never calls the backend.
	RefreshNever RefreshBehavior = iota
	// RefreshWhenAbsent fetches if the cache was never populated, or if
	// the schema resyncs ALWAYS.
	RefreshWhenAbsent
	// RefreshAlways fetches unless the schema resyncs NEVER.
	RefreshAlways
)

func (r RefreshBehavior) String() string {
	switch r {
	case RefreshNever:
		return "never"
	case RefreshWhenAbsent:
		return "when-absent"
	case RefreshAlways:
		return "always"
	default:
		return "unknown"
	}
}

// AttributeUpdate is the parsed backend state of a node's attributes.
type AttributeUpdate struct {
	Removed []string
	Changed map[string]any
	// Replace removes every cached attribute not present in Changed.
	Replace bool
	Reason  string
}

// ElementUpdate is the backend's current element list. Elements must be
// children of the node, reused from earlier updates where the handle is
// unchanged.
type ElementUpdate struct {
	Elements []*Node
	Extra    map[string]any
	Reason   string
}

// Source fetches native state for a node. A nil future means the backend
// has nothing to offer and the cache is served.
type Source interface {
	FetchAttributes(ctx context.Context, n *Node) *future.Future[AttributeUpdate]
	FetchElements(ctx context.Context, n *Node) *future.Future[ElementUpdate]
}

// SourceFuncs adapts functions to Source. Nil fields fetch nothing.
type SourceFuncs struct {
	Attributes func(ctx context.Context, n *Node) *future.Future[AttributeUpdate]
	Elements   func(ctx context.Context, n *Node) *future.Future[ElementUpdate]
}

// FetchAttributes implements Source.
func (s SourceFuncs) FetchAttributes(ctx context.Context, n *Node) *future.Future[AttributeUpdate] {
	if s.Attributes == nil {
		return nil
	}
	return s.Attributes(ctx, n)
}

// FetchElements implements Source.
func (s SourceFuncs) FetchElements(ctx context.Context, n *Node) *future.Future[ElementUpdate] {
	if s.Elements == nil {
		return nil
	}
	return s.Elements(ctx, n)
}

func shouldFetch(mode schema.ResyncMode, refresh RefreshBehavior, populated bool) bool {
	if mode == schema.ResyncNever {
		return false
	}
	switch refresh {
	case RefreshAlways:
		return true
	case RefreshWhenAbsent:
		return mode == schema.ResyncAlways || !populated
	default:
		return false
	}
}

// RequestAttributes returns the node's attributes, refreshing them from
// the source as refresh and the schema allow. A result that arrives after
// the node left the tree fails with StaleObjectError and is not applied.
func (n *Node) RequestAttributes(ctx context.Context, refresh RefreshBehavior) *future.Future[map[string]any] {
	n.mu.Lock()
	fetch := n.source != nil && shouldFetch(n.schema.AttributeResync, refresh, n.attrsValid)
	n.mu.Unlock()
	if !fetch {
		return future.Completed(n.CachedAttributes())
	}

	pending := n.source.FetchAttributes(ctx, n)
	if pending == nil {
		return future.Completed(n.CachedAttributes())
	}
	return future.Then(pending, func(u AttributeUpdate) (map[string]any, error) {
		if n.stale() {
			n.tree.logger.Debug("discarding late attribute resync", "path", n.path.String())
			return nil, &StaleObjectError{Path: n.path, Op: "resync attributes"}
		}

		n.mu.Lock()
		removed := u.Removed
		if u.Replace {
			for name := range n.attrs {
				if _, ok := u.Changed[name]; !ok {
					removed = append(removed, name)
				}
			}
		}
		delta := n.applyAttributesLocked(removed, u.Changed)
		n.attrsValid = true
		ev := n.attributesEventLocked(delta, u.Reason)
		snap := n.attrsSnapshotLocked()
		n.mu.Unlock()

		n.afterAttributes(delta, ev, u.Reason)
		return snap, nil
	})
}

// RequestElements returns the node's elements, refreshing them from the
// source as refresh and the schema allow. After a refresh, elements whose
// attributes resync ALWAYS are refreshed too.
func (n *Node) RequestElements(ctx context.Context, refresh RefreshBehavior) *future.Future[[]*Node] {
	n.mu.Lock()
	fetch := n.source != nil && shouldFetch(n.schema.ElementResync, refresh, n.elemsValid)
	n.mu.Unlock()
	if !fetch {
		return future.Completed(n.CachedElements())
	}

	pending := n.source.FetchElements(ctx, n)
	if pending == nil {
		return future.Completed(n.CachedElements())
	}
	return future.Then(pending, func(u ElementUpdate) ([]*Node, error) {
		if n.stale() {
			n.tree.logger.Debug("discarding late element resync", "path", n.path.String())
			return nil, &StaleObjectError{Path: n.path, Op: "resync elements"}
		}
		if err := n.SetElements(u.Elements, u.Extra, u.Reason); err != nil {
			return nil, err
		}

		n.mu.Lock()
		n.elemsValid = true
		elems := n.elemsSnapshotLocked()
		n.mu.Unlock()

		for _, e := range elems {
			if e.schema.AttributeResync != schema.ResyncAlways {
				continue
			}
			e.RequestAttributes(ctx, RefreshWhenAbsent).OnComplete(func(_ map[string]any, err error) {
				if err != nil {
					n.tree.logger.Debug("element attribute refresh failed", "path", e.path.String(), "err", err)
				}
			})
		}
		return elems, nil
	})
}
