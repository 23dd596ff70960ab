// Package model implements the target object tree: nodes with cached
// attributes and elements, change notification keyed by path prefix, and
// the resync engine that refreshes nodes from a debugger backend.
package model

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dshills/dbgmodel/internal/event"
	"github.com/dshills/dbgmodel/internal/model/path"
	"github.com/dshills/dbgmodel/internal/model/schema"
)

// Tree owns the root node and the notification bus.
type Tree struct {
	schemas *schema.Registry
	bus     event.Bus
	ownsBus bool
	logger  *slog.Logger
	strict  bool
	root    *Node
}

// TreeOption configures a tree.
type TreeOption func(*Tree)

// WithLogger sets the tree logger.
func WithLogger(l *slog.Logger) TreeOption {
	return func(t *Tree) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithStrict makes logic faults panic instead of being logged.
func WithStrict(strict bool) TreeOption {
	return func(t *Tree) { t.strict = strict }
}

// WithBus publishes notifications on bus. The caller starts and stops it.
func WithBus(bus event.Bus) TreeOption {
	return func(t *Tree) { t.bus = bus }
}

// WithSchemas sets the schema registry.
func WithSchemas(r *schema.Registry) TreeOption {
	return func(t *Tree) { t.schemas = r }
}

// NewTree creates a tree whose root has the named schema.
func NewTree(rootSchema string, opts ...TreeOption) (*Tree, error) {
	t := &Tree{logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	if t.schemas == nil {
		t.schemas = schema.NewRegistry()
	}
	if t.bus == nil {
		t.bus = event.NewBus(event.WithLogger(t.logger))
		if err := t.bus.Start(); err != nil {
			return nil, err
		}
		t.ownsBus = true
	}

	s, err := t.schemas.For(rootSchema)
	if err != nil {
		return nil, err
	}
	t.root = newNode(t, nil, path.Segment{}, s)
	t.root.attached.Store(true)
	return t, nil
}

// Close stops the bus if the tree created it.
func (t *Tree) Close(ctx context.Context) error {
	if !t.ownsBus {
		return nil
	}
	return t.bus.Stop(ctx)
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// Logger returns the tree logger.
func (t *Tree) Logger() *slog.Logger { return t.logger }

// Schemas returns the schema registry.
func (t *Tree) Schemas() *schema.Registry { return t.schemas }

// Strict reports whether logic faults panic.
func (t *Tree) Strict() bool { return t.strict }

// Get walks the tree along p using cached state only.
func (t *Tree) Get(p path.Path) (*Node, bool) {
	cur := t.root
	for i := 0; i < p.Len(); i++ {
		next := cur.child(p.Segment(i))
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// NewNode creates a detached child of parent. The node joins the tree when
// parent stores it as an element (index segment) or as the attribute named
// by its key segment.
func (t *Tree) NewNode(parent *Node, seg path.Segment, schemaName string, opts ...NodeOption) (*Node, error) {
	if parent == nil || parent.tree != t {
		return nil, fmt.Errorf("%w: parent belongs to another tree", ErrNotOwned)
	}
	if seg.Name() == "" {
		return nil, ErrInvalidSegment
	}
	s, err := t.schemas.For(schemaName)
	if err != nil {
		return nil, err
	}
	n := newNode(t, parent, seg, s)
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Subscribe delivers every notification for prefix and its descendants.
func (t *Tree) Subscribe(prefix path.Path, fn func(ctx context.Context, ev any), opts ...event.SubscriptionOption) (event.Subscription, error) {
	return t.bus.SubscribeFunc(prefix.Topic().Subtree(), func(ctx context.Context, ev any) error {
		fn(ctx, ev)
		return nil
	}, opts...)
}

// Unsubscribe cancels a subscription made with Subscribe.
func (t *Tree) Unsubscribe(sub event.Subscription) error {
	return t.bus.Unsubscribe(sub)
}

// Fault handles a broken structural invariant. A strict tree panics; a
// lenient tree logs and returns err so the caller can skip the operation.
func (t *Tree) Fault(err error) error {
	if t.strict {
		panic(err)
	}
	t.logger.Error("model invariant violated", "err", err)
	return err
}

func (t *Tree) publish(ev any) {
	if err := t.bus.Publish(context.Background(), ev); err != nil {
		t.logger.Debug("notification not published", "err", err)
	}
}
