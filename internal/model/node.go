package model

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dshills/dbgmodel/internal/model/path"
	"github.com/dshills/dbgmodel/internal/model/schema"
)

// DisplayAttribute overrides a node's display string.
const DisplayAttribute = "_display"

// Node is one object in the tree. All mutation goes through its methods so
// that diffing, notification and identity rules hold.
type Node struct {
	tree   *Tree
	parent *Node // relation only; the parent owns the child, not the reverse
	seg    path.Segment
	path   path.Path
	schema *schema.Schema
	object any
	source Source

	attached atomic.Bool

	mu         sync.Mutex
	attrs      map[string]any
	elems      map[string]*Node
	attrsValid bool
	elemsValid bool
	seq        uint64
	display    string
}

// NodeOption configures a node at creation.
type NodeOption func(*Node)

// WithObject binds the typed wrapper that represents the node. The node
// keeps it alive for as long as the node is in the tree.
func WithObject(obj any) NodeOption {
	return func(n *Node) { n.object = obj }
}

// WithSource sets the backend source used by the resync engine.
func WithSource(src Source) NodeOption {
	return func(n *Node) { n.source = src }
}

// WithAttributes seeds attributes without notification.
func WithAttributes(attrs map[string]any) NodeOption {
	return func(n *Node) {
		for k, v := range attrs {
			n.attrs[k] = v
		}
		n.display = n.computeDisplayLocked()
	}
}

func newNode(t *Tree, parent *Node, seg path.Segment, s *schema.Schema) *Node {
	p := path.Root
	if parent != nil {
		p = parent.path.Extend(seg)
	}
	n := &Node{
		tree:   t,
		parent: parent,
		seg:    seg,
		path:   p,
		schema: s,
		attrs:  make(map[string]any),
		elems:  make(map[string]*Node),
	}
	n.display = n.computeDisplayLocked()
	return n
}

// Tree returns the owning tree.
func (n *Node) Tree() *Tree { return n.tree }

// Parent returns the parent node, nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Path returns the node's path.
func (n *Node) Path() path.Path { return n.path }

// Segment returns the node's own path segment.
func (n *Node) Segment() path.Segment { return n.seg }

// Schema returns the node's schema.
func (n *Node) Schema() *schema.Schema { return n.schema }

// SchemaName implements schema.ObjectValue.
func (n *Node) SchemaName() string { return n.schema.Name }

// Object returns the wrapper bound with WithObject.
func (n *Node) Object() any { return n.object }

func (n *Node) String() string { return n.path.String() }

// Display returns the display string.
func (n *Node) Display() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.display
}

func (n *Node) computeDisplayLocked() string {
	if s, ok := n.attrs[DisplayAttribute].(string); ok {
		return s
	}
	return n.seg.Name()
}

// GetCachedAttribute returns the cached value of name.
func (n *Node) GetCachedAttribute(name string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.attrs[name]
	return v, ok
}

// CachedAttributes returns a copy of the attribute map.
func (n *Node) CachedAttributes() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attrsSnapshotLocked()
}

func (n *Node) attrsSnapshotLocked() map[string]any {
	out := make(map[string]any, len(n.attrs))
	for k, v := range n.attrs {
		out[k] = v
	}
	return out
}

// CachedElements returns the elements ordered by key.
func (n *Node) CachedElements() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.elemsSnapshotLocked()
}

func (n *Node) elemsSnapshotLocked() []*Node {
	out := make([]*Node, 0, len(n.elems))
	for _, e := range n.elems {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *Node) int {
		return path.CompareSegments(a.seg, b.seg)
	})
	return out
}

// Element returns the cached element with the given index.
func (n *Node) Element(index string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.elems[index]
}

func (n *Node) child(seg path.Segment) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	if seg.IsIndex() {
		return n.elems[seg.Name()]
	}
	c, _ := n.attrs[seg.Name()].(*Node)
	return c
}

func (n *Node) owns(c *Node) bool {
	if c.parent != n {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	name := c.seg.Name()
	if c.seg.IsIndex() {
		return n.elems[name] == c
	}
	v, ok := n.attrs[name]
	return ok && v == any(c)
}

// IsLive reports whether the node is reachable from the root through
// owning edges.
func (n *Node) IsLive() bool {
	cur := n
	for cur != n.tree.root {
		p := cur.parent
		if p == nil || !p.owns(cur) {
			return false
		}
		cur = p
	}
	return true
}

// stale reports whether the node was in the tree and has since left it.
// A node that was never attached is under construction, not stale.
func (n *Node) stale() bool {
	return n.attached.Load() && !n.IsLive()
}

// Removed reports whether the node was in the tree and has since left it.
func (n *Node) Removed() bool { return n.stale() }

// IsAncestorOf reports whether n is an ancestor of, or equal to, other.
func (n *Node) IsAncestorOf(other *Node) bool {
	return path.IsAncestor(n.path, other.path)
}

type attrDelta struct {
	removed []string
	added   map[string]any
	dropped []*Node
}

func (d *attrDelta) empty() bool {
	return len(d.removed) == 0 && len(d.added) == 0
}

// ChangeAttributes removes and sets attributes in one step. Listeners are
// notified only if the visible state changed.
func (n *Node) ChangeAttributes(removed []string, changed map[string]any, reason string) error {
	if n.stale() {
		return n.tree.Fault(&StaleObjectError{Path: n.path, Op: "change attributes"})
	}
	n.mu.Lock()
	delta := n.applyAttributesLocked(removed, changed)
	ev := n.attributesEventLocked(delta, reason)
	n.mu.Unlock()

	n.afterAttributes(delta, ev, reason)
	return nil
}

func (n *Node) applyAttributesLocked(removed []string, changed map[string]any) attrDelta {
	delta := attrDelta{added: make(map[string]any)}
	for _, name := range removed {
		if _, replaced := changed[name]; replaced {
			continue
		}
		old, ok := n.attrs[name]
		if !ok {
			continue
		}
		delete(n.attrs, name)
		delta.removed = append(delta.removed, name)
		if c := n.ownedAttribute(name, old); c != nil {
			delta.dropped = append(delta.dropped, c)
		}
	}
	for name, v := range changed {
		old, ok := n.attrs[name]
		if ok && valuesEqual(old, v) {
			continue
		}
		n.attrs[name] = v
		delta.added[name] = v
		if ok {
			if c := n.ownedAttribute(name, old); c != nil {
				delta.dropped = append(delta.dropped, c)
			}
		}
		if c := n.ownedAttribute(name, v); c != nil {
			c.attached.Store(true)
		}
	}
	slices.Sort(delta.removed)

	_, removedDisplay := slices.BinarySearch(delta.removed, DisplayAttribute)
	if _, ok := delta.added[DisplayAttribute]; ok || removedDisplay {
		n.display = n.computeDisplayLocked()
	}
	return delta
}

func (n *Node) ownedAttribute(name string, v any) *Node {
	c, ok := v.(*Node)
	if !ok || c.parent != n || c.seg.IsIndex() || c.seg.Name() != name {
		return nil
	}
	return c
}

func (n *Node) attributesEventLocked(delta attrDelta, reason string) *AttributesChanged {
	if delta.empty() {
		return nil
	}
	n.seq++
	return &AttributesChanged{
		Node:    n,
		Path:    n.path,
		Seq:     n.seq,
		Removed: delta.removed,
		Added:   delta.added,
		Reason:  reason,
	}
}

func (n *Node) afterAttributes(delta attrDelta, ev *AttributesChanged, reason string) {
	if ev == nil {
		return
	}
	for name, v := range delta.added {
		if err := n.schema.Validate(name, v); err != nil {
			n.tree.logger.Warn("attribute does not match schema", "path", n.path.String(), "err", err)
		}
	}
	n.tree.publish(*ev)
	for _, c := range delta.dropped {
		c.invalidate(reason)
	}
}

type elemDelta struct {
	removed []string
	added   map[string]*Node
	dropped []*Node
}

func (d *elemDelta) empty() bool {
	return len(d.removed) == 0 && len(d.added) == 0
}

// SetElements replaces the element map. Elements with an unchanged key and
// instance keep their identity; keys absent from elems are removed. extra
// attributes are applied in the same critical section.
func (n *Node) SetElements(elems []*Node, extra map[string]any, reason string) error {
	return n.updateElements(elems, nil, true, extra, reason)
}

// ChangeElements removes and adds individual elements.
func (n *Node) ChangeElements(removed []string, added []*Node, reason string) error {
	return n.updateElements(added, removed, false, nil, reason)
}

func (n *Node) updateElements(elems []*Node, removed []string, replace bool, extra map[string]any, reason string) error {
	if n.stale() {
		return n.tree.Fault(&StaleObjectError{Path: n.path, Op: "set elements"})
	}
	for _, e := range elems {
		if e == nil || e.parent != n || !e.seg.IsIndex() {
			return n.tree.Fault(fmt.Errorf("%w: element of %q", ErrNotOwned, n.path))
		}
	}

	n.mu.Lock()
	ed := elemDelta{added: make(map[string]*Node)}
	keep := make(map[string]*Node, len(elems))
	for _, e := range elems {
		keep[e.seg.Name()] = e
	}
	if replace {
		for key := range n.elems {
			if _, ok := keep[key]; !ok {
				removed = append(removed, key)
			}
		}
	}
	for _, key := range removed {
		if _, re := keep[key]; re {
			continue
		}
		old, ok := n.elems[key]
		if !ok {
			continue
		}
		delete(n.elems, key)
		ed.removed = append(ed.removed, key)
		ed.dropped = append(ed.dropped, old)
	}
	for key, e := range keep {
		old, ok := n.elems[key]
		if ok && old == e {
			continue
		}
		n.elems[key] = e
		ed.added[key] = e
		e.attached.Store(true)
		if ok {
			ed.dropped = append(ed.dropped, old)
		}
	}
	slices.SortFunc(ed.removed, func(a, b string) int {
		return path.CompareSegments(path.Index(a), path.Index(b))
	})
	var eev *ElementsChanged
	if !ed.empty() {
		n.seq++
		eev = &ElementsChanged{
			Node:    n,
			Path:    n.path,
			Seq:     n.seq,
			Removed: ed.removed,
			Added:   ed.added,
			Reason:  reason,
		}
	}
	ad := n.applyAttributesLocked(nil, extra)
	aev := n.attributesEventLocked(ad, reason)
	n.mu.Unlock()

	if eev != nil {
		n.tree.publish(*eev)
		for _, c := range ed.dropped {
			c.invalidate(reason)
		}
	}
	n.afterAttributes(ad, aev, reason)
	return nil
}

func (n *Node) invalidate(reason string) {
	n.mu.Lock()
	n.seq++
	ev := Invalidated{Node: n, Path: n.path, Seq: n.seq, Reason: reason}
	n.mu.Unlock()
	n.tree.publish(ev)
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
