package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/path"
	"github.com/dshills/dbgmodel/internal/model/schema"
)

// BreakpointKind is a set of ways a breakpoint can trigger.
type BreakpointKind uint8

const (
	KindSoftwareExecute BreakpointKind = 1 << iota
	KindHardwareExecute
	KindRead
	KindWrite
)

var kindNames = []struct {
	kind BreakpointKind
	name string
}{
	{KindSoftwareExecute, "SW_EXECUTE"},
	{KindHardwareExecute, "HW_EXECUTE"},
	{KindRead, "READ"},
	{KindWrite, "WRITE"},
}

// Has reports whether every kind in other is in k.
func (k BreakpointKind) Has(other BreakpointKind) bool {
	return k&other == other
}

// Strings returns the kind names in a fixed order.
func (k BreakpointKind) Strings() []string {
	out := []string{}
	for _, kn := range kindNames {
		if k.Has(kn.kind) {
			out = append(out, kn.name)
		}
	}
	return out
}

func (k BreakpointKind) String() string {
	return strings.Join(k.Strings(), "|")
}

// KindsOf maps a native breakpoint type to its kinds.
func KindsOf(info *dbgmgr.BreakpointInfo) BreakpointKind {
	if info == nil {
		return 0
	}
	return kindsForType(info.Type)
}

func kindsForType(t dbgmgr.BreakpointType) BreakpointKind {
	switch t {
	case dbgmgr.Breakpoint:
		return KindSoftwareExecute
	case dbgmgr.HWBreakpoint:
		return KindHardwareExecute
	case dbgmgr.HWWatchpoint:
		return KindWrite
	case dbgmgr.ReadWatchpoint:
		return KindRead
	case dbgmgr.AccessWatchpoint:
		return KindRead | KindWrite
	default:
		return 0
	}
}

// EnabledState separates what the user asked for from what the engine
// last reported. Pending counts enable/disable commands still in flight.
type EnabledState struct {
	Requested bool
	Confirmed bool
	Pending   int
}

// Diverged reports whether the request and the engine disagree.
func (e EnabledState) Diverged() bool {
	return e.Requested != e.Confirmed
}

type registeredAction struct {
	id     uint64
	action Action
}

// BreakpointSpec models one native breakpoint or watchpoint.
type BreakpointSpec struct {
	container *BreakpointContainer
	node      *model.Node
	number    int64

	// applyMu orders info swaps with the attribute updates they cause.
	applyMu sync.Mutex

	mu         sync.Mutex
	info       *dbgmgr.BreakpointInfo
	enabled    EnabledState
	actions    []registeredAction
	nextAction uint64
}

func newBreakpointSpec(c *BreakpointContainer, info *dbgmgr.BreakpointInfo) (*BreakpointSpec, error) {
	s := &BreakpointSpec{
		container: c,
		number:    info.Number,
		info:      info,
		enabled:   EnabledState{Requested: info.Enabled, Confirmed: info.Enabled},
	}
	node, err := c.m.tree.NewNode(c.node, path.Index(strconv.FormatInt(info.Number, 10)), SchemaBreakpointSpec,
		model.WithObject(s),
		model.WithSource(model.SourceFuncs{Attributes: s.fetchAttributes}),
	)
	if err != nil {
		return nil, err
	}
	s.node = node
	return s, nil
}

// Node returns the tree node.
func (s *BreakpointSpec) Node() *model.Node { return s.node }

// Number returns the native breakpoint number.
func (s *BreakpointSpec) Number() int64 { return s.number }

// Info returns the native snapshot from the last change event or listing.
// An attribute refresh updates the attributes and the confirmed enablement
// but keeps the snapshot.
func (s *BreakpointSpec) Info() *dbgmgr.BreakpointInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// EnabledState returns the two-phase enablement state.
func (s *BreakpointSpec) EnabledState() EnabledState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// IsEnabled returns the Enabled attribute as the user sees it.
func (s *BreakpointSpec) IsEnabled() bool {
	v, _ := s.node.GetCachedAttribute(AttrEnabled)
	enabled, _ := v.(bool)
	return enabled
}

// Kinds returns the kinds of the current snapshot.
func (s *BreakpointSpec) Kinds() BreakpointKind {
	return KindsOf(s.Info())
}

// Display returns the display string.
func (s *BreakpointSpec) Display() string { return s.node.Display() }

// UpdateInfo swaps the native snapshot from old to updated. old must be the
// snapshot currently held; anything else is a logic fault.
func (s *BreakpointSpec) UpdateInfo(old, updated *dbgmgr.BreakpointInfo, reason string) error {
	tree := s.container.m.tree
	if updated == nil || updated.Number != s.number {
		return tree.Fault(fmt.Errorf("%w: update for breakpoint %d carries wrong info", ErrInvalidArgument, s.number))
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.info != old {
		s.mu.Unlock()
		return tree.Fault(fmt.Errorf("%w: breakpoint %d", ErrStaleInfo, s.number))
	}
	s.swapLocked(updated)
	s.mu.Unlock()

	return s.applyFields(fieldsFromInfo(updated), reason)
}

// replaceInfo swaps the snapshot without checking the previous one.
func (s *BreakpointSpec) replaceInfo(updated *dbgmgr.BreakpointInfo, reason string) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	s.swapLocked(updated)
	s.mu.Unlock()

	return s.applyFields(fieldsFromInfo(updated), reason)
}

func (s *BreakpointSpec) swapLocked(updated *dbgmgr.BreakpointInfo) {
	s.info = updated
	s.confirmLocked(updated.Enabled)
}

func (s *BreakpointSpec) confirmLocked(enabled bool) {
	s.enabled.Confirmed = enabled
	if s.enabled.Pending == 0 {
		s.enabled.Requested = enabled
	}
}

func (s *BreakpointSpec) applyFields(f nativeFields, reason string) error {
	changed, removed := s.attributesFor(f)
	return s.node.ChangeAttributes(removed, changed, reason)
}

// Enable enables the breakpoint. The Enabled attribute changes at once;
// if the engine then rejects the command it stays changed until the next
// resync.
func (s *BreakpointSpec) Enable(ctx context.Context) *future.Future[future.Void] {
	return s.setEnabled(ctx, true)
}

// Disable disables the breakpoint, optimistically like Enable.
func (s *BreakpointSpec) Disable(ctx context.Context) *future.Future[future.Void] {
	return s.setEnabled(ctx, false)
}

func (s *BreakpointSpec) setEnabled(ctx context.Context, enabled bool) *future.Future[future.Void] {
	m := s.container.m

	s.applyMu.Lock()
	s.mu.Lock()
	s.enabled.Requested = enabled
	s.enabled.Pending++
	s.mu.Unlock()
	err := s.node.ChangeAttributes(nil, map[string]any{AttrEnabled: enabled}, "requested")
	s.applyMu.Unlock()
	if err != nil {
		s.settlePending()
		return future.Failed[future.Void](err)
	}

	op := "enable breakpoint"
	issue := m.mgr.EnableBreakpoints
	if !enabled {
		op = "disable breakpoint"
		issue = m.mgr.DisableBreakpoints
	}
	out := future.New[future.Void]()
	gated(m, op, issue(ctx, s.number)).OnComplete(func(v future.Void, err error) {
		s.settlePending()
		if err != nil {
			m.logger.Warn("breakpoint left in requested state until next resync",
				"breakpoint", s.number, "requested", enabled, "err", err)
		}
		out.Settle(v, err)
	})
	return out
}

func (s *BreakpointSpec) settlePending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled.Pending > 0 {
		s.enabled.Pending--
	}
}

// Delete deletes the breakpoint. On success the container drops it.
func (s *BreakpointSpec) Delete(ctx context.Context) *future.Future[future.Void] {
	m := s.container.m
	f := gated(m, "delete breakpoint", m.mgr.DeleteBreakpoints(ctx, s.number))
	return future.Then(f, func(future.Void) (future.Void, error) {
		return future.Void{}, s.container.removeSpec(s, "deleted")
	})
}

// AddAction registers a hit action and returns a function removing it.
func (s *BreakpointSpec) AddAction(a Action) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAction++
	id := s.nextAction
	s.actions = append(s.actions, registeredAction{id: id, action: a})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.actions = slices.DeleteFunc(s.actions, func(ra registeredAction) bool { return ra.id == id })
	}
}

// OnHit runs every action in registration order. A failing action does
// not stop the rest; their errors are joined.
func (s *BreakpointSpec) OnHit(ctx context.Context, thread *Thread, frame *dbgmgr.FrameInfo, cause string) error {
	s.mu.Lock()
	actions := slices.Clone(s.actions)
	s.mu.Unlock()

	hit := Hit{Spec: s, Thread: thread, Frame: frame, Cause: cause}
	var errs []error
	for _, ra := range actions {
		if err := runAction(ctx, ra.action, hit); err != nil {
			s.container.m.logger.Error("breakpoint action failed", "breakpoint", s.number, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runAction(ctx context.Context, a Action, hit Hit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return a.BreakpointHit(ctx, hit)
}

func (s *BreakpointSpec) fetchAttributes(ctx context.Context, _ *model.Node) *future.Future[model.AttributeUpdate] {
	m := s.container.m
	doc := gated(m, "breakpoint attributes", m.mgr.BreakpointAttributes(ctx, s.number))
	return future.Then(doc, func(raw []byte) (model.AttributeUpdate, error) {
		f, err := parseNativeDocument(raw, m.logger)
		if err != nil {
			return model.AttributeUpdate{}, err
		}
		if f.number != s.number {
			return model.AttributeUpdate{}, fmt.Errorf("%w: document for breakpoint %d", ErrInvalidArgument, f.number)
		}
		// The snapshot stays the one the last change event or listing
		// delivered; events name the snapshot they replace.
		s.mu.Lock()
		s.confirmLocked(f.enabled)
		s.mu.Unlock()

		changed, removed := s.attributesFor(f)
		return model.AttributeUpdate{Removed: removed, Changed: changed, Reason: "refreshed"}, nil
	})
}

// nativeFields is the engine's view of a breakpoint, from either a
// snapshot or an attribute document.
type nativeFields struct {
	number      int64
	typ         dbgmgr.BreakpointType
	disposition string
	pending     bool
	times       int
	access      string
	expression  string
	enabled     bool
	offset      *string
	size        *uint64
}

func fieldsFromInfo(info *dbgmgr.BreakpointInfo) nativeFields {
	return nativeFields{
		number:      info.Number,
		typ:         info.Type,
		disposition: info.Disposition,
		pending:     info.Pending,
		times:       info.Times,
		access:      info.Access,
		expression:  info.Expression,
		enabled:     info.Enabled,
		offset:      info.Offset,
		size:        info.Size,
	}
}

// parseNativeDocument reads a breakpoint attribute document. Only a bad Id
// fails the parse; a bad Size is logged and treated as absent.
func parseNativeDocument(doc []byte, logger *slog.Logger) (nativeFields, error) {
	if !gjson.ValidBytes(doc) {
		return nativeFields{}, fmt.Errorf("%w: breakpoint document is not JSON", ErrInvalidArgument)
	}
	res := gjson.ParseBytes(doc)

	id := res.Get("Id")
	number, err := strconv.ParseInt(id.String(), 10, 64)
	if !id.Exists() || err != nil {
		return nativeFields{}, fmt.Errorf("%w: breakpoint document has bad Id %q", ErrInvalidArgument, id.String())
	}

	f := nativeFields{
		number:      number,
		typ:         dbgmgr.ParseBreakpointType(res.Get("Type").String()),
		disposition: res.Get("Disposition").String(),
		pending:     res.Get("Pending").Bool(),
		times:       int(res.Get("HitCount").Int()),
		access:      res.Get("Access").String(),
		expression:  res.Get("Expression").String(),
		enabled:     res.Get("IsEnabled").String() == "-1",
	}
	if a := res.Get("Address"); a.Exists() && a.Type != gjson.Null {
		text := a.String()
		f.offset = &text
	}
	if sz := res.Get("Size"); sz.Exists() && sz.Type != gjson.Null {
		v, err := strconv.ParseUint(sz.String(), 0, 64)
		if err != nil {
			logger.Warn("ignoring malformed breakpoint size", "breakpoint", number, "size", sz.String(), "err", err)
		} else {
			f.size = &v
		}
	}
	return f, nil
}

// attributesFor builds the attribute map for f. Address problems are
// logged and leave Range unset; they never fail the update.
func (s *BreakpointSpec) attributesFor(f nativeFields) (changed map[string]any, removed []string) {
	logger := s.container.m.logger.With("breakpoint", f.number)
	changed = map[string]any{
		AttrID:          strconv.FormatInt(f.number, 10),
		AttrType:        f.typ.String(),
		AttrDisposition: f.disposition,
		AttrPending:     f.pending,
		AttrTimes:       f.times,
		AttrAccess:      f.access,
		AttrExpression:  f.expression,
		AttrKinds:       kindsForType(f.typ).Strings(),
		AttrEnabled:     f.enabled,
		AttrSpec:        s.node,
	}

	addrText := "0x0"
	offset, haveRange := uint64(0), true
	if f.offset == nil {
		logger.Warn("breakpoint has no offset, using 0")
	} else {
		addrText = *f.offset
		v, err := ParseAddress(*f.offset)
		if err != nil {
			logger.Error("cannot parse breakpoint address", "err", err)
			haveRange = false
		}
		offset = v
	}

	size := uint64(1)
	if f.size != nil && *f.size > 0 {
		size = *f.size
	}
	if haveRange {
		end := offset + size - 1
		if end < offset {
			logger.Error("breakpoint range overflows", "offset", offset, "size", size)
			haveRange = false
		} else {
			changed[AttrRange] = schema.AddressRange{Min: offset, Max: end}
		}
	}
	if !haveRange {
		removed = append(removed, AttrRange)
	}

	changed[AttrDisplay] = fmt.Sprintf("[%d] %s", f.number, addrText)
	return changed, removed
}
