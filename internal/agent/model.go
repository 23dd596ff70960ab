// Package agent models a native debugger as a live object tree: breakpoint
// specs, processes and threads, attachable devices, and the user's focus.
// The tree is fed by a dbgmgr.Manager and kept consistent with the events
// it reports.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/event"
	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/logging"
	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/path"
	"github.com/dshills/dbgmodel/internal/model/schema"
)

// Model is the agent's object tree bound to one manager.
type Model struct {
	mgr    dbgmgr.Manager
	tree   *model.Tree
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	focus       *FocusScope
	breakpoints *BreakpointContainer
	processes   *ProcessContainer
	devices     *AvailableDevices

	removeListener func()
	focusSub       event.Subscription
	closeOnce      sync.Once
}

type options struct {
	logger *slog.Logger
	strict bool
	bus    event.Bus
	base   int
}

// Option configures a Model.
type Option func(*options)

// WithLogger sets the model logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStrict makes invariant violations panic.
func WithStrict(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// WithBus publishes tree notifications on bus.
func WithBus(bus event.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithDeviceBase sets the initial numeric base of device displays.
func WithDeviceBase(base int) Option {
	return func(o *options) { o.base = base }
}

// New builds the tree for mgr and starts listening to its events.
func New(mgr dbgmgr.Manager, opts ...Option) (*Model, error) {
	o := options{logger: slog.Default(), base: DefaultBase}
	for _, opt := range opts {
		opt(&o)
	}

	reg := schema.NewRegistry()
	if err := RegisterSchemas(reg); err != nil {
		return nil, err
	}
	treeOpts := []model.TreeOption{
		model.WithLogger(o.logger),
		model.WithStrict(o.strict),
		model.WithSchemas(reg),
	}
	if o.bus != nil {
		treeOpts = append(treeOpts, model.WithBus(o.bus))
	}
	tree, err := model.NewTree(SchemaRoot, treeOpts...)
	if err != nil {
		return nil, err
	}

	// Actions run under ctx and find the model's logger on it.
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), o.logger))
	m := &Model{mgr: mgr, tree: tree, logger: o.logger, ctx: ctx, cancel: cancel}
	if err := m.build(o.base); err != nil {
		cancel()
		_ = tree.Close(context.Background())
		return nil, err
	}

	m.focusSub, err = tree.Subscribe(path.Root, m.focus.onTreeEvent)
	if err != nil {
		cancel()
		_ = tree.Close(context.Background())
		return nil, err
	}
	m.removeListener = mgr.AddListener(dbgmgr.ListenerFuncs{
		OnBreakpointChanged:  m.breakpoints.breakpointChanged,
		OnBreakpointHit:      m.onBreakpointHit,
		OnEventThreadChanged: m.onEventThreadChanged,
	})
	return m, nil
}

func (m *Model) build(base int) error {
	var err error
	root := m.tree.Root()
	m.focus = newFocusScope(m, root)
	if m.breakpoints, err = newBreakpointContainer(m); err != nil {
		return err
	}
	if m.processes, err = newProcessContainer(m); err != nil {
		return err
	}
	if m.devices, err = newAvailableDevices(m, base); err != nil {
		return err
	}
	return root.ChangeAttributes(nil, map[string]any{
		AttrBreakpoints:      m.breakpoints.node,
		AttrProcesses:        m.processes.node,
		AttrAvailableDevices: m.devices.node,
	}, "created")
}

func (m *Model) onBreakpointHit(number int64, thread dbgmgr.ThreadRef, frame *dbgmgr.FrameInfo, cause string) {
	m.breakpoints.breakpointHit(m.ctx, number, thread, frame, cause)
}

// onEventThreadChanged records the stop thread and moves focus to it once
// the thread is in the tree.
func (m *Model) onEventThreadChanged(ref dbgmgr.ThreadRef, reason string) {
	m.processes.ResolveThread(m.ctx, ref).OnComplete(func(t *Thread, err error) {
		if err != nil {
			if !errors.Is(err, future.ErrCancelled) {
				m.logger.Warn("cannot resolve event thread", "pid", ref.PID, "tid", ref.TID, "err", err)
			}
			return
		}
		if err := m.tree.Root().ChangeAttributes(nil, map[string]any{AttrEventThread: t.node}, reason); err != nil {
			m.logger.Error("cannot record event thread", "err", err)
			return
		}
		m.focus.DoRequestFocus(t.node).OnComplete(func(_ future.Void, err error) {
			if err != nil {
				m.logger.Warn("cannot focus event thread", "err", err)
			}
		})
	})
}

// Close detaches from the manager and stops the tree.
func (m *Model) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.removeListener()
		m.cancel()
		if m.focusSub != nil {
			_ = m.tree.Unsubscribe(m.focusSub)
		}
		err = m.tree.Close(ctx)
	})
	return err
}

// Tree returns the object tree.
func (m *Model) Tree() *model.Tree { return m.tree }

// Root returns the root node.
func (m *Model) Root() *model.Node { return m.tree.Root() }

// Manager returns the backing manager.
func (m *Model) Manager() dbgmgr.Manager { return m.mgr }

// Breakpoints returns the breakpoint container.
func (m *Model) Breakpoints() *BreakpointContainer { return m.breakpoints }

// Processes returns the process container.
func (m *Model) Processes() *ProcessContainer { return m.processes }

// Devices returns the available-devices container.
func (m *Model) Devices() *AvailableDevices { return m.devices }

// FocusScope returns the root focus scope.
func (m *Model) FocusScope() *FocusScope { return m.focus }

// Logger returns the model logger.
func (m *Model) Logger() *slog.Logger { return m.logger }

// Get returns the node at p from cached state.
func (m *Model) Get(p path.Path) (*model.Node, bool) { return m.tree.Get(p) }

// EventThread returns the thread of the last stop, if it is in the tree.
func (m *Model) EventThread() *Thread {
	v, _ := m.tree.Root().GetCachedAttribute(AttrEventThread)
	n, _ := v.(*model.Node)
	if n == nil {
		return nil
	}
	t, _ := n.Object().(*Thread)
	return t
}

// Refresh re-enumerates every container.
func (m *Model) Refresh(ctx context.Context) *future.Future[future.Void] {
	return future.Discard(future.All(
		future.Discard(m.breakpoints.Refresh(ctx)),
		future.Discard(m.processes.Refresh(ctx)),
		future.Discard(m.devices.Refresh(ctx)),
	))
}
