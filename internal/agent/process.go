package agent

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/identity"
	"github.com/dshills/dbgmodel/internal/model/path"
)

// ProcessContainer holds Processes[pid].
type ProcessContainer struct {
	m     *Model
	node  *model.Node
	procs *identity.Cache[int64, Process]
}

// Process is one debugged process with its thread container.
type Process struct {
	c       *ProcessContainer
	node    *model.Node
	pid     int64
	threads *ThreadContainer
}

// ThreadContainer holds Processes[pid].Threads[tid].
type ThreadContainer struct {
	p       *Process
	node    *model.Node
	threads *identity.Cache[int64, Thread]
}

// Thread is one thread of a process.
type Thread struct {
	c    *ThreadContainer
	node *model.Node
	ref  dbgmgr.ThreadRef
}

func newProcessContainer(m *Model) (*ProcessContainer, error) {
	c := &ProcessContainer{m: m, procs: identity.New[int64, Process]()}
	node, err := m.tree.NewNode(m.tree.Root(), path.Key(AttrProcesses), SchemaProcessContainer,
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
func (c *ProcessContainer) Node() *model.Node { return c.node }

// Process returns the process in the tree with the given pid.
func (c *ProcessContainer) Process(pid int64) *Process {
	n := c.node.Element(strconv.FormatInt(pid, 10))
	if n == nil {
		return nil
	}
	p, _ := n.Object().(*Process)
	return p
}

// Thread returns the thread in the tree for ref.
func (c *ProcessContainer) Thread(ref dbgmgr.ThreadRef) *Thread {
	p := c.Process(ref.PID)
	if p == nil {
		return nil
	}
	return p.threads.Thread(ref.TID)
}

// Refresh re-enumerates processes.
func (c *ProcessContainer) Refresh(ctx context.Context) *future.Future[[]*model.Node] {
	return c.node.RequestElements(ctx, model.RefreshAlways)
}

// ResolveThread returns the thread for ref, enumerating processes and
// threads if it is not in the tree yet.
func (c *ProcessContainer) ResolveThread(ctx context.Context, ref dbgmgr.ThreadRef) *future.Future[*Thread] {
	if t := c.Thread(ref); t != nil {
		return future.Completed(t)
	}
	unknown := fmt.Errorf("%w: %d/%d", ErrUnknownThread, ref.PID, ref.TID)
	return future.AndThen(c.Refresh(ctx), func([]*model.Node) *future.Future[*Thread] {
		p := c.Process(ref.PID)
		if p == nil {
			return future.Failed[*Thread](unknown)
		}
		return future.Then(p.threads.Refresh(ctx), func([]*model.Node) (*Thread, error) {
			if t := p.threads.Thread(ref.TID); t != nil {
				return t, nil
			}
			return nil, unknown
		})
	})
}

func (c *ProcessContainer) fetchElements(ctx context.Context, _ *model.Node) *future.Future[model.ElementUpdate] {
	list := gated(c.m, "list processes", c.m.mgr.ListProcesses(ctx))
	return future.Then(list, func(infos []dbgmgr.ProcessInfo) (model.ElementUpdate, error) {
		elems := make([]*model.Node, 0, len(infos))
		for _, info := range infos {
			p := c.processFor(info)
			if p == nil {
				continue
			}
			p.update(info)
			elems = append(elems, p.node)
		}
		return model.ElementUpdate{Elements: elems, Reason: "refreshed"}, nil
	})
}

func (c *ProcessContainer) processFor(info dbgmgr.ProcessInfo) *Process {
	created := false
	p := c.procs.GetOrCreateLive(info.PID, processLive, func(pid int64) *Process {
		p, err := newProcess(c, pid)
		if err != nil {
			c.m.logger.Error("cannot create process node", "pid", pid, "err", err)
			return nil
		}
		created = true
		return p
	})
	if created {
		err := p.node.ChangeAttributes(nil, map[string]any{AttrPID: p.pid, AttrThreads: p.threads.node}, "created")
		if err != nil {
			c.m.logger.Error("cannot populate process", "pid", p.pid, "err", err)
		}
	}
	return p
}

func processLive(p *Process) bool { return !p.node.Removed() }

func threadLive(t *Thread) bool { return !t.node.Removed() }

func newProcess(c *ProcessContainer, pid int64) (*Process, error) {
	tree := c.m.tree
	p := &Process{c: c, pid: pid}
	node, err := tree.NewNode(c.node, path.Index(strconv.FormatInt(pid, 10)), SchemaProcess, model.WithObject(p))
	if err != nil {
		return nil, err
	}
	p.node = node

	tc := &ThreadContainer{p: p, threads: identity.New[int64, Thread]()}
	tnode, err := tree.NewNode(node, path.Key(AttrThreads), SchemaThreadContainer,
		model.WithObject(tc),
		model.WithSource(model.SourceFuncs{Elements: tc.fetchElements}),
	)
	if err != nil {
		return nil, err
	}
	tc.node = tnode
	p.threads = tc
	return p, nil
}

func (p *Process) update(info dbgmgr.ProcessInfo) {
	err := p.node.ChangeAttributes(nil, map[string]any{
		AttrName:    info.Name,
		AttrDisplay: fmt.Sprintf("[%d] %s", info.PID, info.Name),
	}, "refreshed")
	if err != nil {
		p.c.m.logger.Error("cannot update process", "pid", p.pid, "err", err)
	}
}

// Node returns the process node.
func (p *Process) Node() *model.Node { return p.node }

// PID returns the process id.
func (p *Process) PID() int64 { return p.pid }

// Threads returns the thread container.
func (p *Process) Threads() *ThreadContainer { return p.threads }

// Node returns the container node.
func (tc *ThreadContainer) Node() *model.Node { return tc.node }

// Thread returns the thread in the tree with the given tid.
func (tc *ThreadContainer) Thread(tid int64) *Thread {
	n := tc.node.Element(strconv.FormatInt(tid, 10))
	if n == nil {
		return nil
	}
	t, _ := n.Object().(*Thread)
	return t
}

// Refresh re-enumerates threads.
func (tc *ThreadContainer) Refresh(ctx context.Context) *future.Future[[]*model.Node] {
	return tc.node.RequestElements(ctx, model.RefreshAlways)
}

func (tc *ThreadContainer) fetchElements(ctx context.Context, _ *model.Node) *future.Future[model.ElementUpdate] {
	m := tc.p.c.m
	list := gated(m, "list threads", m.mgr.ListThreads(ctx, tc.p.pid))
	return future.Then(list, func(infos []dbgmgr.ThreadInfo) (model.ElementUpdate, error) {
		elems := make([]*model.Node, 0, len(infos))
		for _, info := range infos {
			t := tc.threads.GetOrCreateLive(info.TID, threadLive, func(tid int64) *Thread {
				t := &Thread{c: tc, ref: dbgmgr.ThreadRef{PID: tc.p.pid, TID: tid}}
				node, err := m.tree.NewNode(tc.node, path.Index(strconv.FormatInt(tid, 10)), SchemaThread,
					model.WithObject(t),
					model.WithAttributes(map[string]any{AttrTID: tid}),
				)
				if err != nil {
					m.logger.Error("cannot create thread node", "tid", tid, "err", err)
					return nil
				}
				t.node = node
				return t
			})
			if t == nil {
				continue
			}
			t.update(info)
			elems = append(elems, t.node)
		}
		return model.ElementUpdate{Elements: elems, Reason: "refreshed"}, nil
	})
}

func (t *Thread) update(info dbgmgr.ThreadInfo) {
	display := fmt.Sprintf("[%d]", info.TID)
	if info.Name != "" {
		display += " " + info.Name
	}
	if info.State != "" {
		display += " (" + info.State + ")"
	}
	err := t.node.ChangeAttributes(nil, map[string]any{
		AttrName:    info.Name,
		AttrState:   info.State,
		AttrDisplay: display,
	}, "refreshed")
	if err != nil {
		t.c.p.c.m.logger.Error("cannot update thread", "tid", info.TID, "err", err)
	}
}

// Node returns the thread node.
func (t *Thread) Node() *model.Node { return t.node }

// Ref returns the thread's identity.
func (t *Thread) Ref() dbgmgr.ThreadRef { return t.ref }
