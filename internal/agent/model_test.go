package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/dbgmgr/sim"
	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/path"
)

func newTestModel(t *testing.T, strict bool, simOpts ...sim.Option) (*Model, *sim.Sim) {
	t.Helper()
	s := sim.New(simOpts...)
	m, err := New(s, WithStrict(strict))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, s
}

func await[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.Await(ctx)
}

func offset(s string) *string { return &s }

type eventLog struct {
	mu     sync.Mutex
	events []any
}

func (l *eventLog) record(_ context.Context, ev any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) attributeChanges() []model.AttributesChanged {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.AttributesChanged
	for _, ev := range l.events {
		if ac, ok := ev.(model.AttributesChanged); ok {
			out = append(out, ac)
		}
	}
	return out
}

func TestNewBuildsRoot(t *testing.T) {
	m, _ := newTestModel(t, true)

	root := m.Root()
	for _, name := range []string{AttrBreakpoints, AttrProcesses, AttrAvailableDevices} {
		n, ok := m.Get(path.MustParse(name))
		require.True(t, ok, name)
		assert.True(t, n.IsLive(), name)
		v, _ := root.GetCachedAttribute(name)
		assert.Same(t, n, v)
	}
	assert.Same(t, m.Breakpoints().Node(), mustGet(t, m, "Breakpoints"))
	assert.Same(t, m.Processes().Node(), mustGet(t, m, "Processes"))
	assert.Same(t, m.Devices().Node(), mustGet(t, m, "AvailableDevices"))
	assert.Equal(t, DefaultBase, m.Devices().Base())
}

func mustGet(t *testing.T, m *Model, p string) *model.Node {
	t.Helper()
	n, ok := m.Get(path.MustParse(p))
	require.True(t, ok, p)
	return n
}

func TestNewRejectsBadBase(t *testing.T) {
	_, err := New(sim.New(), WithDeviceBase(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRefreshAll(t *testing.T) {
	s := sim.New(sim.WithDevices(dbgmgr.DeviceInfo{ID: "1", Name: "board"}))
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
	s.AddProcess(dbgmgr.ProcessInfo{PID: 7, Name: "app"}, dbgmgr.ThreadInfo{TID: 1})

	m, err := New(s, WithStrict(true))
	require.NoError(t, err)
	defer m.Close(context.Background())

	assert.Empty(t, m.Breakpoints().Specs(), "events before New are not seen")
	_, err = await(t, m.Refresh(context.Background()))
	require.NoError(t, err)

	assert.Len(t, m.Breakpoints().Specs(), 1)
	assert.NotNil(t, m.Processes().Process(7))
	assert.Len(t, m.Devices().Devices(), 1)
}

func TestCloseDetachesListener(t *testing.T) {
	s := sim.New()
	m, err := New(s)
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))

	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
	assert.Empty(t, m.Breakpoints().Specs())
}

func TestEventThreadMovesFocus(t *testing.T) {
	m, s := newTestModel(t, true)
	s.AddProcess(dbgmgr.ProcessInfo{PID: 42, Name: "app"},
		dbgmgr.ThreadInfo{TID: 1, Name: "main"},
		dbgmgr.ThreadInfo{TID: 2, Name: "worker"},
	)

	ref := dbgmgr.ThreadRef{PID: 42, TID: 2}
	s.SetEventThread(ref, "signal")

	require.Eventually(t, func() bool {
		et := m.EventThread()
		return et != nil && et.Ref() == ref
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return m.FocusScope().Focus() == m.EventThread().Node()
	}, 2*time.Second, 5*time.Millisecond)

	thread := m.Processes().Thread(ref)
	require.NotNil(t, thread)
	assert.Equal(t, "[2] worker", thread.Node().Display())
	assert.Equal(t, "Processes[42].Threads[2]", thread.Node().Path().String())
}

func TestResolveThreadUnknown(t *testing.T) {
	m, s := newTestModel(t, true)
	s.AddProcess(dbgmgr.ProcessInfo{PID: 1}, dbgmgr.ThreadInfo{TID: 1})

	_, err := await(t, m.Processes().ResolveThread(context.Background(), dbgmgr.ThreadRef{PID: 1, TID: 9}))
	assert.ErrorIs(t, err, ErrUnknownThread)
	_, err = await(t, m.Processes().ResolveThread(context.Background(), dbgmgr.ThreadRef{PID: 2, TID: 1}))
	assert.ErrorIs(t, err, ErrUnknownThread)

	th, err := await(t, m.Processes().ResolveThread(context.Background(), dbgmgr.ThreadRef{PID: 1, TID: 1}))
	require.NoError(t, err)
	again, err := await(t, m.Processes().ResolveThread(context.Background(), dbgmgr.ThreadRef{PID: 1, TID: 1}))
	require.NoError(t, err)
	assert.Same(t, th, again)
}

func TestProcessRemovalInvalidatesThreads(t *testing.T) {
	m, s := newTestModel(t, false)
	s.AddProcess(dbgmgr.ProcessInfo{PID: 5, Name: "app"}, dbgmgr.ThreadInfo{TID: 3})

	th, err := await(t, m.Processes().ResolveThread(context.Background(), dbgmgr.ThreadRef{PID: 5, TID: 3}))
	require.NoError(t, err)
	assert.True(t, th.Node().IsLive())

	s.RemoveProcess(5)
	_, err = await(t, m.Processes().Refresh(context.Background()))
	require.NoError(t, err)

	assert.Nil(t, m.Processes().Process(5))
	assert.False(t, th.Node().IsLive())
	err = th.Node().ChangeAttributes(nil, map[string]any{AttrName: "late"}, "test")
	var stale *model.StaleObjectError
	assert.True(t, errors.As(err, &stale))
}

func TestReusedPIDGetsFreshProcess(t *testing.T) {
	m, s := newTestModel(t, true)
	ctx := context.Background()
	s.AddProcess(dbgmgr.ProcessInfo{PID: 7, Name: "a"}, dbgmgr.ThreadInfo{TID: 1})

	_, err := await(t, m.Processes().Refresh(ctx))
	require.NoError(t, err)
	old := m.Processes().Process(7)
	require.NotNil(t, old)
	assert.Equal(t, "[7] a", old.Node().Display())

	s.RemoveProcess(7)
	_, err = await(t, m.Processes().Refresh(ctx))
	require.NoError(t, err)
	assert.True(t, old.Node().Removed())

	s.AddProcess(dbgmgr.ProcessInfo{PID: 7, Name: "b"}, dbgmgr.ThreadInfo{TID: 1})
	_, err = await(t, m.Processes().Refresh(ctx))
	require.NoError(t, err)
	fresh := m.Processes().Process(7)
	require.NotNil(t, fresh)
	assert.NotSame(t, old, fresh)
	assert.True(t, fresh.Node().IsLive())
	assert.Equal(t, "[7] b", fresh.Node().Display())
	assert.Equal(t, "[7] a", old.Node().Display())
}
