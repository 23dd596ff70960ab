package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/model/path"
)

type changeLog struct {
	mu      sync.Mutex
	changes []string
	threads []dbgmgr.ThreadRef
	hits    []int64
}

func (c *changeLog) listener() dbgmgr.Listener {
	return dbgmgr.ListenerFuncs{
		OnBreakpointChanged: func(_, _ *dbgmgr.BreakpointInfo, reason string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.changes = append(c.changes, reason)
		},
		OnBreakpointHit: func(n int64, _ dbgmgr.ThreadRef, _ *dbgmgr.FrameInfo, _ string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.hits = append(c.hits, n)
		},
		OnEventThreadChanged: func(ref dbgmgr.ThreadRef, _ string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.threads = append(c.threads, ref)
		},
	}
}

func (c *changeLog) reasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.changes...)
}

func await[T any](t *testing.T, f interface {
	Await(context.Context) (T, error)
}) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.Await(ctx)
}

func TestEnableDisableDelete(t *testing.T) {
	s := New()
	log := &changeLog{}
	remove := s.AddListener(log.listener())
	defer remove()

	off := "0x1000"
	info := s.InsertBreakpoint(dbgmgr.Breakpoint, &off, nil, "main")
	assert.Equal(t, int64(1), info.Number)
	assert.True(t, info.Enabled)

	ctx := context.Background()
	_, err := await[struct{}](t, s.DisableBreakpoints(ctx, info.Number))
	require.NoError(t, err)
	got, ok := s.Breakpoint(info.Number)
	require.True(t, ok)
	assert.False(t, got.Enabled)
	assert.True(t, info.Enabled, "snapshots are immutable")

	_, err = await[struct{}](t, s.EnableBreakpoints(ctx, info.Number))
	require.NoError(t, err)
	_, err = await[struct{}](t, s.DeleteBreakpoints(ctx, info.Number))
	require.NoError(t, err)
	_, ok = s.Breakpoint(info.Number)
	assert.False(t, ok)

	assert.Equal(t, []string{"created", "disabled", "enabled", "deleted"}, log.reasons())
	assert.Equal(t, uint64(1), s.Calls(OpEnable))
	assert.Equal(t, uint64(1), s.Calls(OpDisable))

	_, err = await[struct{}](t, s.EnableBreakpoints(ctx, 99))
	assert.ErrorIs(t, err, dbgmgr.ErrNoSuchBreakpoint)
}

func TestHoldAndReleaseOutOfOrder(t *testing.T) {
	s := New()
	off := "0x2000"
	info := s.InsertBreakpoint(dbgmgr.Breakpoint, &off, nil, "")

	s.Hold()
	ctx := context.Background()
	disable := s.DisableBreakpoints(ctx, info.Number)
	enable := s.EnableBreakpoints(ctx, info.Number)
	assert.Equal(t, []string{OpDisable, OpEnable}, s.Held())
	assert.False(t, disable.IsDone())

	require.True(t, s.Release(1))
	require.True(t, s.Release(0))
	assert.False(t, s.Release(0))

	assert.True(t, enable.IsDone())
	assert.True(t, disable.IsDone())
	got, _ := s.Breakpoint(info.Number)
	assert.False(t, got.Enabled, "disable ran last")

	s.Resume()
	_, err := await[struct{}](t, s.EnableBreakpoints(ctx, info.Number))
	require.NoError(t, err)
}

func TestCommandsRunInSubmissionOrder(t *testing.T) {
	for _, latency := range []time.Duration{0, 5 * time.Millisecond} {
		t.Run(latency.String(), func(t *testing.T) {
			s := New(WithLatency(latency))
			log := &changeLog{}
			remove := s.AddListener(log.listener())
			defer remove()

			off := "0x3000"
			info := s.InsertBreakpoint(dbgmgr.Breakpoint, &off, nil, "")
			ctx := context.Background()
			disable := s.DisableBreakpoints(ctx, info.Number)
			enable := s.EnableBreakpoints(ctx, info.Number)

			_, err := await[struct{}](t, enable)
			require.NoError(t, err)
			assert.True(t, disable.IsDone(), "earlier command settles first")
			got, _ := s.Breakpoint(info.Number)
			assert.True(t, got.Enabled)
			assert.Equal(t, []string{"created", "disabled", "enabled"}, log.reasons())
		})
	}
}

func TestNumberReuse(t *testing.T) {
	off := "0x10"
	ctx := context.Background()

	plain := New()
	first := plain.InsertBreakpoint(dbgmgr.Breakpoint, &off, nil, "")
	_, err := await[struct{}](t, plain.DeleteBreakpoints(ctx, first.Number))
	require.NoError(t, err)
	assert.Equal(t, int64(2), plain.InsertBreakpoint(dbgmgr.Breakpoint, &off, nil, "").Number)

	s := New(WithNumberReuse())
	a := s.InsertBreakpoint(dbgmgr.Breakpoint, &off, nil, "")
	b := s.InsertBreakpoint(dbgmgr.Breakpoint, &off, nil, "")
	assert.Equal(t, []int64{1, 2}, []int64{a.Number, b.Number})
	_, err = await[struct{}](t, s.DeleteBreakpoints(ctx, a.Number))
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.InsertBreakpoint(dbgmgr.Breakpoint, &off, nil, "").Number)
	assert.Equal(t, int64(3), s.InsertBreakpoint(dbgmgr.Breakpoint, &off, nil, "").Number)
}

func TestFailNext(t *testing.T) {
	s := New()
	boom := errors.New("engine refused")
	s.FailNext(OpListDevices, boom)

	_, err := await[[]dbgmgr.DeviceInfo](t, s.ListAvailableDevices(context.Background()))
	assert.ErrorIs(t, err, boom)
	_, err = await[[]dbgmgr.DeviceInfo](t, s.ListAvailableDevices(context.Background()))
	assert.NoError(t, err)
}

func TestCancelledContext(t *testing.T) {
	s := New()
	s.Hold()
	ctx, cancel := context.WithCancel(context.Background())
	f := s.ListProcesses(ctx)
	cancel()
	s.Resume()

	_, err := f.Result()
	assert.Error(t, err)
}

func TestNativeDocument(t *testing.T) {
	off := "0x1000"
	info := &dbgmgr.BreakpointInfo{Number: 3, Type: dbgmgr.HWWatchpoint, Enabled: true, Offset: &off, Times: 2}
	doc, err := NativeDocument(info)
	require.NoError(t, err)

	res := gjson.ParseBytes(doc)
	assert.Equal(t, "3", res.Get("Id").String())
	assert.Equal(t, "0x1000", res.Get("Address").String())
	assert.Equal(t, "-1", res.Get("IsEnabled").String())
	assert.Equal(t, "HW_WATCHPOINT", res.Get("Type").String())
	assert.Equal(t, "2", res.Get("HitCount").String())
	assert.False(t, res.Get("Size").Exists())

	size := uint64(4)
	info = &dbgmgr.BreakpointInfo{Number: 4, Size: &size}
	doc, err = NativeDocument(info)
	require.NoError(t, err)
	res = gjson.ParseBytes(doc)
	assert.Equal(t, "0", res.Get("IsEnabled").String())
	assert.Equal(t, "4", res.Get("Size").String())
	assert.False(t, res.Get("Address").Exists())
}

func TestProcessesAndThreads(t *testing.T) {
	s := New()
	s.AddProcess(dbgmgr.ProcessInfo{PID: 20, Name: "b"})
	s.AddProcess(dbgmgr.ProcessInfo{PID: 10, Name: "a"},
		dbgmgr.ThreadInfo{TID: 2}, dbgmgr.ThreadInfo{TID: 1})

	procs, err := await[[]dbgmgr.ProcessInfo](t, s.ListProcesses(context.Background()))
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, int64(10), procs[0].PID)

	threads, err := await[[]dbgmgr.ThreadInfo](t, s.ListThreads(context.Background(), 10))
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, dbgmgr.ThreadInfo{PID: 10, TID: 1}, threads[0])

	_, err = await[[]dbgmgr.ThreadInfo](t, s.ListThreads(context.Background(), 99))
	assert.ErrorIs(t, err, dbgmgr.ErrNoSuchProcess)
}

func TestRequestFocusMovesEventThread(t *testing.T) {
	s := New()
	log := &changeLog{}
	s.AddListener(log.listener())
	s.AddProcess(dbgmgr.ProcessInfo{PID: 10}, dbgmgr.ThreadInfo{TID: 5}, dbgmgr.ThreadInfo{TID: 3})

	ctx := context.Background()
	_, err := await[struct{}](t, s.RequestFocus(ctx, path.Root, path.MustParse("Processes[10].Threads[5]")))
	require.NoError(t, err)
	ref, ok := s.EventThread()
	require.True(t, ok)
	assert.Equal(t, dbgmgr.ThreadRef{PID: 10, TID: 5}, ref)

	_, err = await[struct{}](t, s.RequestFocus(ctx, path.Root, path.MustParse("Processes[10]")))
	require.NoError(t, err)
	ref, _ = s.EventThread()
	assert.Equal(t, dbgmgr.ThreadRef{PID: 10, TID: 3}, ref)

	_, err = await[struct{}](t, s.RequestFocus(ctx, path.Root, path.MustParse("Breakpoints")))
	require.NoError(t, err)
	assert.Len(t, s.FocusRequests(), 3)
	assert.Len(t, log.threads, 2)
}

func TestHitUpdatesCountAndThread(t *testing.T) {
	s := New()
	log := &changeLog{}
	s.AddListener(log.listener())
	info := s.InsertBreakpoint(dbgmgr.Breakpoint, nil, nil, "")

	thread := dbgmgr.ThreadRef{PID: 1, TID: 2}
	require.NoError(t, s.Hit(info.Number, thread, nil))

	got, _ := s.Breakpoint(info.Number)
	assert.Equal(t, 1, got.Times)
	assert.Equal(t, []int64{info.Number}, log.hits)
	ref, _ := s.EventThread()
	assert.Equal(t, thread, ref)

	assert.ErrorIs(t, s.Hit(42, thread, nil), dbgmgr.ErrNoSuchBreakpoint)
}

func TestWaiting(t *testing.T) {
	s := New()
	assert.False(t, s.IsWaiting())
	s.SetWaiting(true)
	assert.True(t, s.IsWaiting())
}
