package luaaction

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/dbgmodel/internal/agent"
	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/dbgmgr/sim"
	"github.com/dshills/dbgmodel/internal/logging"
)

func newModel(t *testing.T) (*agent.Model, *sim.Sim) {
	t.Helper()
	s := sim.New()
	m, err := agent.New(s, agent.WithStrict(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, s
}

func newAction(t *testing.T, script string, opts ...Option) *Action {
	t.Helper()
	a, err := New(script, opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestHitTable(t *testing.T) {
	m, s := newModel(t)
	addr := "0x1000"
	s.InsertBreakpoint(dbgmgr.AccessWatchpoint, &addr, nil, "buf[0]")
	spec := m.Breakpoints().Spec(1)
	require.NotNil(t, spec)

	a := newAction(t, `
		function on_hit(hit)
			seen = hit
			kinds = table.concat(hit.kinds, ",")
		end
	`)
	err := a.BreakpointHit(context.Background(), agent.Hit{
		Spec:  spec,
		Frame: &dbgmgr.FrameInfo{Level: 1, PC: 0x1004, Function: "copy"},
		Cause: "watch",
	})
	require.NoError(t, err)

	seen, ok := a.L.GetGlobal("seen").(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, lua.LNumber(1), seen.RawGetString("number"))
	assert.Equal(t, lua.LString("[1] 0x1000"), seen.RawGetString("display"))
	assert.Equal(t, lua.LString("watch"), seen.RawGetString("cause"))
	assert.Equal(t, lua.LString("buf[0]"), seen.RawGetString("expression"))
	assert.Equal(t, lua.LNil, seen.RawGetString("thread"))
	frame, ok := seen.RawGetString("frame").(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, lua.LString("copy"), frame.RawGetString("func"))
	assert.Equal(t, lua.LNumber(0x1004), frame.RawGetString("pc"))
	assert.Equal(t, lua.LString("READ,WRITE"), a.L.GetGlobal("kinds"))
}

func TestScriptFailure(t *testing.T) {
	a := newAction(t, `
		function on_hit(hit)
			if hit.cause == "bad" then
				return false, "refused"
			end
			if hit.cause == "error" then
				error("exploded")
			end
			return true
		end
	`, WithName("guard"))

	ctx := context.Background()
	assert.NoError(t, a.BreakpointHit(ctx, agent.Hit{Cause: "ok"}))

	err := a.BreakpointHit(ctx, agent.Hit{Cause: "bad"})
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.ErrorContains(t, err, "guard: refused")

	err = a.BreakpointHit(ctx, agent.Hit{Cause: "error"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "exploded")
	assert.NotErrorIs(t, err, ErrActionFailed)

	assert.NoError(t, a.BreakpointHit(ctx, agent.Hit{Cause: "ok"}), "state survives errors")
}

func TestTimeout(t *testing.T) {
	a := newAction(t, `function on_hit(hit) while true do end end`, WithTimeout(50*time.Millisecond))

	start := time.Now()
	err := a.BreakpointHit(context.Background(), agent.Hit{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSandbox(t *testing.T) {
	a := newAction(t, `
		function on_hit(hit)
			results = {
				dofile = dofile == nil,
				loadstring = loadstring == nil,
				io = io == nil,
				os = os == nil,
				require_os = not pcall(require, "os"),
				require_io = not pcall(require, "io"),
				require_string = pcall(require, "string"),
			}
		end
	`)
	require.NoError(t, a.BreakpointHit(context.Background(), agent.Hit{}))

	results, ok := a.L.GetGlobal("results").(*lua.LTable)
	require.True(t, ok)
	results.ForEach(func(k, v lua.LValue) {
		assert.Equal(t, lua.LTrue, v, k.String())
	})
}

func TestNoHandler(t *testing.T) {
	_, err := New(`x = 1`)
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = New(`function on_hit(`)
	assert.Error(t, err)
}

func TestDisableFromScript(t *testing.T) {
	m, s := newModel(t)
	addr := "0x10"
	s.InsertBreakpoint(dbgmgr.Breakpoint, &addr, nil, "")
	s.AddProcess(dbgmgr.ProcessInfo{PID: 1}, dbgmgr.ThreadInfo{TID: 1})
	_, err := m.Processes().ResolveThread(context.Background(), dbgmgr.ThreadRef{PID: 1, TID: 1}).Await(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	a := newAction(t, `
		function on_hit(hit)
			dbg.log("hit on " .. hit.thread.tid)
			if hit.times >= 2 then
				dbg.disable()
			end
		end
	`, WithLogger(logger))

	spec := m.Breakpoints().Spec(1)
	require.NotNil(t, spec)
	spec.AddAction(a)

	ref := dbgmgr.ThreadRef{PID: 1, TID: 1}
	require.NoError(t, s.Hit(1, ref, nil))
	assert.True(t, spec.IsEnabled())
	require.NoError(t, s.Hit(1, ref, nil))
	assert.False(t, spec.IsEnabled(), "disabled optimistically")

	require.Eventually(t, func() bool {
		info, _ := s.Breakpoint(1)
		return !info.Enabled
	}, 2*time.Second, 5*time.Millisecond)

	line := bytes.SplitN(buf.Bytes(), []byte("\n"), 2)[0]
	assert.Equal(t, "hit on 1", gjson.GetBytes(line, "msg").String())
	assert.Equal(t, int64(1), gjson.GetBytes(line, "breakpoint").Int())
}

func TestLogUsesContextLogger(t *testing.T) {
	var fromCtx, explicit bytes.Buffer
	ctx := logging.WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&fromCtx, nil)))
	script := `function on_hit() dbg.log("seen") end`

	a := newAction(t, script)
	require.NoError(t, a.BreakpointHit(ctx, agent.Hit{}))
	assert.Equal(t, "seen", gjson.GetBytes(fromCtx.Bytes(), "msg").String())

	fromCtx.Reset()
	b := newAction(t, script, WithLogger(slog.New(slog.NewJSONHandler(&explicit, nil))))
	require.NoError(t, b.BreakpointHit(ctx, agent.Hit{}))
	assert.Empty(t, fromCtx.String(), "an explicit logger wins over the context")
	assert.Equal(t, "seen", gjson.GetBytes(explicit.Bytes(), "msg").String())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func TestHitLogsThroughModelLogger(t *testing.T) {
	buf := &syncBuffer{}
	s := sim.New()
	m, err := agent.New(s, agent.WithLogger(slog.New(slog.NewJSONHandler(buf, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	addr := "0x10"
	s.InsertBreakpoint(dbgmgr.Breakpoint, &addr, nil, "")
	s.AddProcess(dbgmgr.ProcessInfo{PID: 1}, dbgmgr.ThreadInfo{TID: 1})
	_, err = m.Processes().ResolveThread(context.Background(), dbgmgr.ThreadRef{PID: 1, TID: 1}).Await(context.Background())
	require.NoError(t, err)

	spec := m.Breakpoints().Spec(1)
	require.NotNil(t, spec)
	spec.AddAction(newAction(t, `function on_hit() dbg.log("from model") end`))
	require.NoError(t, s.Hit(1, dbgmgr.ThreadRef{PID: 1, TID: 1}, nil))

	var found bool
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if gjson.GetBytes(line, "msg").String() == "from model" {
			found = true
			assert.Equal(t, int64(1), gjson.GetBytes(line, "breakpoint").Int())
		}
	}
	assert.True(t, found)
}

func TestLoadAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "count.lua")
	require.NoError(t, os.WriteFile(path, []byte(`n = 0 function on_hit() n = n + 1 end`), 0o600))

	a, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, a.BreakpointHit(context.Background(), agent.Hit{}))
	assert.Equal(t, lua.LNumber(1), a.L.GetGlobal("n"))

	a.Close()
	a.Close()
	assert.ErrorIs(t, a.BreakpointHit(context.Background(), agent.Hit{}), ErrClosed)

	_, err = Load(filepath.Join(t.TempDir(), "missing.lua"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
