package luaaction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/dbgmodel/internal/agent"
	"github.com/dshills/dbgmodel/internal/logging"
)

const (
	handlerName = "on_hit"
	moduleName  = "dbg"

	// DefaultTimeout bounds one on_hit call.
	DefaultTimeout = time.Second
)

// Action is an agent.Action backed by a Lua script. Calls are serialized;
// the Lua state is never used from two goroutines at once.
type Action struct {
	name    string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	L      *lua.LState
	closed bool

	// set for the duration of one call
	ctx       context.Context
	hit       *agent.Hit
	hitLogger *slog.Logger
}

var _ agent.Action = (*Action)(nil)

// Option configures an Action.
type Option func(*Action)

// WithTimeout bounds each call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Action) { a.timeout = d }
}

// WithLogger sets the logger behind dbg.log. Without it dbg.log writes to
// the logger carried by the hit's context.
func WithLogger(l *slog.Logger) Option {
	return func(a *Action) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithName names the action in logs.
func WithName(name string) Option {
	return func(a *Action) { a.name = name }
}

// New compiles script and checks that it defines on_hit.
func New(script string, opts ...Option) (*Action, error) {
	a := &Action{name: "inline", timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(a)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSandbox(L)
	L.PreloadModule(moduleName, a.loader)
	L.Push(L.NewFunction(a.loader))
	L.Call(0, 1)
	L.SetGlobal(moduleName, L.Get(-1))
	L.Pop(1)

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("load %s: %w", a.name, err)
	}
	if L.GetGlobal(handlerName).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("%s: %w", a.name, ErrNoHandler)
	}
	a.L = L
	return a, nil
}

// Load reads a script file. The file is read by Go; the script itself
// cannot open files.
func Load(path string, opts ...Option) (*Action, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(string(src), append([]Option{WithName(path)}, opts...)...)
}

// Close releases the Lua state.
func (a *Action) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.L.Close()
}

// BreakpointHit implements agent.Action.
func (a *Action) BreakpointHit(ctx context.Context, hit agent.Hit) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	a.ctx, a.hit = ctx, &hit
	a.hitLogger = a.logger
	if a.hitLogger == nil {
		a.hitLogger = logging.FromContext(ctx)
	}
	a.L.SetContext(ctx)
	defer func() {
		a.ctx, a.hit, a.hitLogger = nil, nil, nil
		a.L.RemoveContext()
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: lua panic: %v", a.name, r)
		}
	}()

	top := a.L.GetTop()
	defer a.L.SetTop(top)

	err = a.L.CallByParam(lua.P{
		Fn:      a.L.GetGlobal(handlerName),
		NRet:    2,
		Protect: true,
	}, a.hitTable(hit))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", a.name, ctxErr)
		}
		return fmt.Errorf("%s: %w", a.name, err)
	}

	ok, msg := a.L.Get(-2), a.L.Get(-1)
	if ok == lua.LFalse {
		return fmt.Errorf("%w: %s: %s", ErrActionFailed, a.name, lua.LVAsString(msg))
	}
	return nil
}

func (a *Action) hitTable(hit agent.Hit) *lua.LTable {
	L := a.L
	t := L.NewTable()
	t.RawSetString("cause", lua.LString(hit.Cause))
	if spec := hit.Spec; spec != nil {
		info := spec.Info()
		t.RawSetString("number", lua.LNumber(spec.Number()))
		t.RawSetString("display", lua.LString(spec.Display()))
		t.RawSetString("times", lua.LNumber(info.Times))
		t.RawSetString("expression", lua.LString(info.Expression))
		kinds := L.NewTable()
		for _, k := range spec.Kinds().Strings() {
			kinds.Append(lua.LString(k))
		}
		t.RawSetString("kinds", kinds)
	}
	if hit.Thread != nil {
		ref := hit.Thread.Ref()
		th := L.NewTable()
		th.RawSetString("pid", lua.LNumber(ref.PID))
		th.RawSetString("tid", lua.LNumber(ref.TID))
		t.RawSetString("thread", th)
	}
	if f := hit.Frame; f != nil {
		fr := L.NewTable()
		fr.RawSetString("level", lua.LNumber(f.Level))
		fr.RawSetString("pc", lua.LNumber(f.PC))
		fr.RawSetString("func", lua.LString(f.Function))
		t.RawSetString("frame", fr)
	}
	return t
}

// loader builds the dbg module.
func (a *Action) loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"log":     a.luaLog,
		"enable":  a.luaSetEnabled(true),
		"disable": a.luaSetEnabled(false),
	})
	L.Push(mod)
	return 1
}

func (a *Action) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	args := []any{"action", a.name}
	if a.hit != nil && a.hit.Spec != nil {
		args = append(args, "breakpoint", a.hit.Spec.Number())
	}
	logger := a.hitLogger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(msg, args...)
	return 0
}

// luaSetEnabled issues the command without waiting for it. The command
// outlives the call, so it does not inherit the call's deadline.
func (a *Action) luaSetEnabled(enabled bool) lua.LGFunction {
	return func(L *lua.LState) int {
		if a.hit == nil || a.hit.Spec == nil {
			L.RaiseError("no breakpoint in scope")
			return 0
		}
		spec := a.hit.Spec
		ctx := context.WithoutCancel(a.ctx)
		if enabled {
			spec.Enable(ctx)
		} else {
			spec.Disable(ctx)
		}
		return 0
	}
}
