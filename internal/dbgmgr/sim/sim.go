// Package sim is an in-process debugger manager. It keeps breakpoint,
// process and device state in memory and answers commands asynchronously
// with optional latency. Tests can hold commands and release them in any
// order, inject failures and toggle the waiting state.
package sim

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"go.uber.org/atomic"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/model/path"
)

// Command names used for call counting and failure injection.
const (
	OpEnable               = "enable"
	OpDisable              = "disable"
	OpDelete               = "delete"
	OpListBreakpoints      = "list-breakpoints"
	OpBreakpointAttributes = "breakpoint-attributes"
	OpListDevices          = "list-devices"
	OpListProcesses        = "list-processes"
	OpListThreads          = "list-threads"
	OpRequestFocus         = "request-focus"
)

var allOps = []string{
	OpEnable, OpDisable, OpDelete, OpListBreakpoints, OpBreakpointAttributes,
	OpListDevices, OpListProcesses, OpListThreads, OpRequestFocus,
}

type command struct {
	id  string
	op  string
	run func()
}

type process struct {
	info    dbgmgr.ProcessInfo
	threads map[int64]dbgmgr.ThreadInfo
}

// FocusRequest records one RequestFocus call.
type FocusRequest struct {
	Scope  path.Path
	Target path.Path
}

// Sim implements dbgmgr.Manager.
type Sim struct {
	logger  *slog.Logger
	latency time.Duration

	// notifyMu orders each state change with its notification.
	notifyMu sync.Mutex

	mu          sync.Mutex
	breakpoints map[int64]*dbgmgr.BreakpointInfo
	devices     []dbgmgr.DeviceInfo
	processes   map[int64]*process
	eventThread *dbgmgr.ThreadRef
	listeners   map[uint64]dbgmgr.Listener
	nextID      uint64
	holding     bool
	held        []*command
	queue       []*command
	draining    bool
	reuse       bool
	failures    map[string][]error
	focus       []FocusRequest

	waiting    *atomic.Bool
	nextNumber *atomic.Int64
	calls      map[string]*atomic.Uint64
}

// Option configures a Sim.
type Option func(*Sim)

// WithLatency delays every command by d. Commands still run one at a time.
func WithLatency(d time.Duration) Option {
	return func(s *Sim) { s.latency = d }
}

// WithNumberReuse makes inserted breakpoints take the lowest free number,
// the way engines that recycle breakpoint ids do.
func WithNumberReuse() Option {
	return func(s *Sim) { s.reuse = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sim) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDevices seeds the available devices.
func WithDevices(devs ...dbgmgr.DeviceInfo) Option {
	return func(s *Sim) { s.devices = append(s.devices, devs...) }
}

// New creates a simulator.
func New(opts ...Option) *Sim {
	s := &Sim{
		logger:      slog.Default(),
		breakpoints: make(map[int64]*dbgmgr.BreakpointInfo),
		processes:   make(map[int64]*process),
		listeners:   make(map[uint64]dbgmgr.Listener),
		failures:    make(map[string][]error),
		waiting:     atomic.NewBool(false),
		nextNumber:  atomic.NewInt64(0),
		calls:       make(map[string]*atomic.Uint64, len(allOps)),
	}
	for _, op := range allOps {
		s.calls[op] = atomic.NewUint64(0)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ dbgmgr.Manager = (*Sim)(nil)

// submit queues fn as a command. Commands run one at a time in submission
// order, each after the configured latency. The future settles when the
// command runs. Held commands leave the queue and run only when released.
func submit[T any](s *Sim, ctx context.Context, op string, fn func() (T, error)) *future.Future[T] {
	if c, ok := s.calls[op]; ok {
		c.Inc()
	}
	f := future.New[T]()
	injected := s.takeFailure(op)
	cmd := &command{id: uuid.NewString(), op: op}
	cmd.run = func() {
		if injected != nil {
			s.logger.Debug("command failed", "id", cmd.id, "op", op, "err", injected)
			f.Fail(injected)
			return
		}
		if ctx.Err() != nil {
			f.Cancel()
			return
		}
		v, err := fn()
		s.logger.Debug("command done", "id", cmd.id, "op", op, "err", err)
		f.Settle(v, err)
	}

	s.mu.Lock()
	if s.holding {
		s.held = append(s.held, cmd)
		s.mu.Unlock()
		s.logger.Debug("command held", "id", cmd.id, "op", op)
		return f
	}
	s.queue = append(s.queue, cmd)
	start := !s.draining
	s.draining = true
	s.mu.Unlock()

	if start {
		go s.drain()
	}
	return f
}

// drain runs queued commands until the queue is empty.
func (s *Sim) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		cmd := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.latency > 0 {
			time.Sleep(s.latency)
		}
		cmd.run()
	}
}

func (s *Sim) takeFailure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.failures[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	s.failures[op] = q[1:]
	return err
}

// FailNext makes the next command named op fail with err.
func (s *Sim) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Hold queues subsequent commands until they are released.
func (s *Sim) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding = true
}

// Held returns the names of held commands in submission order.
func (s *Sim) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := make([]string, len(s.held))
	for i, c := range s.held {
		ops[i] = c.op
	}
	return ops
}

// Release runs the i-th held command on the calling goroutine.
func (s *Sim) Release(i int) bool {
	s.mu.Lock()
	if i < 0 || i >= len(s.held) {
		s.mu.Unlock()
		return false
	}
	cmd := s.held[i]
	s.held = slices.Delete(s.held, i, i+1)
	s.mu.Unlock()

	cmd.run()
	return true
}

// Resume stops holding and runs every held command in order.
func (s *Sim) Resume() {
	s.mu.Lock()
	s.holding = false
	held := s.held
	s.held = nil
	s.mu.Unlock()

	for _, cmd := range held {
		cmd.run()
	}
}

// Calls returns how many commands named op were submitted.
func (s *Sim) Calls(op string) uint64 {
	if c, ok := s.calls[op]; ok {
		return c.Load()
	}
	return 0
}

// SetWaiting toggles the waiting state reported by IsWaiting.
func (s *Sim) SetWaiting(waiting bool) {
	s.waiting.Store(waiting)
}

// IsWaiting implements dbgmgr.Manager.
func (s *Sim) IsWaiting() bool {
	return s.waiting.Load()
}

// AddListener implements dbgmgr.Manager.
func (s *Sim) AddListener(l dbgmgr.Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Sim) snapshotListeners() []dbgmgr.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]dbgmgr.Listener, len(ids))
	for i, id := range ids {
		out[i] = s.listeners[id]
	}
	return out
}

func (s *Sim) notifyBreakpoint(old, updated *dbgmgr.BreakpointInfo, reason string) {
	for _, l := range s.snapshotListeners() {
		l.BreakpointChanged(old, updated, reason)
	}
}

func (s *Sim) notifyThread(ref dbgmgr.ThreadRef, reason string) {
	for _, l := range s.snapshotListeners() {
		l.EventThreadChanged(ref, reason)
	}
}

// InsertBreakpoint creates an enabled breakpoint and reports it to
// listeners on the calling goroutine.
func (s *Sim) InsertBreakpoint(typ dbgmgr.BreakpointType, offset *string, size *uint64, expression string) *dbgmgr.BreakpointInfo {
	info := &dbgmgr.BreakpointInfo{
		Number:      s.nextNumber.Inc(),
		Type:        typ,
		Disposition: "keep",
		Enabled:     true,
		Offset:      offset,
		Size:        size,
		Expression:  expression,
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	s.breakpoints[info.Number] = info
	s.mu.Unlock()

	s.notifyBreakpoint(nil, info, "created")
	return info
}

func (s *Sim) numberLocked() int64 {
	if !s.reuse {
		return s.nextNumber.Inc()
	}
	n := int64(1)
	for {
		if _, used := s.breakpoints[n]; !used {
			return n
		}
		n++
	}
}

// ModifyBreakpoint replaces a breakpoint snapshot with fn applied to a copy.
func (s *Sim) ModifyBreakpoint(number int64, reason string, fn func(*dbgmgr.BreakpointInfo)) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	old, ok := s.breakpoints[number]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", dbgmgr.ErrNoSuchBreakpoint, number)
	}
	cp := *old
	fn(&cp)
	cp.Number = number
	s.breakpoints[number] = &cp
	s.mu.Unlock()

	s.notifyBreakpoint(old, &cp, reason)
	return nil
}

// Breakpoint returns the current snapshot of a breakpoint.
func (s *Sim) Breakpoint(number int64) (*dbgmgr.BreakpointInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.breakpoints[number]
	return info, ok
}

// Hit reports a breakpoint hit on thread, which becomes the event thread.
func (s *Sim) Hit(number int64, thread dbgmgr.ThreadRef, frame *dbgmgr.FrameInfo) error {
	if err := s.ModifyBreakpoint(number, "hit", func(info *dbgmgr.BreakpointInfo) { info.Times++ }); err != nil {
		return err
	}
	s.SetEventThread(thread, "breakpoint hit")
	for _, l := range s.snapshotListeners() {
		l.BreakpointHit(number, thread, frame, "breakpoint")
	}
	return nil
}

// SetEventThread records a stop on thread and notifies listeners.
func (s *Sim) SetEventThread(thread dbgmgr.ThreadRef, reason string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	s.eventThread = &thread
	s.mu.Unlock()
	s.notifyThread(thread, reason)
}

// EventThread implements dbgmgr.Manager.
func (s *Sim) EventThread() (dbgmgr.ThreadRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventThread == nil {
		return dbgmgr.ThreadRef{}, false
	}
	return *s.eventThread, true
}

func (s *Sim) setEnabled(numbers []int64, enabled bool, reason string) error {
	for _, n := range numbers {
		if err := s.ModifyBreakpoint(n, reason, func(info *dbgmgr.BreakpointInfo) { info.Enabled = enabled }); err != nil {
			return err
		}
	}
	return nil
}

// EnableBreakpoints implements dbgmgr.Manager.
func (s *Sim) EnableBreakpoints(ctx context.Context, numbers ...int64) *future.Future[future.Void] {
	return submit(s, ctx, OpEnable, func() (future.Void, error) {
		return future.Void{}, s.setEnabled(numbers, true, "enabled")
	})
}

// DisableBreakpoints implements dbgmgr.Manager.
func (s *Sim) DisableBreakpoints(ctx context.Context, numbers ...int64) *future.Future[future.Void] {
	return submit(s, ctx, OpDisable, func() (future.Void, error) {
		return future.Void{}, s.setEnabled(numbers, false, "disabled")
	})
}

// DeleteBreakpoints implements dbgmgr.Manager.
func (s *Sim) DeleteBreakpoints(ctx context.Context, numbers ...int64) *future.Future[future.Void] {
	return submit(s, ctx, OpDelete, func() (future.Void, error) {
		for _, n := range numbers {
			if err := s.deleteBreakpoint(n); err != nil {
				return future.Void{}, err
			}
		}
		return future.Void{}, nil
	})
}

func (s *Sim) deleteBreakpoint(n int64) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	old, ok := s.breakpoints[n]
	delete(s.breakpoints, n)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", dbgmgr.ErrNoSuchBreakpoint, n)
	}
	s.notifyBreakpoint(old, nil, "deleted")
	return nil
}

// ListBreakpoints implements dbgmgr.Manager.
func (s *Sim) ListBreakpoints(ctx context.Context) *future.Future[[]*dbgmgr.BreakpointInfo] {
	return submit(s, ctx, OpListBreakpoints, func() ([]*dbgmgr.BreakpointInfo, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		out := make([]*dbgmgr.BreakpointInfo, 0, len(s.breakpoints))
		for _, info := range s.breakpoints {
			out = append(out, info)
		}
		slices.SortFunc(out, func(a, b *dbgmgr.BreakpointInfo) int {
			return cmp.Compare(a.Number, b.Number)
		})
		return out, nil
	})
}

// BreakpointAttributes implements dbgmgr.Manager.
func (s *Sim) BreakpointAttributes(ctx context.Context, number int64) *future.Future[[]byte] {
	return submit(s, ctx, OpBreakpointAttributes, func() ([]byte, error) {
		info, ok := s.Breakpoint(number)
		if !ok {
			return nil, fmt.Errorf("%w: %d", dbgmgr.ErrNoSuchBreakpoint, number)
		}
		return NativeDocument(info)
	})
}

// NativeDocument renders info the way the engine reports breakpoint
// attributes: every field a string, enabled as "-1" or "0".
func NativeDocument(info *dbgmgr.BreakpointInfo) ([]byte, error) {
	enabled := "0"
	if info.Enabled {
		enabled = "-1"
	}
	fields := []docField{
		{"Id", ptr(strconv.FormatInt(info.Number, 10))},
		{"Type", ptr(info.Type.String())},
		{"Disposition", ptr(info.Disposition)},
		{"Pending", ptr(strconv.FormatBool(info.Pending))},
		{"HitCount", ptr(strconv.Itoa(info.Times))},
		{"Access", ptr(info.Access)},
		{"Expression", ptr(info.Expression)},
		{"IsEnabled", &enabled},
		{"Address", info.Offset},
	}
	if info.Size != nil {
		fields = append(fields, docField{"Size", ptr(strconv.FormatUint(*info.Size, 10))})
	}

	doc := []byte("{}")
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		var err error
		if doc, err = sjson.SetBytes(doc, f.key, *f.value); err != nil {
			return nil, fmt.Errorf("render %s: %w", f.key, err)
		}
	}
	return doc, nil
}

type docField struct {
	key   string
	value *string
}

func ptr(s string) *string { return &s }

// SetDevices replaces the available device list.
func (s *Sim) SetDevices(devs ...dbgmgr.DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = slices.Clone(devs)
}

// ListAvailableDevices implements dbgmgr.Manager.
func (s *Sim) ListAvailableDevices(ctx context.Context) *future.Future[[]dbgmgr.DeviceInfo] {
	return submit(s, ctx, OpListDevices, func() ([]dbgmgr.DeviceInfo, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return slices.Clone(s.devices), nil
	})
}

// AddProcess adds or replaces a process and its threads.
func (s *Sim) AddProcess(p dbgmgr.ProcessInfo, threads ...dbgmgr.ThreadInfo) {
	proc := &process{info: p, threads: make(map[int64]dbgmgr.ThreadInfo, len(threads))}
	for _, t := range threads {
		t.PID = p.PID
		proc.threads[t.TID] = t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[p.PID] = proc
}

// RemoveProcess drops a process.
func (s *Sim) RemoveProcess(pid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processes, pid)
}

// ListProcesses implements dbgmgr.Manager.
func (s *Sim) ListProcesses(ctx context.Context) *future.Future[[]dbgmgr.ProcessInfo] {
	return submit(s, ctx, OpListProcesses, func() ([]dbgmgr.ProcessInfo, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		out := make([]dbgmgr.ProcessInfo, 0, len(s.processes))
		for _, p := range s.processes {
			out = append(out, p.info)
		}
		slices.SortFunc(out, func(a, b dbgmgr.ProcessInfo) int { return cmp.Compare(a.PID, b.PID) })
		return out, nil
	})
}

// ListThreads implements dbgmgr.Manager.
func (s *Sim) ListThreads(ctx context.Context, pid int64) *future.Future[[]dbgmgr.ThreadInfo] {
	return submit(s, ctx, OpListThreads, func() ([]dbgmgr.ThreadInfo, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		p, ok := s.processes[pid]
		if !ok {
			return nil, fmt.Errorf("%w: %d", dbgmgr.ErrNoSuchProcess, pid)
		}
		out := make([]dbgmgr.ThreadInfo, 0, len(p.threads))
		for _, t := range p.threads {
			out = append(out, t)
		}
		slices.SortFunc(out, func(a, b dbgmgr.ThreadInfo) int { return cmp.Compare(a.TID, b.TID) })
		return out, nil
	})
}

// FocusRequests returns the recorded RequestFocus calls.
func (s *Sim) FocusRequests() []FocusRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.focus)
}

// RequestFocus implements dbgmgr.Manager. A target naming a thread, or a
// process with threads, becomes the event thread.
func (s *Sim) RequestFocus(ctx context.Context, scope, target path.Path) *future.Future[future.Void] {
	return submit(s, ctx, OpRequestFocus, func() (future.Void, error) {
		s.mu.Lock()
		s.focus = append(s.focus, FocusRequest{Scope: scope, Target: target})
		ref, ok := s.resolveThreadLocked(target)
		s.mu.Unlock()

		if ok {
			s.SetEventThread(ref, "focus requested")
		}
		return future.Void{}, nil
	})
}

// resolveThreadLocked finds the thread named by Processes[pid].Threads[tid]
// or the lowest thread of Processes[pid].
func (s *Sim) resolveThreadLocked(target path.Path) (dbgmgr.ThreadRef, bool) {
	var pid, tid int64 = -1, -1
	for i := 0; i+1 < target.Len(); i++ {
		seg, next := target.Segment(i), target.Segment(i+1)
		if seg.IsIndex() || !next.IsIndex() {
			continue
		}
		v, err := strconv.ParseInt(next.Name(), 10, 64)
		if err != nil {
			continue
		}
		switch seg.Name() {
		case "Processes":
			pid = v
		case "Threads":
			tid = v
		}
	}
	p, ok := s.processes[pid]
	if !ok {
		return dbgmgr.ThreadRef{}, false
	}
	if tid >= 0 {
		if _, ok := p.threads[tid]; !ok {
			return dbgmgr.ThreadRef{}, false
		}
		return dbgmgr.ThreadRef{PID: pid, TID: tid}, true
	}
	if len(p.threads) == 0 {
		return dbgmgr.ThreadRef{}, false
	}
	lowest := int64(-1)
	for id := range p.threads {
		if lowest < 0 || id < lowest {
			lowest = id
		}
	}
	return dbgmgr.ThreadRef{PID: pid, TID: lowest}, true
}
