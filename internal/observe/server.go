package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dshills/dbgmodel/internal/agent"
	"github.com/dshills/dbgmodel/internal/event"
	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/logging"
	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/path"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
	wsQueueSize = 64

	// DefaultCommandTimeout bounds one enable, disable, delete or focus.
	DefaultCommandTimeout = 10 * time.Second
)

// Server serves the websocket observer.
type Server struct {
	model          *agent.Model
	logger         *slog.Logger
	commandTimeout time.Duration
	upgrader       websocket.Upgrader
	mux            *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Without it the server logs to the logger
// carried by the serving context, else to the model's.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCommandTimeout bounds each mutating command.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.commandTimeout = d
		}
	}
}

// NewServer creates an observer for m.
func NewServer(m *agent.Model, opts ...Option) *Server {
	s := &Server{
		model:          m,
		commandTimeout: DefaultCommandTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /ws", s.ServeWS)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return s
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.loggerFor(ctx)
	base := logging.WithLogger(ctx, logger)
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("observer listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) loggerFor(ctx context.Context) *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return logging.FromContextOr(ctx, s.model.Logger())
}

// ServeWS upgrades the request and runs one client session.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &session{
		s:       s,
		id:      uuid.NewString(),
		writeCh: make(chan Outbound, wsQueueSize),
		subs:    make(map[string]event.Subscription),
	}
	sess.logger = s.loggerFor(r.Context()).With("session", sess.id)
	ctx = logging.WithLogger(ctx, sess.logger)
	sess.logger.Debug("observer connected", "remote", r.RemoteAddr)
	defer sess.unsubscribeAll()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		sess.logger.Warn("set read deadline failed", "err", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop(ctx, conn)
	}()

	for {
		var in Inbound
		if err := conn.ReadJSON(&in); err != nil {
			sess.logger.Debug("observer disconnected", "err", err)
			cancel()
			<-writerDone
			return
		}
		sess.handle(ctx, in)
	}
}

type session struct {
	s       *Server
	id      string
	logger  *slog.Logger
	writeCh chan Outbound

	mu   sync.Mutex
	subs map[string]event.Subscription
}

func (c *session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case out := <-c.writeCh:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// push queues out without blocking. A full queue drops its oldest message.
func (c *session) push(out Outbound) {
	select {
	case c.writeCh <- out:
		return
	default:
	}
	select {
	case <-c.writeCh:
		c.logger.Warn("observer queue full, dropped oldest message")
	default:
	}
	select {
	case c.writeCh <- out:
	default:
	}
}

func (c *session) handle(ctx context.Context, in Inbound) {
	msgType := strings.ToLower(strings.TrimSpace(in.Type))
	switch msgType {
	case "":
		c.push(errorMsg(in.ID, CodeInvalidArgument, errors.New("type is required")))
		return
	case MsgPing:
		c.push(Outbound{Type: MsgPong, ID: in.ID})
		return
	}

	p, err := path.Parse(strings.TrimSpace(in.Path))
	if err != nil {
		c.push(errorMsg(in.ID, CodeInvalidArgument, err))
		return
	}

	switch msgType {
	case MsgSubscribe:
		c.subscribe(in.ID, p)
	case MsgUnsubscribe:
		c.unsubscribe(in.ID, p)
	case MsgGet:
		n, ok := c.s.model.Get(p)
		if !ok {
			c.push(errorMsg(in.ID, CodeNotFound, fmt.Errorf("no node at %q", p)))
			return
		}
		c.push(nodeMsg(in.ID, n))
	case MsgEnable, MsgDisable, MsgDelete:
		c.breakpointCommand(ctx, in.ID, msgType, p)
	case MsgFocus:
		n, ok := c.s.model.Get(p)
		if !ok {
			c.push(errorMsg(in.ID, CodeNotFound, fmt.Errorf("no node at %q", p)))
			return
		}
		cmdCtx, cancel := context.WithTimeout(ctx, c.s.commandTimeout)
		c.reply(in.ID, p, cancel, c.s.model.FocusScope().RequestFocus(cmdCtx, n))
	default:
		c.push(errorMsg(in.ID, CodeInvalidArgument, fmt.Errorf("unsupported type: %s", msgType)))
	}
}

func (c *session) subscribe(id string, p path.Path) {
	key := p.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[key]; !ok {
		sub, err := c.s.model.Tree().Subscribe(p, func(_ context.Context, ev any) {
			if out, ok := eventMsg(ev); ok {
				c.push(out)
			}
		})
		if err != nil {
			c.push(errorMsg(id, CodeInternal, err))
			return
		}
		c.subs[key] = sub
	}
	c.push(Outbound{Type: MsgResult, ID: id, Path: key})
}

func (c *session) unsubscribe(id string, p path.Path) {
	key := p.String()
	c.mu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if !ok {
		c.push(errorMsg(id, CodeNotFound, fmt.Errorf("not subscribed to %q", key)))
		return
	}
	if err := c.s.model.Tree().Unsubscribe(sub); err != nil {
		c.logger.Debug("unsubscribe failed", "path", key, "err", err)
	}
	c.push(Outbound{Type: MsgResult, ID: id, Path: key})
}

func (c *session) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]event.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		_ = c.s.model.Tree().Unsubscribe(sub)
	}
}

func (c *session) breakpointCommand(ctx context.Context, id, op string, p path.Path) {
	n, ok := c.s.model.Get(p)
	if !ok {
		c.push(errorMsg(id, CodeNotFound, fmt.Errorf("no node at %q", p)))
		return
	}
	spec, ok := n.Object().(*agent.BreakpointSpec)
	if !ok {
		c.push(errorMsg(id, CodeInvalidArgument, fmt.Errorf("%q is not a breakpoint", p)))
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, c.s.commandTimeout)
	var f *future.Future[future.Void]
	switch op {
	case MsgEnable:
		f = spec.Enable(cmdCtx)
	case MsgDisable:
		f = spec.Disable(cmdCtx)
	default:
		f = spec.Delete(cmdCtx)
	}
	c.reply(id, p, cancel, f)
}

// reply pushes the outcome of f once it settles.
func (c *session) reply(id string, p path.Path, cancel context.CancelFunc, f *future.Future[future.Void]) {
	f.OnComplete(func(_ future.Void, err error) {
		cancel()
		if err != nil {
			c.push(errorMsg(id, errorCode(err), err))
			return
		}
		c.push(Outbound{Type: MsgResult, ID: id, Path: p.String()})
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrBackendRejected):
		return CodeRejected
	case errors.Is(err, agent.ErrInvalidFocusTarget), errors.Is(err, model.ErrStaleObject):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}
