package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dshills/dbgmodel/internal/event/topic"
)

// Bus publishes model notifications to subscribers.
type Bus interface {
	Publish(ctx context.Context, ev any) error
	Subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error)
	SubscribeFunc(pattern topic.Topic, fn HandlerFunc, opts ...SubscriptionOption) (Subscription, error)
	Unsubscribe(sub Subscription) error

	Start() error
	Stop(ctx context.Context) error
	IsRunning() bool
	Stats() Stats
}

type busConfig struct {
	queueSize   int
	workerCount int
	logger      *slog.Logger
}

// BusOption configures a bus.
type BusOption func(*busConfig)

// WithQueueSize sets the async queue capacity.
func WithQueueSize(n int) BusOption {
	return func(c *busConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithWorkerCount sets the number of async delivery workers.
func WithWorkerCount(n int) BusOption {
	return func(c *busConfig) {
		if n > 0 {
			c.workerCount = n
		}
	}
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) BusOption {
	return func(c *busConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

type asyncTask struct {
	ctx context.Context
	ev  any
	sub *subscription
}

type bus struct {
	registry *registry
	config   busConfig

	mu      sync.Mutex
	queue   chan asyncTask
	wg      sync.WaitGroup
	running atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
}

// NewBus creates a bus. It must be started before events are published.
func NewBus(opts ...BusOption) Bus {
	cfg := busConfig{
		queueSize:   1024,
		workerCount: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &bus{registry: newRegistry(), config: cfg}
}

func (b *bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running.Load() {
		return ErrBusAlreadyRunning
	}
	b.queue = make(chan asyncTask, b.config.queueSize)
	for i := 0; i < b.config.workerCount; i++ {
		b.wg.Add(1)
		go b.worker(b.queue)
	}
	b.running.Store(true)
	return nil
}

// Stop closes the async queue and waits for queued events to drain or for
// ctx to end.
func (b *bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running.Swap(false) {
		b.mu.Unlock()
		return ErrBusNotRunning
	}
	close(b.queue)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *bus) IsRunning() bool {
	return b.running.Load()
}

// Publish delivers ev to every matching subscription: sync handlers run
// before Publish returns, async handlers are queued.
func (b *bus) Publish(ctx context.Context, ev any) error {
	if !b.running.Load() {
		return ErrBusNotRunning
	}
	tp, ok := ev.(TopicProvider)
	if !ok || !tp.EventTopic().IsValid() {
		return ErrInvalidEvent
	}

	subs := b.registry.match(tp.EventTopic())
	if len(subs) == 0 {
		return nil
	}
	b.published.Add(1)

	for _, sub := range subs {
		if !sub.accepts(ev) {
			continue
		}
		if sub.config.DeliveryMode == DeliveryAsync {
			b.enqueue(asyncTask{ctx: ctx, ev: ev, sub: sub})
			continue
		}
		b.deliver(ctx, ev, sub)
	}
	return nil
}

func (b *bus) enqueue(task asyncTask) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running.Load() {
		b.dropped.Add(1)
		return
	}
	select {
	case b.queue <- task:
	default:
		b.dropped.Add(1)
		b.config.logger.Warn("event dropped", "topic", task.sub.pattern, "err", ErrQueueFull)
	}
}

func (b *bus) worker(queue <-chan asyncTask) {
	defer b.wg.Done()
	for task := range queue {
		if task.sub.accepts(task.ev) {
			b.deliver(task.ctx, task.ev, task.sub)
		}
	}
}

func (b *bus) deliver(ctx context.Context, ev any, sub *subscription) {
	err := b.invoke(ctx, ev, sub)
	switch {
	case err == nil:
		b.delivered.Add(1)
		if sub.config.Once {
			sub.Cancel()
			b.registry.remove(sub.id)
		}
	default:
		b.failed.Add(1)
		b.config.logger.Error("event handler failed", "subscription", sub.id, "topic", sub.pattern, "err", err)
	}
}

func (b *bus) invoke(ctx context.Context, ev any, sub *subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.panicked.Add(1)
			err = &PanicError{SubscriptionID: sub.id, Topic: sub.pattern.String(), Value: r}
		}
	}()
	return sub.handler.Handle(ctx, ev)
}

func (b *bus) Subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if !pattern.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, pattern)
	}
	sub := newSubscription(pattern, handler, opts...)
	b.registry.add(sub)
	return sub, nil
}

func (b *bus) SubscribeFunc(pattern topic.Topic, fn HandlerFunc, opts ...SubscriptionOption) (Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	return b.Subscribe(pattern, fn, opts...)
}

func (b *bus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return ErrSubscriptionNotFound
	}
	sub.Cancel()
	if !b.registry.remove(sub.ID()) {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (b *bus) Stats() Stats {
	depth := 0
	b.mu.Lock()
	if b.queue != nil {
		depth = len(b.queue)
	}
	b.mu.Unlock()

	return Stats{
		EventsPublished:   b.published.Load(),
		EventsDelivered:   b.delivered.Load(),
		EventsDropped:     b.dropped.Load(),
		HandlerErrors:     b.failed.Load(),
		HandlerPanics:     b.panicked.Load(),
		ActiveSubscribers: b.registry.countActive(),
		QueueDepth:        depth,
	}
}
