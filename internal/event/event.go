package event

import (
	"context"

	"github.com/dshills/dbgmodel/internal/event/topic"
)

// TopicProvider is implemented by every event published on the bus.
type TopicProvider interface {
	EventTopic() topic.Topic
}

// Handler receives events.
type Handler interface {
	Handle(ctx context.Context, ev any) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev any) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev any) error {
	return f(ctx, ev)
}

// FilterFunc decides whether an event is delivered to a subscription.
type FilterFunc func(ev any) bool

// Priority orders synchronous handlers; lower runs first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 50
	PriorityLow    Priority = 100
)

// DeliveryMode selects synchronous or asynchronous delivery.
type DeliveryMode int

const (
	// DeliverySync runs the handler on the publishing goroutine.
	DeliverySync DeliveryMode = iota
	// DeliveryAsync queues the event for a worker.
	DeliveryAsync
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliverySync:
		return "sync"
	case DeliveryAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of bus counters.
type Stats struct {
	EventsPublished   uint64
	EventsDelivered   uint64
	EventsDropped     uint64
	HandlerErrors     uint64
	HandlerPanics     uint64
	ActiveSubscribers int
	QueueDepth        int
}
