// Package event delivers change notifications from the target object model
// to the presentation layer.
//
// Notifications are published under the topic of the node they concern (see
// package topic). A subscriber interested in a subtree subscribes to the
// subtree pattern of that node's topic:
//
//	sub, err := bus.Subscribe(nodeTopic.Subtree(), event.HandlerFunc(
//	    func(ctx context.Context, ev any) error {
//	        // react to model.AttributesChanged, model.ElementsChanged, ...
//	        return nil
//	    }))
//	defer bus.Unsubscribe(sub)
//
// Synchronous delivery runs handlers on the publishing goroutine in priority
// order. Asynchronous delivery hands events to a bounded worker queue; a
// full queue drops the event and counts it in [Stats].
package event
