package observe

import (
	"fmt"
	"sort"

	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/path"
)

// Inbound message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgGet         = "get"
	MsgEnable      = "enable"
	MsgDisable     = "disable"
	MsgDelete      = "delete"
	MsgFocus       = "focus"
	MsgPing        = "ping"
)

// Outbound message types.
const (
	MsgEvent  = "event"
	MsgResult = "result"
	MsgError  = "error"
	MsgPong   = "pong"
)

// Event kinds carried by MsgEvent.
const (
	EventAttributes  = "attributes"
	EventElements    = "elements"
	EventInvalidated = "invalidated"
)

// Error codes.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeRejected        = "rejected"
	CodeInternal        = "internal"
)

// Inbound is a client request.
type Inbound struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Path string `json:"path,omitempty"`
}

// Outbound is a server reply or notification.
type Outbound struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	Path       string         `json:"path,omitempty"`
	Event      string         `json:"event,omitempty"`
	Seq        uint64         `json:"seq,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Display    string         `json:"display,omitempty"`
	Schema     string         `json:"schema,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Elements   []string       `json:"elements,omitempty"`
	Removed    []string       `json:"removed,omitempty"`
	Code       string         `json:"code,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Ref is the wire form of a node-valued attribute.
type Ref struct {
	Ref string `json:"ref"`
}

func errorMsg(id, code string, err error) Outbound {
	return Outbound{Type: MsgError, ID: id, Code: code, Message: err.Error()}
}

// eventMsg converts a tree notification. ok is false for events the
// protocol does not carry.
func eventMsg(ev any) (Outbound, bool) {
	switch e := ev.(type) {
	case model.AttributesChanged:
		return Outbound{
			Type:       MsgEvent,
			Path:       e.Path.String(),
			Event:      EventAttributes,
			Seq:        e.Seq,
			Reason:     e.Reason,
			Attributes: encodeAttributes(e.Added),
			Removed:    e.Removed,
		}, true
	case model.ElementsChanged:
		return Outbound{
			Type:     MsgEvent,
			Path:     e.Path.String(),
			Event:    EventElements,
			Seq:      e.Seq,
			Reason:   e.Reason,
			Elements: elementPaths(e.Added),
			Removed:  e.Removed,
		}, true
	case model.Invalidated:
		return Outbound{
			Type:   MsgEvent,
			Path:   e.Path.String(),
			Event:  EventInvalidated,
			Seq:    e.Seq,
			Reason: e.Reason,
		}, true
	default:
		return Outbound{}, false
	}
}

// nodeMsg renders a node's cached state.
func nodeMsg(id string, n *model.Node) Outbound {
	elems := n.CachedElements()
	paths := make([]string, 0, len(elems))
	for _, e := range elems {
		paths = append(paths, e.Path().String())
	}
	return Outbound{
		Type:       MsgResult,
		ID:         id,
		Path:       n.Path().String(),
		Display:    n.Display(),
		Schema:     n.SchemaName(),
		Attributes: encodeAttributes(n.CachedAttributes()),
		Elements:   paths,
	}
}

func elementPaths(added map[string]*model.Node) []string {
	if len(added) == 0 {
		return nil
	}
	nodes := make([]*model.Node, 0, len(added))
	for _, n := range added {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return path.Compare(nodes[i].Path(), nodes[j].Path()) < 0
	})
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Path().String()
	}
	return out
}

func encodeAttributes(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case nil, bool, string, []string,
		int, int32, int64, uint, uint32, uint64, float64:
		return x
	case *model.Node:
		if x == nil {
			return nil
		}
		return Ref{Ref: x.Path().String()}
	case path.Path:
		return Ref{Ref: x.String()}
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
