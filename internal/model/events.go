package model

import (
	"github.com/dshills/dbgmodel/internal/event/topic"
	"github.com/dshills/dbgmodel/internal/model/path"
)

// AttributesChanged is published when a node's attribute map changes.
// Seq increases per node in the order changes were applied.
type AttributesChanged struct {
	Node    *Node
	Path    path.Path
	Seq     uint64
	Removed []string
	Added   map[string]any
	Reason  string
}

// EventTopic implements event.TopicProvider.
func (e AttributesChanged) EventTopic() topic.Topic { return e.Path.Topic() }

// ElementsChanged is published when a node's element map changes.
type ElementsChanged struct {
	Node    *Node
	Path    path.Path
	Seq     uint64
	Removed []string
	Added   map[string]*Node
	Reason  string
}

// EventTopic implements event.TopicProvider.
func (e ElementsChanged) EventTopic() topic.Topic { return e.Path.Topic() }

// Invalidated is published on a node when its parent drops it.
type Invalidated struct {
	Node   *Node
	Path   path.Path
	Seq    uint64
	Reason string
}

// EventTopic implements event.TopicProvider.
func (e Invalidated) EventTopic() topic.Topic { return e.Path.Topic() }
