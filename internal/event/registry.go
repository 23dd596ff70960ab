package event

import (
	"sort"
	"sync"

	"github.com/dshills/dbgmodel/internal/event/topic"
)

// registry indexes subscriptions by pattern and ID.
type registry struct {
	mu        sync.RWMutex
	byPattern map[topic.Topic][]*subscription
	byID      map[string]*subscription
	trie      *topic.Trie
}

func newRegistry() *registry {
	return &registry{
		byPattern: make(map[topic.Topic][]*subscription),
		byID:      make(map[string]*subscription),
		trie:      topic.NewTrie(),
	}
}

func (r *registry) add(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byPattern[sub.pattern] = append(r.byPattern[sub.pattern], sub)
	r.byID[sub.id] = sub
	r.trie.Insert(sub.pattern)
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	subs := r.byPattern[sub.pattern]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.byPattern, sub.pattern)
		r.trie.Delete(sub.pattern)
	} else {
		r.byPattern[sub.pattern] = subs
	}
	return true
}

// match returns active subscriptions for a concrete topic in priority order.
// Subscriptions with equal priority keep registration order per pattern.
func (r *registry) match(t topic.Topic) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*subscription
	for _, pattern := range r.trie.Match(t) {
		for _, sub := range r.byPattern[pattern] {
			if sub.IsActive() {
				out = append(out, sub)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].config.Priority < out[j].config.Priority
	})
	return out
}

func (r *registry) countActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sub := range r.byID {
		if sub.IsActive() {
			n++
		}
	}
	return n
}
