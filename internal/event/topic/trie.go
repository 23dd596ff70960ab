package topic

import "sync"

// Trie stores subscription patterns and finds those matching a concrete
// topic in roughly O(k) for k topic segments.
type Trie struct {
	mu   sync.RWMutex
	root *trieNode
}

type trieNode struct {
	children map[string]*trieNode
	patterns []Topic
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

func (n *trieNode) isEmpty() bool {
	return len(n.children) == 0 && len(n.patterns) == 0
}

// NewTrie creates an empty pattern trie.
func NewTrie() *Trie {
	return &Trie{root: newTrieNode()}
}

// Insert adds a pattern. It returns false if the pattern was already present.
func (t *Trie) Insert(pattern Topic) bool {
	if pattern == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		t.root = newTrieNode()
	}
	node := t.root
	for _, seg := range pattern.Segments() {
		child := node.children[seg]
		if child == nil {
			child = newTrieNode()
			node.children[seg] = child
		}
		node = child
	}
	for _, p := range node.patterns {
		if p == pattern {
			return false
		}
	}
	node.patterns = append(node.patterns, pattern)
	return true
}

// Delete removes a pattern and prunes nodes left empty.
func (t *Trie) Delete(pattern Topic) bool {
	if pattern == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		return false
	}

	type step struct {
		node *trieNode
		key  string
	}
	segments := pattern.Segments()
	trail := make([]step, 0, len(segments)+1)
	trail = append(trail, step{node: t.root})

	node := t.root
	for _, seg := range segments {
		child := node.children[seg]
		if child == nil {
			return false
		}
		trail = append(trail, step{node: child, key: seg})
		node = child
	}

	found := false
	for i, p := range node.patterns {
		if p == pattern {
			node.patterns = append(node.patterns[:i], node.patterns[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false
	}

	for i := len(trail) - 1; i > 0; i-- {
		if !trail[i].node.isEmpty() {
			break
		}
		delete(trail[i-1].node.children, trail[i].key)
	}
	return true
}

type visitKey struct {
	node  *trieNode
	depth int
}

type matchState struct {
	seen    map[Topic]struct{}
	visited map[visitKey]struct{}
	matches []Topic
}

// Match returns every stored pattern matching the concrete topic, without
// duplicates.
func (t *Trie) Match(eventTopic Topic) []Topic {
	if eventTopic == "" {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.root == nil {
		return nil
	}
	state := &matchState{
		seen:    make(map[Topic]struct{}),
		visited: make(map[visitKey]struct{}),
	}
	t.match(t.root, eventTopic.Segments(), 0, state)
	return state.matches
}

func (t *Trie) match(node *trieNode, segments []string, depth int, state *matchState) {
	key := visitKey{node: node, depth: depth}
	if _, ok := state.visited[key]; ok {
		return
	}
	state.visited[key] = struct{}{}

	if depth == len(segments) {
		for _, p := range node.patterns {
			if _, ok := state.seen[p]; !ok {
				state.seen[p] = struct{}{}
				state.matches = append(state.matches, p)
			}
		}
		if child := node.children[WildcardMulti]; child != nil {
			t.match(child, segments, depth, state)
		}
		return
	}

	if child := node.children[segments[depth]]; child != nil {
		t.match(child, segments, depth+1, state)
	}
	if child := node.children[WildcardSingle]; child != nil {
		t.match(child, segments, depth+1, state)
	}
	if child := node.children[WildcardMulti]; child != nil {
		for i := depth; i <= len(segments); i++ {
			t.match(child, segments, i, state)
		}
	}
}

// Size returns the number of stored patterns.
func (t *Trie) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var count func(n *trieNode) int
	count = func(n *trieNode) int {
		if n == nil {
			return 0
		}
		c := len(n.patterns)
		for _, child := range n.children {
			c += count(child)
		}
		return c
	}
	return count(t.root)
}
