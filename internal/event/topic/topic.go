// Package topic provides hierarchical notification topics for the target
// object model.
//
// A topic is a dot-separated list of segments. Every node path maps onto a
// topic rooted at [Root], so a subscription to a path prefix becomes the
// pattern "<prefix>.**".
package topic

import "strings"

// Topic is a hierarchical notification topic using dot notation.
// Examples: "model", "model.Processes.[1]", "model.Breakpoints.**".
type Topic string

const (
	// WildcardSingle matches exactly one segment.
	WildcardSingle = "*"

	// WildcardMulti matches zero or more segments.
	WildcardMulti = "**"

	// Separator separates topic segments.
	Separator = "."

	// Root is the topic of the model root node.
	Root Topic = "model"
)

// String returns the topic as a string.
func (t Topic) String() string {
	return string(t)
}

// Segments returns the topic split by the separator.
func (t Topic) Segments() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), Separator)
}

// Child returns a child topic with segment appended. The segment is escaped
// so that separators and wildcards inside it cannot change the topic shape.
func (t Topic) Child(segment string) Topic {
	segment = Escape(segment)
	if t == "" {
		return Topic(segment)
	}
	return Topic(string(t) + Separator + segment)
}

// Parent returns the topic without its last segment, or "" at the top.
func (t Topic) Parent() Topic {
	s := string(t)
	idx := strings.LastIndex(s, Separator)
	if idx < 0 {
		return ""
	}
	return Topic(s[:idx])
}

// Subtree returns the pattern matching t and every topic below it.
func (t Topic) Subtree() Topic {
	if t == "" {
		return WildcardMulti
	}
	return Topic(string(t) + Separator + WildcardMulti)
}

// HasPrefix reports whether t starts with prefix on a segment boundary.
func (t Topic) HasPrefix(prefix Topic) bool {
	if prefix == "" {
		return true
	}
	s, p := string(t), string(prefix)
	if !strings.HasPrefix(s, p) {
		return false
	}
	return len(s) == len(p) || s[len(p)] == '.'
}

// IsWildcard reports whether the topic contains a wildcard segment.
func (t Topic) IsWildcard() bool {
	for _, seg := range t.Segments() {
		if seg == WildcardSingle || seg == WildcardMulti {
			return true
		}
	}
	return false
}

// IsValid reports whether the topic is non-empty with no empty segments.
func (t Topic) IsValid() bool {
	if t == "" {
		return false
	}
	for _, seg := range t.Segments() {
		if seg == "" {
			return false
		}
	}
	return true
}

// Matches reports whether t matches pattern.
func (t Topic) Matches(pattern Topic) bool {
	return matchSegments(t.Segments(), pattern.Segments())
}

func matchSegments(topic, pattern []string) bool {
	ti, pi := 0, 0
	for pi < len(pattern) {
		if pattern[pi] == WildcardMulti {
			for ; ti <= len(topic); ti++ {
				if matchSegments(topic[ti:], pattern[pi+1:]) {
					return true
				}
			}
			return false
		}
		if ti >= len(topic) {
			return false
		}
		if pattern[pi] != WildcardSingle && pattern[pi] != topic[ti] {
			return false
		}
		ti++
		pi++
	}
	return ti == len(topic)
}

var escaper = strings.NewReplacer("%", "%25", ".", "%2E", "*", "%2A")

// Escape encodes characters that carry meaning inside a topic.
func Escape(segment string) string {
	return escaper.Replace(segment)
}
