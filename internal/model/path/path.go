// Package path implements object-model paths.
//
// A path is an immutable sequence of segments. A segment is either a key,
// written bare and separated by dots, or an index, written in brackets:
//
//	Processes[1].Threads[2]
//	Available[libc.so.6]
//
// The empty string is the root path.
package path

import (
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/dbgmodel/internal/event/topic"
)

// Segment is one element of a path.
type Segment struct {
	name  string
	index bool
}

// Key returns a key segment.
func Key(name string) Segment { return Segment{name: name} }

// Index returns an index segment.
func Index(name string) Segment { return Segment{name: name, index: true} }

// Name returns the segment text without brackets.
func (s Segment) Name() string { return s.name }

// IsIndex reports whether s is an index segment.
func (s Segment) IsIndex() bool { return s.index }

// String returns the segment as it appears in a path string.
func (s Segment) String() string {
	if s.index {
		return "[" + s.name + "]"
	}
	return s.name
}

// IsIndex reports whether seg is an index segment.
func IsIndex(seg Segment) bool { return seg.index }

// Path is an immutable sequence of segments. The zero value is the root.
type Path struct {
	segs []Segment
}

// Root is the empty path.
var Root = Path{}

// New builds a path from segments.
func New(segs ...Segment) Path {
	if len(segs) == 0 {
		return Root
	}
	out := make([]Segment, len(segs))
	copy(out, segs)
	return Path{segs: out}
}

// Len returns the number of segments.
func (p Path) Len() int { return len(p.segs) }

// IsRoot reports whether p has no segments.
func (p Path) IsRoot() bool { return len(p.segs) == 0 }

// Segment returns the i-th segment.
func (p Path) Segment(i int) Segment { return p.segs[i] }

// Segments returns a copy of the segments.
func (p Path) Segments() []Segment {
	out := make([]Segment, len(p.segs))
	copy(out, p.segs)
	return out
}

// Last returns the final segment, or the zero Segment for the root.
func (p Path) Last() Segment {
	if len(p.segs) == 0 {
		return Segment{}
	}
	return p.segs[len(p.segs)-1]
}

// Name returns the text of the final segment.
func (p Path) Name() string { return p.Last().name }

// Extend returns p with seg appended.
func (p Path) Extend(seg Segment) Path {
	out := make([]Segment, len(p.segs)+1)
	copy(out, p.segs)
	out[len(p.segs)] = seg
	return Path{segs: out}
}

// Child returns p extended by a key segment.
func (p Path) Child(key string) Path { return p.Extend(Key(key)) }

// Index returns p extended by an index segment.
func (p Path) Index(idx string) Path { return p.Extend(Index(idx)) }

// Parent returns p without its final segment. The parent of the root is
// the root.
func (p Path) Parent() Path {
	if len(p.segs) <= 1 {
		return Root
	}
	return Path{segs: p.segs[:len(p.segs)-1 : len(p.segs)-1]}
}

// Equal reports whether p and q have the same segments.
func (p Path) Equal(q Path) bool {
	if len(p.segs) != len(q.segs) {
		return false
	}
	for i := range p.segs {
		if p.segs[i] != q.segs[i] {
			return false
		}
	}
	return true
}

// String renders p in parseable form.
func (p Path) String() string {
	var b strings.Builder
	for i, seg := range p.segs {
		if i > 0 && !seg.index {
			b.WriteByte('.')
		}
		b.WriteString(seg.String())
	}
	return b.String()
}

// Topic maps p onto its notification topic.
func (p Path) Topic() topic.Topic {
	t := topic.Root
	for _, seg := range p.segs {
		t = t.Child(seg.String())
	}
	return t
}

// IsAncestor reports whether p is a prefix of q. Every path is its own
// ancestor.
func IsAncestor(p, q Path) bool {
	if len(p.segs) > len(q.segs) {
		return false
	}
	for i := range p.segs {
		if p.segs[i] != q.segs[i] {
			return false
		}
	}
	return true
}

// Compare orders paths segment by segment; a shorter prefix sorts first.
func Compare(p, q Path) int {
	n := min(len(p.segs), len(q.segs))
	for i := 0; i < n; i++ {
		if c := CompareSegments(p.segs[i], q.segs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p.segs) < len(q.segs):
		return -1
	case len(p.segs) > len(q.segs):
		return 1
	}
	return 0
}

// CompareSegments orders segments: indices before keys, numeric indices by
// value, everything else lexically.
func CompareSegments(a, b Segment) int {
	if a.index != b.index {
		if a.index {
			return -1
		}
		return 1
	}
	if a.index {
		av, aok := indexValue(a.name)
		bv, bok := indexValue(b.name)
		if aok && bok && av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a.name, b.name)
}

func indexValue(s string) (uint64, bool) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	return v, err == nil
}

const parseCacheSize = 4096

var parseCache, _ = lru.New[string, Path](parseCacheSize)

// Parse parses a path string. Results are memoized.
func Parse(s string) (Path, error) {
	if p, ok := parseCache.Get(s); ok {
		return p, nil
	}
	p, err := parse(s)
	if err != nil {
		return Root, err
	}
	parseCache.Add(s, p)
	return p, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parse(s string) (Path, error) {
	if s == "" {
		return Root, nil
	}
	fail := func(off int, reason string) (Path, error) {
		return Root, &MalformedPathError{Input: s, Offset: off, Reason: reason}
	}

	var segs []Segment
	i := 0
	keyRequired := false
	for {
		if i < len(s) && s[i] == '[' && !keyRequired {
			end := strings.IndexByte(s[i+1:], ']')
			if end < 0 {
				return fail(i, "unbalanced '['")
			}
			content := s[i+1 : i+1+end]
			if k := strings.IndexByte(content, '['); k >= 0 {
				return fail(i+1+k, "unbalanced '['")
			}
			if content == "" {
				return fail(i, "empty index")
			}
			segs = append(segs, Index(content))
			i += end + 2
		} else {
			start := i
			for i < len(s) && s[i] != '.' && s[i] != '[' && s[i] != ']' {
				i++
			}
			if i < len(s) && s[i] == ']' {
				return fail(i, "unbalanced ']'")
			}
			if i == start {
				return fail(i, "empty key")
			}
			segs = append(segs, Key(s[start:i]))
		}
		keyRequired = false

		if i == len(s) {
			break
		}
		switch s[i] {
		case '.':
			i++
			keyRequired = true
		case '[':
		case ']':
			return fail(i, "unbalanced ']'")
		default:
			return fail(i, "unexpected character after index")
		}
	}
	return Path{segs: segs}, nil
}
