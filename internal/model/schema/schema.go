// Package schema declares the shape of object-model nodes: which attributes
// a node kind carries, what its elements are, and when the resync engine
// may refresh it.
package schema

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownSchema is returned by Registry.For for an unregistered name.
	ErrUnknownSchema = errors.New("unknown schema")

	// ErrDuplicateSchema is returned when registering a name twice.
	ErrDuplicateSchema = errors.New("schema already registered")

	// ErrUnexpectedAttribute reports an attribute the schema does not declare.
	ErrUnexpectedAttribute = errors.New("unexpected attribute")

	// ErrAttributeType reports a value of the wrong kind.
	ErrAttributeType = errors.New("attribute type mismatch")
)

// ResyncMode controls automatic refresh of attributes or elements.
type ResyncMode int

const (
	// ResyncNever forbids fetching from the backend.
	ResyncNever ResyncMode = iota
	// ResyncOnce fetches on first request only.
	ResyncOnce
	// ResyncAlways fetches whenever the cache may be stale.
	ResyncAlways
)

func (m ResyncMode) String() string {
	switch m {
	case ResyncNever:
		return "NEVER"
	case ResyncOnce:
		return "ONCE"
	case ResyncAlways:
		return "ALWAYS"
	default:
		return fmt.Sprintf("ResyncMode(%d)", int(m))
	}
}

// ValueKind is the expected kind of an attribute value.
type ValueKind int

const (
	KindAny ValueKind = iota
	KindString
	KindInt
	KindBool
	KindAddress
	KindRange
	KindObject
	KindStrings
)

func (k ValueKind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindAddress:
		return "address"
	case KindRange:
		return "range"
	case KindObject:
		return "object"
	case KindStrings:
		return "strings"
	default:
		return "unknown"
	}
}

// AttributeType describes one declared attribute.
type AttributeType struct {
	Kind     ValueKind
	Required bool
	Hidden   bool
	Fixed    bool
}

// Schema is the declared shape of a node kind.
type Schema struct {
	Name string

	// Attributes maps recognized attribute names to their types.
	Attributes map[string]AttributeType

	// DefaultAttribute applies to names not in Attributes. A nil value
	// rejects undeclared attributes.
	DefaultAttribute *AttributeType

	// ElementSchema names the schema of element children, empty if the
	// node has no elements.
	ElementSchema string

	AttributeResync ResyncMode
	ElementResync   ResyncMode

	// CanonicalContainer marks the unique owner of elements of its
	// element schema.
	CanonicalContainer bool

	// Focusable marks nodes that can hold focus in a focus scope.
	Focusable bool
}

// Attribute returns the declared type for name.
func (s *Schema) Attribute(name string) (AttributeType, bool) {
	if at, ok := s.Attributes[name]; ok {
		return at, true
	}
	if s.DefaultAttribute != nil {
		return *s.DefaultAttribute, true
	}
	return AttributeType{}, false
}

// Registry holds schemas by name. Lookups never depend on live state.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates a registry pre-loaded with the Object schema, which
// accepts any attribute and never resyncs.
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[string]*Schema)}
	_ = r.Register(&Schema{
		Name:             Object,
		DefaultAttribute: &AttributeType{Kind: KindAny},
	})
	return r
}

// Object is the name of the permissive fallback schema.
const Object = "Object"

// Register adds a schema.
func (r *Registry) Register(s *Schema) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrUnknownSchema)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[s.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSchema, s.Name)
	}
	r.schemas[s.Name] = s
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(schemas ...*Schema) {
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// For returns the schema registered under name.
func (r *Registry) For(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	return s, nil
}

// Names returns the registered schema names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	return names
}
