package schema

import "fmt"

// ObjectValue is implemented by node references stored as attribute values.
type ObjectValue interface {
	SchemaName() string
}

// AddressRange is an inclusive address range value.
type AddressRange struct {
	Min uint64
	Max uint64
}

func (r AddressRange) String() string {
	return fmt.Sprintf("[0x%x, 0x%x]", r.Min, r.Max)
}

// Len returns the number of addresses covered.
func (r AddressRange) Len() uint64 { return r.Max - r.Min + 1 }

// Address is a target address value.
type Address uint64

func (a Address) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// Validate checks value against the declared type of the named attribute.
func (s *Schema) Validate(name string, value any) error {
	at, ok := s.Attribute(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnexpectedAttribute, s.Name, name)
	}
	if !kindMatches(at.Kind, value) {
		return fmt.Errorf("%w: %s.%s wants %s, got %T", ErrAttributeType, s.Name, name, at.Kind, value)
	}
	return nil
}

func kindMatches(k ValueKind, v any) bool {
	switch k {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindInt:
		switch v.(type) {
		case int, int32, int64, uint32, uint64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindAddress:
		_, ok := v.(Address)
		return ok
	case KindRange:
		_, ok := v.(AddressRange)
		return ok
	case KindObject:
		_, ok := v.(ObjectValue)
		return ok
	case KindStrings:
		_, ok := v.([]string)
		return ok
	default:
		return false
	}
}
