package path

import (
	"errors"
	"fmt"
)

// ErrMalformedPath is matched by every MalformedPathError.
var ErrMalformedPath = errors.New("malformed path")

// MalformedPathError reports a syntax error in a path string.
type MalformedPathError struct {
	Input  string
	Offset int
	Reason string
}

func (e *MalformedPathError) Error() string {
	return fmt.Sprintf("malformed path %q at offset %d: %s", e.Input, e.Offset, e.Reason)
}

// Is allows errors.Is to match ErrMalformedPath.
func (e *MalformedPathError) Is(target error) bool {
	return target == ErrMalformedPath
}
