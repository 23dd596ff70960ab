package model

import (
	"errors"
	"fmt"

	"github.com/dshills/dbgmodel/internal/model/path"
)

var (
	// ErrStaleObject is matched by every StaleObjectError.
	ErrStaleObject = errors.New("stale object")

	// ErrNotOwned is returned when a node is attached under a parent that
	// did not create it.
	ErrNotOwned = errors.New("node is not a child of this parent")

	// ErrInvalidSegment is returned for an empty child segment.
	ErrInvalidSegment = errors.New("invalid child segment")
)

// StaleObjectError reports an operation on a node that has been removed
// from the tree.
type StaleObjectError struct {
	Path path.Path
	Op   string
}

func (e *StaleObjectError) Error() string {
	return fmt.Sprintf("%s on removed node %q", e.Op, e.Path)
}

// Is allows errors.Is to match ErrStaleObject.
func (e *StaleObjectError) Is(target error) bool {
	return target == ErrStaleObject
}
