package agent

import (
	"errors"
	"fmt"

	"github.com/dshills/dbgmodel/internal/model/path"
)

var (
	// ErrBackendRejected is matched by every BackendRejectedError.
	ErrBackendRejected = errors.New("backend rejected command")

	// ErrInvalidFocusTarget is matched by every InvalidFocusTargetError.
	ErrInvalidFocusTarget = errors.New("invalid focus target")

	// ErrAddressFormat is matched by every AddressFormatError.
	ErrAddressFormat = errors.New("malformed address")

	// ErrNoFocusableAncestor is a logic fault: a focus target has no
	// focusable node between it and its scope.
	ErrNoFocusableAncestor = errors.New("no focusable ancestor")

	// ErrStaleInfo is a logic fault: UpdateInfo was called with an old
	// snapshot that is not the current one.
	ErrStaleInfo = errors.New("stale breakpoint info")

	// ErrInvalidArgument is returned for a bad configuration value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnknownThread is returned when an event thread is not in the tree.
	ErrUnknownThread = errors.New("unknown thread")
)

// BackendRejectedError reports a native command failure. Optimistic local
// state is left as-is until the next resync.
type BackendRejectedError struct {
	Op  string
	Err error
}

func (e *BackendRejectedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendRejectedError) Unwrap() error { return e.Err }

// Is allows errors.Is to match ErrBackendRejected.
func (e *BackendRejectedError) Is(target error) bool {
	return target == ErrBackendRejected
}

// InvalidFocusTargetError reports a focus request outside the scope.
type InvalidFocusTargetError struct {
	Scope  path.Path
	Target path.Path
}

func (e *InvalidFocusTargetError) Error() string {
	return fmt.Sprintf("focus target %q is not under scope %q", e.Target, e.Scope)
}

// Is allows errors.Is to match ErrInvalidFocusTarget.
func (e *InvalidFocusTargetError) Is(target error) bool {
	return target == ErrInvalidFocusTarget
}

// AddressFormatError reports unparseable native address text.
type AddressFormatError struct {
	Text string
	Err  error
}

func (e *AddressFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed address %q: %v", e.Text, e.Err)
	}
	return fmt.Sprintf("malformed address %q", e.Text)
}

func (e *AddressFormatError) Unwrap() error { return e.Err }

// Is allows errors.Is to match ErrAddressFormat.
func (e *AddressFormatError) Is(target error) bool {
	return target == ErrAddressFormat
}
