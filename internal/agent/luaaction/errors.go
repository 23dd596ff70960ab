package luaaction

import "errors"

var (
	// ErrClosed is returned by a closed action.
	ErrClosed = errors.New("lua action is closed")

	// ErrNoHandler is returned when a script does not define on_hit.
	ErrNoHandler = errors.New("script does not define on_hit")

	// ErrActionFailed is matched by failures reported by the script.
	ErrActionFailed = errors.New("lua action failed")
)
