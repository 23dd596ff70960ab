package agent

import (
	"errors"

	"github.com/dshills/dbgmodel/internal/future"
)

// gated wraps a manager future so that backend failures surface as
// BackendRejectedError. Cancellation passes through unchanged.
func gated[T any](m *Model, op string, f *future.Future[T]) *future.Future[T] {
	return future.MapErr(f, func(err error) error {
		if errors.Is(err, future.ErrCancelled) {
			return err
		}
		m.logger.Warn("backend rejected command", "op", op, "err", err)
		return &BackendRejectedError{Op: op, Err: err}
	})
}

// gateFocus runs a focus or navigation command unless the backend is
// waiting on another synchronous event, in which case it succeeds without
// issuing anything.
func (m *Model) gateFocus(op string, issue func() *future.Future[future.Void]) *future.Future[future.Void] {
	if m.mgr.IsWaiting() {
		m.logger.Debug("backend waiting, skipping command", "op", op)
		return future.Nil()
	}
	return gated(m, op, issue())
}
