// Package future provides single-assignment futures for asynchronous
// debugger commands.
//
// A Future completes exactly once, with a value or an error. Waiting is
// expressed by composition (Then, AndThen, OnComplete); Await exists for
// callers at the edge of the system that must block. A future that never
// completes is simply in progress, there is no implicit timeout.
package future

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCancelled is the failure of a cancelled future.
	ErrCancelled = errors.New("operation cancelled")

	// ErrInProgress is returned by Result while the future is pending.
	ErrInProgress = errors.New("operation in progress")
)

// Void is the value type of futures that carry no result.
type Void = struct{}

// Future is a single-assignment result.
type Future[T any] struct {
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	settled   bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns a pending future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already completed with v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already failed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Nil returns a completed void future.
func Nil() *Future[Void] {
	return Completed(Void{})
}

// Complete settles f with v. It reports false if f was already settled.
func (f *Future[T]) Complete(v T) bool {
	return f.settle(v, nil)
}

// Fail settles f with err. It reports false if f was already settled.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	if err == nil {
		err = errors.New("future failed with nil error")
	}
	return f.settle(zero, err)
}

// Cancel fails f with ErrCancelled.
func (f *Future[T]) Cancel() bool {
	return f.Fail(ErrCancelled)
}

// Settle completes or fails f depending on err.
func (f *Future[T]) Settle(v T, err error) bool {
	if err != nil {
		return f.Fail(err)
	}
	return f.Complete(v)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	f.closeOnce.Do(func() {
		close(f.done)
	})
	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// Done returns a channel closed when f settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether f has settled.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking, or ErrInProgress.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.settled {
		var zero T
		return zero, ErrInProgress
	}
	return f.value, f.err
}

// Await blocks until f settles or ctx ends. Ending ctx does not cancel f.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run once f settles. If f has already settled,
// fn runs immediately on the calling goroutine; otherwise it runs on the
// goroutine that settles f.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Then returns a future holding fn applied to the value of f. A failure of
// f propagates without calling fn.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		out.Settle(fn(v))
	})
	return out
}

// AndThen sequences f with the future returned by fn.
func AndThen[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out := New[U]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		next := fn(v)
		if next == nil {
			var zero U
			out.Complete(zero)
			return
		}
		next.OnComplete(func(u U, err error) {
			out.Settle(u, err)
		})
	})
	return out
}

// Discard converts f to a void future.
func Discard[T any](f *Future[T]) *Future[Void] {
	return Then(f, func(T) (Void, error) { return Void{}, nil })
}

// MapErr returns a future whose failure is fn(err). Success passes through.
func MapErr[T any](f *Future[T], fn func(error) error) *Future[T] {
	out := New[T]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			out.Fail(fn(err))
			return
		}
		out.Complete(v)
	})
	return out
}

// All completes when every future in fs completes, failing with the first
// failure observed.
func All[T any](fs ...*Future[T]) *Future[[]T] {
	out := New[[]T]()
	if len(fs) == 0 {
		out.Complete(nil)
		return out
	}

	var (
		mu        sync.Mutex
		remaining = len(fs)
		values    = make([]T, len(fs))
	)
	for i, f := range fs {
		f.OnComplete(func(v T, err error) {
			if err != nil {
				out.Fail(err)
				return
			}
			mu.Lock()
			values[i] = v
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				out.Complete(values)
			}
		})
	}
	return out
}
