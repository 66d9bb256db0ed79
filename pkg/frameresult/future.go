package frameresult

import (
	"errors"
)

var ErrAlreadyResolved = errors.New("Future has already been resolved")
var ErrExpired = errors.New("Frame result expired before its device work completed")

// Future is the result of work requested on one frame, which is resolved on some later frame.
// A Future is resolved exactly once, either with a value (Resolve) or an error (Fail).
// Future is not safe for use from multiple goroutines. All calls are expected to come
// from the coordination goroutine that ticks frames.
type Future[T any] struct {
	frame     int64
	resolved  bool
	value     T
	err       error
	callbacks []func(frame int64, value T, err error)
}

// Create an unresolved future for the given frame
func NewFuture[T any](frame int64) *Future[T] {
	return &Future[T]{
		frame: frame,
	}
}

// Create a future that is already resolved with 'value'
func Resolved[T any](frame int64, value T) *Future[T] {
	f := NewFuture[T](frame)
	f.Resolve(value)
	return f
}

// Frame returns the frame on which the work was requested
func (f *Future[T]) Frame() int64 {
	return f.frame
}

// Done returns true if the future has been resolved or failed
func (f *Future[T]) Done() bool {
	return f.resolved
}

// Result returns the value and error of a resolved future.
// If the future is not yet resolved, then ok is false.
func (f *Future[T]) Result() (value T, ok bool, err error) {
	return f.value, f.resolved, f.err
}

// Resolve the future with a value.
// The resolution slot is consumed, so a second call returns ErrAlreadyResolved and has no effect.
func (f *Future[T]) Resolve(value T) error {
	return f.complete(value, nil)
}

// Fail the future with an error.
func (f *Future[T]) Fail(err error) error {
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(value T, err error) error {
	if f.resolved {
		return ErrAlreadyResolved
	}
	f.resolved = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	for _, cb := range callbacks {
		cb(f.frame, value, err)
	}
	return nil
}

// OnDone registers a callback that runs exactly once, when the future is resolved.
// If the future is already resolved, the callback runs immediately.
func (f *Future[T]) OnDone(cb func(frame int64, value T, err error)) {
	if f.resolved {
		cb(f.frame, f.value, f.err)
		return
	}
	f.callbacks = append(f.callbacks, cb)
}
