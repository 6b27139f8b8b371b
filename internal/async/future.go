// Package async provides the serial task queue every client runs on and a
// small Future type for results that settle later.
package async

import (
	"context"
	"errors"
	"sync"
)

// Future is the eventual result of an operation. It settles exactly once,
// with a value or an error.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// NewFuture returns an unsettled future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that already holds v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// Rejected returns a future that already failed with err.
func Rejected[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Reject(err)
	return f
}

// Resolve settles f with v. It reports false if f had already settled.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles f with err. It reports false if f had already settled.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

// Settle resolves or rejects f depending on err.
func (f *Future[T]) Settle(v T, err error) bool {
	return f.settle(v, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once f settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsSettled reports whether f has a result.
func (f *Future[T]) IsSettled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until f settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled value. It must only be called after Done is
// closed.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Map returns a future holding fn applied to f's value. Errors pass through
// without calling fn.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := NewFuture[U]()
	go func() {
		v, err := f.Result()
		if err != nil {
			out.Reject(err)
			return
		}
		out.Settle(fn(v))
	}()
	return out
}

// AndThen chains a dependent asynchronous step.
func AndThen[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out := NewFuture[U]()
	go func() {
		v, err := f.Result()
		if err != nil {
			out.Reject(err)
			return
		}
		out.Settle(fn(v).Result())
	}()
	return out
}

// WaitForAll settles once every future has settled, with the first error in
// argument order, if any.
func WaitForAll[T any](futures ...*Future[T]) *Future[struct{}] {
	out := NewFuture[struct{}]()
	go func() {
		var first error
		for _, f := range futures {
			if _, err := f.Result(); err != nil && first == nil {
				first = err
			}
		}
		out.Settle(struct{}{}, first)
	}()
	return out
}

// ForEach calls fn for every item in order and stops at the first error.
func ForEach[T any](items []T, fn func(T) error) error {
	for _, item := range items {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

// ForEachAll calls fn for every item and joins every error.
func ForEachAll[T any](items []T, fn func(T) error) error {
	var errs []error
	for _, item := range items {
		if err := fn(item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
