package engine

import (
	"context"
	"fmt"
)

// Future is the result of an operation running on its own goroutine.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Async runs fn in a new goroutine. A panic in fn completes the future with
// an error.
func Async[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("panic in async operation: %v", r)
			}
		}()
		f.val, f.err = fn()
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return *new(T), ctx.Err()
	}
}

// Then chains fn onto f. fn runs only when f succeeds.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	return Async(func() (U, error) {
		<-f.done
		if f.err != nil {
			return *new(U), f.err
		}
		return fn(f.val)
	})
}
