// Package future provides a single-resolution value that any number of
// goroutines can wait on. It is the wake primitive for operation replies
// and agent channel binding.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyResolved is returned when a resolved Future is resolved again.
var ErrAlreadyResolved = errors.New("future already resolved")

// Future holds a value or error that is set exactly once. All waiters
// observe the same outcome.
type Future[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	value    T
	err      error
}

// New returns an unresolved Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve sets the Future's value and wakes every waiter.
func (f *Future[T]) Resolve(v T) error {
	return f.settle(v, nil)
}

// Fail settles the Future with an error and wakes every waiter.
func (f *Future[T]) Fail(err error) error {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.resolved {
		return ErrAlreadyResolved
	}
	f.resolved = true
	f.value = v
	f.err = err
	close(f.done)
	return nil
}

// Done returns a channel closed once the Future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether the Future has been settled.
func (f *Future[T]) Resolved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// Wait blocks until the Future is settled or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
