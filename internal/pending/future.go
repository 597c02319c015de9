package pending

import (
	"context"
	"sync"
)

// Future is a write-once, read-many completion handle.
// It is completed exclusively by the Table that created it.
type Future[T any] struct {
	id    string        // id is the operation identifier the future answers
	done  chan struct{} // done is closed on completion
	once  sync.Once     // once guards the single completion
	value T             // value is the delivered result (valid after done)
	err   error         // err is the failure cause (valid after done)
}

// newFuture creates an incomplete future for id.
func newFuture[T any](id string) *Future[T] {
	return &Future[T]{id: id, done: make(chan struct{})}
}

// ID returns the operation identifier the future answers.
func (f *Future[T]) ID() string {
	return f.id
}

// Done returns a channel closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done.
// A ctx error only ends this wait; the future stays pending.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Settled reports whether the future has completed.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// complete sets the outcome once. It reports whether this call won.
func (f *Future[T]) complete(value T, err error) bool {
	won := false

	f.once.Do(func() {
		f.value = value
		f.err = err
		won = true
		close(f.done)
	})

	return won
}
