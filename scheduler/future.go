package scheduler

import (
	"context"
	"sync"
)

// Future is the settle-once result handle of a submitted action.
// Any number of goroutines may wait on the same future.
type Future[T any] struct {
	done chan struct{}
	once sync.Once

	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

func (f *Future[T]) resolve(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the action has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the action has produced its outcome.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the action settles and returns exactly what it returned.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// Wait is Get bounded by ctx. On ctx expiry the action keeps running and
// ctx.Err() is returned.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
