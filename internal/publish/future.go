package publish

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is a value that becomes available once. The first Resolve wins.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve sets the result and reports whether this call was the one that did.
func (f *Future[T]) Resolve(value T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.value, f.err = value, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Resolved reports whether a result is available.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Join completes when a fixed number of arrivals have been counted. A join for
// zero arrivals is complete from the start.
type Join struct {
	remaining atomic.Int64
	done      chan struct{}
}

// NewJoin returns a join waiting for n arrivals.
func NewJoin(n int) *Join {
	j := &Join{done: make(chan struct{})}
	j.remaining.Store(int64(n))
	if n <= 0 {
		close(j.done)
	}
	return j
}

// Arrive counts one arrival and reports whether it was the last. Arrivals past
// the expected count are ignored.
func (j *Join) Arrive() bool {
	n := j.remaining.Add(-1)
	if n == 0 {
		close(j.done)
		return true
	}
	return false
}

// Remaining returns the number of arrivals still expected.
func (j *Join) Remaining() int {
	n := j.remaining.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Done is closed when every arrival has been counted.
func (j *Join) Done() <-chan struct{} { return j.done }
