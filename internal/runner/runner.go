// Package runner executes tasks with bounded concurrency.
//
// Pool admits at most N tasks at a time using a weighted semaphore; Go blocks while
// the pool is saturated. Inline runs each task on the calling goroutine and is used
// in tests that need deterministic ordering.
package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/host"
)

var (
	// ErrClosed is returned when a task is submitted to a closed runner
	ErrClosed = errors.New("runner closed")
	// ErrInvalidWorkers is returned for a non-positive worker count
	ErrInvalidWorkers = errors.New("worker count must be positive")
	// ErrStopTimeout is returned when running tasks outlive the stop deadline
	ErrStopTimeout = errors.New("timed out waiting for tasks")
)

// DefaultWorkers matches the default executor size of the host service.
const DefaultWorkers = 16

// Stats is a snapshot of runner activity.
type Stats struct {
	Submitted int64
	Completed int64
	Panicked  int64
	Running   int64
}

// Pool runs tasks on goroutines, at most Workers at a time.
type Pool struct {
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	running   atomic.Int64
	onPanic   func(any)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPanicHandler is called with the recovered value when a task panics.
func WithPanicHandler(fn func(any)) PoolOption {
	return func(p *Pool) { p.onPanic = fn }
}

// NewPool creates a pool admitting workers concurrent tasks.
func NewPool(workers int, opts ...PoolOption) (*Pool, error) {
	if workers <= 0 {
		return nil, ErrInvalidWorkers
	}
	p := &Pool{sem: semaphore.NewWeighted(int64(workers))}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Go implements host.TaskRunner.
func (p *Pool) Go(ctx context.Context, task func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return err
	}
	p.submitted.Add(1)
	p.running.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				if p.onPanic != nil {
					p.onPanic(r)
				}
				return
			}
			p.completed.Add(1)
		}()
		task()
	}()
	return nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Running:   p.running.Load(),
	}
}

// Close rejects new tasks and waits up to timeout for running ones.
// Calling Close more than once is safe.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Inline runs every task synchronously on the caller's goroutine.
type Inline struct{}

// Go implements host.TaskRunner.
func (Inline) Go(ctx context.Context, task func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task()
	return nil
}

var (
	_ host.TaskRunner = (*Pool)(nil)
	_ host.TaskRunner = Inline{}
)
