package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_InvalidWorkers(t *testing.T) {
	_, err := NewPool(0)
	assert.ErrorIs(t, err, ErrInvalidWorkers)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool, err := NewPool(3)
	require.NoError(t, err)

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, pool.Go(context.Background(), func() {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	require.NoError(t, pool.Close(time.Second))
	stats := pool.Stats()
	assert.Equal(t, int64(20), stats.Submitted)
	assert.Equal(t, int64(20), stats.Completed)
	assert.Equal(t, int64(0), stats.Running)
}

func TestPool_SaturatedGoHonoursContext(t *testing.T) {
	pool, err := NewPool(1)
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, pool.Go(context.Background(), func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.Go(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, pool.Close(time.Second))
}

func TestPool_Close(t *testing.T) {
	t.Run("rejects_after_close", func(t *testing.T) {
		pool, _ := NewPool(1)
		require.NoError(t, pool.Close(time.Second))
		require.NoError(t, pool.Close(time.Second))
		assert.ErrorIs(t, pool.Go(context.Background(), func() {}), ErrClosed)
	})

	t.Run("times_out_on_stuck_task", func(t *testing.T) {
		pool, _ := NewPool(1)
		release := make(chan struct{})
		defer close(release)
		require.NoError(t, pool.Go(context.Background(), func() { <-release }))
		assert.ErrorIs(t, pool.Close(10*time.Millisecond), ErrStopTimeout)
	})
}

func TestPool_RecoversPanics(t *testing.T) {
	recovered := make(chan any, 1)
	pool, err := NewPool(1, WithPanicHandler(func(r any) { recovered <- r }))
	require.NoError(t, err)

	require.NoError(t, pool.Go(context.Background(), func() { panic("boom") }))
	assert.Equal(t, "boom", <-recovered)
	require.NoError(t, pool.Close(time.Second))
	assert.Equal(t, int64(1), pool.Stats().Panicked)
}

func TestInline(t *testing.T) {
	ran := false
	require.NoError(t, Inline{}.Go(context.Background(), func() { ran = true }))
	assert.True(t, ran, "task must have run before Go returned")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Inline{}.Go(ctx, func() { t.Fatal("must not run") }), context.Canceled)
}
