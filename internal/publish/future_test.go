package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture(t *testing.T) {
	t.Run("first_resolve_wins", func(t *testing.T) {
		f := NewFuture[int]()
		assert.False(t, f.Resolved())
		assert.True(t, f.Resolve(1, nil))
		assert.False(t, f.Resolve(2, errors.New("late")))

		v, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		assert.True(t, f.Resolved())
	})

	t.Run("await_honours_context", func(t *testing.T) {
		f := NewFuture[string]()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := f.Await(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("concurrent_resolvers", func(t *testing.T) {
		f := NewFuture[int]()
		var wg sync.WaitGroup
		wins := make(chan int, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if f.Resolve(i, nil) {
					wins <- i
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		assert.Len(t, wins, 1)
	})
}

func TestJoin(t *testing.T) {
	t.Run("zero_is_done", func(t *testing.T) {
		j := NewJoin(0)
		select {
		case <-j.Done():
		default:
			t.Fatal("zero join should be complete")
		}
	})

	t.Run("counts_down", func(t *testing.T) {
		j := NewJoin(3)
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				j.Arrive()
			}()
		}
		wg.Wait()
		select {
		case <-j.Done():
		case <-time.After(time.Second):
			t.Fatal("join not complete")
		}
		assert.Equal(t, 0, j.Remaining())
		assert.False(t, j.Arrive(), "extra arrivals are ignored")
	})

	t.Run("last_arrival_reported", func(t *testing.T) {
		j := NewJoin(2)
		assert.False(t, j.Arrive())
		assert.Equal(t, 1, j.Remaining())
		assert.True(t, j.Arrive())
	})
}
