package feedlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	log := New[string](0)
	defer log.Close()

	for _, v := range []string{"a", "b", "c"} {
		_, err := log.Append(ctx, "k1", v)
		require.NoError(t, err)
	}
	e, err := log.Append(ctx, "k2", "x")
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.Offset, "offsets are per key")

	entries, err := log.Read(ctx, "k1", 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Value)
	assert.Equal(t, int64(2), entries[1].Offset)

	entries, err = log.Read(ctx, "k1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = log.Read(ctx, "missing", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Equal(t, int64(3), log.EndOffset("k1"))
	last, ok := log.Last("k1")
	require.True(t, ok)
	assert.Equal(t, "c", last.Value)

	stats := log.Statistics()
	assert.Equal(t, int64(4), stats.TotalEntries)
	assert.Equal(t, 2, stats.KeyCount)
}

func TestLog_InvalidArguments(t *testing.T) {
	log := New[int](0)
	_, err := log.Read(context.Background(), "k", -1, 1)
	assert.ErrorIs(t, err, ErrNegativeOffset)
	_, err = log.Read(context.Background(), "k", 0, -1)
	assert.ErrorIs(t, err, ErrNegativeMaxCount)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = log.Append(ctx, "k", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLog_Retention(t *testing.T) {
	ctx := context.Background()
	log := New[int](2)
	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, "k", i)
		require.NoError(t, err)
	}

	entries, err := log.Read(ctx, "k", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Offset)
	assert.Equal(t, 4, entries[1].Value)
	assert.Equal(t, int64(5), log.EndOffset("k"))
}

func TestLog_Tail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	log := New[int](0)
	defer log.Close()

	_, _ = log.Append(ctx, "k", 0)
	_, _ = log.Append(ctx, "k", 1)

	entries, errs := log.Tail(ctx, "k", 1)

	first := <-entries
	assert.Equal(t, 1, first.Value, "replay starts at the requested offset")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = log.Append(ctx, "other", 99)
		_, _ = log.Append(ctx, "k", 2)
	}()

	select {
	case e := <-entries:
		assert.Equal(t, 2, e.Value)
	case <-ctx.Done():
		t.Fatal("live entry not delivered")
	}
	wg.Wait()

	require.NoError(t, log.Close())
	for range entries {
	}
	assert.ErrorIs(t, <-errs, ErrClosed)
}

func TestLog_TailCancel(t *testing.T) {
	log := New[int](0)
	ctx, cancel := context.WithCancel(context.Background())
	entries, errs := log.Tail(ctx, "k", 0)
	cancel()

	_, open := <-entries
	assert.False(t, open)
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestLog_CloseIdempotent(t *testing.T) {
	log := New[int](0)
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())
	_, err := log.Append(context.Background(), "k", 1)
	assert.ErrorIs(t, err, ErrClosed)
}
