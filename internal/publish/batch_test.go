package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/directory/directorytest"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/eventrouter"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/runner"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

func feed(id string) twin.FeedRef {
	return twin.FeedRef{HostID: "host-1", TwinID: "sensor-1", FeedID: id}
}

func item(id, payload string) twin.PublishItem {
	var p []byte
	if payload != "" {
		p = []byte(payload)
	}
	return twin.PublishItem{Feed: feed(id), Payload: p}
}

func newPool(t *testing.T) *runner.Pool {
	t.Helper()
	p, err := runner.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(time.Second) })
	return p
}

func TestBatch_EmptyCompletesImmediately(t *testing.T) {
	b := NewBatch(&directorytest.Client{}, runner.Inline{})
	for _, items := range [][]twin.PublishItem{nil, {item("a", "")}} {
		outcome, err := b.Publish(context.Background(), items)
		require.NoError(t, err)
		assert.Equal(t, 0, outcome.Total)
		assert.Empty(t, outcome.Succeeded)
		assert.Empty(t, outcome.Failed)
	}
}

func TestBatch_SkipsEmptyPayloads(t *testing.T) {
	client := &directorytest.Client{}
	m := metrics.New(nil)
	b := NewBatch(client, newPool(t), WithMetrics(m), WithLogger(zaptest.NewLogger(t)))

	p := b.Start(context.Background(), []twin.PublishItem{
		item("one", `{"v":1}`),
		item("two", ""),
		item("three", `{"v":3}`),
	})
	outcome, err := p.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Total)
	assert.ElementsMatch(t, []twin.FeedRef{feed("one"), feed("three")}, outcome.Succeeded)
	assert.Empty(t, outcome.Failed)
	assert.Equal(t, []twin.FeedRef{feed("two")}, p.Skipped())
	assert.Len(t, client.Shares(), 2)
	assert.Equal(t, twin.DefaultMimeType, client.Shares()[0].MimeType)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PublishItems.WithLabelValues(metrics.PublishSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishItems.WithLabelValues(metrics.PublishSkipped)))
}

func TestBatch_FailuresAreIsolated(t *testing.T) {
	boom := directory.NewError("ShareFeedData", directory.ErrRemote, errors.New("feed not found"))
	client := &directorytest.Client{
		ShareFunc: func(_ context.Context, req directory.ShareRequest) (directory.Ack, error) {
			if req.Feed.FeedID == "bad" {
				return directory.Ack{}, boom
			}
			return directory.Ack{Feed: req.Feed, ReceivedAt: time.Now()}, nil
		},
	}
	router := eventrouter.New()
	var events []ShareCompleted
	eventrouter.Subscribe(router, func(e ShareCompleted) { events = append(events, e) })

	b := NewBatch(client, runner.Inline{}, WithRouter(router))
	outcome, err := b.Publish(context.Background(), []twin.PublishItem{
		item("good", `1`), item("bad", `2`), item("also-good", `3`),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.Total)
	assert.True(t, outcome.Complete())
	assert.ElementsMatch(t, []twin.FeedRef{feed("good"), feed("also-good")}, outcome.Succeeded)
	require.Len(t, outcome.Failed, 1)
	assert.Equal(t, feed("bad"), outcome.Failed[0].Ref)
	assert.Contains(t, outcome.Failed[0].Reason, "feed not found")
	assert.ErrorIs(t, outcome.Err(), directory.ErrRemote)

	require.Len(t, events, 3)
	assert.Equal(t, feed("good"), events[0].Feed, "inline runner resolves in order")
	assert.ErrorIs(t, events[1].Err, directory.ErrRemote)
}

func TestBatch_InvalidFeedFailsWithoutShare(t *testing.T) {
	client := &directorytest.Client{}
	b := NewBatch(client, runner.Inline{})
	outcome, err := b.Publish(context.Background(), []twin.PublishItem{
		{Feed: twin.FeedRef{TwinID: "t"}, Payload: []byte(`1`)},
	})
	require.NoError(t, err)
	require.Len(t, outcome.Failed, 1)
	assert.ErrorIs(t, outcome.Failed[0].Err, twin.ErrValidation)
	assert.Empty(t, client.Shares())
}

func TestBatch_ConcurrentResolutionAccountsForEveryItem(t *testing.T) {
	client := &directorytest.Client{
		ShareFunc: func(_ context.Context, req directory.ShareRequest) (directory.Ack, error) {
			time.Sleep(time.Millisecond)
			if len(req.Payload)%2 == 0 {
				return directory.Ack{}, directory.NewError("ShareFeedData", directory.ErrTransport, nil)
			}
			return directory.Ack{Feed: req.Feed}, nil
		},
	}
	b := NewBatch(client, newPool(t))

	var items []twin.PublishItem
	for i := 0; i < 50; i++ {
		payload := "1"
		if i%2 == 0 {
			payload = "22"
		}
		items = append(items, twin.PublishItem{
			Feed:    twin.FeedRef{HostID: "h", TwinID: "t", FeedID: string(rune('a' + i%26))},
			Payload: []byte(payload),
		})
	}
	outcome, err := b.Publish(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 50, outcome.Total)
	assert.Len(t, outcome.Succeeded, 25)
	assert.Len(t, outcome.Failed, 25)
}

func TestPending_Wait(t *testing.T) {
	release := make(chan struct{})
	client := &directorytest.Client{
		ShareFunc: func(ctx context.Context, req directory.ShareRequest) (directory.Ack, error) {
			if req.Feed.FeedID == "slow" {
				<-release
			}
			return directory.Ack{Feed: req.Feed}, nil
		},
	}
	defer close(release)

	t.Run("deadline_marks_unresolved_as_timed_out", func(t *testing.T) {
		b := NewBatch(client, newPool(t))
		p := b.Start(context.Background(), []twin.PublishItem{item("fast", "1"), item("slow", "2")})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		outcome, err := p.Wait(ctx)
		require.NoError(t, err, "a deadline is a partial-success boundary")
		assert.Equal(t, 2, outcome.Total)
		assert.True(t, outcome.Complete())
		assert.Equal(t, []twin.FeedRef{feed("fast")}, outcome.Succeeded)
		require.Len(t, outcome.Failed, 1)
		assert.Equal(t, feed("slow"), outcome.Failed[0].Ref)
		assert.ErrorIs(t, outcome.Failed[0].Err, directory.ErrTimeout)
	})

	t.Run("cancel_is_interrupted", func(t *testing.T) {
		b := NewBatch(client, newPool(t))
		p := b.Start(context.Background(), []twin.PublishItem{item("slow", "1")})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		outcome, err := p.Wait(ctx)
		assert.ErrorIs(t, err, directory.ErrInterrupted)
		require.Len(t, outcome.Failed, 1)
		assert.ErrorIs(t, outcome.Failed[0].Err, directory.ErrInterrupted)
	})
}

func TestBatch_DispatchFailure(t *testing.T) {
	pool, err := runner.NewPool(1)
	require.NoError(t, err)
	require.NoError(t, pool.Close(time.Second))

	b := NewBatch(&directorytest.Client{}, pool)
	outcome, err := b.Publish(context.Background(), []twin.PublishItem{item("a", "1")})
	require.NoError(t, err)
	require.Len(t, outcome.Failed, 1)
	assert.ErrorIs(t, outcome.Failed[0].Err, runner.ErrClosed)
}
