package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

type failingSink struct{ closed bool }

func (s *failingSink) Write(context.Context, twin.FeedRecord) error { return errors.New("disk full") }
func (s *failingSink) Close() error                                 { s.closed = true; return nil }

func sample() twin.FeedRecord {
	return twin.FeedRecord{
		FollowerTwinID: "did:twinmesh:follower",
		Feed:           twin.FeedRef{HostID: "did:twinmesh:host", TwinID: "did:twinmesh:car.1", FeedID: "speed"},
		MimeType:       twin.DefaultMimeType,
		OccurredAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:        []byte(`{"kmh":"88"}`),
	}
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLines(&buf)
	require.NoError(t, s.Write(context.Background(), sample()))
	require.NoError(t, s.Write(context.Background(), sample()))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var got twin.FeedRecord
	require.NoError(t, json.Unmarshal(lines[0], &got))
	assert.Equal(t, sample().Feed, got.Feed)
	assert.JSONEq(t, `{"kmh":"88"}`, string(got.Payload))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(context.Background(), sample()), ErrClosed)
}

func TestNATS_Write(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATS(pub, "")
	require.NoError(t, s.Write(context.Background(), sample()))

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "twinmesh.feeds.did:twinmesh:host.did:twinmesh:car_1.speed", msg.Subject)
	assert.Equal(t, sample().Payload, msg.Data)
	assert.Equal(t, "speed", msg.Header.Get("feedId"))
	assert.Equal(t, "did:twinmesh:follower", msg.Header.Get("followerTwinDid"))
	assert.Equal(t, "2024-03-01T12:00:00Z", msg.Header.Get("occurredAt"))
	assert.NoError(t, s.Close(), "a borrowed publisher is not closed")

	pub.err = nats.ErrConnectionClosed
	assert.ErrorIs(t, s.Write(context.Background(), sample()), nats.ErrConnectionClosed)
}

func TestMulti(t *testing.T) {
	var buf bytes.Buffer
	failing := &failingSink{}
	m := Multi{failing, NewJSONLines(&buf)}

	err := m.Write(context.Background(), sample())
	assert.ErrorContains(t, err, "disk full")
	assert.NotEmpty(t, buf.Bytes(), "a failing sink does not block the others")

	require.NoError(t, m.Close())
	assert.True(t, failing.closed)
}

func TestConsumer(t *testing.T) {
	var buf bytes.Buffer
	c := Consumer(NewJSONLines(&buf), nil)
	c.Record(sample())
	c.Failure(sample().Interest(), errors.New("gone"))
	assert.Contains(t, buf.String(), `"feedId":"speed"`)
}
