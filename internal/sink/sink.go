// Package sink delivers followed feed records to their destination.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("sink closed")

// DefaultSubjectPrefix prefixes the subjects records are published on.
const DefaultSubjectPrefix = "twinmesh.feeds"

// Sink receives feed records.
type Sink interface {
	Write(ctx context.Context, rec twin.FeedRecord) error
	Close() error
}

// JSONLines writes one JSON document per record.
type JSONLines struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closed bool
}

// NewJSONLines creates a sink writing to w. Closing the sink does not close w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

// Write implements Sink.
func (s *JSONLines) Write(ctx context.Context, rec twin.FeedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.enc.Encode(rec)
}

// Close implements Sink.
func (s *JSONLines) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Publisher is the part of a NATS connection the sink uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATS publishes each record on <prefix>.<host>.<twin>.<feed> with the record
// attributes as message headers.
type NATS struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
}

// NewNATS creates a sink publishing through pub. The caller owns pub.
func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{pub: pub, prefix: prefix}
}

// ConnectNATS dials url and returns a sink owning the connection.
func ConnectNATS(url, prefix string, opts ...nats.Option) (*NATS, error) {
	opts = append([]nats.Option{nats.Name("twinmesh"), nats.MaxReconnects(-1)}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	s := NewNATS(conn, prefix)
	s.conn = conn
	return s, nil
}

// Subject returns the subject rec is published on.
func (s *NATS) Subject(rec twin.FeedRecord) string {
	return strings.Join([]string{
		s.prefix,
		token(rec.Feed.HostID),
		token(rec.Feed.TwinID),
		token(rec.Feed.FeedID),
	}, ".")
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Write implements Sink.
func (s *NATS) Write(ctx context.Context, rec twin.FeedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(s.Subject(rec))
	msg.Data = rec.Payload
	for k, v := range rec.Attributes() {
		msg.Header.Set(k, v)
	}
	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the connection when the sink owns one.
func (s *NATS) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

// Multi writes every record to all sinks. A failing sink does not stop the others.
type Multi []Sink

// Write implements Sink.
func (m Multi) Write(ctx context.Context, rec twin.FeedRecord) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Write(ctx, rec))
	}
	return err
}

// Close implements Sink.
func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// Consumer adapts a sink to engine.Consumer. Write errors and feed failures are logged.
func Consumer(s Sink, logger *zap.Logger) engine.Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sink")
	return engine.ConsumerFuncs{
		OnRecord: func(rec twin.FeedRecord) {
			if err := s.Write(context.Background(), rec); err != nil {
				logger.Warn("record not written", zap.Stringer("feed", rec.Feed), zap.Error(err))
			}
		},
		OnFailure: func(interest twin.Interest, err error) {
			logger.Warn("feed ended", zap.Stringer("interest", interest), zap.Error(err))
		},
	}
}

var (
	_ Sink = (*JSONLines)(nil)
	_ Sink = (*NATS)(nil)
	_ Sink = Multi(nil)
)
