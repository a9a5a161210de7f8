// Package follow keeps follower twins registered and their feed subscriptions alive.
//
// A Session owns one interest: it opens the follow stream with fetchLastStored,
// forwards every sample to a consumer channel, transparently re-opens the stream
// when the directory rejects an expired token, and reports any other terminal error
// exactly once. A Group fans a follow request out to one Session per feed and
// serializes their output onto a single consumer goroutine.
package follow

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

var (
	// ErrAlreadyStarted is returned when Start is called on a session that left IDLE
	ErrAlreadyStarted = errors.New("session already started")
	// ErrStreamEnded is reported when the directory completes a follow stream
	ErrStreamEnded = errors.New("follow stream ended by directory")
)

// Message is what a session hands to its consumer: either a record or, once, the
// terminal error of the session.
type Message struct {
	Interest twin.Interest
	Record   twin.FeedRecord
	Err      error
}

// Failed reports whether the message carries a terminal error.
func (m Message) Failed() bool {
	return m.Err != nil
}

// DefaultBackOff paces resubscriptions. It never gives up.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithBackOff sets the resubscription pacing policy factory.
func WithBackOff(newBackOff func() backoff.BackOff) SessionOption {
	return func(s *Session) { s.newBackOff = newBackOff }
}

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics records session activity on m.
func WithMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// Session follows one feed on behalf of one follower twin.
type Session struct {
	interest   twin.Interest
	client     directory.Client
	out        chan<- Message
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu            sync.Mutex
	state         State
	cancel        context.CancelFunc
	done          chan struct{}
	subscriptions int
}

// NewSession creates an idle session delivering to out.
func NewSession(interest twin.Interest, client directory.Client, out chan<- Message, opts ...SessionOption) *Session {
	s := &Session{
		interest:   interest,
		client:     client,
		out:        out,
		newBackOff: DefaultBackOff,
		logger:     zap.NewNop(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session").With(zap.Stringer("interest", interest))
	return s
}

// Interest returns the followed interest.
func (s *Session) Interest() twin.Interest { return s.interest }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscriptions returns how many times the stream has been opened.
func (s *Session) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions
}

// Done is closed once the session reaches FAILED or CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start opens the stream in the background. The session lives until Stop, a
// terminal error, or cancellation of ctx.
func (s *Session) Start(ctx context.Context) error {
	if err := s.interest.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateSubscribing
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	go s.run(ctx)
	return nil
}

// Stop closes the session and waits for its stream to be released. It is
// idempotent. A failed session stays FAILED; a failure its consumer has not
// received yet is dropped.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateClosed
		close(s.done)
		s.mu.Unlock()
		return
	}
	if !s.state.Terminal() {
		s.state = StateClosed
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
}

// transition moves to next unless the session already ended.
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	if s.state != next {
		s.logger.Debug("session state", zap.Stringer("from", s.state), zap.Stringer("to", next))
	}
	s.state = next
	return true
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if s.metrics != nil {
			s.metrics.ActiveSessions.Dec()
		}
	}()

	policy := s.newBackOff()
	for {
		if !s.transition(StateSubscribing) {
			return
		}
		s.mu.Lock()
		s.subscriptions++
		s.mu.Unlock()

		stream, err := s.client.FetchInterest(ctx, directory.FetchRequest{Interest: s.interest, FetchLastStored: true})
		if err == nil {
			s.transition(StateStreaming)
			err = s.consume(ctx, stream, policy)
		}

		if ctx.Err() != nil {
			s.transition(StateClosed)
			s.logger.Debug("session closed")
			return
		}

		if directory.IsAuthExpired(err) {
			if !s.transition(StateResubscribing) {
				return
			}
			if s.metrics != nil {
				s.metrics.Resubscribes.Inc()
			}
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				policy.Reset()
				wait = 0
			}
			s.logger.Info("token expired, resubscribing", zap.Duration("after", wait))
			if !sleep(ctx, wait) {
				s.transition(StateClosed)
				return
			}
			continue
		}

		if err == nil || errors.Is(err, io.EOF) {
			err = ErrStreamEnded
		}
		s.fail(ctx, err)
		return
	}
}

func (s *Session) consume(ctx context.Context, stream directory.InterestStream, policy backoff.BackOff) error {
	for {
		rec, err := stream.Recv()
		if err != nil {
			return err
		}
		policy.Reset()
		if s.metrics != nil {
			s.metrics.FeedRecords.Inc()
		}
		select {
		case s.out <- Message{Interest: s.interest, Record: rec}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) fail(ctx context.Context, err error) {
	if !s.transition(StateFailed) {
		return
	}
	if s.metrics != nil {
		s.metrics.SessionFailures.Inc()
	}
	s.logger.Warn("session failed", zap.Error(err))
	select {
	case s.out <- Message{Interest: s.interest, Err: err}:
	case <-ctx.Done():
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
