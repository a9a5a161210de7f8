package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/feedlog"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/sink"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// DefaultRecordRetention is how many events are kept per follow.
const DefaultRecordRetention = 1000

// ErrUnknownFollow is returned for follows the store has no binding for.
var ErrUnknownFollow = errors.New("follow not bound to the gateway")

// FeedFailure reports a feed subscription that ended with an error.
type FeedFailure struct {
	Interest twin.Interest `json:"interest"`
	Reason   string        `json:"reason"`
	At       time.Time     `json:"at"`
}

// StreamEvent is one entry of a follow's history: a record or a failure.
type StreamEvent struct {
	Record  *twin.FeedRecord `json:"record,omitempty"`
	Failure *FeedFailure     `json:"failure,omitempty"`
}

type binding struct {
	key   string
	owner string
}

// FollowStore keeps what follows created through the gateway deliver, so clients
// can page through it or stream it. Events are partitioned per followed twin of
// a request, which makes each follow's offsets contiguous.
type FollowStore struct {
	mu       sync.RWMutex
	events   *feedlog.Log[StreamEvent]
	bindings map[string]binding
	sink     sink.Sink
	logger   *zap.Logger
}

// NewFollowStore creates a store keeping up to retention events per follow.
// Records are also written to s when it is not nil.
func NewFollowStore(retention int, s sink.Sink, logger *zap.Logger) *FollowStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FollowStore{
		events:   feedlog.New[StreamEvent](retention),
		bindings: make(map[string]binding),
		sink:     s,
		logger:   logger.Named("follow-store"),
	}
}

// NewRequest returns the id under which one follow request stores its events.
func (s *FollowStore) NewRequest() string {
	return uuid.NewString()
}

// eventKey partitions by twin id alone: a follow request may name its twin
// without the host, while delivered records always carry it.
func eventKey(request string, ref twin.TwinRef) string {
	return request + "|" + ref.TwinID
}

// Consumer returns the consumer a follow request delivers into.
func (s *FollowStore) Consumer(request string) engine.Consumer {
	return engine.ConsumerFuncs{
		OnRecord: func(rec twin.FeedRecord) {
			s.append(eventKey(request, rec.Feed.Twin()), StreamEvent{Record: &rec})
			if s.sink == nil {
				return
			}
			if err := s.sink.Write(context.Background(), rec); err != nil {
				s.logger.Warn("sink write failed", zap.Stringer("feed", rec.Feed), zap.Error(err))
			}
		},
		OnFailure: func(interest twin.Interest, err error) {
			failure := &FeedFailure{Interest: interest, Reason: err.Error(), At: time.Now().UTC()}
			s.append(eventKey(request, interest.FollowedFeed.Twin()), StreamEvent{Failure: failure})
		},
	}
}

func (s *FollowStore) append(key string, ev StreamEvent) {
	if _, err := s.events.Append(context.Background(), key, ev); err != nil {
		s.logger.Debug("dropping follow event", zap.String("key", key), zap.Error(err))
	}
}

// Bind attaches a follow created by request to its owner.
func (s *FollowStore) Bind(request string, info engine.FollowInfo, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[info.ID] = binding{key: eventKey(request, info.Twin), owner: owner}
}

// Owner returns the client that created the follow.
func (s *FollowStore) Owner(followID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[followID]
	return b.owner, ok
}

// Unbind forgets a follow and its events.
func (s *FollowStore) Unbind(followID string) {
	s.mu.Lock()
	b, ok := s.bindings[followID]
	delete(s.bindings, followID)
	s.mu.Unlock()
	if ok {
		s.events.Delete(b.key)
	}
}

// Drop forgets the events of twins a request did not end up following.
func (s *FollowStore) Drop(request string, ref twin.TwinRef) {
	s.events.Delete(eventKey(request, ref))
}

func (s *FollowStore) key(followID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[followID]
	if !ok {
		return "", ErrUnknownFollow
	}
	return b.key, nil
}

// Read returns up to limit events of the follow starting at offset, and the
// offset to continue from.
func (s *FollowStore) Read(ctx context.Context, followID string, offset int64, limit int) ([]feedlog.Entry[StreamEvent], int64, error) {
	key, err := s.key(followID)
	if err != nil {
		return nil, 0, err
	}
	entries, err := s.events.Read(ctx, key, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	next := offset
	if n := len(entries); n > 0 {
		next = entries[n-1].Offset + 1
	} else if end := s.events.EndOffset(key); end > next {
		next = end
	}
	return entries, next, nil
}

// Tail streams the follow's events from offset until ctx ends or the store closes.
// A negative offset starts at the next event.
func (s *FollowStore) Tail(ctx context.Context, followID string, offset int64) (<-chan feedlog.Entry[StreamEvent], <-chan error, error) {
	key, err := s.key(followID)
	if err != nil {
		return nil, nil, err
	}
	if offset < 0 {
		offset = s.events.EndOffset(key)
	}
	entries, errs := s.events.Tail(ctx, key, offset)
	return entries, errs, nil
}

// Close ends every tail and closes the sink.
func (s *FollowStore) Close() error {
	err := s.events.Close()
	if s.sink != nil {
		if serr := s.sink.Close(); err == nil {
			err = serr
		}
	}
	return err
}
