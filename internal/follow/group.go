package follow

import (
	"context"
	"errors"
	"sync"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// ErrGroupStopped is returned when feeds are added to a stopped group.
var ErrGroupStopped = errors.New("follow group stopped")

const groupBuffer = 256

// Group runs one Session per followed feed for a single follower twin. Messages
// from all sessions are handed to consume on one goroutine, in arrival order.
type Group struct {
	follower string
	client   directory.Client
	opts     []SessionOption
	consume  func(Message)

	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan Message
	quit   chan struct{}
	loop   sync.WaitGroup

	mu       sync.RWMutex
	sessions map[twin.FeedRef]*Session
	order    []twin.FeedRef
	stopped  bool
}

// NewGroup starts the consumer goroutine for follower. Sessions are bound to the
// group lifetime, not to the context of the call that adds them.
func NewGroup(follower string, client directory.Client, consume func(Message), opts ...SessionOption) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{
		follower: follower,
		client:   client,
		opts:     opts,
		consume:  consume,
		ctx:      ctx,
		cancel:   cancel,
		msgs:     make(chan Message, groupBuffer),
		quit:     make(chan struct{}),
		sessions: make(map[twin.FeedRef]*Session),
	}
	g.loop.Add(1)
	go g.run()
	return g
}

func (g *Group) run() {
	defer g.loop.Done()
	for {
		select {
		case msg := <-g.msgs:
			if g.consume != nil {
				g.consume(msg)
			}
		case <-g.quit:
			return
		}
	}
}

// Follower returns the follower twin id.
func (g *Group) Follower() string { return g.follower }

// Follow starts a session for every feed not already followed. A feed that is
// already followed counts as a success. Each feed is accounted for exactly once.
func (g *Group) Follow(ctx context.Context, feeds []twin.FeedRef) twin.BatchOutcome[twin.FeedRef] {
	outcome := twin.NewBatchOutcome[twin.FeedRef](len(feeds))

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, feed := range feeds {
		if g.stopped {
			outcome.Fail(feed, ErrGroupStopped)
			continue
		}
		if err := ctx.Err(); err != nil {
			outcome.Fail(feed, directory.NewError("Follow", directory.ErrInterrupted, err))
			continue
		}
		if _, ok := g.sessions[feed]; ok {
			outcome.Succeed(feed)
			continue
		}
		interest := twin.Interest{FollowerTwinID: g.follower, FollowedFeed: feed}
		s := NewSession(interest, g.client, g.msgs, g.opts...)
		if err := s.Start(g.ctx); err != nil {
			outcome.Fail(feed, err)
			continue
		}
		g.sessions[feed] = s
		g.order = append(g.order, feed)
		outcome.Succeed(feed)
	}
	return outcome
}

// StopFeed stops the session following feed. Other sessions are unaffected.
func (g *Group) StopFeed(feed twin.FeedRef) bool {
	g.mu.Lock()
	s, ok := g.sessions[feed]
	if ok {
		delete(g.sessions, feed)
		for i, f := range g.order {
			if f == feed {
				g.order = append(g.order[:i], g.order[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()

	if ok {
		s.Stop()
	}
	return ok
}

// States returns the state of every session, keyed by feed.
func (g *Group) States() map[twin.FeedRef]State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[twin.FeedRef]State, len(g.sessions))
	for f, s := range g.sessions {
		out[f] = s.State()
	}
	return out
}

// Feeds returns the followed feeds in the order they were added.
func (g *Group) Feeds() []twin.FeedRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]twin.FeedRef(nil), g.order...)
}

// Session returns the session following feed.
func (g *Group) Session(feed twin.FeedRef) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[feed]
	return s, ok
}

// Stop closes every session and ends the consumer goroutine. It is idempotent and
// may be called from the consumer callback. Messages still queued are dropped.
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	g.cancel()
	for _, s := range sessions {
		s.Stop()
	}
	close(g.quit)
}

// Wait blocks until the consumer goroutine has returned.
func (g *Group) Wait() {
	g.loop.Wait()
}
