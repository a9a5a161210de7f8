// Package directorytest provides a scripted directory.Client for tests.
package directorytest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// Client is a directory.Client whose behaviour is set per operation. Unset
// operations succeed: shares are acknowledged and upserts echo the twin reference.
type Client struct {
	SearchFunc func(ctx context.Context, req directory.SearchRequest) (directory.SearchStream, error)
	FetchFunc  func(ctx context.Context, req directory.FetchRequest) (directory.InterestStream, error)
	ShareFunc  func(ctx context.Context, req directory.ShareRequest) (directory.Ack, error)
	UpsertFunc func(ctx context.Context, req directory.UpsertRequest) (twin.TwinRef, error)

	mu      sync.Mutex
	fetches []directory.FetchRequest
	shares  []directory.ShareRequest
	upserts []directory.UpsertRequest
	search  int
}

// Search implements directory.Client.
func (c *Client) Search(ctx context.Context, req directory.SearchRequest) (directory.SearchStream, error) {
	c.mu.Lock()
	c.search++
	c.mu.Unlock()
	if c.SearchFunc == nil {
		return Pages(ctx, true), nil
	}
	return c.SearchFunc(ctx, req)
}

// FetchInterest implements directory.Client.
func (c *Client) FetchInterest(ctx context.Context, req directory.FetchRequest) (directory.InterestStream, error) {
	c.mu.Lock()
	c.fetches = append(c.fetches, req)
	c.mu.Unlock()
	if c.FetchFunc == nil {
		return NewInterestStream(ctx), nil
	}
	return c.FetchFunc(ctx, req)
}

// ShareFeedData implements directory.Client.
func (c *Client) ShareFeedData(ctx context.Context, req directory.ShareRequest) (directory.Ack, error) {
	c.mu.Lock()
	c.shares = append(c.shares, req)
	c.mu.Unlock()
	if c.ShareFunc == nil {
		return directory.Ack{Feed: req.Feed, ReceivedAt: time.Now()}, nil
	}
	return c.ShareFunc(ctx, req)
}

// UpsertTwin implements directory.Client.
func (c *Client) UpsertTwin(ctx context.Context, req directory.UpsertRequest) (twin.TwinRef, error) {
	c.mu.Lock()
	c.upserts = append(c.upserts, req)
	c.mu.Unlock()
	if c.UpsertFunc == nil {
		return req.Twin.Ref(), nil
	}
	return c.UpsertFunc(ctx, req)
}

// Fetches returns the follow requests issued so far.
func (c *Client) Fetches() []directory.FetchRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]directory.FetchRequest(nil), c.fetches...)
}

// Shares returns the share requests issued so far.
func (c *Client) Shares() []directory.ShareRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]directory.ShareRequest(nil), c.shares...)
}

// Upserts returns the upsert requests issued so far.
func (c *Client) Upserts() []directory.UpsertRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]directory.UpsertRequest(nil), c.upserts...)
}

// Searches returns how many searches were opened.
func (c *Client) Searches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.search
}

type pageStream struct {
	ctx      context.Context
	pages    [][]twin.TwinModel
	complete bool
}

// Pages returns a search stream yielding pages in order. When complete is false the
// stream then blocks like a live directory search until ctx ends.
func Pages(ctx context.Context, complete bool, pages ...[]twin.TwinModel) directory.SearchStream {
	return &pageStream{ctx: ctx, pages: pages, complete: complete}
}

func (s *pageStream) Recv() ([]twin.TwinModel, error) {
	if len(s.pages) > 0 {
		p := s.pages[0]
		s.pages = s.pages[1:]
		return p, nil
	}
	if s.complete {
		return nil, io.EOF
	}
	<-s.ctx.Done()
	return nil, directory.NewError("Search", directory.ErrTimeout, s.ctx.Err())
}

// InterestStream is a follow stream fed by the test.
type InterestStream struct {
	ctx    context.Context
	events chan streamEvent
}

type streamEvent struct {
	record twin.FeedRecord
	err    error
}

// NewInterestStream returns an empty stream bound to ctx.
func NewInterestStream(ctx context.Context) *InterestStream {
	return &InterestStream{ctx: ctx, events: make(chan streamEvent, 64)}
}

// Push queues a record.
func (s *InterestStream) Push(rec twin.FeedRecord) {
	s.events <- streamEvent{record: rec}
}

// Fail queues a terminal error.
func (s *InterestStream) Fail(err error) {
	s.events <- streamEvent{err: err}
}

// Recv implements directory.InterestStream.
func (s *InterestStream) Recv() (twin.FeedRecord, error) {
	select {
	case ev := <-s.events:
		return ev.record, ev.err
	case <-s.ctx.Done():
		return twin.FeedRecord{}, directory.NewError("FetchInterest", directory.ErrInterrupted, s.ctx.Err())
	}
}

// AuthExpired returns an error classified as an expired token.
func AuthExpired() error {
	return directory.NewError("FetchInterest", directory.ErrAuthExpired, nil)
}

var _ directory.Client = (*Client)(nil)
