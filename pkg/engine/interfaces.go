package engine

import (
	"context"
	"io"
	"time"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// Consumer receives the output of a follow. Both methods are called from one
// goroutine per follow and must not block for long: a slow consumer holds back
// delivery for every feed of the follow.
type Consumer interface {
	// Record is called for every sample received.
	Record(rec twin.FeedRecord)
	// Failure is called once when a feed subscription ends with an error.
	Failure(interest twin.Interest, err error)
}

// ConsumerFuncs adapts functions to Consumer. Nil fields are ignored.
type ConsumerFuncs struct {
	OnRecord  func(twin.FeedRecord)
	OnFailure func(twin.Interest, error)
}

// Record implements Consumer.
func (c ConsumerFuncs) Record(rec twin.FeedRecord) {
	if c.OnRecord != nil {
		c.OnRecord(rec)
	}
}

// Failure implements Consumer.
func (c ConsumerFuncs) Failure(interest twin.Interest, err error) {
	if c.OnFailure != nil {
		c.OnFailure(interest, err)
	}
}

// FollowRequest asks to follow the feeds of one twin.
type FollowRequest struct {
	Follower twin.FollowerSpec `json:"follower"`
	// Twin must carry its host and twin ids and the feeds to follow.
	Twin twin.TwinModel `json:"twin"`
	// Feeds optionally restricts the follow to these feed ids.
	Feeds []string `json:"feeds,omitempty"`
}

// FindRequest asks to follow every twin matched by a search.
type FindRequest struct {
	Filter   twin.SearchFilter `json:"filter"`
	Follower twin.FollowerSpec `json:"follower"`
	Feeds    []string          `json:"feeds,omitempty"`
}

// FeedState reports one subscription of a follow.
type FeedState struct {
	Feed  twin.FeedRef `json:"feed"`
	State string       `json:"state"`
}

// FollowInfo describes an active follow.
type FollowInfo struct {
	ID        string       `json:"id"`
	Follower  twin.TwinRef `json:"follower"`
	Twin      twin.TwinRef `json:"twin"`
	Feeds     []FeedState  `json:"feeds"`
	CreatedAt time.Time    `json:"createdAt"`
}

// FollowHandle is returned when a follow is created.
type FollowHandle struct {
	FollowInfo
	Outcome twin.BatchOutcome[twin.FeedRef] `json:"outcome"`
}

// FindResult is the result of FindAndFollow.
type FindResult struct {
	Search  twin.BatchOutcome[twin.TwinModel] `json:"search"`
	Follows []FollowHandle                    `json:"follows"`
	Failed  []twin.Failure[twin.TwinRef]      `json:"failed"`
}

// PublishReport is the result of publishing a set of twin documents.
type PublishReport struct {
	BatchID string                          `json:"batchId"`
	Outcome twin.BatchOutcome[twin.FeedRef] `json:"outcome"`
	// Skipped lists feeds that had no values to share.
	Skipped []twin.FeedRef `json:"skipped"`
	// Rejected lists documents that failed validation and were not attempted.
	Rejected []twin.Failure[string] `json:"rejected"`
}

// HealthStatus represents the overall health of an engine.
type HealthStatus struct {
	// Healthy indicates the engine is started and not closed
	Healthy bool `json:"healthy"`

	// Follows is the number of active follows
	Follows int `json:"follows"`

	// Sessions counts feed subscriptions by state
	Sessions map[string]int `json:"sessions"`

	// SharesSucceeded and SharesFailed count resolved publish items
	SharesSucceeded int64 `json:"sharesSucceeded"`
	SharesFailed    int64 `json:"sharesFailed"`

	// Message provides additional health information
	Message string `json:"message"`
}

// Engine is the discovery, subscription and publication engine.
type Engine interface {
	io.Closer

	// Start makes the engine accept work. It is idempotent.
	Start(ctx context.Context) error

	// Stop ends every follow. The engine can be started again.
	Stop(ctx context.Context) error

	// Search runs one bounded-time search. Expiry is not an error.
	Search(ctx context.Context, filter twin.SearchFilter) (twin.BatchOutcome[twin.TwinModel], error)

	// Follow registers the follower twin and subscribes to the twin's feeds.
	// Failing to register the follower fails the whole request.
	Follow(ctx context.Context, req FollowRequest, consumer Consumer) (FollowHandle, error)

	// FindAndFollow searches and follows the feeds of every twin found.
	FindAndFollow(ctx context.Context, req FindRequest, consumer Consumer) (FindResult, error)

	// StopFollow ends a follow and all its subscriptions.
	StopFollow(id string) error

	// Follows returns the active follows.
	Follows() []FollowInfo

	// Publish shares the populated feed values of each twin document, bounded by
	// the configured publish timeout.
	Publish(ctx context.Context, twins []twin.TwinModel) (PublishReport, error)

	// Health returns the engine status.
	Health(ctx context.Context) (HealthStatus, error)
}
