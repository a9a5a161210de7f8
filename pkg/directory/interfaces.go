package directory

import (
	"context"
	"time"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// Client issues requests to the directory service on behalf of the agent identity.
type Client interface {
	// Search opens a server-streaming search. Each Recv yields one page of matches.
	// The stream never ends on its own in practice; callers bound it with ctx.
	Search(ctx context.Context, req SearchRequest) (SearchStream, error)

	// FetchInterest opens a follow stream for one interest. It returns once the
	// directory has acknowledged the stream.
	FetchInterest(ctx context.Context, req FetchRequest) (InterestStream, error)

	// ShareFeedData publishes one sample on a feed.
	ShareFeedData(ctx context.Context, req ShareRequest) (Ack, error)

	// UpsertTwin creates or replaces a twin document and returns its reference.
	UpsertTwin(ctx context.Context, req UpsertRequest) (twin.TwinRef, error)
}

// SearchStream yields pages of matching twins.
type SearchStream interface {
	Recv() ([]twin.TwinModel, error)
}

// InterestStream yields samples of a followed feed, in the order the directory sent them.
type InterestStream interface {
	Recv() (twin.FeedRecord, error)
}

// SearchRequest carries a search filter.
type SearchRequest struct {
	Filter twin.SearchFilter
}

// FetchRequest opens a follow stream. FetchLastStored asks the directory to replay
// the most recent stored sample before live samples.
type FetchRequest struct {
	Interest        twin.Interest
	FetchLastStored bool
}

// ShareRequest publishes one sample.
type ShareRequest struct {
	Feed       twin.FeedRef
	Payload    []byte
	MimeType   string
	OccurredAt time.Time
}

// UpsertRequest creates or replaces a twin.
type UpsertRequest struct {
	Twin twin.TwinModel
}

// Ack acknowledges a shared sample.
type Ack struct {
	Feed       twin.FeedRef
	ReceivedAt time.Time
}
