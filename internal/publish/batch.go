// Package publish shares feed samples with the directory in batches.
//
// A batch issues one asynchronous share per non-empty item through the host task
// runner and completes when every issued share has resolved, successfully or not.
// Failures are isolated per item. Items with nothing to share are skipped and do
// not appear in the outcome.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/eventrouter"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/host"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// ShareCompleted is posted on the router once per resolved share.
type ShareCompleted struct {
	BatchID string
	Feed    twin.FeedRef
	Ack     directory.Ack
	Err     error
}

// Batch issues share requests. It is safe for concurrent use; each Start creates
// an independent Pending.
type Batch struct {
	client  directory.Client
	runner  host.TaskRunner
	logger  *zap.Logger
	metrics *metrics.Metrics
	router  *eventrouter.Router
	now     func() time.Time
}

// Option configures a Batch.
type Option func(*Batch)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Batch) { b.logger = logger }
}

// WithMetrics records publish activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Batch) { b.metrics = m }
}

// WithRouter posts a ShareCompleted event for every resolved item.
func WithRouter(r *eventrouter.Router) Option {
	return func(b *Batch) { b.router = r }
}

// NewBatch creates a publisher dispatching shares through runner.
func NewBatch(client directory.Client, runner host.TaskRunner, opts ...Option) *Batch {
	b := &Batch{
		client: client,
		runner: runner,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("publish")
	return b
}

// Publish shares items and waits for all of them to resolve, or for ctx to end.
// See Pending.Wait for the deadline semantics.
func (b *Batch) Publish(ctx context.Context, items []twin.PublishItem) (twin.BatchOutcome[twin.FeedRef], error) {
	return b.Start(ctx, items).Wait(ctx)
}

// Start issues one share per non-empty item and returns without waiting. The
// requests run with ctx.
func (b *Batch) Start(ctx context.Context, items []twin.PublishItem) *Pending {
	issued := make([]twin.PublishItem, 0, len(items))
	var skipped []twin.FeedRef
	for _, item := range items {
		if item.Empty() {
			skipped = append(skipped, item.Feed)
			continue
		}
		issued = append(issued, item)
	}

	p := &Pending{
		id:      uuid.NewString(),
		batch:   b,
		items:   issued,
		skipped: skipped,
		futures: make([]*Future[directory.Ack], len(issued)),
		join:    NewJoin(len(issued)),
		outcome: twin.NewBatchOutcome[twin.FeedRef](len(issued)),
		started: b.now(),
	}
	p.logger = b.logger.With(zap.String("batch", p.id))
	if b.metrics != nil && len(skipped) > 0 {
		b.metrics.PublishItems.WithLabelValues(metrics.PublishSkipped).Add(float64(len(skipped)))
	}
	for i := range issued {
		p.futures[i] = NewFuture[directory.Ack]()
	}
	if len(issued) == 0 {
		p.observe()
	}

	for i, item := range issued {
		if err := item.Feed.Validate(); err != nil {
			p.resolve(i, directory.Ack{}, err)
			continue
		}
		req := directory.ShareRequest{
			Feed:       item.Feed,
			Payload:    item.Payload,
			MimeType:   item.MimeType,
			OccurredAt: b.now(),
		}
		if req.MimeType == "" {
			req.MimeType = twin.DefaultMimeType
		}
		if err := b.runner.Go(ctx, func() {
			ack, err := b.client.ShareFeedData(ctx, req)
			p.resolve(i, ack, err)
		}); err != nil {
			p.resolve(i, directory.Ack{}, fmt.Errorf("dispatching share: %w", err))
		}
	}
	p.logger.Debug("batch started", zap.Int("issued", len(issued)), zap.Int("skipped", len(skipped)))
	return p
}

// Pending is an in-flight batch.
type Pending struct {
	id      string
	batch   *Batch
	logger  *zap.Logger
	items   []twin.PublishItem
	skipped []twin.FeedRef
	futures []*Future[directory.Ack]
	join    *Join
	started time.Time

	mu      sync.Mutex
	outcome twin.BatchOutcome[twin.FeedRef]
}

// ID returns the batch identifier carried by ShareCompleted events.
func (p *Pending) ID() string { return p.id }

// Skipped returns the feeds of items that had nothing to share.
func (p *Pending) Skipped() []twin.FeedRef { return p.skipped }

// Done is closed when every issued share has resolved.
func (p *Pending) Done() <-chan struct{} { return p.join.Done() }

// Item returns the future of the i-th issued item.
func (p *Pending) Item(i int) *Future[directory.Ack] { return p.futures[i] }

func (p *Pending) resolve(i int, ack directory.Ack, err error) {
	feed := p.items[i].Feed

	p.mu.Lock()
	if !p.futures[i].Resolve(ack, err) {
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.outcome.Fail(feed, err)
	} else {
		p.outcome.Succeed(feed)
	}
	p.mu.Unlock()

	if m := p.batch.metrics; m != nil {
		status := metrics.PublishSucceeded
		if err != nil {
			status = metrics.PublishFailed
		}
		m.PublishItems.WithLabelValues(status).Inc()
	}
	if err != nil {
		p.logger.Warn("share failed", zap.Stringer("feed", feed), zap.Error(err))
	}
	if r := p.batch.router; r != nil {
		r.Post(ShareCompleted{BatchID: p.id, Feed: feed, Ack: ack, Err: err})
	}
	if p.join.Arrive() {
		p.observe()
	}
}

func (p *Pending) observe() {
	if m := p.batch.metrics; m != nil {
		m.PublishDuration.Observe(p.batch.now().Sub(p.started).Seconds())
	}
}

// Outcome returns a copy of the results recorded so far.
func (p *Pending) Outcome() twin.BatchOutcome[twin.FeedRef] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(nil)
}

func (p *Pending) snapshot(unresolved error) twin.BatchOutcome[twin.FeedRef] {
	out := twin.BatchOutcome[twin.FeedRef]{
		Total:     p.outcome.Total,
		Succeeded: append([]twin.FeedRef{}, p.outcome.Succeeded...),
		Failed:    append([]twin.Failure[twin.FeedRef]{}, p.outcome.Failed...),
	}
	if unresolved == nil {
		return out
	}
	for i, f := range p.futures {
		if !f.Resolved() {
			out.Fail(p.items[i].Feed, unresolved)
		}
	}
	return out
}

// Wait blocks until every issued share has resolved and returns the complete
// outcome. When ctx ends first, the outcome is completed with a failure for each
// unresolved item: a deadline counts those as timed out and returns no error; a
// cancellation counts them as interrupted and also returns the interruption.
// Shares still in flight keep running and their results are not reported.
func (p *Pending) Wait(ctx context.Context) (twin.BatchOutcome[twin.FeedRef], error) {
	select {
	case <-p.join.Done():
		out := p.Outcome()
		p.logger.Info("batch processed", zap.Stringer("outcome", out))
		return out, nil
	case <-ctx.Done():
	}

	kind := directory.ErrTimeout
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = directory.ErrInterrupted
	}
	cause := directory.NewError("Publish", kind, ctx.Err())

	p.mu.Lock()
	out := p.snapshot(cause)
	p.mu.Unlock()
	p.logger.Warn("batch wait ended early", zap.Stringer("outcome", out), zap.Int("unresolved", p.join.Remaining()))

	if kind == directory.ErrTimeout {
		return out, nil
	}
	return out, cause
}
