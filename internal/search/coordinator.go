// Package search runs bounded-time searches against the directory.
//
// A directory search stream does not end on its own: results trickle in from
// remote hosts for as long as the stream is open. The Coordinator collects pages
// until the filter's expiry elapses and reports what arrived as a success.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// Coordinator executes searches. It is safe for concurrent use.
type Coordinator struct {
	client  directory.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
	onMatch func(twin.TwinModel)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics records search results on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithMatchHandler calls fn for every match as it arrives, before the search ends.
func WithMatchHandler(fn func(twin.TwinModel)) Option {
	return func(c *Coordinator) { c.onMatch = fn }
}

// NewCoordinator creates a coordinator issuing searches through client.
func NewCoordinator(client directory.Client, opts ...Option) *Coordinator {
	c := &Coordinator{client: client, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("search")
	return c
}

type page struct {
	twins []twin.TwinModel
	err   error
}

// Search runs one search bounded by filter.Expiry and returns every match received.
// Expiry is not an error. A stream failure before expiry returns an empty outcome
// and the error; searches are never retried. Cancelling ctx returns ErrInterrupted.
func (c *Coordinator) Search(ctx context.Context, filter twin.SearchFilter) (twin.BatchOutcome[twin.TwinModel], error) {
	return c.search(ctx, filter, c.onMatch)
}

// SearchEach is Search with a per-call match handler, invoked in addition to the
// coordinator's own.
func (c *Coordinator) SearchEach(ctx context.Context, filter twin.SearchFilter, fn func(twin.TwinModel)) (twin.BatchOutcome[twin.TwinModel], error) {
	return c.search(ctx, filter, func(m twin.TwinModel) {
		if c.onMatch != nil {
			c.onMatch(m)
		}
		fn(m)
	})
}

func (c *Coordinator) search(ctx context.Context, filter twin.SearchFilter, onMatch func(twin.TwinModel)) (twin.BatchOutcome[twin.TwinModel], error) {
	empty := twin.NewBatchOutcome[twin.TwinModel](0)
	if filter.Expiry <= 0 {
		filter.Expiry = twin.DefaultSearchExpiry
	}
	if err := filter.Validate(); err != nil {
		return empty, err
	}

	started := time.Now()
	searchCtx, cancel := context.WithTimeout(ctx, filter.Expiry)
	defer cancel()

	log := c.logger.With(zap.String("text", filter.Text), zap.Stringer("scope", filter.Scope), zap.Duration("expiry", filter.Expiry))
	log.Debug("search started")

	stream, err := c.client.Search(searchCtx, directory.SearchRequest{Filter: filter})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return empty, c.interrupted(log, ctx.Err())
		case searchCtx.Err() != nil:
			return c.finish(log, nil, metrics.SearchExpired, started), nil
		}
		return empty, c.failed(log, err)
	}

	pages := make(chan page)
	go func() {
		defer close(pages)
		for {
			twins, err := stream.Recv()
			select {
			case pages <- page{twins: twins, err: err}:
			case <-searchCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var matches []twin.TwinModel
	for {
		select {
		case p, ok := <-pages:
			if !ok {
				// pages only closes without a final page once searchCtx ended
				if ctx.Err() != nil {
					return empty, c.interrupted(log, ctx.Err())
				}
				return c.finish(log, matches, metrics.SearchExpired, started), nil
			}
			if errors.Is(p.err, io.EOF) {
				return c.finish(log, matches, metrics.SearchComplete, started), nil
			}
			if p.err != nil {
				switch {
				case ctx.Err() != nil:
					return empty, c.interrupted(log, ctx.Err())
				case searchCtx.Err() != nil:
					return c.finish(log, matches, metrics.SearchExpired, started), nil
				}
				return empty, c.failed(log, p.err)
			}
			for _, m := range p.twins {
				matches = append(matches, m)
				if onMatch != nil {
					onMatch(m)
				}
			}
		case <-searchCtx.Done():
			if ctx.Err() != nil {
				return empty, c.interrupted(log, ctx.Err())
			}
			return c.finish(log, matches, metrics.SearchExpired, started), nil
		}
	}
}

func (c *Coordinator) finish(log *zap.Logger, matches []twin.TwinModel, result string, started time.Time) twin.BatchOutcome[twin.TwinModel] {
	outcome := twin.NewBatchOutcome[twin.TwinModel](len(matches))
	outcome.Succeeded = append(outcome.Succeeded, matches...)
	if c.metrics != nil {
		c.metrics.Searches.WithLabelValues(result).Inc()
		c.metrics.SearchMatches.Add(float64(len(matches)))
	}
	log.Info("search finished",
		zap.String("result", result),
		zap.Int("matches", len(matches)),
		zap.Duration("elapsed", time.Since(started)))
	return outcome
}

func (c *Coordinator) failed(log *zap.Logger, err error) error {
	if c.metrics != nil {
		c.metrics.Searches.WithLabelValues(metrics.SearchFailed).Inc()
	}
	log.Warn("search failed", zap.Error(err))
	return fmt.Errorf("search: %w", err)
}

func (c *Coordinator) interrupted(log *zap.Logger, cause error) error {
	if c.metrics != nil {
		c.metrics.Searches.WithLabelValues(metrics.SearchFailed).Inc()
	}
	log.Info("search interrupted", zap.Error(cause))
	return directory.NewError("Search", directory.ErrInterrupted, cause)
}
