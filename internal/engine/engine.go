// Package engine implements pkg/engine on top of the search, follow and publish
// packages.
//
// The engine owns an event router. Search matches, follow records and publish
// completions are posted on it as TwinFound, FeedArrived, FeedFailed and
// publish.ShareCompleted events, and the engine reacts to its own events: found
// twins are followed, arrived records are routed to the consumer of their follow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/eventrouter"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/follow"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/publish"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/search"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/host"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

var (
	// ErrNotStarted is returned when work is submitted before Start
	ErrNotStarted = errors.New("engine not started")
	// ErrClosed is returned when the engine has been closed
	ErrClosed = errors.New("engine closed")
	// ErrFollowNotFound is returned for an unknown follow id
	ErrFollowNotFound = errors.New("follow not found")
	// ErrNilConsumer is returned when a follow has nowhere to deliver records
	ErrNilConsumer = errors.New("consumer cannot be nil")
)

type followEntry struct {
	info     engine.FollowInfo
	group    *follow.Group
	consumer engine.Consumer
}

// Engine implements the engine.Engine interface.
type Engine struct {
	mu     sync.RWMutex
	config Config
	host   host.Host

	logger  *zap.Logger
	metrics *metrics.Metrics
	router  *eventrouter.Router

	coordinator *search.Coordinator
	registrar   *follow.Registrar
	batch       *publish.Batch

	follows     map[string]*followEntry
	unsubscribe []func()

	sharesSucceeded atomic.Int64
	sharesFailed    atomic.Int64

	started bool
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRouter uses r instead of a private router, letting callers observe events.
func WithRouter(r *eventrouter.Router) Option {
	return func(e *Engine) { e.router = r }
}

// New creates an engine using the collaborators of h. Call Start before use.
func New(config Config, h host.Host, opts ...Option) (*Engine, error) {
	if h == nil {
		return nil, fmt.Errorf("host cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{
		config:  config,
		host:    h,
		logger:  zap.NewNop(),
		follows: make(map[string]*followEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.router == nil {
		e.router = eventrouter.New()
	}
	e.logger = e.logger.Named("engine")

	client := h.DirectoryClient()
	searchOpts := []search.Option{search.WithLogger(e.logger)}
	publishOpts := []publish.Option{publish.WithLogger(e.logger), publish.WithRouter(e.router)}
	if e.metrics != nil {
		searchOpts = append(searchOpts, search.WithMetrics(e.metrics))
		publishOpts = append(publishOpts, publish.WithMetrics(e.metrics))
	}
	e.coordinator = search.NewCoordinator(client, searchOpts...)
	e.registrar = follow.NewRegistrar(client, h.Identities(), e.logger)
	e.batch = publish.NewBatch(client, h.Executor(), publishOpts...)

	e.unsubscribe = []func(){
		eventrouter.Subscribe(e.router, e.onFeedArrived),
		eventrouter.Subscribe(e.router, e.onFeedFailed),
		eventrouter.Subscribe(e.router, e.onShareCompleted),
	}
	return e, nil
}

// Router returns the router the engine posts its events on.
func (e *Engine) Router() *eventrouter.Router { return e.router }

// Start implements engine.Engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("cannot start closed engine")
	}
	if e.started {
		return nil
	}
	e.started = true
	e.logger.Info("engine started",
		zap.Duration("publishTimeout", e.config.PublishTimeout),
		zap.Duration("defaultSearchExpiry", e.config.DefaultSearchExpiry))
	return nil
}

// Stop implements engine.Engine.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	entries := e.takeFollows()
	e.mu.Unlock()

	stopGroups(entries)
	e.logger.Info("engine stopped", zap.Int("follows", len(entries)))
	return nil
}

// Close stops the engine and marks it permanently closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.started = false
	entries := e.takeFollows()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	stopGroups(entries)
	for _, u := range unsubscribe {
		u()
	}
	return nil
}

// takeFollows empties the registry. Callers hold e.mu.
func (e *Engine) takeFollows() []*followEntry {
	entries := make([]*followEntry, 0, len(e.follows))
	for id, entry := range e.follows {
		entries = append(entries, entry)
		delete(e.follows, id)
	}
	return entries
}

func stopGroups(entries []*followEntry) {
	for _, entry := range entries {
		entry.group.Stop()
	}
}

func (e *Engine) ready() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	if !e.started {
		return ErrNotStarted
	}
	return nil
}

// Search implements engine.Engine.
func (e *Engine) Search(ctx context.Context, filter twin.SearchFilter) (twin.BatchOutcome[twin.TwinModel], error) {
	if err := e.ready(); err != nil {
		return twin.NewBatchOutcome[twin.TwinModel](0), err
	}
	if filter.Expiry <= 0 {
		filter.Expiry = e.config.DefaultSearchExpiry
	}
	return e.coordinator.Search(ctx, filter)
}

// Follow implements engine.Engine.
func (e *Engine) Follow(ctx context.Context, req engine.FollowRequest, consumer engine.Consumer) (engine.FollowHandle, error) {
	if err := e.ready(); err != nil {
		return engine.FollowHandle{}, err
	}
	if consumer == nil {
		return engine.FollowHandle{}, ErrNilConsumer
	}
	feeds, err := followedFeeds(req.Twin, req.Feeds)
	if err != nil {
		return engine.FollowHandle{}, err
	}

	follower, err := e.registrar.Register(ctx, req.Follower)
	if err != nil {
		return engine.FollowHandle{}, err
	}
	return e.follow(ctx, follower, req.Twin, feeds, consumer)
}

// follow opens one session group for feeds of model on behalf of a registered
// follower twin.
func (e *Engine) follow(ctx context.Context, follower twin.TwinRef, model twin.TwinModel, feeds []twin.FeedRef, consumer engine.Consumer) (engine.FollowHandle, error) {
	id := uuid.NewString()
	group := follow.NewGroup(follower.TwinID, e.host.DirectoryClient(), e.dispatch(id), e.sessionOptions()...)
	entry := &followEntry{
		info: engine.FollowInfo{
			ID:        id,
			Follower:  follower,
			Twin:      model.Ref(),
			CreatedAt: time.Now().UTC(),
		},
		group:    group,
		consumer: consumer,
	}

	e.mu.Lock()
	if !e.started || e.closed {
		e.mu.Unlock()
		group.Stop()
		return engine.FollowHandle{}, ErrNotStarted
	}
	e.follows[id] = entry
	e.mu.Unlock()

	outcome := group.Follow(ctx, feeds)
	log := e.logger.With(zap.String("follow", id), zap.Stringer("twin", entry.info.Twin))
	if len(outcome.Succeeded) == 0 {
		e.removeFollow(id)
		log.Warn("follow failed", zap.Stringer("outcome", outcome))
		return engine.FollowHandle{FollowInfo: entry.info, Outcome: outcome}, fmt.Errorf("no feed could be followed: %w", outcome.Err())
	}
	log.Info("follow started", zap.Stringer("follower", follower), zap.Stringer("outcome", outcome))
	return engine.FollowHandle{FollowInfo: e.describe(entry), Outcome: outcome}, nil
}

func followedFeeds(model twin.TwinModel, only []string) ([]twin.FeedRef, error) {
	ref := model.Ref()
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var feeds []twin.FeedRef
	if len(only) > 0 {
		seen := make(map[string]bool, len(only))
		for _, id := range only {
			if seen[id] {
				continue
			}
			seen[id] = true
			feeds = append(feeds, ref.Feed(id))
		}
	} else {
		feeds = model.FeedRefs()
	}
	if len(feeds) == 0 {
		return nil, &twin.ValidationError{Field: "feeds", Reason: fmt.Sprintf("twin %s has no feeds to follow", ref)}
	}
	return feeds, nil
}

func (e *Engine) sessionOptions() []follow.SessionOption {
	cfg := e.config.Resubscribe
	opts := []follow.SessionOption{
		follow.WithLogger(e.logger),
		follow.WithBackOff(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.MaxInterval = cfg.MaxInterval
			b.MaxElapsedTime = 0
			return b
		}),
	}
	if e.metrics != nil {
		opts = append(opts, follow.WithMetrics(e.metrics))
	}
	return opts
}

// dispatch turns session messages of one follow into router events.
func (e *Engine) dispatch(followID string) func(follow.Message) {
	return func(msg follow.Message) {
		if msg.Failed() {
			e.router.Post(FeedFailed{FollowID: followID, Interest: msg.Interest, Err: msg.Err})
			return
		}
		e.router.Post(FeedArrived{FollowID: followID, Record: msg.Record})
	}
}

func (e *Engine) consumerOf(followID string) engine.Consumer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if entry, ok := e.follows[followID]; ok {
		return entry.consumer
	}
	return nil
}

func (e *Engine) onFeedArrived(ev FeedArrived) {
	if c := e.consumerOf(ev.FollowID); c != nil {
		c.Record(ev.Record)
	}
}

func (e *Engine) onFeedFailed(ev FeedFailed) {
	e.logger.Warn("feed subscription failed",
		zap.String("follow", ev.FollowID),
		zap.Stringer("interest", ev.Interest),
		zap.Error(ev.Err))
	if c := e.consumerOf(ev.FollowID); c != nil {
		c.Failure(ev.Interest, ev.Err)
	}
}

func (e *Engine) onShareCompleted(ev publish.ShareCompleted) {
	if ev.Err != nil {
		e.sharesFailed.Add(1)
		return
	}
	e.sharesSucceeded.Add(1)
}

// FindAndFollow implements engine.Engine. The follower twin is registered once,
// then every twin found is posted as TwinFound and queued. Queued twins are
// followed after the search ends so the search keeps to its expiry. Twins that
// cannot be followed are reported in the result and do not fail the search.
func (e *Engine) FindAndFollow(ctx context.Context, req engine.FindRequest, consumer engine.Consumer) (engine.FindResult, error) {
	result := engine.FindResult{
		Search:  twin.NewBatchOutcome[twin.TwinModel](0),
		Follows: []engine.FollowHandle{},
		Failed:  []twin.Failure[twin.TwinRef]{},
	}
	if err := e.ready(); err != nil {
		return result, err
	}
	if consumer == nil {
		return result, ErrNilConsumer
	}
	follower, err := e.registrar.Register(ctx, req.Follower)
	if err != nil {
		return result, err
	}

	searchID := uuid.NewString()
	var found []twin.TwinModel
	seen := make(map[twin.TwinRef]bool)
	unsubscribe := eventrouter.Subscribe(e.router, func(ev TwinFound) {
		if ev.SearchID != searchID || seen[ev.Twin.Ref()] {
			return
		}
		seen[ev.Twin.Ref()] = true
		found = append(found, ev.Twin)
	})
	defer unsubscribe()

	filter := req.Filter
	if filter.Expiry <= 0 {
		filter.Expiry = e.config.DefaultSearchExpiry
	}
	outcome, err := e.coordinator.SearchEach(ctx, filter, func(m twin.TwinModel) {
		e.router.Post(TwinFound{SearchID: searchID, Twin: m})
	})
	result.Search = outcome
	if err != nil {
		return result, err
	}

	for _, m := range found {
		handle, err := e.followFound(ctx, follower, m, req.Feeds, consumer)
		if err != nil {
			result.Failed = append(result.Failed, twin.Failure[twin.TwinRef]{Ref: m.Ref(), Reason: err.Error(), Err: err})
			continue
		}
		result.Follows = append(result.Follows, handle)
	}
	e.logger.Info("find and follow finished",
		zap.Int("found", outcome.Total),
		zap.Int("followed", len(result.Follows)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

func (e *Engine) followFound(ctx context.Context, follower twin.TwinRef, model twin.TwinModel, only []string, consumer engine.Consumer) (engine.FollowHandle, error) {
	feeds, err := followedFeeds(model, only)
	if err != nil {
		return engine.FollowHandle{}, err
	}
	return e.follow(ctx, follower, model, feeds, consumer)
}

// StopFollow implements engine.Engine.
func (e *Engine) StopFollow(id string) error {
	if !e.removeFollow(id) {
		return fmt.Errorf("%w: %s", ErrFollowNotFound, id)
	}
	e.logger.Info("follow stopped", zap.String("follow", id))
	return nil
}

func (e *Engine) removeFollow(id string) bool {
	e.mu.Lock()
	entry, ok := e.follows[id]
	delete(e.follows, id)
	e.mu.Unlock()
	if ok {
		entry.group.Stop()
	}
	return ok
}

// FollowInfo returns the description of one active follow.
func (e *Engine) FollowInfo(id string) (engine.FollowInfo, bool) {
	e.mu.RLock()
	entry, ok := e.follows[id]
	e.mu.RUnlock()
	if !ok {
		return engine.FollowInfo{}, false
	}
	return e.describe(entry), true
}

// Follows implements engine.Engine. Follows are ordered by creation time.
func (e *Engine) Follows() []engine.FollowInfo {
	e.mu.RLock()
	entries := make([]*followEntry, 0, len(e.follows))
	for _, entry := range e.follows {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	infos := make([]engine.FollowInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, e.describe(entry))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

func (e *Engine) describe(entry *followEntry) engine.FollowInfo {
	info := entry.info
	states := entry.group.States()
	info.Feeds = make([]engine.FeedState, 0, len(states))
	for _, feed := range entry.group.Feeds() {
		if st, ok := states[feed]; ok {
			info.Feeds = append(info.Feeds, engine.FeedState{Feed: feed, State: st.String()})
		}
	}
	return info
}

// Publish implements engine.Engine. Documents that fail validation are rejected
// without being attempted; the rest are shared as one batch.
func (e *Engine) Publish(ctx context.Context, twins []twin.TwinModel) (engine.PublishReport, error) {
	report := engine.PublishReport{
		Skipped:  []twin.FeedRef{},
		Rejected: []twin.Failure[string]{},
	}
	if err := e.ready(); err != nil {
		return report, err
	}

	valid := make([]twin.TwinModel, 0, len(twins))
	for _, m := range twins {
		err := m.Ref().Validate()
		if err == nil {
			err = m.Validate()
		}
		if err != nil {
			report.Rejected = append(report.Rejected, twin.Failure[string]{Ref: m.ID, Reason: err.Error(), Err: err})
			continue
		}
		valid = append(valid, m)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.PublishTimeout)
	defer cancel()

	pending := e.batch.Start(ctx, twin.PublishItems(valid...))
	outcome, err := pending.Wait(ctx)
	report.BatchID = pending.ID()
	report.Outcome = outcome
	report.Skipped = append(report.Skipped, pending.Skipped()...)
	return report, err
}

// Health implements engine.Engine.
func (e *Engine) Health(ctx context.Context) (engine.HealthStatus, error) {
	e.mu.RLock()
	started, closed := e.started, e.closed
	entries := make([]*followEntry, 0, len(e.follows))
	for _, entry := range e.follows {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	status := engine.HealthStatus{
		Healthy:         started && !closed,
		Follows:         len(entries),
		Sessions:        make(map[string]int),
		SharesSucceeded: e.sharesSucceeded.Load(),
		SharesFailed:    e.sharesFailed.Load(),
	}
	for _, entry := range entries {
		for _, st := range entry.group.States() {
			status.Sessions[st.String()]++
		}
	}
	switch {
	case closed:
		status.Message = "engine closed"
	case !started:
		status.Message = "engine not started"
	default:
		status.Message = "ok"
	}
	return status, nil
}

var _ engine.Engine = (*Engine)(nil)
