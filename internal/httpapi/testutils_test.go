package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	engineimpl "github.com/rmacdonaldsmith/twinmesh-go/internal/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// fakeEngine records requests and hands their consumers back to the test.
type fakeEngine struct {
	mu        sync.Mutex
	follows   map[string]engine.FollowInfo
	consumers map[string]engine.Consumer
	next      int

	lastFilter twin.SearchFilter
	lastFollow engine.FollowRequest
	published  []twin.TwinModel

	searchResult twin.BatchOutcome[twin.TwinModel]
	searchErr    error
	followErr    error
	findTwins    []twin.TwinModel
	publishErr   error
	unhealthy    bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		follows:      make(map[string]engine.FollowInfo),
		consumers:    make(map[string]engine.Consumer),
		searchResult: twin.NewBatchOutcome[twin.TwinModel](0),
	}
}

func (f *fakeEngine) Close() error                    { return nil }
func (f *fakeEngine) Start(ctx context.Context) error { return nil }
func (f *fakeEngine) Stop(ctx context.Context) error  { return nil }

func (f *fakeEngine) Search(ctx context.Context, filter twin.SearchFilter) (twin.BatchOutcome[twin.TwinModel], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	return f.searchResult, f.searchErr
}

func (f *fakeEngine) Follow(ctx context.Context, req engine.FollowRequest, consumer engine.Consumer) (engine.FollowHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFollow = req
	if f.followErr != nil {
		return engine.FollowHandle{}, f.followErr
	}
	if err := req.Twin.Ref().Validate(); err != nil {
		return engine.FollowHandle{}, err
	}
	f.next++
	info := engine.FollowInfo{
		ID:        fmt.Sprintf("follow-%d", f.next),
		Follower:  twin.TwinRef{HostID: "host-1", TwinID: req.Follower.KeyName},
		Twin:      req.Twin.Ref(),
		CreatedAt: time.Now().UTC().Add(time.Duration(f.next) * time.Millisecond),
	}
	outcome := twin.NewBatchOutcome[twin.FeedRef](len(req.Twin.Feeds))
	for _, ref := range req.Twin.FeedRefs() {
		info.Feeds = append(info.Feeds, engine.FeedState{Feed: ref, State: "STREAMING"})
		outcome.Succeed(ref)
	}
	f.follows[info.ID] = info
	f.consumers[info.ID] = consumer
	return engine.FollowHandle{FollowInfo: info, Outcome: outcome}, nil
}

func (f *fakeEngine) FindAndFollow(ctx context.Context, req engine.FindRequest, consumer engine.Consumer) (engine.FindResult, error) {
	result := engine.FindResult{
		Search:  twin.NewBatchOutcome[twin.TwinModel](len(f.findTwins)),
		Follows: []engine.FollowHandle{},
		Failed:  []twin.Failure[twin.TwinRef]{},
	}
	for _, m := range f.findTwins {
		result.Search.Succeed(m)
		if len(m.Feeds) == 0 {
			result.Failed = append(result.Failed, twin.Failure[twin.TwinRef]{Ref: m.Ref(), Reason: "no feeds"})
			continue
		}
		handle, err := f.Follow(ctx, engine.FollowRequest{Follower: req.Follower, Twin: m, Feeds: req.Feeds}, consumer)
		if err != nil {
			return result, err
		}
		result.Follows = append(result.Follows, handle)
	}
	return result, nil
}

func (f *fakeEngine) StopFollow(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.follows[id]; !ok {
		return fmt.Errorf("%w: %s", engineimpl.ErrFollowNotFound, id)
	}
	delete(f.follows, id)
	delete(f.consumers, id)
	return nil
}

func (f *fakeEngine) Follows() []engine.FollowInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.FollowInfo, 0, len(f.follows))
	for _, info := range f.follows {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (f *fakeEngine) Publish(ctx context.Context, twins []twin.TwinModel) (engine.PublishReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, twins...)
	if f.publishErr != nil {
		return engine.PublishReport{}, f.publishErr
	}
	items := twin.PublishItems(twins...)
	report := engine.PublishReport{
		BatchID:  "batch-1",
		Outcome:  twin.NewBatchOutcome[twin.FeedRef](0),
		Skipped:  []twin.FeedRef{},
		Rejected: []twin.Failure[string]{},
	}
	for _, item := range items {
		if item.Empty() {
			report.Skipped = append(report.Skipped, item.Feed)
			continue
		}
		report.Outcome.Total++
		report.Outcome.Succeed(item.Feed)
	}
	return report, nil
}

func (f *fakeEngine) Health(ctx context.Context) (engine.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.HealthStatus{
		Healthy:  !f.unhealthy,
		Follows:  len(f.follows),
		Sessions: map[string]int{"STREAMING": len(f.follows)},
		Message:  "ok",
	}, nil
}

func (f *fakeEngine) consumer(id string) engine.Consumer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumers[id]
}

var _ engine.Engine = (*fakeEngine)(nil)

// testSetup holds a server over a fake engine
type testSetup struct {
	engine   *fakeEngine
	server   *Server
	handler  http.Handler
	registry *prometheus.Registry
}

func newTestSetup(t *testing.T, mutate ...func(*Config)) *testSetup {
	t.Helper()
	config := Config{SecretKey: "test-secret-key", KeepAlive: 50 * time.Millisecond}
	for _, m := range mutate {
		m(&config)
	}
	eng := newFakeEngine()
	registry := prometheus.NewRegistry()
	server, err := NewServer(eng, config, WithLogger(zaptest.NewLogger(t)), WithGatherer(registry))
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Store().Close() })
	return &testSetup{engine: eng, server: server, handler: server.Routes(), registry: registry}
}

func (s *testSetup) token(t *testing.T, clientID string) string {
	t.Helper()
	token, _, err := s.server.Auth().GenerateToken(clientID, clientID == "admin")
	require.NoError(t, err)
	return token
}

// do sends a request with an optional JSON body and bearer token.
func (s *testSetup) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

func sensorTwin(id string) twin.TwinModel {
	return twin.TwinModel{
		HostID:     "host-1",
		ID:         id,
		Properties: []twin.Property{twin.StringProperty(twin.RDFSLabel, "sensor "+id)},
		Feeds: []twin.Port{
			{ID: "reading", StoreLast: true, Values: []twin.NamedValue{{Label: "temperature"}}},
		},
	}
}

func reading(ref twin.TwinRef, value string) twin.FeedRecord {
	return twin.FeedRecord{
		FollowerTwinID: "gateway-alice",
		Feed:           ref.Feed("reading"),
		MimeType:       twin.DefaultMimeType,
		OccurredAt:     time.Now().UTC(),
		Payload:        []byte(fmt.Sprintf(`{"temperature":%q}`, value)),
	}
}
