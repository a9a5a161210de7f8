package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engineimpl "github.com/rmacdonaldsmith/twinmesh-go/internal/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

func TestLogin(t *testing.T) {
	s := newTestSetup(t)

	t.Run("issues_token", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "alice"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decode[AuthResponse](t, rr)
		assert.Equal(t, "alice", resp.ClientID)

		claims, err := s.server.Auth().ValidateToken(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.ClientID)
		assert.False(t, claims.IsAdmin)
	})

	t.Run("admin_client", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "admin"})
		require.Equal(t, http.StatusOK, rr.Code)
		claims, err := s.server.Auth().ValidateToken(decode[AuthResponse](t, rr).Token)
		require.NoError(t, err)
		assert.True(t, claims.IsAdmin)
	})

	t.Run("missing_client_id", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("malformed_body", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/auth/login", "", "{not json")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "Bad Request", decode[ErrorResponse](t, rr).Error)
	})
}

func TestAuthRequired(t *testing.T) {
	s := newTestSetup(t)

	t.Run("missing_token", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/api/v1/follows", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("invalid_token", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/api/v1/follows", "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("admin_route_needs_admin", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/api/v1/admin/follows", s.token(t, "alice"), nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		rr = s.do(t, http.MethodGet, "/api/v1/admin/follows", s.token(t, "admin"), nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("no_auth_mode", func(t *testing.T) {
		dev := newTestSetup(t, func(c *Config) { c.NoAuth = true; c.SecretKey = "" })
		rr := dev.do(t, http.MethodPost, "/api/v1/follows", "", engine.FollowRequest{Twin: sensorTwin("s-1")})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		assert.Equal(t, "gateway-"+DevClientID, dev.engine.lastFollow.Follower.KeyName)

		// Admin routes are never opened by no-auth mode.
		rr = dev.do(t, http.MethodGet, "/api/v1/admin/follows", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestNewServer_RequiresSecret(t *testing.T) {
	_, err := NewServer(newFakeEngine(), Config{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestSearch(t *testing.T) {
	s := newTestSetup(t)
	token := s.token(t, "alice")
	s.engine.searchResult.Succeed(sensorTwin("s-1"))
	s.engine.searchResult.Total = 1

	t.Run("parses_filter", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/search", token,
			`{"text":"sensor","location":{"r":5,"lat":51.5,"lon":-0.1},"expiryTimeout":2}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		resp := decode[SearchResponse](t, rr)
		assert.Equal(t, 1, resp.Count)
		assert.Equal(t, "s-1", resp.Twins[0].ID)
		assert.Equal(t, "sensor", s.engine.lastFilter.Text)
		require.NotNil(t, s.engine.lastFilter.Location)
		assert.Equal(t, 5.0, s.engine.lastFilter.Location.RadiusKm)
	})

	t.Run("empty_body_searches_everything", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/search", token, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, s.engine.lastFilter.Text)
	})

	t.Run("invalid_filter", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/search", token, `{"location":{"r":-1,"lat":0,"lon":0}}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("engine_error", func(t *testing.T) {
		s.engine.searchErr = directory.NewError("Search", directory.ErrTransport, errors.New("down"))
		defer func() { s.engine.searchErr = nil }()
		rr := s.do(t, http.MethodPost, "/api/v1/search", token, `{}`)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})
}

func TestFollowLifecycle(t *testing.T) {
	s := newTestSetup(t)
	alice := s.token(t, "alice")
	bob := s.token(t, "bob")

	rr := s.do(t, http.MethodPost, "/api/v1/follows", alice, engine.FollowRequest{Twin: sensorTwin("s-1")})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	handle := decode[engine.FollowHandle](t, rr)
	assert.Equal(t, "s-1", handle.Twin.TwinID)
	assert.Len(t, handle.Outcome.Succeeded, 1)
	assert.Equal(t, "gateway-alice", s.engine.lastFollow.Follower.KeyName, "default follower")

	consumer := s.engine.consumer(handle.ID)
	require.NotNil(t, consumer)
	consumer.Record(reading(handle.Twin, "20"))
	consumer.Record(reading(handle.Twin, "21"))
	consumer.Failure(twin.Interest{FollowedFeed: handle.Twin.Feed("reading")}, errors.New("stream ended"))

	t.Run("list_own_follows", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/api/v1/follows", alice, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode[FollowsListResponse](t, rr).Follows, 1)

		rr = s.do(t, http.MethodGet, "/api/v1/follows", bob, nil)
		assert.Empty(t, decode[FollowsListResponse](t, rr).Follows)
	})

	t.Run("get_follow", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/api/v1/follows/"+handle.ID, alice, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, handle.ID, decode[engine.FollowInfo](t, rr).ID)
	})

	t.Run("read_records", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/api/v1/follows/"+handle.ID+"/records", alice, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decode[ReadRecordsResponse](t, rr)
		require.Equal(t, 3, resp.Count)
		assert.Equal(t, int64(3), resp.NextOffset)
		require.NotNil(t, resp.Events[0].Record)
		assert.JSONEq(t, `{"temperature":"20"}`, string(resp.Events[0].Record.Payload))
		assert.Equal(t, "reading", resp.Events[1].Record.Feed.FeedID)
		require.NotNil(t, resp.Events[2].Failure)
		assert.Equal(t, "stream ended", resp.Events[2].Failure.Reason)
	})

	t.Run("read_records_paged", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/api/v1/follows/"+handle.ID+"/records?offset=1&limit=1", alice, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[ReadRecordsResponse](t, rr)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, int64(1), resp.Events[0].Offset)
		assert.Equal(t, int64(2), resp.NextOffset)
	})

	t.Run("read_records_bad_params", func(t *testing.T) {
		for _, query := range []string{"?offset=-1", "?limit=0", "?limit=5000", "?offset=abc"} {
			rr := s.do(t, http.MethodGet, "/api/v1/follows/"+handle.ID+"/records"+query, alice, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code, query)
		}
	})

	t.Run("other_client_forbidden", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/api/v1/follows/"+handle.ID+"/records", bob, nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		rr = s.do(t, http.MethodDelete, "/api/v1/follows/"+handle.ID, bob, nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("admin_sees_everything", func(t *testing.T) {
		admin := s.token(t, "admin")
		rr := s.do(t, http.MethodGet, "/api/v1/admin/follows", admin, nil)
		assert.Len(t, decode[FollowsListResponse](t, rr).Follows, 1)
		rr = s.do(t, http.MethodGet, "/api/v1/follows/"+handle.ID, admin, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rr := s.do(t, http.MethodDelete, "/api/v1/follows/"+handle.ID, alice, nil)
		require.Equal(t, http.StatusNoContent, rr.Code)
		assert.Empty(t, s.engine.Follows())

		rr = s.do(t, http.MethodGet, "/api/v1/follows/"+handle.ID+"/records", alice, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		rr = s.do(t, http.MethodDelete, "/api/v1/follows/"+handle.ID, alice, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestCreateFollow_Errors(t *testing.T) {
	s := newTestSetup(t)
	token := s.token(t, "alice")

	t.Run("malformed_body", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/follows", token, "[1,2")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("validation_error", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/follows", token, engine.FollowRequest{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("registration_failure", func(t *testing.T) {
		s.engine.followErr = directory.NewError("UpsertTwin", directory.ErrRemote, errors.New("rejected"))
		defer func() { s.engine.followErr = nil }()
		rr := s.do(t, http.MethodPost, "/api/v1/follows", token, engine.FollowRequest{Twin: sensorTwin("s-1")})
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Contains(t, decode[ErrorResponse](t, rr).Message, "rejected")
	})
}

func TestFindAndFollow(t *testing.T) {
	s := newTestSetup(t)
	token := s.token(t, "alice")
	bare := twin.TwinModel{HostID: "host-1", ID: "bare"}
	s.engine.findTwins = []twin.TwinModel{sensorTwin("s-1"), bare, sensorTwin("s-2")}

	rr := s.do(t, http.MethodPost, "/api/v1/follows/find", token,
		`{"filter":{"text":"sensor"},"follower":{"label":"wall","comment":"wall display","keyName":"wall"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decode[FindResponse](t, rr)
	assert.Equal(t, 3, resp.Found)
	require.Len(t, resp.Follows, 2)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, "bare", resp.Failed[0].Ref.TwinID)
	assert.Equal(t, "wall", s.engine.lastFollow.Follower.KeyName)

	// Records of each twin land on that twin's follow only.
	first, second := resp.Follows[0], resp.Follows[1]
	s.engine.consumer(first.ID).Record(reading(first.Twin, "1"))
	s.engine.consumer(second.ID).Record(reading(second.Twin, "2"))
	s.engine.consumer(second.ID).Record(reading(second.Twin, "3"))

	rr = s.do(t, http.MethodGet, "/api/v1/follows/"+first.ID+"/records", token, nil)
	assert.Equal(t, 1, decode[ReadRecordsResponse](t, rr).Count)
	rr = s.do(t, http.MethodGet, "/api/v1/follows/"+second.ID+"/records", token, nil)
	assert.Equal(t, 2, decode[ReadRecordsResponse](t, rr).Count)

	t.Run("invalid_filter", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/follows/find", token, `{"filter":{"scope":"galaxy"}}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestPublish(t *testing.T) {
	s := newTestSetup(t)
	token := s.token(t, "alice")

	populated := sensorTwin("s-1")
	populated.Feeds[0].SetShares(map[string]string{"temperature": "21.5"})

	t.Run("single_document", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/publish", token, populated)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		report := decode[engine.PublishReport](t, rr)
		assert.Equal(t, "batch-1", report.BatchID)
		assert.Len(t, report.Outcome.Succeeded, 1)
	})

	t.Run("document_array", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/publish", token, []twin.TwinModel{populated, sensorTwin("s-2")})
		require.Equal(t, http.StatusOK, rr.Code)
		report := decode[engine.PublishReport](t, rr)
		assert.Len(t, report.Outcome.Succeeded, 1)
		assert.Len(t, report.Skipped, 1, "unpopulated feed is skipped")
	})

	t.Run("malformed_document", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/api/v1/publish", token, `{"id":`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		rr = s.do(t, http.MethodPost, "/api/v1/publish", token, ``)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("engine_not_started", func(t *testing.T) {
		s.engine.publishErr = engineimpl.ErrNotStarted
		defer func() { s.engine.publishErr = nil }()
		rr := s.do(t, http.MethodPost, "/api/v1/publish", token, populated)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestHealth(t *testing.T) {
	s := newTestSetup(t)

	rr := s.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthResponse](t, rr)
	assert.True(t, resp.Healthy)
	assert.Equal(t, Version, resp.Version)

	s.engine.unhealthy = true
	rr = s.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRootAndUnknownRoutes(t *testing.T) {
	s := newTestSetup(t)

	rr := s.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "/api/v1/follows/{id}/stream")

	rr = s.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodPut, "/api/v1/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = s.do(t, http.MethodOptions, "/api/v1/follows", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestSetup(t)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "twinmesh_test_total", Help: "test"})
	s.registry.MustRegister(counter)
	counter.Inc()

	rr := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "twinmesh_test_total 1"), rr.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&twin.ValidationError{Field: "x", Reason: "bad"}, http.StatusBadRequest},
		{fmt.Errorf("%w: f", engineimpl.ErrFollowNotFound), http.StatusNotFound},
		{engineimpl.ErrClosed, http.StatusServiceUnavailable},
		{directory.NewError("Publish", directory.ErrTimeout, nil), http.StatusGatewayTimeout},
		{directory.NewError("Search", directory.ErrInterrupted, nil), http.StatusServiceUnavailable},
		{directory.NewError("FetchInterest", directory.ErrAuthExpired, nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRecovery(t *testing.T) {
	m := NewMiddleware(NewJWTAuth("x"), false, nil)
	h := m.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	s := &testSetup{handler: h}
	rr := s.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
