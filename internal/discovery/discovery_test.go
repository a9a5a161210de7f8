package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStatic_Resolve tests the static resolver contract
func TestStatic_Resolve(t *testing.T) {
	endpoints, err := NewStatic("host:10001").Resolve(context.Background())
	if err != nil {
		t.Fatalf("Expected no error from Resolve, got %v", err)
	}
	if endpoints.GRPC != "host:10001" {
		t.Errorf("Expected grpc address 'host:10001', got '%s'", endpoints.GRPC)
	}

	if _, err := NewStatic("").Resolve(context.Background()); err != ErrEmptyAddress {
		t.Errorf("Expected ErrEmptyAddress, got %v", err)
	}
}

func TestHostIndex_Resolve(t *testing.T) {
	t.Run("parses_index", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/index.json", r.URL.Path)
			_, _ = w.Write([]byte(`{"resolver":"https://resolver.example","grpc":"grpc.example:10001","version":"1"}`))
		}))
		defer srv.Close()

		h, err := NewHostIndex(srv.URL + "/")
		require.NoError(t, err)
		endpoints, err := h.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Endpoints{GRPC: "grpc.example:10001", Resolver: "https://resolver.example"}, endpoints)
	})

	t.Run("retries_server_errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"grpc":"g:1"}`))
		}))
		defer srv.Close()

		h, err := NewHostIndex(srv.URL, WithMaxElapsed(5*time.Second))
		require.NoError(t, err)
		endpoints, err := h.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "g:1", endpoints.GRPC)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("malformed_is_permanent", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			_, _ = w.Write([]byte(`{"resolver":"r"}`))
		}))
		defer srv.Close()

		h, err := NewHostIndex(srv.URL)
		require.NoError(t, err)
		_, err = h.Resolve(context.Background())
		assert.ErrorIs(t, err, ErrMalformedIndex)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("not_found_is_permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		h, err := NewHostIndex(srv.URL)
		require.NoError(t, err)
		_, err = h.Resolve(context.Background())
		assert.ErrorContains(t, err, "404")
	})

	t.Run("empty_host", func(t *testing.T) {
		_, err := NewHostIndex("  ")
		assert.ErrorIs(t, err, ErrEmptyHost)
	})
}
