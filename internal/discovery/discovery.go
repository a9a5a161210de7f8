// Package discovery locates the directory endpoints of a host.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
)

var (
	// ErrEmptyAddress is returned when no gRPC address can be determined
	ErrEmptyAddress = errors.New("grpc address cannot be empty")
	// ErrEmptyHost is returned when a host index is built without a host
	ErrEmptyHost = errors.New("host DNS name cannot be empty")
	// ErrMalformedIndex is returned when the host index lacks a grpc entry
	ErrMalformedIndex = errors.New("host index has no grpc endpoint")
)

// Endpoints are the service addresses published by a host.
type Endpoints struct {
	GRPC     string `json:"grpc"`
	Resolver string `json:"resolver"`
}

// Resolver defines the interface for endpoint discovery mechanisms
type Resolver interface {
	// Resolve returns the endpoints of the host
	Resolve(ctx context.Context) (Endpoints, error)
}

// Static implements Resolver with fixed endpoints.
type Static struct {
	endpoints Endpoints
}

// NewStatic creates a resolver always returning the given gRPC address.
func NewStatic(grpcAddress string) *Static {
	return &Static{endpoints: Endpoints{GRPC: grpcAddress}}
}

// Resolve returns the configured endpoints.
func (s *Static) Resolve(ctx context.Context) (Endpoints, error) {
	if s.endpoints.GRPC == "" {
		return Endpoints{}, ErrEmptyAddress
	}
	return s.endpoints, nil
}

// HostIndex resolves endpoints from the index.json document a host serves at
// its root.
type HostIndex struct {
	baseURL    string
	httpClient *http.Client
	maxElapsed time.Duration
}

// HostIndexOption configures a HostIndex.
type HostIndexOption func(*HostIndex)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) HostIndexOption {
	return func(h *HostIndex) { h.httpClient = c }
}

// WithMaxElapsed bounds the time spent retrying failed fetches. Zero disables retries.
func WithMaxElapsed(d time.Duration) HostIndexOption {
	return func(h *HostIndex) { h.maxElapsed = d }
}

// NewHostIndex creates a resolver for hostDNS. A bare name is reached over https;
// a value with a scheme is used as given.
func NewHostIndex(hostDNS string, opts ...HostIndexOption) (*HostIndex, error) {
	hostDNS = strings.TrimRight(strings.TrimSpace(hostDNS), "/")
	if hostDNS == "" {
		return nil, ErrEmptyHost
	}
	if !strings.Contains(hostDNS, "://") {
		hostDNS = "https://" + hostDNS
	}
	h := &HostIndex{
		baseURL:    hostDNS,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxElapsed: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Resolve fetches and parses index.json. Server errors and transport failures
// are retried with exponential backoff; a 4xx response or a malformed document
// is returned at once.
func (h *HostIndex) Resolve(ctx context.Context) (Endpoints, error) {
	var endpoints Endpoints
	operation := func() error {
		var err error
		endpoints, err = h.fetch(ctx)
		return err
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if h.maxElapsed > 0 {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = h.maxElapsed
		policy = b
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return Endpoints{}, fmt.Errorf("resolving %s: %w", h.baseURL, err)
	}
	return endpoints, nil
}

func (h *HostIndex) fetch(ctx context.Context) (Endpoints, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/index.json", nil)
	if err != nil {
		return Endpoints{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Endpoints{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Endpoints{}, err
	}
	if resp.StatusCode >= 500 {
		return Endpoints{}, fmt.Errorf("host index returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Endpoints{}, backoff.Permanent(fmt.Errorf("host index returned %s", resp.Status))
	}
	if !gjson.ValidBytes(body) {
		return Endpoints{}, backoff.Permanent(fmt.Errorf("%w: invalid JSON", ErrMalformedIndex))
	}

	doc := gjson.ParseBytes(body)
	endpoints := Endpoints{
		GRPC:     strings.TrimSpace(doc.Get("grpc").String()),
		Resolver: strings.TrimSpace(doc.Get("resolver").String()),
	}
	if endpoints.GRPC == "" {
		return Endpoints{}, backoff.Permanent(ErrMalformedIndex)
	}
	return endpoints, nil
}

var (
	_ Resolver = (*Static)(nil)
	_ Resolver = (*HostIndex)(nil)
)
