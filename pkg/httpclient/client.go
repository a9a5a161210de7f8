// Package httpclient is a Go client for the twinmesh gateway HTTP API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// ErrNotAuthenticated is returned by calls that need a token before Authenticate.
var ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")

// APIError is returned for responses with an error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client provides HTTP client for the gateway API
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    *url.URL

	mu    sync.RWMutex
	token string
}

// NewClient creates a new gateway HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Authenticate authenticates with the gateway and stores the token
func (c *Client) Authenticate(ctx context.Context) error {
	authReq := map[string]string{
		"clientId": c.config.ClientID,
	}

	var authResp AuthResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", authReq, &authResp, false); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.SetToken(authResp.Token)
	return nil
}

// Search runs one bounded search.
func (c *Client) Search(ctx context.Context, query SearchQuery) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.doAuthed(ctx, http.MethodPost, "/api/v1/search", nil, query, &resp); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return &resp, nil
}

// Follow subscribes to the feeds of one twin.
func (c *Client) Follow(ctx context.Context, req engine.FollowRequest) (*engine.FollowHandle, error) {
	var resp engine.FollowHandle
	if err := c.doAuthed(ctx, http.MethodPost, "/api/v1/follows", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to create follow: %w", err)
	}
	return &resp, nil
}

// FindAndFollow follows every twin a search finds.
func (c *Client) FindAndFollow(ctx context.Context, req FindRequest) (*FindResponse, error) {
	var resp FindResponse
	if err := c.doAuthed(ctx, http.MethodPost, "/api/v1/follows/find", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("find and follow failed: %w", err)
	}
	return &resp, nil
}

// ListFollows returns the follows this client created.
func (c *Client) ListFollows(ctx context.Context) ([]engine.FollowInfo, error) {
	var resp FollowsListResponse
	if err := c.doAuthed(ctx, http.MethodGet, "/api/v1/follows", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}
	return resp.Follows, nil
}

// GetFollow describes one follow.
func (c *Client) GetFollow(ctx context.Context, followID string) (*engine.FollowInfo, error) {
	var resp engine.FollowInfo
	if err := c.doAuthed(ctx, http.MethodGet, followPath(followID), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get follow: %w", err)
	}
	return &resp, nil
}

// StopFollow ends a follow.
func (c *Client) StopFollow(ctx context.Context, followID string) error {
	if err := c.doAuthed(ctx, http.MethodDelete, followPath(followID), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to stop follow: %w", err)
	}
	return nil
}

// ReadRecords reads the events of a follow starting at offset. A limit of zero
// uses the server default.
func (c *Client) ReadRecords(ctx context.Context, followID string, offset int64, limit int) (*ReadRecordsResponse, error) {
	query := url.Values{}
	if offset > 0 {
		query.Set("offset", strconv.FormatInt(offset, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp ReadRecordsResponse
	if err := c.doAuthed(ctx, http.MethodGet, followPath(followID)+"/records", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return &resp, nil
}

// Publish shares the populated feed values of each twin document.
func (c *Client) Publish(ctx context.Context, twins ...twin.TwinModel) (*engine.PublishReport, error) {
	var resp engine.PublishReport
	if err := c.doAuthed(ctx, http.MethodPost, "/api/v1/publish", nil, twins, &resp); err != nil {
		return nil, fmt.Errorf("failed to publish: %w", err)
	}
	return &resp, nil
}

// GetHealth returns the health status of the gateway. An unhealthy engine is
// reported through the response, not as an error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp, false)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && resp.Message != "") {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// AdminListFollows returns every follow (admin only)
func (c *Client) AdminListFollows(ctx context.Context) ([]engine.FollowInfo, error) {
	var resp FollowsListResponse
	if err := c.doAuthed(ctx, http.MethodGet, "/api/v1/admin/follows", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list all follows: %w", err)
	}
	return resp.Follows, nil
}

func followPath(id string) string {
	return "/api/v1/follows/" + url.PathEscape(id)
}

func (c *Client) doAuthed(ctx context.Context, method, path string, query url.Values, reqBody, respBody any) error {
	if !c.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	return c.doRequestWithQuery(ctx, method, path, query, reqBody, respBody, true)
}

// doRequestWithQuery performs an HTTP request with query parameters and optional authentication
func (c *Client) doRequestWithQuery(ctx context.Context, method, path string, queryParams url.Values, reqBody any, respBody any, requireAuth bool) error {
	u := &url.URL{Path: path}
	if len(queryParams) > 0 {
		u.RawQuery = queryParams.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u)

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.GetToken(); requireAuth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bodyBytes)}
		var errResp ErrorResponse
		if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		// Health reports its status in the body even when unhealthy.
		if respBody != nil {
			_ = json.Unmarshal(bodyBytes, respBody)
		}
		return apiErr
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// doRequest performs an HTTP request with optional authentication
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any, respBody any, requireAuth bool) error {
	return c.doRequestWithQuery(ctx, method, path, nil, reqBody, respBody, requireAuth)
}

// IsAuthenticated returns whether the client has a valid token
func (c *Client) IsAuthenticated() bool {
	return c.GetToken() != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}
