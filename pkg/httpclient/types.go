package httpclient

import (
	"encoding/json"
	"time"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the gateway HTTP API (e.g., "http://localhost:8080")
	ServerURL string

	// ClientID is the identifier for this client
	ClientID string

	// Timeout for HTTP requests. Streams are not bound by it.
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Location restricts a search to a circle, radius in kilometres.
type Location struct {
	RadiusKm float64 `json:"r"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// SearchQuery is a search request document. Zero fields are left to the server.
type SearchQuery struct {
	Text     string    `json:"text,omitempty"`
	Location *Location `json:"location,omitempty"`
	// Properties holds property matchers as a JSON array.
	Properties   json.RawMessage `json:"properties,omitempty"`
	Scope        string          `json:"scope,omitempty"`
	ResponseType string          `json:"responseType,omitempty"`
	// ExpiryTimeout bounds the search, in seconds.
	ExpiryTimeout float64 `json:"expiryTimeout,omitempty"`
}

// SearchResponse lists the twins a search found.
type SearchResponse struct {
	Twins  []twin.TwinModel               `json:"twins"`
	Count  int                            `json:"count"`
	Failed []twin.Failure[twin.TwinModel] `json:"failed,omitempty"`
}

// FindRequest asks the gateway to follow every twin a search finds.
type FindRequest struct {
	Filter   SearchQuery       `json:"filter"`
	Follower twin.FollowerSpec `json:"follower,omitempty"`
	Feeds    []string          `json:"feeds,omitempty"`
}

// FindResponse is the result of a find-and-follow request.
type FindResponse struct {
	Found   int                          `json:"found"`
	Follows []engine.FollowHandle        `json:"follows"`
	Failed  []twin.Failure[twin.TwinRef] `json:"failed"`
}

// FollowsListResponse lists follows.
type FollowsListResponse struct {
	Follows []engine.FollowInfo `json:"follows"`
}

// FeedFailure reports a feed subscription that ended with an error.
type FeedFailure struct {
	Interest twin.Interest `json:"interest"`
	Reason   string        `json:"reason"`
	At       time.Time     `json:"at"`
}

// StreamMessage is one event of a follow: a record or a failure.
type StreamMessage struct {
	Offset    int64            `json:"offset"`
	Timestamp time.Time        `json:"timestamp"`
	Record    *twin.FeedRecord `json:"record,omitempty"`
	Failure   *FeedFailure     `json:"failure,omitempty"`
}

// ReadRecordsResponse represents a page of a follow's events.
type ReadRecordsResponse struct {
	FollowID    string          `json:"followId"`
	Events      []StreamMessage `json:"events"`
	StartOffset int64           `json:"startOffset"`
	NextOffset  int64           `json:"nextOffset"`
	Count       int             `json:"count"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	engine.HealthStatus
	Version string `json:"version"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
