package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// Request/Response types for the HTTP API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string `json:"clientId"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SearchResponse is returned by POST /api/v1/search.
type SearchResponse struct {
	Twins  []twin.TwinModel               `json:"twins"`
	Count  int                            `json:"count"`
	Failed []twin.Failure[twin.TwinModel] `json:"failed,omitempty"`
}

// FollowsListResponse lists follows.
type FollowsListResponse struct {
	Follows []engine.FollowInfo `json:"follows"`
}

// FindResponse is returned by POST /api/v1/follows/find.
type FindResponse struct {
	Found   int                          `json:"found"`
	Follows []engine.FollowHandle        `json:"follows"`
	Failed  []twin.Failure[twin.TwinRef] `json:"failed"`
}

// StreamMessage is one follow event as sent to clients.
type StreamMessage struct {
	Offset    int64     `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
	StreamEvent
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
