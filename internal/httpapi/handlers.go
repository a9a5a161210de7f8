package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	engineimpl "github.com/rmacdonaldsmith/twinmesh-go/internal/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/feedlog"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

const (
	defaultReadLimit = 100
	maxReadLimit     = 1000
	maxBodyBytes     = 4 << 20
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	engine    engine.Engine
	store     *FollowStore
	jwtAuth   *JWTAuth
	logger    *zap.Logger
	keepAlive time.Duration
}

// NewHandlers creates a new handlers instance
func NewHandlers(eng engine.Engine, store *FollowStore, jwtAuth *JWTAuth, logger *zap.Logger, keepAlive time.Duration) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		engine:    eng,
		store:     store,
		jwtAuth:   jwtAuth,
		logger:    logger,
		keepAlive: keepAlive,
	}
}

// Auth endpoints

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		writeError(w, "clientId is required", http.StatusBadRequest)
		return
	}

	// Simple clientId-based authentication; "admin" gets admin rights.
	isAdmin := req.ClientID == "admin"
	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, isAdmin)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, AuthResponse{Token: token, ClientID: req.ClientID, ExpiresAt: expiresAt}, http.StatusOK)
}

// Search handles POST /api/v1/search
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	filter, err := twin.ParseSearchRequest(body, twin.SearchFilter{})
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := h.engine.Search(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "search failed", err)
		return
	}
	writeJSON(w, SearchResponse{
		Twins:  outcome.Succeeded,
		Count:  len(outcome.Succeeded),
		Failed: outcome.Failed,
	}, http.StatusOK)
}

// Follow endpoints

// defaultFollower fills in a follower twin for requests that do not name one.
func defaultFollower(spec twin.FollowerSpec, clientID string) twin.FollowerSpec {
	if spec.Label == "" {
		spec.Label = "twinmesh gateway follower " + clientID
	}
	if spec.Comment == "" {
		spec.Comment = "Follows feeds on behalf of gateway client " + clientID
	}
	if spec.KeyName == "" {
		spec.KeyName = "gateway-" + clientID
	}
	return spec
}

// CreateFollow handles POST /api/v1/follows
func (h *Handlers) CreateFollow(w http.ResponseWriter, r *http.Request) {
	var req engine.FollowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	clientID := GetClientID(r)
	req.Follower = defaultFollower(req.Follower, clientID)

	request := h.store.NewRequest()
	handle, err := h.engine.Follow(r.Context(), req, h.store.Consumer(request))
	if err != nil {
		h.store.Drop(request, req.Twin.Ref())
		h.writeEngineError(w, "follow failed", err)
		return
	}
	h.store.Bind(request, handle.FollowInfo, clientID)

	h.logger.Info("follow created",
		zap.String("follow", handle.ID),
		zap.String("client", clientID),
		zap.Stringer("twin", handle.Twin),
		zap.Stringer("outcome", handle.Outcome))
	writeJSON(w, handle, http.StatusCreated)
}

// FindAndFollow handles POST /api/v1/follows/find
func (h *Handlers) FindAndFollow(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var envelope struct {
		Filter   json.RawMessage   `json:"filter"`
		Follower twin.FollowerSpec `json:"follower"`
		Feeds    []string          `json:"feeds"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(envelope.Filter) == 0 {
		envelope.Filter = json.RawMessage("{}")
	}
	filter, err := twin.ParseSearchRequest(envelope.Filter, twin.SearchFilter{})
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	clientID := GetClientID(r)
	req := engine.FindRequest{
		Filter:   filter,
		Follower: defaultFollower(envelope.Follower, clientID),
		Feeds:    envelope.Feeds,
	}
	request := h.store.NewRequest()
	result, err := h.engine.FindAndFollow(r.Context(), req, h.store.Consumer(request))
	for _, handle := range result.Follows {
		h.store.Bind(request, handle.FollowInfo, clientID)
	}
	for _, failed := range result.Failed {
		h.store.Drop(request, failed.Ref)
	}
	if err != nil && len(result.Follows) == 0 {
		h.writeEngineError(w, "find and follow failed", err)
		return
	}

	writeJSON(w, FindResponse{
		Found:   len(result.Search.Succeeded),
		Follows: result.Follows,
		Failed:  result.Failed,
	}, http.StatusOK)
}

// ListFollows handles GET /api/v1/follows. Clients see the follows they created.
func (h *Handlers) ListFollows(w http.ResponseWriter, r *http.Request) {
	clientID := GetClientID(r)
	follows := make([]engine.FollowInfo, 0)
	for _, info := range h.engine.Follows() {
		if owner, ok := h.store.Owner(info.ID); ok && owner == clientID {
			follows = append(follows, info)
		}
	}
	writeJSON(w, FollowsListResponse{Follows: follows}, http.StatusOK)
}

// AdminListFollows handles GET /api/v1/admin/follows
func (h *Handlers) AdminListFollows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, FollowsListResponse{Follows: h.engine.Follows()}, http.StatusOK)
}

// ownedFollow resolves the follow named in the path, enforcing ownership.
func (h *Handlers) ownedFollow(w http.ResponseWriter, r *http.Request) (engine.FollowInfo, bool) {
	id := chi.URLParam(r, "id")
	owner, bound := h.store.Owner(id)
	if !bound {
		writeError(w, fmt.Sprintf("follow %s not found", id), http.StatusNotFound)
		return engine.FollowInfo{}, false
	}
	if owner != GetClientID(r) && !IsAdmin(r) {
		writeError(w, "follow belongs to another client", http.StatusForbidden)
		return engine.FollowInfo{}, false
	}
	for _, info := range h.engine.Follows() {
		if info.ID == id {
			return info, true
		}
	}
	// The engine no longer knows it, e.g. after a restart.
	h.store.Unbind(id)
	writeError(w, fmt.Sprintf("follow %s not found", id), http.StatusNotFound)
	return engine.FollowInfo{}, false
}

// GetFollow handles GET /api/v1/follows/{id}
func (h *Handlers) GetFollow(w http.ResponseWriter, r *http.Request) {
	info, ok := h.ownedFollow(w, r)
	if !ok {
		return
	}
	writeJSON(w, info, http.StatusOK)
}

// DeleteFollow handles DELETE /api/v1/follows/{id}
func (h *Handlers) DeleteFollow(w http.ResponseWriter, r *http.Request) {
	info, ok := h.ownedFollow(w, r)
	if !ok {
		return
	}
	if err := h.engine.StopFollow(info.ID); err != nil {
		h.writeEngineError(w, "stopping follow failed", err)
		return
	}
	h.store.Unbind(info.ID)
	h.logger.Info("follow stopped", zap.String("follow", info.ID), zap.String("client", GetClientID(r)))
	w.WriteHeader(http.StatusNoContent)
}

// ReadRecords handles GET /api/v1/follows/{id}/records?offset={offset}&limit={limit}
func (h *Handlers) ReadRecords(w http.ResponseWriter, r *http.Request) {
	info, ok := h.ownedFollow(w, r)
	if !ok {
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, "offset must be a non-negative integer", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", defaultReadLimit)
	if err != nil || limit <= 0 || limit > maxReadLimit {
		writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxReadLimit), http.StatusBadRequest)
		return
	}

	entries, next, err := h.store.Read(r.Context(), info.ID, offset, int(limit))
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	events := make([]StreamMessage, 0, len(entries))
	for _, e := range entries {
		events = append(events, toMessage(e))
	}
	writeJSON(w, ReadRecordsResponse{
		FollowID:    info.ID,
		Events:      events,
		StartOffset: offset,
		NextOffset:  next,
		Count:       len(events),
	}, http.StatusOK)
}

// StreamRecords handles GET /api/v1/follows/{id}/stream as server-sent events.
// Streaming starts at the offset query parameter, after the Last-Event-ID of a
// reconnecting client, or at the next event.
func (h *Handlers) StreamRecords(w http.ResponseWriter, r *http.Request) {
	info, ok := h.ownedFollow(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	start := int64(-1)
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.ParseInt(last, 10, 64); err == nil && n >= 0 {
			start = n + 1
		}
	}
	if v, err := queryInt(r, "offset", -1); err != nil {
		writeError(w, "offset must be an integer", http.StatusBadRequest)
		return
	} else if v >= 0 {
		start = v
	}

	entries, errs, err := h.store.Tail(r.Context(), info.ID, start)
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": streaming follow %s\n\n", info.ID)
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				if err := <-errs; errors.Is(err, feedlog.ErrClosed) {
					fmt.Fprint(w, "event: close\ndata: {}\n\n")
					flusher.Flush()
				}
				return
			}
			if err := writeSSE(w, toMessage(e)); err != nil {
				h.logger.Debug("stream client gone", zap.String("follow", info.ID), zap.Error(err))
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// Publish handles POST /api/v1/publish with one twin document or an array of them.
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	models, err := twin.ParseTwinModels(body)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.engine.Publish(r.Context(), models)
	if err != nil && report.BatchID == "" {
		h.writeEngineError(w, "publish failed", err)
		return
	}
	if err != nil {
		h.logger.Warn("publish interrupted", zap.String("batch", report.BatchID), zap.Error(err))
	}
	writeJSON(w, report, http.StatusOK)
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Health(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, HealthResponse{HealthStatus: status, Version: Version}, code)
}

// Helper methods

// writeEngineError maps engine and directory errors to HTTP statuses.
func (h *Handlers) writeEngineError(w http.ResponseWriter, message string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Warn(message, zap.Error(err))
	}
	writeError(w, fmt.Sprintf("%s: %v", message, err), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, twin.ErrValidation), errors.Is(err, engineimpl.ErrNilConsumer):
		return http.StatusBadRequest
	case errors.Is(err, engineimpl.ErrFollowNotFound):
		return http.StatusNotFound
	case errors.Is(err, engineimpl.ErrNotStarted), errors.Is(err, engineimpl.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, directory.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, directory.ErrInterrupted):
		return http.StatusServiceUnavailable
	case errors.Is(err, directory.ErrAuthExpired),
		errors.Is(err, directory.ErrTransport),
		errors.Is(err, directory.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func toMessage(e feedlog.Entry[StreamEvent]) StreamMessage {
	return StreamMessage{Offset: e.Offset, Timestamp: e.Timestamp, StreamEvent: e.Value}
}

// writeSSE writes one event in server-sent events format.
func writeSSE(w io.Writer, msg StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	event := "record"
	if msg.Failure != nil {
		event = "failure"
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Offset, event, data)
	return err
}
