package httpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrStreamClosed is reported when the gateway closes a follow's stream for good.
var ErrStreamClosed = errors.New("stream closed by server")

// StreamClient handles Server-Sent Events streaming of one follow
type StreamClient struct {
	client *Client
	events chan StreamMessage
	errors chan error
	done   chan struct{}
	cancel context.CancelFunc

	// lastID is only touched by the streaming goroutine.
	lastID int64
}

// StreamConfig configures the streaming client
type StreamConfig struct {
	// FollowID of the follow to stream (required)
	FollowID string

	// Offset of the first event to stream. Negative streams only new events.
	Offset int64

	// BufferSize for the event channel
	BufferSize int

	// ReconnectDelay is the initial wait before reconnecting. Later waits grow
	// exponentially.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
}

// SetDefaults sets reasonable default values for StreamConfig
func (sc *StreamConfig) SetDefaults() {
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
	if sc.ReconnectDelay == 0 {
		sc.ReconnectDelay = 2 * time.Second
	}
}

// Stream opens a server-sent events stream of a follow's records and
// failures. Reconnects resume after the last event received.
func (c *Client) Stream(ctx context.Context, config StreamConfig) (*StreamClient, error) {
	if !c.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	if config.FollowID == "" {
		return nil, fmt.Errorf("FollowID is required")
	}

	config.SetDefaults()

	streamCtx, cancel := context.WithCancel(ctx)

	streamClient := &StreamClient{
		client: c,
		events: make(chan StreamMessage, config.BufferSize),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
		cancel: cancel,
		lastID: -1,
	}

	go streamClient.startStreaming(streamCtx, config)

	return streamClient, nil
}

// Events returns the channel for receiving events
func (sc *StreamClient) Events() <-chan StreamMessage {
	return sc.events
}

// Errors returns the channel for receiving errors
func (sc *StreamClient) Errors() <-chan error {
	return sc.errors
}

// Done returns a channel that's closed when streaming ends
func (sc *StreamClient) Done() <-chan struct{} {
	return sc.done
}

// Close stops the streaming client and waits for it to finish
func (sc *StreamClient) Close() error {
	sc.cancel()
	<-sc.done
	return nil
}

// startStreaming handles the SSE streaming loop with reconnection
func (sc *StreamClient) startStreaming(ctx context.Context, config StreamConfig) {
	defer close(sc.done)
	defer close(sc.errors)
	defer close(sc.events)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.ReconnectDelay
	b.MaxInterval = 10 * config.ReconnectDelay
	b.MaxElapsedTime = 0
	var policy backoff.BackOff = b
	if config.MaxReconnectAttempts > 0 {
		policy = backoff.WithMaxRetries(b, uint64(config.MaxReconnectAttempts))
	}
	policy = backoff.WithContext(policy, ctx)

	for {
		connected, err := sc.connectAndStream(ctx, config)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sc.report(ctx, fmt.Errorf("streaming error: %w", err))
		}
		if errors.Is(err, ErrStreamClosed) {
			return
		}
		if connected {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			sc.report(ctx, fmt.Errorf("max reconnect attempts (%d) exceeded", config.MaxReconnectAttempts))
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (sc *StreamClient) report(ctx context.Context, err error) {
	select {
	case sc.errors <- err:
	case <-ctx.Done():
	default:
	}
}

// connectAndStream establishes an SSE connection and processes events. It
// reports whether the server accepted the stream.
func (sc *StreamClient) connectAndStream(ctx context.Context, config StreamConfig) (bool, error) {
	streamURL := sc.client.baseURL.ResolveReference(&url.URL{Path: followPath(config.FollowID) + "/stream"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create streaming request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+sc.client.GetToken())
	if sc.lastID >= 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(sc.lastID, 10))
	} else {
		values := url.Values{}
		values.Set("offset", strconv.FormatInt(config.Offset, 10))
		req.URL.RawQuery = values.Encode()
	}

	// Streams outlive the request timeout of the regular client.
	httpClient := &http.Client{Transport: sc.client.httpClient.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bodyBytes)}
		var errResp ErrorResponse
		if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		// A follow that is gone will not come back.
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
			return false, fmt.Errorf("%w: %w", ErrStreamClosed, apiErr)
		}
		return false, apiErr
	}

	return true, sc.processSSEStream(ctx, resp.Body)
}

// processSSEStream reads and parses Server-Sent Events
func (sc *StreamClient) processSSEStream(ctx context.Context, reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var (
		id    string
		event string
		data  strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			err := sc.dispatch(ctx, id, event, data.String())
			id, event = "", ""
			data.Reset()
			if err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// Keepalive comment
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

func (sc *StreamClient) dispatch(ctx context.Context, id, event, data string) error {
	if event == "close" {
		return ErrStreamClosed
	}
	if data == "" {
		return nil
	}

	var msg StreamMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		sc.report(ctx, fmt.Errorf("failed to parse event: %w", err))
		return nil
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		sc.lastID = n
	} else {
		sc.lastID = msg.Offset
	}

	select {
	case sc.events <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
