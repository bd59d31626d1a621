package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	terrors "github.com/portbridge/portbridge/pkg/transport/errors"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// StreamableHTTPAdapter posts JSON-RPC envelopes to a streamable HTTP MCP
// endpoint. The server may answer with a plain JSON body or with an SSE
// stream; in the streaming case the adapter holds the response open and
// scans frames until the one matching the request id arrives.
type StreamableHTTPAdapter struct {
	config types.ServiceConfig
	client *http.Client

	mu        sync.Mutex
	connected bool
	sessionID string

	events chan types.Event
}

// NewStreamableHTTPAdapter creates a streamable HTTP adapter for the config.
func NewStreamableHTTPAdapter(cfg types.ServiceConfig) *StreamableHTTPAdapter {
	return &StreamableHTTPAdapter{
		config: cfg,
		client: &http.Client{Timeout: timeoutFor(cfg)},
		events: make(chan types.Event, eventBufferSize),
	}
}

// Connect validates the configured endpoint URL.
func (a *StreamableHTTPAdapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, err := url.Parse(a.config.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return terrors.NewAdapterError(terrors.ErrConnect, a.config.Name,
			fmt.Sprintf("invalid endpoint %q", a.config.Endpoint))
	}

	a.connected = true
	return nil
}

// Send posts the envelope and discards any response frames.
func (a *StreamableHTTPAdapter) Send(ctx context.Context, msg *JSONRPCMessage) error {
	resp, err := a.post(ctx, msg)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// SendAndReceive posts the envelope and reads frames from the held response
// stream until the response with the matching id arrives.
func (a *StreamableHTTPAdapter) SendAndReceive(ctx context.Context, msg *JSONRPCMessage) (*JSONRPCMessage, error) {
	resp, err := a.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		a.mu.Lock()
		a.sessionID = sid
		a.mu.Unlock()
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return a.readStream(resp, IDKey(msg.ID))
	}

	var out JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, terrors.NewAdapterError(terrors.ErrProtocol, a.config.Name,
			fmt.Sprintf("malformed response: %v", err))
	}
	if err := out.Validate(); err != nil {
		return nil, terrors.NewAdapterError(terrors.ErrProtocol, a.config.Name, err.Error())
	}
	emitEvent(a.events, types.Event{Kind: types.EventMessage})
	return &out, nil
}

// readStream scans SSE data frames for the response matching the request id.
// Interleaved notifications are surfaced on the event stream and skipped.
func (a *StreamableHTTPAdapter) readStream(resp *http.Response, wantID string) (*JSONRPCMessage, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, terrors.NewAdapterError(terrors.ErrProtocol, a.config.Name,
				fmt.Sprintf("malformed stream frame: %v", err))
		}

		emitEvent(a.events, types.Event{Kind: types.EventMessage, Payload: json.RawMessage(payload)})

		if msg.IsResponse() && IDKey(msg.ID) == wantID {
			return &msg, nil
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, terrors.NewAdapterError(terrors.ErrTimeout, a.config.Name, err.Error())
		}
		return nil, terrors.NewAdapterError(terrors.ErrProtocol, a.config.Name, err.Error())
	}

	return nil, terrors.NewAdapterError(terrors.ErrProtocol, a.config.Name,
		fmt.Sprintf("stream closed before response for id %s", wantID))
}

// Disconnect releases idle connections. Idempotent.
func (a *StreamableHTTPAdapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.client.CloseIdleConnections()
	return nil
}

// Events returns the adapter event stream.
func (a *StreamableHTTPAdapter) Events() <-chan types.Event {
	return a.events
}

// PID always returns 0: there is no child process.
func (*StreamableHTTPAdapter) PID() int {
	return 0
}

func (a *StreamableHTTPAdapter) post(ctx context.Context, msg *JSONRPCMessage) (*http.Response, error) {
	a.mu.Lock()
	connected := a.connected
	sessionID := a.sessionID
	a.mu.Unlock()
	if !connected {
		return nil, terrors.NewAdapterError(terrors.ErrNotConnected, a.config.Name, "")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON-RPC message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutFor(a.config))
	// The body outlives this function for streamed responses; cancellation is
	// tied to the timeout only.
	_ = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, terrors.NewAdapterError(terrors.ErrConnect, a.config.Name, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := a.client.Do(req) //nolint:bodyclose // closed by callers
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, terrors.NewAdapterError(terrors.ErrTimeout, a.config.Name, err.Error())
		}
		return nil, terrors.NewAdapterError(terrors.ErrConnect, a.config.Name, err.Error())
	}

	emitEvent(a.events, types.Event{Kind: types.EventSent, Payload: data})
	return resp, nil
}
