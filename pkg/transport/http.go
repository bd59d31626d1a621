package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	terrors "github.com/portbridge/portbridge/pkg/transport/errors"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// HTTPAdapter posts JSON-RPC envelopes to a plain HTTP MCP endpoint. Connect
// only validates the endpoint; no socket is opened until the first send.
type HTTPAdapter struct {
	config types.ServiceConfig
	client *http.Client

	mu        sync.Mutex
	connected bool

	events chan types.Event
}

// NewHTTPAdapter creates an HTTP adapter for the given config.
func NewHTTPAdapter(cfg types.ServiceConfig) *HTTPAdapter {
	return &HTTPAdapter{
		config: cfg,
		client: &http.Client{Timeout: timeoutFor(cfg)},
		events: make(chan types.Event, eventBufferSize),
	}
}

// Connect validates the configured endpoint URL.
func (a *HTTPAdapter) Connect(_ context.Context) error {
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

// Send posts the envelope without reading the response body.
func (a *HTTPAdapter) Send(ctx context.Context, msg *JSONRPCMessage) error {
	resp, err := a.post(ctx, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SendAndReceive posts the envelope and decodes the JSON-RPC response.
func (a *HTTPAdapter) SendAndReceive(ctx context.Context, msg *JSONRPCMessage) (*JSONRPCMessage, error) {
	resp, err := a.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, terrors.NewAdapterError(terrors.ErrProtocol, a.config.Name, err.Error())
	}

	var out JSONRPCMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, terrors.NewAdapterError(terrors.ErrProtocol, a.config.Name,
			fmt.Sprintf("malformed response: %v", err))
	}
	if err := out.Validate(); err != nil {
		return nil, terrors.NewAdapterError(terrors.ErrProtocol, a.config.Name, err.Error())
	}
	if IDKey(out.ID) != IDKey(msg.ID) {
		return nil, terrors.NewAdapterError(terrors.ErrProtocol, a.config.Name,
			fmt.Sprintf("response id %v does not match request id %v", out.ID, msg.ID))
	}

	emitEvent(a.events, types.Event{Kind: types.EventMessage, Payload: body})
	return &out, nil
}

// Disconnect releases idle connections. Idempotent.
func (a *HTTPAdapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.client.CloseIdleConnections()
	return nil
}

// Events returns the adapter event stream.
func (a *HTTPAdapter) Events() <-chan types.Event {
	return a.events
}

// PID always returns 0: there is no child process.
func (*HTTPAdapter) PID() int {
	return 0
}

func (a *HTTPAdapter) post(ctx context.Context, msg *JSONRPCMessage) (*http.Response, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return nil, terrors.NewAdapterError(terrors.ErrNotConnected, a.config.Name, "")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON-RPC message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutFor(a.config))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, terrors.NewAdapterError(terrors.ErrConnect, a.config.Name, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req) //nolint:bodyclose // closed by callers
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, terrors.NewAdapterError(terrors.ErrTimeout, a.config.Name, err.Error())
		}
		return nil, terrors.NewAdapterError(terrors.ErrConnect, a.config.Name, err.Error())
	}

	emitEvent(a.events, types.Event{Kind: types.EventSent, Payload: data})
	return resp, nil
}
