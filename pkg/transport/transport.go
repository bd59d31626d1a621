// Package transport implements the protocol adapter layer of the gateway.
//
// An Adapter hides the mechanics of one transport (stdio child process,
// plain HTTP endpoint, or streamable HTTP endpoint) behind a uniform
// connect / send / sendAndReceive / disconnect contract plus an event
// stream. Adapters built for a proxy call are not pooled: they are
// constructed, used, and torn down per request. Only health-probe adapters
// and persistent stdio children live across requests.
package transport

import (
	"context"
	"time"

	"github.com/portbridge/portbridge/pkg/transport/types"
)

// defaultTimeout bounds sendAndReceive when the config does not set one.
const defaultTimeout = 30 * time.Second

// eventBufferSize bounds the adapter event channel. Events are dropped when
// the consumer falls behind; the stream is best-effort.
const eventBufferSize = 256

// Adapter is the uniform contract all transports implement.
type Adapter interface {
	// Connect establishes the transport. For stdio this spawns the child
	// process; for HTTP transports it prepares the client without opening a
	// socket.
	Connect(ctx context.Context) error

	// Send writes a JSON-RPC frame without awaiting a response.
	Send(ctx context.Context, msg *JSONRPCMessage) error

	// SendAndReceive writes a JSON-RPC frame and awaits the response whose
	// id matches the request id, bounded by the configured timeout.
	SendAndReceive(ctx context.Context, msg *JSONRPCMessage) (*JSONRPCMessage, error)

	// Disconnect tears the transport down. Idempotent.
	Disconnect(ctx context.Context) error

	// Events returns the adapter event stream.
	Events() <-chan types.Event

	// PID returns the child process id, or 0 when not applicable.
	PID() int
}

func timeoutFor(cfg types.ServiceConfig) time.Duration {
	if cfg.TimeoutMS > 0 {
		return time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return defaultTimeout
}

// emitEvent delivers an event without blocking the adapter.
func emitEvent(ch chan types.Event, ev types.Event) {
	select {
	case ch <- ev:
	default:
		// Consumer fell behind; drop.
	}
}
