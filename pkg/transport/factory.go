package transport

import (
	terrors "github.com/portbridge/portbridge/pkg/transport/errors"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// Factory builds a connected-capable adapter for a service config.
// Implementations are injected into the registry, the health checker and the
// proxy endpoint so that tests can substitute fakes.
type Factory func(cfg types.ServiceConfig) (Adapter, error)

// NewAdapter returns an adapter matching the config's transport type.
func NewAdapter(cfg types.ServiceConfig) (Adapter, error) {
	switch cfg.Transport {
	case types.TransportTypeStdio:
		return NewStdioAdapter(cfg), nil
	case types.TransportTypeHTTP:
		return NewHTTPAdapter(cfg), nil
	case types.TransportTypeStreamableHTTP:
		return NewStreamableHTTPAdapter(cfg), nil
	default:
		return nil, terrors.NewAdapterError(terrors.ErrUnsupportedTransport, cfg.Name, cfg.Transport.String())
	}
}
