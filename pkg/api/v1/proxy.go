package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/logbus"
	"github.com/portbridge/portbridge/pkg/logger"
	"github.com/portbridge/portbridge/pkg/metrics"
	"github.com/portbridge/portbridge/pkg/registry"
	"github.com/portbridge/portbridge/pkg/router"
	"github.com/portbridge/portbridge/pkg/transport"
	terrors "github.com/portbridge/portbridge/pkg/transport/errors"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// previewLimit caps the params/result preview logged per proxied call.
const previewLimit = 800

// ProxyRoutes defines the per-call JSON-RPC proxy endpoint.
type ProxyRoutes struct {
	registry *registry.Registry
	factory  transport.Factory
	bus      *logbus.Bus
	router   *router.Router
	metrics  *metrics.Metrics
}

// ProxyRouter creates a new router for the proxy endpoint.
func ProxyRouter(
	reg *registry.Registry,
	factory transport.Factory,
	bus *logbus.Bus,
	rt *router.Router,
	m *metrics.Metrics,
) http.Handler {
	routes := ProxyRoutes{
		registry: reg,
		factory:  factory,
		bus:      bus,
		router:   rt,
		metrics:  m,
	}

	r := chi.NewRouter()
	r.Post("/{serviceId}", apierrors.ErrorHandler(routes.proxyCall))
	return r
}

// proxyCall forwards one JSON-RPC message to the resolved instance over a
// fresh adapter and returns the peer's response unchanged.
func (p *ProxyRoutes) proxyCall(w http.ResponseWriter, r *http.Request) error {
	serviceID := chi.URLParam(r, "serviceId")

	inst, err := p.registry.GetService(serviceID)
	if err != nil {
		p.metrics.ObserveProxyCall(false)
		return err
	}

	var msg transport.JSONRPCMessage
	if err := decodeJSON(r, &msg); err != nil {
		p.metrics.ObserveProxyCall(false)
		return err
	}
	if err := msg.Validate(); err != nil {
		p.metrics.ObserveProxyCall(false)
		return perrors.NewBadRequest("request is not a valid JSON-RPC 2.0 message", err)
	}

	adapter, err := p.factory(inst.Config)
	if err != nil {
		p.metrics.ObserveProxyCall(false)
		return perrors.NewInternal(perrors.CodeAdapterConnect, "failed to build adapter", err)
	}

	ctx := r.Context()
	if err := adapter.Connect(ctx); err != nil {
		p.metrics.ObserveProxyCall(false)
		return perrors.NewInternal(perrors.CodeAdapterConnect,
			"failed to connect to service", err)
	}
	defer func() {
		if err := adapter.Disconnect(ctx); err != nil {
			logger.Warnw("proxy adapter disconnect failed", "service", serviceID, "error", err)
		}
	}()

	stop := p.forwardEvents(serviceID, adapter)
	defer stop()

	p.router.Acquire(serviceID)
	start := time.Now()
	resp, err := adapter.SendAndReceive(ctx, &msg)
	latency := float64(time.Since(start)) / float64(time.Millisecond)
	p.router.Release(serviceID, latency)

	if err != nil {
		p.metrics.ObserveProxyCall(false)
		p.logCall(serviceID, msg.Method, latency, truncatePreview(msg.Params), err.Error())
		return adapterError(err)
	}

	p.metrics.ObserveProxyCall(true)
	p.logCall(serviceID, msg.Method, latency, truncatePreview(resp.Result), "")
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// forwardEvents drains the adapter's event stream into the log bus tagged
// with the service id. The returned stop function waits for the drain to
// finish.
func (p *ProxyRoutes) forwardEvents(serviceID string, adapter transport.Adapter) func() {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case ev, ok := <-adapter.Events():
				if !ok {
					return
				}
				switch ev.Kind {
				case types.EventStderr:
					p.bus.Append(logbus.Entry{
						Level: "warn", Message: ev.Line, Service: serviceID,
					})
				case types.EventSent, types.EventMessage:
					p.bus.Append(logbus.Entry{
						Level:   "debug",
						Message: string(ev.Kind),
						Service: serviceID,
						Data:    map[string]any{"preview": truncatePreview(ev.Payload)},
					})
				default:
				}
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

func (p *ProxyRoutes) logCall(serviceID, method string, latency float64, preview, errMsg string) {
	entry := logbus.Entry{
		Level:   "info",
		Message: "proxy call " + method,
		Service: serviceID,
		Data: map[string]any{
			"latency": latency,
			"preview": preview,
		},
	}
	if errMsg != "" {
		entry.Level = "error"
		entry.Data["error"] = errMsg
	}
	p.bus.Append(entry)
	logger.Infow("proxy call", "service", serviceID, "method", method, "latency", latency)
}

// adapterError maps transport failures onto the error taxonomy.
func adapterError(err error) error {
	switch {
	case errors.Is(err, terrors.ErrTimeout):
		return perrors.New(perrors.CodeAdapterTimeout, http.StatusGatewayTimeout,
			"service did not answer within its timeout", true, err)
	case errors.Is(err, terrors.ErrProtocol):
		return perrors.NewInternal(perrors.CodeAdapterProtocol,
			"service returned a malformed frame", err)
	default:
		return perrors.NewInternal(perrors.CodeInternal, "proxy call failed", err)
	}
}

func truncatePreview(b []byte) string {
	if len(b) > previewLimit {
		return string(b[:previewLimit])
	}
	return string(b)
}
