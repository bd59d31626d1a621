// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	proxyCalls      *prometheus.CounterVec
	instances       *prometheus.GaugeVec
}

// New creates the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "portbridge",
			Name:      "http_requests_total",
			Help:      "API requests by method and status.",
		}, []string{"method", "status"}),
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portbridge",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		proxyCalls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "portbridge",
			Name:      "proxy_calls_total",
			Help:      "Proxied JSON-RPC calls by outcome.",
		}, []string{"outcome"}),
		instances: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portbridge",
			Name:      "instances",
			Help:      "Supervised instances by state.",
		}, []string{"state"}),
	}
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware instruments every API request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		m.requestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		m.requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// ObserveProxyCall counts one proxied JSON-RPC call.
func (m *Metrics) ObserveProxyCall(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.proxyCalls.WithLabelValues(outcome).Inc()
}

// SetInstanceCount records the instance gauge for one state.
func (m *Metrics) SetInstanceCount(state string, n int) {
	m.instances.WithLabelValues(state).Set(float64(n))
}
