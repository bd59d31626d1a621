package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	"github.com/portbridge/portbridge/pkg/health"
	"github.com/portbridge/portbridge/pkg/registry"
	"github.com/portbridge/portbridge/pkg/router"
)

// MetricsRoutes defines the JSON metrics endpoints backing the dashboard.
type MetricsRoutes struct {
	registry *registry.Registry
	checker  *health.Checker
	router   *router.Router
}

// MetricsRouter creates a new router for the JSON metrics API.
func MetricsRouter(reg *registry.Registry, checker *health.Checker, rt *router.Router) http.Handler {
	routes := MetricsRoutes{registry: reg, checker: checker, router: rt}

	r := chi.NewRouter()
	r.Get("/registry", apierrors.ErrorHandler(routes.getRegistryMetrics))
	r.Get("/router", apierrors.ErrorHandler(routes.getRouterMetrics))
	r.Get("/services", apierrors.ErrorHandler(routes.getServiceMetrics))
	r.Get("/health", apierrors.ErrorHandler(routes.getHealthMetrics))
	return r
}

// HealthStatusRouter serves the aggregate health dashboard endpoint.
func HealthStatusRouter(reg *registry.Registry, checker *health.Checker) http.Handler {
	routes := MetricsRoutes{registry: reg, checker: checker}

	r := chi.NewRouter()
	r.Get("/", apierrors.ErrorHandler(routes.getHealthStatus))
	return r
}

func (m *MetricsRoutes) getRegistryMetrics(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, m.registry.GetStats())
	return nil
}

func (m *MetricsRoutes) getRouterMetrics(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, m.router.GetMetrics())
	return nil
}

func (m *MetricsRoutes) getServiceMetrics(w http.ResponseWriter, _ *http.Request) error {
	type serviceMetric struct {
		ID         string `json:"id"`
		Template   string `json:"template"`
		State      string `json:"state"`
		PID        int    `json:"pid,omitempty"`
		ErrorCount int    `json:"errorCount"`
	}

	services := m.registry.ListServices()
	out := make([]serviceMetric, 0, len(services))
	for _, inst := range services {
		out = append(out, serviceMetric{
			ID:         inst.ID,
			Template:   inst.Config.Name,
			State:      string(inst.State),
			PID:        inst.PID,
			ErrorCount: inst.ErrorCount,
		})
	}

	writeJSON(w, http.StatusOK, out)
	return nil
}

func (m *MetricsRoutes) getHealthMetrics(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, m.checker.Aggregates())
	return nil
}

// getHealthStatus combines registry counters and health aggregates into the
// dashboard payload.
func (m *MetricsRoutes) getHealthStatus(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]any{
		"registry": m.registry.GetStats(),
		"health":   m.checker.Aggregates(),
	})
	return nil
}
