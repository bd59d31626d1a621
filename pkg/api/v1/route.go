package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	"github.com/portbridge/portbridge/pkg/health"
	"github.com/portbridge/portbridge/pkg/registry"
	"github.com/portbridge/portbridge/pkg/router"
)

// RouteRoutes defines the routing decision endpoint.
type RouteRoutes struct {
	registry *registry.Registry
	checker  *health.Checker
	router   *router.Router
}

// RouteRouter creates a new router for routing decisions.
func RouteRouter(reg *registry.Registry, checker *health.Checker, rt *router.Router) http.Handler {
	routes := RouteRoutes{registry: reg, checker: checker, router: rt}

	r := chi.NewRouter()
	r.Post("/", apierrors.ErrorHandler(routes.route))
	r.Get("/metrics", apierrors.ErrorHandler(routes.getMetrics))
	return r
}

func (rr *RouteRoutes) route(w http.ResponseWriter, r *http.Request) error {
	var req router.Request
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	req.ClientIP = r.RemoteAddr

	decision := rr.router.Route(req, rr.candidates())
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         decision.Success,
		"selectedService": decision.SelectedService,
		"routingDecision": decision,
	})
	return nil
}

func (rr *RouteRoutes) getMetrics(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, rr.router.GetMetrics())
	return nil
}

// candidates snapshots the running keep-alive instances with their health.
// Instances that have never been probed count as healthy; the service group
// is the template name the instance was created from.
func (rr *RouteRoutes) candidates() []router.Candidate {
	statuses := rr.checker.StatusMap()

	p95 := map[string]float64{}
	for _, sh := range rr.checker.Aggregates().PerService {
		p95[sh.ID] = sh.P95
	}

	var out []router.Candidate
	for _, inst := range rr.registry.ListServices() {
		if inst.State != registry.StateRunning || inst.InstanceMode != registry.ModeKeepAlive {
			continue
		}
		healthy, probed := statuses[inst.ID]
		out = append(out, router.Candidate{
			ID:      inst.ID,
			Group:   inst.Config.Name,
			Healthy: healthy || !probed,
			P95:     p95[inst.ID],
		})
	}
	return out
}
