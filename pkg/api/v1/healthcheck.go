package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/portbridge/portbridge/pkg/auth"
	"github.com/portbridge/portbridge/pkg/registry"
	"github.com/portbridge/portbridge/pkg/router"
	"github.com/portbridge/portbridge/pkg/versions"
)

// HealthcheckRouter sets up the unauthenticated healthcheck route.
func HealthcheckRouter(reg *registry.Registry, authStore *auth.Store, rt *router.Router) http.Handler {
	routes := &healthcheckRoutes{registry: reg, auth: authStore, router: rt}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	registry *registry.Registry
	auth     *auth.Store
	router   *router.Router
}

type healthcheckResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Services  map[string]string `json:"services"`
}

func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthcheckResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   versions.Version,
		Services: map[string]string{
			"registry": "up",
			"auth":     "up",
			"router":   "up",
		},
	})
}
