package v1

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/health"
	"github.com/portbridge/portbridge/pkg/logbus"
	"github.com/portbridge/portbridge/pkg/registry"
)

// ServiceRoutes defines the routes for the service instance API.
type ServiceRoutes struct {
	registry *registry.Registry
	checker  *health.Checker
	bus      *logbus.Bus
}

// ServiceRouter creates a new router for the service instance API.
func ServiceRouter(reg *registry.Registry, checker *health.Checker, bus *logbus.Bus) http.Handler {
	routes := ServiceRoutes{
		registry: reg,
		checker:  checker,
		bus:      bus,
	}

	r := chi.NewRouter()
	r.Get("/", apierrors.ErrorHandler(routes.listServices))
	r.Post("/", apierrors.ErrorHandler(routes.createService))
	r.Get("/{id}", apierrors.ErrorHandler(routes.getService))
	r.Delete("/{id}", apierrors.ErrorHandler(routes.deleteService))
	r.Patch("/{id}/env", apierrors.ErrorHandler(routes.updateServiceEnv))
	r.Get("/{id}/health", apierrors.ErrorHandler(routes.getServiceHealth))
	r.Get("/{id}/logs", apierrors.ErrorHandler(routes.getServiceLogs))
	return r
}

type createServiceRequest struct {
	TemplateName string              `json:"templateName"`
	InstanceArgs *registry.Overrides `json:"instanceArgs,omitempty"`
}

type serviceMutationResponse struct {
	Success   bool   `json:"success"`
	ServiceID string `json:"serviceId,omitempty"`
	Message   string `json:"message"`
}

func (s *ServiceRoutes) listServices(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, s.registry.ListServices())
	return nil
}

func (s *ServiceRoutes) getService(w http.ResponseWriter, r *http.Request) error {
	inst, err := s.registry.GetService(chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": inst})
	return nil
}

func (s *ServiceRoutes) createService(w http.ResponseWriter, r *http.Request) error {
	var req createServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	inst, err := s.registry.CreateServiceFromTemplate(r.Context(), req.TemplateName, req.InstanceArgs)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusCreated, serviceMutationResponse{
		Success:   true,
		ServiceID: inst.ID,
		Message:   fmt.Sprintf("service created from template %q", req.TemplateName),
	})
	return nil
}

func (s *ServiceRoutes) deleteService(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if !s.registry.StopService(r.Context(), id) {
		writeJSON(w, http.StatusOK, serviceMutationResponse{
			Success: true,
			Message: fmt.Sprintf("service %q was already stopped", id),
		})
		return nil
	}

	s.checker.Forget(id)
	writeJSON(w, http.StatusOK, serviceMutationResponse{
		Success: true,
		Message: fmt.Sprintf("service %q stopped", id),
	})
	return nil
}

type updateEnvRequest struct {
	Env map[string]string `json:"env"`
}

// updateServiceEnv applies an env patch by reincarnation. The response
// carries the id of the replacement instance.
func (s *ServiceRoutes) updateServiceEnv(w http.ResponseWriter, r *http.Request) error {
	var req updateEnvRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	oldID := chi.URLParam(r, "id")
	inst, err := s.registry.UpdateServiceEnv(r.Context(), oldID, req.Env)
	if err != nil {
		return err
	}
	s.checker.Forget(oldID)

	writeJSON(w, http.StatusOK, serviceMutationResponse{
		Success:   true,
		ServiceID: inst.ID,
		Message:   "service environment updated",
	})
	return nil
}

func (s *ServiceRoutes) getServiceHealth(w http.ResponseWriter, r *http.Request) error {
	inst, err := s.registry.GetService(chi.URLParam(r, "id"))
	if err != nil {
		return err
	}

	res := s.checker.CheckNow(r.Context(), health.Target{ID: inst.ID, Config: inst.Config})
	writeJSON(w, http.StatusOK, map[string]any{"health": res})
	return nil
}

func (s *ServiceRoutes) getServiceLogs(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.GetService(id); err != nil {
		return err
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return perrors.NewBadRequest("limit must be a non-negative integer", err)
		}
		limit = n
	}

	entries := make([]logbus.Entry, 0)
	for _, e := range s.bus.Recent(0) {
		if e.Service == id {
			entries = append(entries, e)
		}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	writeJSON(w, http.StatusOK, entries)
	return nil
}
