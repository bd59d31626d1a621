package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	"github.com/portbridge/portbridge/pkg/sandbox"
)

// SandboxRoutes defines the sandbox provisioner endpoints.
type SandboxRoutes struct {
	provisioner *sandbox.Provisioner
}

// SandboxRouter creates a new router for the sandbox API.
func SandboxRouter(p *sandbox.Provisioner) http.Handler {
	routes := SandboxRoutes{provisioner: p}

	r := chi.NewRouter()
	r.Get("/status", apierrors.ErrorHandler(routes.getStatus))
	r.Post("/install", apierrors.ErrorHandler(routes.install))
	r.Get("/install/stream", routes.streamInstall)
	r.Post("/repair", apierrors.ErrorHandler(routes.repair))
	r.Post("/cleanup", apierrors.ErrorHandler(routes.cleanup))
	return r
}

type installRequest struct {
	Components []string `json:"components,omitempty"`
}

func (s *SandboxRoutes) getStatus(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, s.provisioner.GetStatus())
	return nil
}

func (s *SandboxRoutes) install(w http.ResponseWriter, r *http.Request) error {
	components, err := decodeComponents(r)
	if err != nil {
		return err
	}

	results, err := s.provisioner.Install(r.Context(), components)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
	return nil
}

func (s *SandboxRoutes) repair(w http.ResponseWriter, r *http.Request) error {
	components, err := decodeComponents(r)
	if err != nil {
		return err
	}

	results, err := s.provisioner.Repair(r.Context(), components)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
	return nil
}

func (s *SandboxRoutes) cleanup(w http.ResponseWriter, _ *http.Request) error {
	removed, err := s.provisioner.Cleanup()
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
	return nil
}

// streamInstall streams install progress as SSE. When an install is already
// running the stream attaches to it instead of starting a new one.
func (s *SandboxRoutes) streamInstall(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var components []sandbox.Component
	if raw := strings.TrimSpace(r.URL.Query().Get("components")); raw != "" {
		parsed, err := sandbox.ParseComponents(strings.Split(raw, ","))
		if err != nil {
			apierrors.WriteError(w, r, err)
			return
		}
		components = parsed
	}

	events, cancel, attached := s.provisioner.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(ev sandbox.Event) bool {
		payload, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if attached {
		if !write(sandbox.Event{Type: sandbox.EventAttach}) {
			return
		}
	} else {
		// The install survives a viewer disconnect.
		installCtx := context.WithoutCancel(r.Context())
		go func() {
			// BUSY from a race with another starter is fine, this
			// stream still attaches to the winner's events.
			_, _ = s.provisioner.Install(installCtx, components)
		}()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !write(ev) {
				return
			}
			if ev.Type == sandbox.EventComplete || ev.Type == sandbox.EventError {
				return
			}
		}
	}
}

func decodeComponents(r *http.Request) ([]sandbox.Component, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}

	var req installRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return sandbox.ParseComponents(req.Components)
}
