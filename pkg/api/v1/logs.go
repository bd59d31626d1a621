package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/logbus"
)

// LogsRoutes defines the routes for the gateway log API.
type LogsRoutes struct {
	bus *logbus.Bus
}

// LogsRouter creates a new router for the gateway log API.
func LogsRouter(bus *logbus.Bus) http.Handler {
	routes := LogsRoutes{bus: bus}

	r := chi.NewRouter()
	r.Get("/", apierrors.ErrorHandler(routes.getLogs))
	r.Get("/stream", routes.streamLogs)
	return r
}

func (l *LogsRoutes) getLogs(w http.ResponseWriter, r *http.Request) error {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return perrors.NewBadRequest("limit must be a non-negative integer", err)
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, l.bus.Recent(limit))
	return nil
}

// streamLogs replays the current ring and then follows new entries as SSE
// frames until the client disconnects.
func (l *LogsRoutes) streamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(e logbus.Entry) error {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, e := range l.bus.Recent(0) {
		if err := write(e); err != nil {
			return
		}
	}

	// Entries arriving while streaming are buffered so the subscriber
	// callback never blocks the bus lock on a slow client.
	entries := make(chan logbus.Entry, 256)
	cancel := l.bus.Subscribe(func(e logbus.Entry) error {
		select {
		case entries <- e:
			return nil
		default:
			return fmt.Errorf("subscriber overflow")
		}
	})
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-entries:
			if err := write(e); err != nil {
				return
			}
		}
	}
}
