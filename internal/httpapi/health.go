package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gobbyhq/gobby/internal/store"
)

// HealthHandler serves GET /health. The dispatch health gate polls this
// same probe logic through Probe.
type HealthHandler struct {
	version  string
	started  time.Time
	projects store.ProjectStore
	clients  func() int
}

func NewHealthHandler(version string, projects store.ProjectStore, clients func() int) *HealthHandler {
	if clients == nil {
		clients = func() int { return 0 }
	}
	return &HealthHandler{
		version:  version,
		started:  time.Now(),
		projects: projects,
		clients:  clients,
	}
}

func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
}

// Probe checks store reachability; it backs the dispatch health gate.
func (h *HealthHandler) Probe(ctx context.Context) error {
	_, err := h.projects.EnsurePersonal(ctx)
	return err
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Probe(r.Context()); err != nil {
		status = "degraded: " + err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    h.version,
		"uptime_sec": int(time.Since(h.started).Seconds()),
		"ws_clients": h.clients(),
	})
}
