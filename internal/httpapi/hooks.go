package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gobbyhq/gobby/internal/hooks"
)

// HookHandler serves POST /hooks/execute, the single endpoint every CLI hook
// dispatcher talks to. The response body is CLI-specific: the adapter for
// the event's source renders it.
type HookHandler struct {
	registry   *hooks.Registry
	dispatcher hooks.Dispatch
	logger     *slog.Logger
}

func NewHookHandler(registry *hooks.Registry, dispatcher hooks.Dispatch, logger *slog.Logger) *HookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookHandler{registry: registry, dispatcher: dispatcher, logger: logger}
}

func (h *HookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /hooks/execute", h.handleExecute)
}

type hookExecuteRequest struct {
	HookType  string         `json:"hook_type"`
	Source    string         `json:"source"`
	InputData map[string]any `json:"input_data"`
}

func (h *HookHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req hookExecuteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.HookType == "" {
		writeError(w, http.StatusBadRequest, "hook_type is required")
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if h.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not initialized")
		return
	}

	adapter, err := h.registry.ForSource(strings.ToLower(req.Source))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	native, err := adapter.HandleNative(r.Context(), h.dispatcher, req.HookType, req.InputData)
	if err != nil {
		h.logger.Error("httpapi.hook_failed",
			"hook_type", req.HookType, "source", req.Source, "error", err)
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, native)
}
