// Package httpapi registers the daemon's REST surface on the gateway mux:
// hook ingestion, the MCP proxy, tasks, projects, config and health.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gobbyhq/gobby/internal/mcp"
	"github.com/gobbyhq/gobby/internal/store"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// writeStoreError maps the store error taxonomy onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "%v", err)
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, "%v", err)
	default:
		writeError(w, http.StatusInternalServerError, "%v", err)
	}
}

// writeMCPError maps manager errors: unknown server 404, transport refusals
// and open breakers 503, everything else 500.
func writeMCPError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mcp.ErrNotConfigured):
		writeError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, mcp.ErrDisabled), errors.Is(err, mcp.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "%v", err)
	default:
		writeError(w, http.StatusInternalServerError, "%v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
