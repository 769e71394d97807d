package httpapi

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gobbyhq/gobby/internal/config"
	"github.com/gobbyhq/gobby/internal/secrets"
	"github.com/gobbyhq/gobby/internal/store"
)

// ConfigHandler serves /api/config. Secret values never appear in any
// response; only names and categories are listed.
type ConfigHandler struct {
	manager *config.Manager
	secrets *secrets.Service
	logger  *slog.Logger
}

func NewConfigHandler(manager *config.Manager, sec *secrets.Service, logger *slog.Logger) *ConfigHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigHandler{manager: manager, secrets: sec, logger: logger}
}

func (h *ConfigHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/config/values", h.handleGetValues)
	mux.HandleFunc("PUT /api/config/values", h.handleSetValues)
	mux.HandleFunc("POST /api/config/values/validate", h.handleValidate)
	mux.HandleFunc("POST /api/config/values/reset", h.handleReset)
	mux.HandleFunc("GET /api/config/template", h.handleGetTemplate)
	mux.HandleFunc("PUT /api/config/template", h.handlePutTemplate)
	mux.HandleFunc("POST /api/config/export", h.handleExport)
	mux.HandleFunc("POST /api/config/import", h.handleImport)
	mux.HandleFunc("GET /api/config/secrets", h.handleListSecrets)
	mux.HandleFunc("POST /api/config/secrets", h.handleSetSecret)
	mux.HandleFunc("DELETE /api/config/secrets/{name}", h.handleDeleteSecret)
}

func (h *ConfigHandler) handleGetValues(w http.ResponseWriter, r *http.Request) {
	values, err := h.manager.Values()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

func (h *ConfigHandler) handleSetValues(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := decodeBody(w, r, &updates); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	cfg, err := h.manager.SetValues(updates)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	h.logger.Info("config.updated")
	writeJSON(w, http.StatusOK, cfg)
}

func (h *ConfigHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := decodeBody(w, r, &updates); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := h.manager.ValidateValues(updates); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (h *ConfigHandler) handleReset(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.manager.Reset()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	h.logger.Info("config.reset")
	writeJSON(w, http.StatusOK, cfg)
}

func (h *ConfigHandler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.manager.Template()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, tmpl)
}

// handlePutTemplate accepts a full config body (JSON5) and persists only the
// values that differ from the defaults.
func (h *ConfigHandler) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}
	cfg, err := h.manager.Import(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *ConfigHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := h.manager.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *ConfigHandler) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}
	cfg, err := h.manager.Import(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	h.logger.Info("config.imported")
	writeJSON(w, http.StatusOK, cfg)
}

type secretView struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

func (h *ConfigHandler) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	list, err := h.secrets.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]secretView, 0, len(list))
	for _, s := range list {
		views = append(views, secretView{Name: s.Name, Category: s.Category})
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": views})
}

type setSecretRequest struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Category string `json:"category,omitempty"`
}

func (h *ConfigHandler) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var req setSecretRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	category := req.Category
	if category == "" {
		category = store.SecretGeneral
	}
	if err := h.secrets.Set(r.Context(), req.Name, category, req.Value); err != nil {
		writeStoreError(w, err)
		return
	}
	h.logger.Info("config.secret_set", "name", req.Name, "category", category)
	writeJSON(w, http.StatusCreated, secretView{Name: req.Name, Category: category})
}

func (h *ConfigHandler) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.secrets.Delete(r.Context(), name); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}
