package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/store"
)

// ProjectHandler serves /api/projects. Reserved system projects are hidden
// from lists and refuse deletion.
type ProjectHandler struct {
	projects store.ProjectStore
	logger   *slog.Logger
}

func NewProjectHandler(projects store.ProjectStore, logger *slog.Logger) *ProjectHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectHandler{projects: projects, logger: logger}
}

func (h *ProjectHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", h.handleList)
	mux.HandleFunc("GET /api/projects/{id}", h.handleGet)
	mux.HandleFunc("PUT /api/projects/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /api/projects/{id}", h.handleDelete)
}

type projectView struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	CreatedAt string    `json:"created_at"`
}

func viewOf(p *store.Project) projectView {
	return projectView{
		ID:        p.ID,
		Name:      p.DisplayName(),
		Path:      p.Path,
		CreatedAt: p.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (h *ProjectHandler) handleList(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, viewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": views})
}

func (h *ProjectHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	p, err := h.projects.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

type updateProjectRequest struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

func (h *ProjectHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var req updateProjectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	p, err := h.projects.Update(r.Context(), id, req.Name, req.Path)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (h *ProjectHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	p, err := h.projects.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if p.Hidden() || p.Name == store.ProjectPersonal {
		writeError(w, http.StatusForbidden, "project %q is reserved and cannot be deleted", p.Name)
		return
	}
	if err := h.projects.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
