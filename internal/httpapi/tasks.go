package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/git"
	"github.com/gobbyhq/gobby/internal/project"
	"github.com/gobbyhq/gobby/internal/store"
)

// commitResolver turns a commit reference into the short SHA stored on tasks.
type commitResolver interface {
	NormalizeSHA(ctx context.Context, repo, ref string) (string, error)
}

// TaskHandler serves the tasks REST surface. A task reference in the path
// can be a UUID, "#N", "N", or a dotted path like "1.2.3"; everything but a
// UUID needs a project scope from the cwd or project_id query parameter.
type TaskHandler struct {
	stores   *store.Stores
	resolver *project.Resolver
	git      commitResolver
	logger   *slog.Logger
}

func NewTaskHandler(stores *store.Stores, resolver *project.Resolver, g commitResolver, logger *slog.Logger) *TaskHandler {
	if g == nil {
		g = &git.Runner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{stores: stores, resolver: resolver, git: g, logger: logger}
}

func (h *TaskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /tasks", h.handleList)
	mux.HandleFunc("POST /tasks", h.handleCreate)
	mux.HandleFunc("GET /tasks/{ref}", h.handleGet)
	mux.HandleFunc("PATCH /tasks/{ref}", h.handleUpdate)
	mux.HandleFunc("DELETE /tasks/{ref}", h.handleDelete)
	mux.HandleFunc("POST /tasks/{ref}/close", h.handleClose)
	mux.HandleFunc("POST /tasks/{ref}/reopen", h.handleReopen)
	mux.HandleFunc("POST /tasks/{ref}/de-escalate", h.handleDeescalate)
	mux.HandleFunc("GET /tasks/{ref}/comments", h.handleListComments)
	mux.HandleFunc("POST /tasks/{ref}/comments", h.handleAddComment)
	mux.HandleFunc("DELETE /tasks/{ref}/comments/{commentID}", h.handleDeleteComment)
	mux.HandleFunc("GET /tasks/{ref}/commits", h.handleListCommits)
	mux.HandleFunc("POST /tasks/{ref}/commits", h.handleLinkCommit)
	mux.HandleFunc("DELETE /tasks/{ref}/commits/{sha}", h.handleUnlinkCommit)
	mux.HandleFunc("GET /tasks/{ref}/dependencies", h.handleListDeps)
	mux.HandleFunc("POST /tasks/{ref}/dependencies", h.handleAddDep)
	mux.HandleFunc("DELETE /tasks/{ref}/dependencies/{dep}", h.handleRemoveDep)
}

// projectScope resolves the project from query parameters: project_id wins,
// then cwd, then the personal project.
func (h *TaskHandler) projectScope(r *http.Request) (*store.Project, error) {
	if raw := r.URL.Query().Get("project_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, store.Validationf("invalid project_id %q", raw)
		}
		return h.stores.Projects.Get(r.Context(), id)
	}
	if cwd := r.URL.Query().Get("cwd"); cwd != "" {
		return h.resolver.Resolve(r.Context(), cwd)
	}
	return h.stores.Projects.EnsurePersonal(r.Context())
}

// resolveRef turns a path reference into a task. UUIDs skip project
// resolution.
func (h *TaskHandler) resolveRef(r *http.Request) (*store.Task, error) {
	ref := r.PathValue("ref")
	if id, err := uuid.Parse(ref); err == nil {
		return h.stores.Tasks.GetTask(r.Context(), id)
	}
	proj, err := h.projectScope(r)
	if err != nil {
		return nil, err
	}
	return h.stores.Tasks.ResolveTaskRef(r.Context(), proj.ID, ref)
}

func (h *TaskHandler) handleList(w http.ResponseWriter, r *http.Request) {
	proj, err := h.projectScope(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	q := r.URL.Query()
	filter := store.TaskFilter{
		ProjectID: proj.ID,
		Status:    q.Get("status"),
		Label:     q.Get("label"),
		Assignee:  q.Get("assignee"),
	}
	if raw := q.Get("parent"); raw != "" {
		parent, err := h.stores.Tasks.ResolveTaskRef(r.Context(), proj.ID, raw)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		filter.ParentID = &parent.ID
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = n
	}

	var tasks []*store.Task
	switch q.Get("view") {
	case "ready":
		tasks, err = h.stores.Tasks.ListReadyTasks(r.Context(), proj.ID)
	case "blocked":
		tasks, err = h.stores.Tasks.ListBlockedTasks(r.Context(), proj.ID)
	default:
		tasks, err = h.stores.Tasks.ListTasks(r.Context(), filter)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

type createTaskRequest struct {
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Parent        string   `json:"parent,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
	TaskType      string   `json:"task_type,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	Assignee      string   `json:"assignee,omitempty"`
	WorkflowName  string   `json:"workflow,omitempty"`
	SequenceOrder *int     `json:"sequence_order,omitempty"`
}

func (h *TaskHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	proj, err := h.projectScope(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	create := store.CreateTaskRequest{
		ProjectID:     proj.ID,
		Title:         req.Title,
		Description:   req.Description,
		Priority:      req.Priority,
		TaskType:      req.TaskType,
		Labels:        req.Labels,
		Assignee:      req.Assignee,
		WorkflowName:  req.WorkflowName,
		SequenceOrder: req.SequenceOrder,
	}
	if req.Parent != "" {
		parent, err := h.stores.Tasks.ResolveTaskRef(r.Context(), proj.ID, req.Parent)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		create.ParentTaskID = &parent.ID
	}

	task, err := h.stores.Tasks.CreateTask(r.Context(), create)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *TaskHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type updateTaskRequest struct {
	Title            *string    `json:"title,omitempty"`
	Description      *string    `json:"description,omitempty"`
	Status           *string    `json:"status,omitempty"`
	Priority         *int       `json:"priority,omitempty"`
	TaskType         *string    `json:"task_type,omitempty"`
	Labels           *[]string  `json:"labels,omitempty"`
	Assignee         *string    `json:"assignee,omitempty"`
	WorkflowName     *string    `json:"workflow,omitempty"`
	SequenceOrder    *int       `json:"sequence_order,omitempty"`
	ValidationStatus *string    `json:"validation_status,omitempty"`
	EscalationReason *string    `json:"escalation_reason,omitempty"`
	ParentTaskID     *uuid.UUID `json:"parent_task_id,omitempty"`
	ClearParent      bool       `json:"clear_parent,omitempty"`
}

func (h *TaskHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req updateTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	updated, err := h.stores.Tasks.UpdateTask(r.Context(), task.ID, store.TaskUpdate{
		Title:            req.Title,
		Description:      req.Description,
		Status:           req.Status,
		Priority:         req.Priority,
		TaskType:         req.TaskType,
		Labels:           req.Labels,
		Assignee:         req.Assignee,
		WorkflowName:     req.WorkflowName,
		SequenceOrder:    req.SequenceOrder,
		ValidationStatus: req.ValidationStatus,
		EscalationReason: req.EscalationReason,
		ParentTaskID:     req.ParentTaskID,
		ClearParent:      req.ClearParent,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *TaskHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// Plain deletes refuse when open dependents exist; destroying the
	// subtree takes an explicit cascade=true.
	q := r.URL.Query()
	cascade := q.Get("cascade") == "true"
	unlink := q.Get("unlink") == "true"
	if err := h.stores.Tasks.DeleteTask(r.Context(), task.ID, cascade, unlink); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": task.ID})
}

type closeTaskRequest struct {
	Reason    string `json:"reason,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

func (h *TaskHandler) handleClose(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req closeTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	creq := store.CloseTaskRequest{
		Reason: req.Reason,
		Force:  req.Force,
	}
	if req.CommitSHA != "" {
		sha, err := h.normalizeCommit(r.Context(), task, req.CommitSHA)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		creq.CommitSHA = sha
	}
	if req.SessionID != "" {
		sid, err := uuid.Parse(req.SessionID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid session_id %q", req.SessionID)
			return
		}
		creq.SessionID = &sid
	}
	closed, err := h.stores.Tasks.CloseTask(r.Context(), task.ID, creq)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

// normalizeCommit resolves ref against the task's project repository and
// returns the short SHA. Unresolvable refs come back as validation errors so
// nothing unverified ever reaches the store.
func (h *TaskHandler) normalizeCommit(ctx context.Context, task *store.Task, ref string) (string, error) {
	proj, err := h.stores.Projects.Get(ctx, task.ProjectID)
	if err != nil {
		return "", err
	}
	if proj.Path == "" {
		return "", store.Validationf("project %q has no repository path to resolve commits against", proj.Name)
	}
	sha, err := h.git.NormalizeSHA(ctx, proj.Path, ref)
	if err != nil {
		return "", store.Validationf("%v", err)
	}
	return sha, nil
}

func (h *TaskHandler) handleListCommits(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": task.Commits, "count": len(task.Commits)})
}

type linkCommitRequest struct {
	SHA string `json:"sha"`
}

func (h *TaskHandler) handleLinkCommit(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req linkCommitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.SHA == "" {
		writeError(w, http.StatusBadRequest, "sha is required")
		return
	}
	sha, err := h.normalizeCommit(r.Context(), task, req.SHA)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	updated, err := h.stores.Tasks.LinkCommit(r.Context(), task.ID, sha)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *TaskHandler) handleUnlinkCommit(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// Unlink takes the stored short form verbatim; the commit may no longer
	// resolve once branches are pruned.
	updated, err := h.stores.Tasks.UnlinkCommit(r.Context(), task.ID, r.PathValue("sha"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *TaskHandler) handleReopen(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req reasonRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	reopened, err := h.stores.Tasks.ReopenTask(r.Context(), task.ID, req.Reason)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reopened)
}

func (h *TaskHandler) handleDeescalate(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req reasonRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	updated, err := h.stores.Tasks.DeescalateTask(r.Context(), task.ID, req.Reason)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *TaskHandler) handleListComments(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	comments, err := h.stores.Tasks.ListComments(r.Context(), task.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

type addCommentRequest struct {
	Body   string `json:"body"`
	Author string `json:"author,omitempty"`
}

func (h *TaskHandler) handleAddComment(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req addCommentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	comment := &store.TaskComment{TaskID: task.ID, Author: req.Author, Body: req.Body}
	if err := h.stores.Tasks.AddComment(r.Context(), comment); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *TaskHandler) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	if _, err := h.resolveRef(r); err != nil {
		writeStoreError(w, err)
		return
	}
	commentID, err := uuid.Parse(r.PathValue("commentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid comment id")
		return
	}
	if err := h.stores.Tasks.DeleteComment(r.Context(), commentID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": commentID})
}

func (h *TaskHandler) handleListDeps(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	deps, err := h.stores.Tasks.ListDependencies(r.Context(), task.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dependencies": deps})
}

type addDepRequest struct {
	DependsOn string `json:"depends_on"`
	DepType   string `json:"dep_type,omitempty"`
}

func (h *TaskHandler) handleAddDep(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req addDepRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.DependsOn == "" {
		writeError(w, http.StatusBadRequest, "depends_on is required")
		return
	}
	dep, err := h.stores.Tasks.ResolveTaskRef(r.Context(), task.ProjectID, req.DependsOn)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	depType := req.DepType
	if depType == "" {
		depType = store.DepBlocks
	}
	edge := store.TaskDependency{TaskID: task.ID, DependsOnTaskID: dep.ID, DepType: depType}
	if err := h.stores.Tasks.AddDependency(r.Context(), edge); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

func (h *TaskHandler) handleRemoveDep(w http.ResponseWriter, r *http.Request) {
	task, err := h.resolveRef(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	dep, err := h.stores.Tasks.ResolveTaskRef(r.Context(), task.ProjectID, r.PathValue("dep"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := h.stores.Tasks.RemoveDependency(r.Context(), task.ID, dep.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": dep.ID})
}
