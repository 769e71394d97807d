package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/mcp"
	"github.com/gobbyhq/gobby/internal/project"
	"github.com/gobbyhq/gobby/internal/store"
)

// Recommender produces tool recommendations from an LLM given a task
// description and the candidate tool list.
type Recommender interface {
	Recommend(ctx context.Context, query string, tools []store.CachedTool) (string, error)
}

// Embedder turns text into a vector for semantic tool search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MCPHandler serves the MCP proxy endpoints.
type MCPHandler struct {
	manager  *mcp.Manager
	stores   *store.Stores
	resolver *project.Resolver

	// Optional LLM collaborators; nil means the feature reports itself
	// unavailable rather than failing the request.
	recommender Recommender
	embedder    Embedder

	logger *slog.Logger
}

// MCPHandlerOptions wires the handler's collaborators.
type MCPHandlerOptions struct {
	Manager     *mcp.Manager
	Stores      *store.Stores
	Resolver    *project.Resolver
	Recommender Recommender
	Embedder    Embedder
	Logger      *slog.Logger
}

func NewMCPHandler(opts MCPHandlerOptions) *MCPHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPHandler{
		manager:     opts.Manager,
		stores:      opts.Stores,
		resolver:    opts.Resolver,
		recommender: opts.Recommender,
		embedder:    opts.Embedder,
		logger:      logger,
	}
}

func (h *MCPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/servers", h.handleListServers)
	mux.HandleFunc("POST /mcp/servers", h.handleAddServer)
	mux.HandleFunc("POST /mcp/servers/import", h.handleImport)
	mux.HandleFunc("DELETE /mcp/servers/{name}", h.handleDeleteServer)
	mux.HandleFunc("GET /mcp/{server}/tools", h.handleListTools)
	mux.HandleFunc("POST /mcp/tools/call", h.handleCallTool)
	mux.HandleFunc("POST /mcp/tools/schema", h.handleToolSchema)
	mux.HandleFunc("POST /mcp/refresh", h.handleRefresh)
	mux.HandleFunc("POST /mcp/tools/recommend", h.handleRecommend)
	mux.HandleFunc("POST /mcp/tools/search", h.handleSearch)
	mux.HandleFunc("POST /mcp/tools/embed", h.handleEmbed)
}

// projectFor resolves the metrics/cache scope: cwd when given, the personal
// project otherwise.
func (h *MCPHandler) projectFor(ctx context.Context, cwd string) (*store.Project, error) {
	if cwd != "" {
		return h.resolver.Resolve(ctx, cwd)
	}
	return h.stores.Projects.EnsurePersonal(ctx)
}

func (h *MCPHandler) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": h.manager.Status()})
}

func (h *MCPHandler) handleListTools(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")
	tools, err := h.manager.ListTools(r.Context(), server)
	if err != nil {
		writeMCPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": server, "tools": tools})
}

type toolCallRequest struct {
	ServerName string         `json:"server_name"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	CWD        string         `json:"cwd,omitempty"`
}

func (h *MCPHandler) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.ServerName == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "server_name and tool_name are required")
		return
	}
	proj, err := h.projectFor(r.Context(), req.CWD)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	result, err := h.manager.CallTool(r.Context(), proj.ID, req.ServerName, req.ToolName, req.Arguments, 0)
	if err != nil {
		writeMCPError(w, err)
		return
	}
	if result.IsError {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   result.Text,
			"server":  req.ServerName,
			"tool":    req.ToolName,
			"is_tool": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result.Text})
}

type toolSchemaRequest struct {
	ServerName string `json:"server_name"`
	ToolName   string `json:"tool_name"`
	CWD        string `json:"cwd,omitempty"`
}

func (h *MCPHandler) handleToolSchema(w http.ResponseWriter, r *http.Request) {
	var req toolSchemaRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	proj, err := h.projectFor(r.Context(), req.CWD)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	schema, err := h.manager.ToolInputSchema(r.Context(), proj.ID, req.ServerName, req.ToolName)
	if err != nil {
		writeMCPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server":      req.ServerName,
		"tool":        req.ToolName,
		"inputSchema": json.RawMessage(schema),
	})
}

type addServerRequest struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
	CWD       string            `json:"cwd,omitempty"`
	Global    bool              `json:"global,omitempty"`
}

func (h *MCPHandler) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req addServerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.Name == "" || req.Transport == "" {
		writeError(w, http.StatusBadRequest, "name and transport are required")
		return
	}
	switch req.Transport {
	case store.TransportHTTP, store.TransportWebsocket:
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, "url is required for %s transport", req.Transport)
			return
		}
	case store.TransportStdio:
		if req.Command == "" {
			writeError(w, http.StatusBadRequest, "command is required for stdio transport")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown transport %q", req.Transport)
		return
	}

	var projectID *uuid.UUID
	if !req.Global {
		proj, err := h.projectFor(r.Context(), req.CWD)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		projectID = &proj.ID
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cfg := &store.MCPServerConfig{
		Name:      req.Name,
		ProjectID: projectID,
		Transport: req.Transport,
		URL:       req.URL,
		Command:   req.Command,
		Args:      req.Args,
		Env:       req.Env,
		Headers:   req.Headers,
		Enabled:   enabled,
	}
	if err := h.stores.MCP.UpsertServer(r.Context(), cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	h.manager.RegisterServer(cfg)
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *MCPHandler) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var projectID *uuid.UUID
	if cwd := r.URL.Query().Get("cwd"); cwd != "" {
		proj, err := h.resolver.Resolve(r.Context(), cwd)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		projectID = &proj.ID
	}
	if err := h.stores.MCP.DeleteServer(r.Context(), name, projectID); err != nil {
		writeStoreError(w, err)
		return
	}
	h.manager.RemoveServer(name)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

// importRequest carries the .mcp.json shape Claude-family CLIs write.
type importRequest struct {
	MCPServers map[string]struct {
		Type    string            `json:"type,omitempty"`
		URL     string            `json:"url,omitempty"`
		Command string            `json:"command,omitempty"`
		Args    []string          `json:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
		Headers map[string]string `json:"headers,omitempty"`
	} `json:"mcpServers"`
	CWD    string `json:"cwd,omitempty"`
	Global bool   `json:"global,omitempty"`
}

func (h *MCPHandler) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if len(req.MCPServers) == 0 {
		writeError(w, http.StatusBadRequest, "mcpServers is empty")
		return
	}

	var projectID *uuid.UUID
	if !req.Global {
		proj, err := h.projectFor(r.Context(), req.CWD)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		projectID = &proj.ID
	}

	imported := make([]string, 0, len(req.MCPServers))
	skipped := map[string]string{}
	for name, entry := range req.MCPServers {
		transport := entry.Type
		if transport == "" {
			if entry.Command != "" {
				transport = store.TransportStdio
			} else {
				transport = store.TransportHTTP
			}
		}
		if transport == "sse" {
			transport = store.TransportHTTP
		}
		if (transport == store.TransportStdio && entry.Command == "") ||
			(transport != store.TransportStdio && entry.URL == "") {
			skipped[name] = "missing command or url"
			continue
		}
		cfg := &store.MCPServerConfig{
			Name:      name,
			ProjectID: projectID,
			Transport: transport,
			URL:       entry.URL,
			Command:   entry.Command,
			Args:      entry.Args,
			Env:       entry.Env,
			Headers:   entry.Headers,
			Enabled:   true,
		}
		if err := h.stores.MCP.UpsertServer(r.Context(), cfg); err != nil {
			skipped[name] = err.Error()
			continue
		}
		h.manager.RegisterServer(cfg)
		imported = append(imported, name)
	}
	sort.Strings(imported)
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": imported,
		"skipped":  skipped,
	})
}

type refreshRequest struct {
	ServerName string `json:"server_name"`
	CWD        string `json:"cwd,omitempty"`
}

func (h *MCPHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.ServerName == "" {
		writeError(w, http.StatusBadRequest, "server_name is required")
		return
	}
	proj, err := h.projectFor(r.Context(), req.CWD)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	diff, tools, err := h.manager.RefreshTools(r.Context(), proj.ID, req.ServerName)
	if err != nil {
		writeMCPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server":     req.ServerName,
		"diff":       diff,
		"tool_count": len(tools),
	})
}

type semanticRequest struct {
	Query string `json:"query"`
	Text  string `json:"text,omitempty"`
	CWD   string `json:"cwd,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// cachedToolsFor gathers the tool cache across every server visible to the
// project.
func (h *MCPHandler) cachedToolsFor(ctx context.Context, proj *store.Project) ([]store.CachedTool, error) {
	servers, err := h.stores.MCP.ListServers(ctx, &proj.ID)
	if err != nil {
		return nil, err
	}
	var tools []store.CachedTool
	for _, srv := range servers {
		cached, err := h.stores.MCP.ListCachedTools(ctx, srv.Name, proj.ID)
		if err != nil {
			return nil, err
		}
		tools = append(tools, cached...)
	}
	return tools, nil
}

// Semantic endpoints answer 200 with an error object when the project cannot
// be resolved; CLI-side integrations treat the body, not the status, as the
// verdict.
func (h *MCPHandler) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req semanticRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	proj, err := h.projectFor(r.Context(), req.CWD)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": "no project resolved from cwd"})
		return
	}
	if h.recommender == nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": "recommendations unavailable: no LLM configured"})
		return
	}
	tools, err := h.cachedToolsFor(r.Context(), proj)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	text, err := h.recommender.Recommend(r.Context(), req.Query, tools)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendation": text})
}

func (h *MCPHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req semanticRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	proj, err := h.projectFor(r.Context(), req.CWD)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": "no project resolved from cwd"})
		return
	}
	tools, err := h.cachedToolsFor(r.Context(), proj)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	matches := rankTools(req.Query, tools)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "results": matches})
}

func (h *MCPHandler) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req semanticRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if _, err := h.projectFor(r.Context(), req.CWD); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": "no project resolved from cwd"})
		return
	}
	if h.embedder == nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": "embeddings unavailable: no embedder configured"})
		return
	}
	text := req.Text
	if text == "" {
		text = req.Query
	}
	vec, err := h.embedder.Embed(r.Context(), text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"embedding": vec, "dims": len(vec)})
}

type toolMatch struct {
	Server      string `json:"server"`
	Tool        string `json:"tool"`
	Description string `json:"description,omitempty"`
	Score       int    `json:"score"`
}

// rankTools scores cached tools by query-token overlap with name and
// description. Lexical only; the embed endpoint exists for semantic search.
func rankTools(query string, tools []store.CachedTool) []toolMatch {
	terms := strings.Fields(strings.ToLower(query))
	var out []toolMatch
	for _, t := range tools {
		name := strings.ToLower(t.ToolName)
		desc := strings.ToLower(t.Description)
		score := 0
		for _, term := range terms {
			if strings.Contains(name, term) {
				score += 3
			}
			if strings.Contains(desc, term) {
				score++
			}
		}
		if score > 0 {
			out = append(out, toolMatch{
				Server:      t.ServerName,
				Tool:        t.ToolName,
				Description: t.Description,
				Score:       score,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
