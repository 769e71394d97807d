package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MCP transports.
const (
	TransportHTTP      = "http"
	TransportWebsocket = "websocket"
	TransportStdio     = "stdio"
)

// MCPServerConfig is one configured MCP server. Name is unique per project
// scope; a nil ProjectID means globally configured.
type MCPServerConfig struct {
	Name      string            `json:"name"`
	ProjectID *uuid.UUID        `json:"project_id,omitempty"`
	Transport string            `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CachedTool is a tool discovered on a server; SchemaHash detects schema
// drift between refreshes.
type CachedTool struct {
	ServerName  string    `json:"server_name"`
	ProjectID   uuid.UUID `json:"project_id"`
	ToolName    string    `json:"tool_name"`
	Description string    `json:"description,omitempty"`
	InputSchema string    `json:"input_schema_json"`
	SchemaHash  string    `json:"schema_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToolMetric aggregates call statistics per (project, server, tool).
type ToolMetric struct {
	ProjectID      uuid.UUID  `json:"project_id"`
	ServerName     string     `json:"server_name"`
	ToolName       string     `json:"tool_name"`
	CallCount      int64      `json:"call_count"`
	SuccessCount   int64      `json:"success_count"`
	TotalLatencyMS int64      `json:"total_latency_ms"`
	LastCalledAt   *time.Time `json:"last_called_at,omitempty"`
}

// RefreshDiff summarizes a tool-cache refresh, driven by schema hashes.
type RefreshDiff struct {
	New       int `json:"new"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Removed   int `json:"removed"`
}

// MCPStore persists server configs, the tool cache, and call metrics.
type MCPStore interface {
	UpsertServer(ctx context.Context, cfg *MCPServerConfig) error
	GetServer(ctx context.Context, name string, projectID *uuid.UUID) (*MCPServerConfig, error)
	DeleteServer(ctx context.Context, name string, projectID *uuid.UUID) error
	ListServers(ctx context.Context, projectID *uuid.UUID) ([]*MCPServerConfig, error)

	// ReplaceTools swaps the cached tool set for one server and returns the
	// schema-hash diff against the previous cache.
	ReplaceTools(ctx context.Context, serverName string, projectID uuid.UUID, tools []CachedTool) (*RefreshDiff, error)
	ListCachedTools(ctx context.Context, serverName string, projectID uuid.UUID) ([]CachedTool, error)

	// RecordToolCall upserts the metric row. Metric failures must never fail
	// the tool call that produced them; callers log and continue.
	RecordToolCall(ctx context.Context, projectID uuid.UUID, server, tool string, success bool, latency time.Duration) error
	GetToolMetric(ctx context.Context, projectID uuid.UUID, server, tool string) (*ToolMetric, error)
}
