package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/store"
)

// MCPStore implements store.MCPStore.
type MCPStore struct {
	*base
}

const mcpServerCols = `name, project_id, transport, url, command, args, env, headers,
	enabled, created_at, updated_at`

func scanMCPServer(row interface{ Scan(...any) error }) (*store.MCPServerConfig, error) {
	var cfg store.MCPServerConfig
	var projectID sql.NullString
	var args, env, headers string
	var enabled int
	err := row.Scan(&cfg.Name, &projectID, &cfg.Transport, &cfg.URL, &cfg.Command,
		&args, &env, &headers, &enabled, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if projectID.Valid {
		pid := uuid.MustParse(projectID.String)
		cfg.ProjectID = &pid
	}
	cfg.Enabled = enabled != 0
	cfg.Args = unmarshalStrings(args)
	if err := json.Unmarshal([]byte(env), &cfg.Env); err != nil {
		cfg.Env = nil
	}
	if err := json.Unmarshal([]byte(headers), &cfg.Headers); err != nil {
		cfg.Headers = nil
	}
	return &cfg, nil
}

func validTransport(t string) bool {
	switch t {
	case store.TransportHTTP, store.TransportWebsocket, store.TransportStdio:
		return true
	}
	return false
}

func (s *MCPStore) UpsertServer(ctx context.Context, cfg *store.MCPServerConfig) error {
	if cfg.Name == "" {
		return store.Validationf("server name is required")
	}
	if !validTransport(cfg.Transport) {
		return store.Validationf("unknown transport %q", cfg.Transport)
	}

	var projectID any
	if cfg.ProjectID != nil {
		projectID = cfg.ProjectID.String()
	}
	ts := now()
	cfg.UpdatedAt = ts
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = ts
	}
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mcp_servers (name, project_id, transport, url, command, args, env,
		    headers, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name, COALESCE(project_id, '')) DO UPDATE SET
		    transport = excluded.transport, url = excluded.url, command = excluded.command,
		    args = excluded.args, env = excluded.env, headers = excluded.headers,
		    enabled = excluded.enabled, updated_at = excluded.updated_at`,
		cfg.Name, projectID, cfg.Transport, cfg.URL, cfg.Command,
		marshalJSON(cfg.Args, "[]"), marshalJSON(cfg.Env, "{}"),
		marshalJSON(cfg.Headers, "{}"), enabled, cfg.CreatedAt, ts)
	if err != nil {
		return fmt.Errorf("upsert mcp server: %w", err)
	}
	s.notify("mcp_server", "update", cfg.Name)
	return nil
}

func (s *MCPStore) GetServer(ctx context.Context, name string, projectID *uuid.UUID) (*store.MCPServerConfig, error) {
	scope := ""
	if projectID != nil {
		scope = projectID.String()
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mcpServerCols+` FROM mcp_servers
		 WHERE name = ? AND COALESCE(project_id, '') = ?`, name, scope)
	cfg, err := scanMCPServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("mcp server %q", name)
	}
	return cfg, err
}

func (s *MCPStore) DeleteServer(ctx context.Context, name string, projectID *uuid.UUID) error {
	scope := ""
	if projectID != nil {
		scope = projectID.String()
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mcp_servers WHERE name = ? AND COALESCE(project_id, '') = ?`, name, scope)
	if err != nil {
		return fmt.Errorf("delete mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("mcp server %q", name)
	}
	s.notify("mcp_server", "delete", name)
	return nil
}

// ListServers returns servers visible to the project: its own plus globals.
// A nil projectID lists only globals.
func (s *MCPStore) ListServers(ctx context.Context, projectID *uuid.UUID) ([]*store.MCPServerConfig, error) {
	query := `SELECT ` + mcpServerCols + ` FROM mcp_servers WHERE project_id IS NULL`
	args := []any{}
	if projectID != nil {
		query += ` OR project_id = ?`
		args = append(args, projectID.String())
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mcp servers: %w", err)
	}
	defer rows.Close()

	var out []*store.MCPServerConfig
	for rows.Next() {
		cfg, err := scanMCPServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *MCPStore) ReplaceTools(ctx context.Context, serverName string, projectID uuid.UUID, tools []store.CachedTool) (*store.RefreshDiff, error) {
	diff := &store.RefreshDiff{}
	err := s.withTx(ctx, func(tx *sql.Tx, queue *[]store.Change) error {
		prev := map[string]string{}
		rows, err := tx.QueryContext(ctx,
			`SELECT tool_name, schema_hash FROM mcp_tools_cache
			 WHERE server_name = ? AND project_id = ?`,
			serverName, projectID.String())
		if err != nil {
			return err
		}
		for rows.Next() {
			var name, hash string
			if err := rows.Scan(&name, &hash); err != nil {
				rows.Close()
				return err
			}
			prev[name] = hash
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM mcp_tools_cache WHERE server_name = ? AND project_id = ?`,
			serverName, projectID.String())
		if err != nil {
			return err
		}

		ts := now()
		seen := map[string]struct{}{}
		for _, t := range tools {
			seen[t.ToolName] = struct{}{}
			switch hash, ok := prev[t.ToolName]; {
			case !ok:
				diff.New++
			case hash != t.SchemaHash:
				diff.Changed++
			default:
				diff.Unchanged++
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO mcp_tools_cache (server_name, project_id, tool_name,
				    description, input_schema_json, schema_hash, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				serverName, projectID.String(), t.ToolName, t.Description,
				t.InputSchema, t.SchemaHash, ts)
			if err != nil {
				return err
			}
		}
		for name := range prev {
			if _, ok := seen[name]; !ok {
				diff.Removed++
			}
		}
		*queue = append(*queue, store.Change{Entity: "mcp_tools", Op: "update", ID: serverName})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replace tools: %w", err)
	}
	return diff, nil
}

func (s *MCPStore) ListCachedTools(ctx context.Context, serverName string, projectID uuid.UUID) ([]store.CachedTool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, project_id, tool_name, description, input_schema_json,
		    schema_hash, updated_at
		 FROM mcp_tools_cache WHERE server_name = ? AND project_id = ?
		 ORDER BY tool_name`,
		serverName, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list cached tools: %w", err)
	}
	defer rows.Close()

	var out []store.CachedTool
	for rows.Next() {
		var t store.CachedTool
		var pid string
		err := rows.Scan(&t.ServerName, &pid, &t.ToolName, &t.Description,
			&t.InputSchema, &t.SchemaHash, &t.UpdatedAt)
		if err != nil {
			return nil, err
		}
		t.ProjectID = uuid.MustParse(pid)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *MCPStore) RecordToolCall(ctx context.Context, projectID uuid.UUID, server, tool string, success bool, latency time.Duration) error {
	succ := 0
	if success {
		succ = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_metrics (project_id, server_name, tool_name, call_count,
		    success_count, total_latency_ms, last_called_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)
		 ON CONFLICT (project_id, server_name, tool_name) DO UPDATE SET
		    call_count = call_count + 1,
		    success_count = success_count + excluded.success_count,
		    total_latency_ms = total_latency_ms + excluded.total_latency_ms,
		    last_called_at = excluded.last_called_at`,
		projectID.String(), server, tool, succ, latency.Milliseconds(), now())
	if err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	return nil
}

func (s *MCPStore) GetToolMetric(ctx context.Context, projectID uuid.UUID, server, tool string) (*store.ToolMetric, error) {
	var m store.ToolMetric
	var pid string
	var last sql.NullTime
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, server_name, tool_name, call_count, success_count,
		    total_latency_ms, last_called_at
		 FROM tool_metrics WHERE project_id = ? AND server_name = ? AND tool_name = ?`,
		projectID.String(), server, tool)
	err := row.Scan(&pid, &m.ServerName, &m.ToolName, &m.CallCount, &m.SuccessCount,
		&m.TotalLatencyMS, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("metric for %s/%s", server, tool)
	}
	if err != nil {
		return nil, err
	}
	m.ProjectID = uuid.MustParse(pid)
	if last.Valid {
		v := last.Time
		m.LastCalledAt = &v
	}
	return &m, nil
}
