package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/gobbyhq/gobby/internal/store"
)

// ToolInfo is a transport-independent tool description.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolCallResult is the normalized outcome of a tool call.
type ToolCallResult struct {
	Text    string
	IsError bool
}

// conn is the transport surface the manager needs from one MCP server.
// Two implementations exist: mcp-go for stdio/http/sse, and a websocket
// JSON-RPC client.
type conn interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, tool string, args map[string]any) (*ToolCallResult, error)
	ReadResource(ctx context.Context, uri string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// dialFunc opens a transport for cfg. Tests substitute a fake.
type dialFunc func(ctx context.Context, cfg *store.MCPServerConfig) (conn, error)

// dial opens the right transport for cfg.Transport.
func dial(ctx context.Context, cfg *store.MCPServerConfig) (conn, error) {
	if cfg.Transport == store.TransportWebsocket {
		return dialWebsocket(ctx, cfg)
	}

	var (
		client *mcpclient.Client
		err    error
	)
	switch cfg.Transport {
	case store.TransportStdio:
		client, err = mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	case store.TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		client, err = mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		client, err = mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}

	// stdio auto-starts; the HTTP family needs an explicit Start.
	if cfg.Transport != store.TransportStdio {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}
	return &mcpgoConn{client: client}, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// mcpgoConn adapts the mark3labs client to the conn interface.
type mcpgoConn struct {
	client *mcpclient.Client
}

func (c *mcpgoConn) Initialize(ctx context.Context) error {
	req := mcpgo.InitializeRequest{}
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{
		Name:    "gobby",
		Version: "1.0.0",
	}
	if _, err := c.client.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

func (c *mcpgoConn) ListTools(ctx context.Context) ([]ToolInfo, error) {
	res, err := c.client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	out := make([]ToolInfo, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", t.Name, err)
		}
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

func (c *mcpgoConn) CallTool(ctx context.Context, tool string, args map[string]any) (*ToolCallResult, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}
	return &ToolCallResult{Text: flattenContent(res.Content), IsError: res.IsError}, nil
}

func (c *mcpgoConn) ReadResource(ctx context.Context, uri string) (string, error) {
	req := mcpgo.ReadResourceRequest{}
	req.Params.URI = uri
	res, err := c.client.ReadResource(ctx, req)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, rc := range res.Contents {
		if tc, ok := rc.(mcpgo.TextResourceContents); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (c *mcpgoConn) Ping(ctx context.Context) error {
	err := c.client.Ping(ctx)
	// Servers without a ping handler are still alive.
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "method not found") {
		return nil
	}
	return err
}

func (c *mcpgoConn) Close() error { return c.client.Close() }

func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
