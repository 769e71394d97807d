// Package mcp manages connections to configured MCP servers: lazy single
// flight connects behind per-server locks, a circuit breaker per server, a
// health monitor with background reconnects, tool call metrics, and a
// schema-hash tool cache.
package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gobbyhq/gobby/internal/store"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateFailed       = "failed"
)

// Health verdicts.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

const healthPingTimeout = 5 * time.Second

// Config tunes the manager. Zero values get sensible defaults.
type Config struct {
	ConnectTimeout      time.Duration
	ToolTimeout         time.Duration
	HealthCheckInterval time.Duration
	MaxConnectRetries   int
	BreakerThreshold    int
	BreakerCooldown     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.MaxConnectRetries <= 0 {
		c.MaxConnectRetries = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 60 * time.Second
	}
	return c
}

// Health is the observed condition of one server.
type Health struct {
	State               string    `json:"state"`
	Health              string    `json:"health"`
	LastHealthCheck     time.Time `json:"last_health_check,omitzero"`
	ResponseTimeMS      int64     `json:"response_time_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// ServerStatus is the externally visible per-server summary.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Enabled   bool   `json:"enabled"`
	Health    Health `json:"health"`
	LastError string `json:"last_error,omitempty"`
}

// serverState holds everything the manager tracks for one server. mu is the
// per-server connect lock; health and conn are guarded by it.
type serverState struct {
	cfg     *store.MCPServerConfig
	breaker *breaker

	mu      sync.Mutex
	conn    conn
	health  Health
	lastErr string
}

// Manager owns all MCP server connections.
type Manager struct {
	store  store.MCPStore
	cfg    Config
	dial   dialFunc
	pacer  *rate.Limiter
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]*serverState

	healthCancel context.CancelFunc
	healthDone   chan struct{}

	reconnMu  sync.Mutex
	reconning map[string]struct{}
	reconnWG  sync.WaitGroup
	shutdown  bool
}

func NewManager(st store.MCPStore, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     st,
		cfg:       cfg.withDefaults(),
		dial:      dial,
		pacer:     rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		logger:    logger,
		servers:   make(map[string]*serverState),
		reconning: make(map[string]struct{}),
	}
}

// RegisterServer adds or replaces an in-memory server config. A replaced
// server's old connection is closed.
func (m *Manager) RegisterServer(cfg *store.MCPServerConfig) {
	m.mu.Lock()
	old, existed := m.servers[cfg.Name]
	m.servers[cfg.Name] = &serverState{
		cfg:     cfg,
		breaker: newBreaker(m.cfg.BreakerThreshold, m.cfg.BreakerCooldown),
		health:  Health{State: StateDisconnected, Health: HealthUnknown},
	}
	m.mu.Unlock()

	if existed {
		old.mu.Lock()
		if old.conn != nil {
			_ = old.conn.Close()
		}
		old.mu.Unlock()
	}
}

// RemoveServer drops a server from the manager and closes its connection.
// Unknown names are a no-op.
func (m *Manager) RemoveServer(name string) {
	m.mu.Lock()
	st, ok := m.servers[name]
	delete(m.servers, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if st.conn != nil {
		_ = st.conn.Close()
		st.conn = nil
	}
	st.mu.Unlock()
}

// LoadServers registers every stored server config visible to projectID
// (globals plus project scope).
func (m *Manager) LoadServers(ctx context.Context, projectID *uuid.UUID) error {
	configs, err := m.store.ListServers(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list mcp servers: %w", err)
	}
	for _, cfg := range configs {
		m.RegisterServer(cfg)
	}
	return nil
}

func (m *Manager) state(name string) (*serverState, error) {
	m.mu.RLock()
	st, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server %q: %w", name, ErrNotConfigured)
	}
	return st, nil
}

// ensureConnected returns a live connection for name, dialing lazily. It is
// single-flight per server: the per-server lock serializes dial attempts and
// the re-check after acquisition picks up a connection another caller made.
func (m *Manager) ensureConnected(ctx context.Context, name string) (conn, error) {
	st, err := m.state(name)
	if err != nil {
		return nil, err
	}
	if !st.cfg.Enabled {
		return nil, fmt.Errorf("server %q: %w", name, ErrDisabled)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conn != nil && st.health.State == StateConnected {
		return st.conn, nil
	}

	if ok, retryAfter := st.breaker.allow(); !ok {
		return nil, &CircuitOpenError{Server: name, RetryAfter: retryAfter}
	}

	st.health.State = StateConnecting
	c, err := m.connect(ctx, st)
	if err != nil {
		st.health.State = StateFailed
		st.health.Health = HealthUnhealthy
		st.lastErr = err.Error()
		st.breaker.recordFailure()
		return nil, err
	}

	st.conn = c
	st.health.State = StateConnected
	st.health.Health = HealthHealthy
	st.health.ConsecutiveFailures = 0
	st.lastErr = ""
	st.breaker.recordSuccess()
	m.logger.Info("mcp.connected", "server", name, "transport", st.cfg.Transport)
	return c, nil
}

// connect dials with exponential backoff, pacing attempts through the
// manager-wide limiter. Caller holds st.mu.
func (m *Manager) connect(ctx context.Context, st *serverState) (conn, error) {
	name := st.cfg.Name
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxConnectRetries; attempt++ {
		if err := m.pacer.Wait(ctx); err != nil {
			return nil, serverError(name, "connect cancelled", err)
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		c, err := m.dial(dialCtx, st.cfg)
		if err == nil && c == nil {
			cancel()
			return nil, serverError(name, "connection returned no session", nil)
		}
		if err == nil {
			err = c.Initialize(dialCtx)
			if err != nil {
				_ = c.Close()
			}
		}
		cancel()

		if err == nil {
			return c, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, serverError(name, "connection timeout", nil)
		}
		if ctx.Err() != nil {
			return nil, serverError(name, "connect cancelled", ctx.Err())
		}
		lastErr = err
		m.logger.Warn("mcp.connect_retry", "server", name, "attempt", attempt, "error", err)

		if attempt < m.cfg.MaxConnectRetries {
			select {
			case <-ctx.Done():
				return nil, serverError(name, "connect cancelled", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, serverError(name, fmt.Sprintf("failed to connect after %d attempts", m.cfg.MaxConnectRetries), lastErr)
}

// CallTool invokes tool on server, lazily connecting. The metric row is
// recorded on both success and failure; metric errors never affect the call.
func (m *Manager) CallTool(ctx context.Context, projectID uuid.UUID, server, tool string, args map[string]any, timeout time.Duration) (*ToolCallResult, error) {
	c, err := m.ensureConnected(ctx, server)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.cfg.ToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := c.CallTool(callCtx, tool, args)
	latency := time.Since(start)

	m.recordMetric(ctx, projectID, server, tool, err == nil && (res == nil || !res.IsError), latency)

	if err != nil {
		if st, stErr := m.state(server); stErr == nil {
			st.mu.Lock()
			st.health.ConsecutiveFailures++
			st.lastErr = err.Error()
			st.mu.Unlock()
		}
		return nil, serverError(server, fmt.Sprintf("call %s", tool), err)
	}
	return res, nil
}

func (m *Manager) recordMetric(ctx context.Context, projectID uuid.UUID, server, tool string, success bool, latency time.Duration) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordToolCall(ctx, projectID, server, tool, success, latency); err != nil {
		m.logger.Warn("mcp.metric_failed", "server", server, "tool", tool, "error", err)
	}
}

// ListTools returns the server's live tool list.
func (m *Manager) ListTools(ctx context.Context, server string) ([]ToolInfo, error) {
	c, err := m.ensureConnected(ctx, server)
	if err != nil {
		return nil, err
	}
	return c.ListTools(ctx)
}

// ToolInputSchema returns the cached input schema for a tool, refreshing the
// cache when the tool is unknown.
func (m *Manager) ToolInputSchema(ctx context.Context, projectID uuid.UUID, server, tool string) (string, error) {
	cached, err := m.store.ListCachedTools(ctx, server, projectID)
	if err == nil {
		for _, t := range cached {
			if t.ToolName == tool {
				return t.InputSchema, nil
			}
		}
	}
	if _, _, err := m.RefreshTools(ctx, projectID, server); err != nil {
		return "", err
	}
	cached, err = m.store.ListCachedTools(ctx, server, projectID)
	if err != nil {
		return "", err
	}
	for _, t := range cached {
		if t.ToolName == tool {
			return t.InputSchema, nil
		}
	}
	return "", fmt.Errorf("tool %q not found on server %q", tool, server)
}

// RefreshTools re-discovers the server's tools and swaps the cache,
// returning the schema-hash diff and the fresh list.
func (m *Manager) RefreshTools(ctx context.Context, projectID uuid.UUID, server string) (*store.RefreshDiff, []ToolInfo, error) {
	c, err := m.ensureConnected(ctx, server)
	if err != nil {
		return nil, nil, err
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, nil, serverError(server, "list tools", err)
	}

	cached := make([]store.CachedTool, 0, len(tools))
	for _, t := range tools {
		sum := sha256.Sum256(t.InputSchema)
		cached = append(cached, store.CachedTool{
			ServerName:  server,
			ProjectID:   projectID,
			ToolName:    t.Name,
			Description: t.Description,
			InputSchema: string(t.InputSchema),
			SchemaHash:  hex.EncodeToString(sum[:]),
		})
	}
	diff, err := m.store.ReplaceTools(ctx, server, projectID, cached)
	if err != nil {
		return nil, nil, fmt.Errorf("cache tools for %s: %w", server, err)
	}
	m.logger.Info("mcp.tools_refreshed", "server", server,
		"new", diff.New, "changed", diff.Changed, "unchanged", diff.Unchanged, "removed", diff.Removed)
	return diff, tools, nil
}

// ReadResource fetches a resource by URI from the server.
func (m *Manager) ReadResource(ctx context.Context, server, uri string) (string, error) {
	c, err := m.ensureConnected(ctx, server)
	if err != nil {
		return "", err
	}
	out, err := c.ReadResource(ctx, uri)
	if err != nil {
		return "", serverError(server, fmt.Sprintf("read %s", uri), err)
	}
	return out, nil
}

// StartHealthMonitor launches the background health loop. Safe to call once.
func (m *Manager) StartHealthMonitor() {
	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	m.healthDone = make(chan struct{})
	go m.healthLoop(ctx)
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer close(m.healthDone)
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

// checkAll pings every connected server once. A handler panic must not kill
// the loop.
func (m *Manager) checkAll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("mcp.health_panic", "panic", r)
		}
	}()

	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		st, err := m.state(name)
		if err != nil {
			continue
		}
		st.mu.Lock()
		c := st.conn
		connected := st.health.State == StateConnected
		st.mu.Unlock()
		if !connected || c == nil {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
		start := time.Now()
		err = c.Ping(pingCtx)
		cancel()

		st.mu.Lock()
		st.health.LastHealthCheck = time.Now().UTC()
		st.health.ResponseTimeMS = time.Since(start).Milliseconds()
		if err != nil {
			st.health.ConsecutiveFailures++
			st.health.Health = HealthUnhealthy
			st.lastErr = err.Error()
			failures := st.health.ConsecutiveFailures
			st.mu.Unlock()
			m.logger.Warn("mcp.health_failed", "server", name, "failures", failures, "error", err)
			if failures >= 2 {
				m.scheduleReconnect(name)
			}
			continue
		}
		st.health.Health = HealthHealthy
		st.health.ConsecutiveFailures = 0
		st.lastErr = ""
		st.mu.Unlock()
	}
}

// scheduleReconnect runs one out-of-band reconnect for name unless one is
// already pending. The task set drains in DisconnectAll.
func (m *Manager) scheduleReconnect(name string) {
	m.reconnMu.Lock()
	if m.shutdown {
		m.reconnMu.Unlock()
		return
	}
	if _, pending := m.reconning[name]; pending {
		m.reconnMu.Unlock()
		return
	}
	m.reconning[name] = struct{}{}
	m.reconnWG.Add(1)
	m.reconnMu.Unlock()

	go func() {
		defer func() {
			m.reconnMu.Lock()
			delete(m.reconning, name)
			m.reconnMu.Unlock()
			m.reconnWG.Done()
		}()

		st, err := m.state(name)
		if err != nil {
			return
		}
		st.mu.Lock()
		if st.conn != nil {
			_ = st.conn.Close()
			st.conn = nil
		}
		st.health.State = StateDisconnected
		st.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout*time.Duration(m.cfg.MaxConnectRetries+1))
		defer cancel()
		if _, err := m.ensureConnected(ctx, name); err != nil {
			m.logger.Warn("mcp.reconnect_failed", "server", name, "error", err)
			return
		}
		m.logger.Info("mcp.reconnected", "server", name)
	}()
}

// DisconnectAll stops the health loop, waits out pending reconnects, closes
// every connection with a bounded timeout, and clears all state. Errors are
// logged, never returned.
func (m *Manager) DisconnectAll(timeout time.Duration) {
	m.reconnMu.Lock()
	m.shutdown = true
	m.reconnMu.Unlock()

	if m.healthCancel != nil {
		m.healthCancel()
		<-m.healthDone
		m.healthCancel = nil
	}
	m.reconnWG.Wait()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.After(timeout)

	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*serverState)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for name, st := range servers {
			st.mu.Lock()
			c := st.conn
			st.conn = nil
			st.health.State = StateDisconnected
			st.mu.Unlock()
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil {
				m.logger.Debug("mcp.close_error", "server", name, "error", err)
			}
		}
	}()
	select {
	case <-done:
	case <-deadline:
		m.logger.Warn("mcp.disconnect_timeout")
	}
}

// Status reports every registered server, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for name, st := range m.servers {
		st.mu.Lock()
		out = append(out, ServerStatus{
			Name:      name,
			Transport: st.cfg.Transport,
			Enabled:   st.cfg.Enabled,
			Health:    st.health,
			LastError: st.lastErr,
		})
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
