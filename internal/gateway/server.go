// Package gateway hosts the daemon's HTTP surface and the WebSocket event
// stream. Broadcasts are fire-and-forget: hook handling never waits on a
// subscriber.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gobbyhq/gobby/internal/hooks"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/pkg/protocol"
)

// Options configures the gateway server.
type Options struct {
	Host         string
	Port         int
	RateLimitRPM int
	// Notifier, when set, forwards committed store changes to subscribers.
	Notifier *store.Notifier
	Logger   *slog.Logger
}

// Server owns the HTTP listener, the mux, and the set of WS subscribers. It
// implements the dispatcher's Broadcaster.
type Server struct {
	addr     string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	limiter  *RateLimiter
	notifier *store.Notifier
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port == 0 {
		port = 7077
	}
	s := &Server{
		addr:     fmt.Sprintf("%s:%d", host, port),
		mux:      http.NewServeMux(),
		limiter:  NewRateLimiter(opts.RateLimitRPM, 5),
		notifier: opts.Notifier,
		logger:   logger,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The daemon binds loopback only; origin checks add nothing there.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s
}

// Mux exposes the server mux so API handlers can register their routes.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// RateLimiter returns the shared limiter for wrapping API routes.
func (s *Server) RateLimiter() *RateLimiter { return s.limiter }

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.notifier != nil {
		s.notifier.Subscribe("gateway-ws", s.forwardChange)
		defer s.notifier.Unsubscribe("gateway-ws")
	}

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.limiter.Middleware(s.mux),
	}
	s.logger.Info("gateway.starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		s.TryShutdownBroadcast()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Serve runs on an existing listener; tests use it for a random port.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.notifier != nil {
		s.notifier.Subscribe("gateway-ws", s.forwardChange)
		defer s.notifier.Unsubscribe("gateway-ws")
	}
	s.httpServer = &http.Server{Handler: s.limiter.Middleware(s.mux)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := newClient(uuid.NewString()[:8], conn, s.logger)
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.logger.Info("gateway.client_connected", "client", client.id)

	client.run()

	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()
	client.close()
	s.logger.Info("gateway.client_disconnected", "client", client.id)
}

// TryBroadcast pushes a hook event frame to every subscriber. It never
// blocks and never fails the caller.
func (s *Server) TryBroadcast(event *hooks.HookEvent, resp *hooks.HookResponse) {
	subtype := protocol.HookEventHandled
	if resp != nil && resp.Decision == hooks.DecisionDeny {
		subtype = protocol.HookEventBlocked
	}
	payload := map[string]any{
		"type":       subtype,
		"hook_type":  event.Type,
		"source":     event.Source,
		"session_id": event.SessionID,
	}
	if resp != nil {
		payload["decision"] = resp.Decision
		if resp.Reason != "" {
			payload["reason"] = resp.Reason
		}
	}
	s.broadcast(*protocol.NewEvent(protocol.EventHook, payload))
}

// TryShutdownBroadcast tells subscribers the daemon is going away.
func (s *Server) TryShutdownBroadcast() {
	s.broadcast(*protocol.NewEvent(protocol.EventShutdown, nil))
}

// forwardChange maps committed store changes to WS frames.
func (s *Server) forwardChange(c store.Change) {
	var name string
	switch c.Entity {
	case "task":
		name = protocol.EventTask
	case "session":
		name = protocol.EventSession
	case "workflow_state":
		name = protocol.EventWorkflow
	case "mcp_server":
		name = protocol.EventMCPServer
	default:
		return
	}
	s.broadcast(*protocol.NewEvent(name, map[string]any{"op": c.Op, "id": c.ID}))
}

func (s *Server) broadcast(ev protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(ev)
	}
}

// ClientCount reports current subscribers, for the health endpoint.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
