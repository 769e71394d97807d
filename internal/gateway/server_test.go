package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gobbyhq/gobby/internal/hooks"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/pkg/protocol"
)

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Mux())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", s.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.EventFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.EventFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestBroadcastHookEvent(t *testing.T) {
	s := NewServer(Options{})
	conn := dialTestServer(t, s)
	waitForClients(t, s, 1)

	event := &hooks.HookEvent{Type: hooks.BeforeTool, SessionID: "ext-1", Source: store.SourceClaude}
	resp := hooks.Deny("shell disabled")
	s.TryBroadcast(event, resp)

	frame := readFrame(t, conn)
	if frame.Name != protocol.EventHook || frame.Type != "event" {
		t.Fatalf("frame = %+v", frame)
	}
	payload := frame.Payload.(map[string]any)
	if payload["type"] != protocol.HookEventBlocked || payload["reason"] != "shell disabled" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestNotifierChangesForwarded(t *testing.T) {
	notifier := store.NewNotifier()
	s := NewServer(Options{Notifier: notifier})
	conn := dialTestServer(t, s)
	waitForClients(t, s, 1)

	// Start wires the notifier subscription; bypass it for the unit test.
	notifier.Subscribe("gateway-ws", s.forwardChange)
	defer notifier.Unsubscribe("gateway-ws")

	notifier.Notify(store.Change{Entity: "task", Op: "update", ID: "t-1"})

	frame := readFrame(t, conn)
	if frame.Name != protocol.EventTask {
		t.Fatalf("frame name = %s", frame.Name)
	}
	payload := frame.Payload.(map[string]any)
	if payload["op"] != "update" || payload["id"] != "t-1" {
		t.Fatalf("payload = %v", payload)
	}

	// Changes without a frame mapping are dropped silently.
	notifier.Notify(store.Change{Entity: "secret", Op: "create", ID: "s-1"})
	s.broadcast(*protocol.NewEvent(protocol.EventHealth, nil))
	if frame := readFrame(t, conn); frame.Name != protocol.EventHealth {
		t.Fatalf("unexpected frame %s before health marker", frame.Name)
	}
}

func TestSlowClientDropsFrames(t *testing.T) {
	s := NewServer(Options{})
	conn := dialTestServer(t, s)
	waitForClients(t, s, 1)
	_ = conn

	// Flood well past the send buffer without a reader draining; broadcast
	// must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendBuffer*4; i++ {
			s.broadcast(*protocol.NewEvent(protocol.EventHook, map[string]any{"i": i}))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	addr := "192.0.2.1:5000"
	if !rl.Allow(addr) || !rl.Allow(addr) {
		t.Fatal("burst requests should pass")
	}
	if rl.Allow(addr) {
		t.Fatal("third immediate request should be limited")
	}
	// A different client has its own budget.
	if !rl.Allow("192.0.2.2:5000") {
		t.Fatal("second client should pass")
	}

	disabled := NewRateLimiter(0, 2)
	for i := 0; i < 100; i++ {
		if !disabled.Allow(addr) {
			t.Fatal("disabled limiter must always allow")
		}
	}
}
