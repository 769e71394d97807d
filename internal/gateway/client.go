package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gobbyhq/gobby/pkg/protocol"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 90 * time.Second
)

// Client is one connected WebSocket subscriber. Events are pushed through a
// buffered channel; a slow client drops frames rather than blocking the
// daemon.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan protocol.EventFrame
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan protocol.EventFrame, sendBuffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// SendEvent queues a frame without blocking. Full buffer means the frame is
// dropped and counted against the client in the log.
func (c *Client) SendEvent(ev protocol.EventFrame) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		c.logger.Warn("gateway.frame_dropped", "client", c.id, "event", ev.Name)
	}
}

// run pumps queued frames to the socket and watches for disconnect. Returns
// when the peer goes away or the client is closed.
func (c *Client) run() {
	go c.readLoop()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("gateway.write_failed", "client", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

// readLoop discards inbound messages; the stream is server-to-client only.
// Reading is still required to process control frames and notice closes.
func (c *Client) readLoop() {
	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.close()
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
