package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/codeck-dev/codeck/pkg/protocol"
)

const (
	// Protocol-level ping cadence; a client that misses one full round
	// of pongs is terminated.
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval

	// App-level heartbeat frame cadence.
	heartbeatInterval = 25 * time.Second

	writeWait     = 10 * time.Second
	sendQueueSize = 256

	// Input frames top out at 64 KiB; the rest is envelope slack.
	maxMessageSize = protocol.MaxConsoleInputBytes + 8*1024
)

// Client is one WebSocket connection to the gateway.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	limiter  *rate.Limiter // nil when unlimited (internal channel)
	internal bool

	// boundSession is set on the internal PTY channel, where the session
	// id comes from the URL instead of each frame.
	boundSession string

	send chan protocol.EventFrame
	done chan struct{}

	mu       sync.Mutex
	attached map[string]bool
	closed   bool
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		server:   s,
		limiter:  s.rateLimiter.ForConnection(),
		send:     make(chan protocol.EventFrame, sendQueueSize),
		done:     make(chan struct{}),
		attached: make(map[string]bool),
	}
}

// SendEvent enqueues a frame for delivery. A full queue drops the frame
// rather than blocking the broadcaster.
func (c *Client) SendEvent(event protocol.EventFrame) {
	select {
	case c.send <- event:
	case <-c.done:
	default:
		slog.Warn("client send queue full, dropping frame", "client", c.id, "event", event.Event)
	}
}

// Run pumps the connection until it closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump()
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg protocol.ConsoleMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("client read error", "client", c.id, "error", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			slog.Warn("client rate limited, dropping message", "client", c.id, "type", msg.Type)
			continue
		}
		if c.boundSession != "" {
			msg.SessionID = c.boundSession
		}
		c.server.handleConsoleMessage(c, msg)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer ping.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-c.done:
			return
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-heartbeat.C:
			c.SendEvent(protocol.EventFrame{Event: protocol.EventHeartbeat})
		}
	}
}

// markAttached records that this client is attached to a console session.
func (c *Client) markAttached(sessionID string) {
	c.mu.Lock()
	c.attached[sessionID] = true
	c.mu.Unlock()
}

// attachedSessions snapshots the session ids this client is attached to.
func (c *Client) attachedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.attached))
	for id := range c.attached {
		out = append(out, id)
	}
	return out
}

// Close tears the connection down once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
}
