package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawdis/clawdis/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	clientSendBuf  = 64
	maxMessageSize = 4 * 1024 * 1024
)

// Client is one control-plane WebSocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	mu         sync.Mutex
	authorized bool
	closed     bool
}

// NewClient wraps an upgraded connection. authorized is set when the token
// was already presented (subprotocol) or no auth is required.
func NewClient(conn *websocket.Conn, server *Server, authorized bool) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		server:     server,
		send:       make(chan []byte, clientSendBuf),
		authorized: authorized,
	}
}

// Authorized reports whether the client passed token auth.
func (c *Client) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

func (c *Client) setAuthorized() {
	c.mu.Lock()
	c.authorized = true
	c.mu.Unlock()
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
	close(c.send)
	_ = c.conn.Close()
}

// SendEvent queues an event frame; slow clients drop events rather than
// stalling the broadcaster.
func (c *Client) SendEvent(event protocol.EventFrame) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) sendResponse(resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Debug("dropping frame for slow client", "client", c.id)
	}
}

// Run pumps the connection until it drops.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			c.sendResponse(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "malformed request frame"))
			continue
		}
		c.sendResponse(c.server.dispatch(ctx, c, req))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pongWait / 3)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
