package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64

	defaultMaxMessageChars = 32000
)

// Client is one ops connection. Outbound frames go through the send
// channel so a single goroutine owns the socket writes.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	limiter *connLimiter
	send    chan interface{}
	closed  chan struct{}
	once    sync.Once
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  server,
		limiter: newConnLimiter(server.opts.Config.Gateway.RateLimitRPM),
		send:    make(chan interface{}, sendBufferSize),
		closed:  make(chan struct{}),
	}
}

// Run pumps the connection until it drops or the context ends.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	maxChars := c.server.opts.Config.Gateway.MaxMessageChars
	if maxChars <= 0 {
		maxChars = defaultMaxMessageChars
	}
	c.conn.SetReadLimit(int64(maxChars))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ops read failed", "id", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != "req" {
			c.sendFrame(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed request frame"))
			continue
		}
		if !c.limiter.Allow() {
			c.sendFrame(protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded"))
			continue
		}

		c.sendFrame(c.server.router.Handle(ctx, req))
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				slog.Debug("ops write failed", "id", c.id, "error", err)
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

// SendEvent queues an event frame; a slow consumer drops frames rather
// than blocking the broadcaster.
func (c *Client) SendEvent(event protocol.EventFrame) {
	c.sendFrame(&event)
}

func (c *Client) sendFrame(frame interface{}) {
	select {
	case c.send <- frame:
	case <-c.closed:
	default:
		slog.Warn("ops client send buffer full, dropping frame", "id", c.id)
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
