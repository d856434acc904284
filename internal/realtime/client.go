package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrame     = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	viewer Viewer
	outbox chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func newClient(h *Hub, conn *websocket.Conn, viewer Viewer) *client {
	return &client{hub: h, conn: conn, viewer: viewer, outbox: make(chan []byte, outboxSize)}
}

func (c *client) wants(ev Event) bool {
	if !c.viewer.visible(ev) {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub.matches(ev)
}

func (c *client) subscribe(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	if sub.ReplaySince != nil {
		n := c.hub.replay(c, *sub.ReplaySince)
		c.hub.logger.Debug("replayed realtime backlog", "user_id", c.viewer.UserID, "events", n)
	}
}

// readLoop applies subscription messages until the peer goes away.
// Malformed messages are ignored.
func (c *client) readLoop() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "user_id", c.viewer.UserID, "error", err)
			}
			return
		}
		var sub Subscription
		if json.Unmarshal(msg, &sub) == nil {
			c.subscribe(sub)
		}
	}
}

// writeLoop drains the outbox and keeps the connection alive. A closed
// outbox means the hub dropped this client.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
