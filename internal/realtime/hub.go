// Package realtime streams escrow activity to connected WebSocket clients.
//
// A client only ever sees notifications addressed to the user it
// authenticated as; admins see everything. Clients narrow the stream by
// sending a Subscription, and may ask for a replay of recent events they
// missed while disconnected.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/notify"
)

const (
	// MaxClients caps concurrent connections.
	MaxClients = 10000

	backlogSize = 256
	outboxSize  = 64
)

// Event is what clients receive.
type Event struct {
	Kind      notify.Kind       `json:"kind"`
	OrderID   string            `json:"orderId"`
	Recipient string            `json:"recipient"`
	Role      string            `json:"role"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Viewer is the authenticated identity behind a connection.
type Viewer struct {
	UserID string
	Admin  bool
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connected int   `json:"connected"`
	Peak      int   `json:"peak"`
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Evicted   int64 `json:"evicted"`
}

// Hub fans events out to clients. Registration happens under the mutex;
// only publishing goes through the Run loop so events keep their order.
type Hub struct {
	logger *slog.Logger
	limit  int
	events chan Event

	mu      sync.Mutex
	clients map[*client]struct{}
	backlog []Event // ring, oldest first once full
	next    int
	closed  bool
	peak    int

	published atomic.Int64
	delivered atomic.Int64
	evicted   atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		limit:   MaxClients,
		events:  make(chan Event, 256),
		clients: make(map[*client]struct{}),
	}
}

// Run publishes queued events until ctx ends, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("realtime hub stopped")
			return
		case ev := <-h.events:
			h.publish(ev)
		}
	}
}

// Broadcast queues ev; it drops the event rather than block the caller.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("realtime queue full, dropping event", "kind", ev.Kind, "order_id", ev.OrderID)
	}
}

// Notify makes the hub a notify.Notifier.
func (h *Hub) Notify(_ context.Context, n notify.Notification) error {
	h.Broadcast(Event{
		Kind:      n.Kind,
		OrderID:   n.OrderID,
		Recipient: n.Recipient,
		Role:      n.Role,
		Data:      n.Data,
		Timestamp: n.CreatedAt,
	})
	return nil
}

func (h *Hub) Channel() string { return "websocket" }

// Stats reports connection and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	connected, peak := len(h.clients), h.peak
	h.mu.Unlock()
	return Stats{
		Connected: connected,
		Peak:      peak,
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Evicted:   h.evicted.Load(),
	}
}

// HandleWebSocket upgrades the request and streams events to viewer.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, viewer Viewer) {
	h.mu.Lock()
	closed, full := h.closed, len(h.clients) >= h.limit
	h.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(h, conn, viewer)
	if !h.attach(c) {
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= h.limit {
		return false
	}
	h.clients[c] = struct{}{}
	if len(h.clients) > h.peak {
		h.peak = len(h.clients)
	}
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
	h.logger.Debug("client connected", "user_id", c.viewer.UserID, "total", len(h.clients))
	return true
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// dropLocked removes c and closes its outbox exactly once.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.outbox)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) publish(ev Event) {
	h.published.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.remember(ev)
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		h.deliverLocked(c, payload)
	}
}

// deliverLocked enqueues payload for c; a client that cannot keep up is
// disconnected rather than allowed to stall everyone else.
func (h *Hub) deliverLocked(c *client, payload []byte) {
	select {
	case c.outbox <- payload:
		h.delivered.Add(1)
	default:
		h.evicted.Add(1)
		h.logger.Warn("evicting slow websocket client", "user_id", c.viewer.UserID)
		h.dropLocked(c)
	}
}

func (h *Hub) remember(ev Event) {
	if len(h.backlog) < backlogSize {
		h.backlog = append(h.backlog, ev)
		return
	}
	h.backlog[h.next] = ev
	h.next = (h.next + 1) % backlogSize
}

// replay sends c the retained events it may see, oldest first.
func (h *Hub) replay(c *client, since time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return 0
	}

	n := 0
	for i := range h.backlog {
		ev := h.backlog[(h.next+i)%len(h.backlog)]
		if !ev.Timestamp.After(since) || !c.wants(ev) {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		h.deliverLocked(c, payload)
		if _, ok := h.clients[c]; !ok {
			break
		}
		n++
	}
	return n
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}
