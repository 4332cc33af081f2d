package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ecoskeleton/sensorflow/agent/internal/alerts"
	"github.com/ecoskeleton/sensorflow/agent/internal/store"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the connection
	// as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshot is the data part of every message.
type Snapshot struct {
	Results     []store.Entry  `json:"results"`
	Alerts      []alerts.Alert `json:"alerts"`
	GeneratedAt string         `json:"generated_at"` // RFC3339
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string   `json:"event"`
	Data  Snapshot `json:"data"`
}

// Hub manages WebSocket clients and broadcasts the live store to all of them
// every interval.
type Hub struct {
	store    *store.Store
	alerts   *alerts.Engine
	interval time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	module string
}

// New creates a Hub that reads from st and al and broadcasts every interval.
// al may be nil.
func New(st *store.Store, al *alerts.Engine, interval time.Duration) *Hub {
	return &Hub{
		store:    st,
		alerts:   al,
		interval: interval,
		clients:  make(map[*client]struct{}),
	}
}

// Run broadcasts every interval until ctx is cancelled, then closes all
// connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			h.broadcast()
		}
	}
}

// ServeHTTP upgrades the connection and serves the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		module: r.URL.Query().Get("module"),
	}
	h.register(c)
	defer h.unregister(c)

	if data, err := h.buildMessage(c.module); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}

	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Debug("ws: client connected", "remote", c.conn.RemoteAddr().String(), "module", c.module)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast() {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	// One encoding per distinct module filter.
	msgs := make(map[string][]byte)
	for _, c := range targets {
		data, ok := msgs[c.module]
		if !ok {
			var err error
			if data, err = h.buildMessage(c.module); err != nil {
				slog.Error("ws: encode snapshot", "err", err)
				return
			}
			msgs[c.module] = data
		}
		select {
		case c.send <- data:
		default:
			slog.Warn("ws: client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			h.unregister(c)
		}
	}
}

func (h *Hub) buildMessage(module string) ([]byte, error) {
	snap := Snapshot{
		Results:     h.store.List(module),
		Alerts:      []alerts.Alert{},
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if h.alerts != nil {
		for _, a := range h.alerts.Active() {
			if module == "" || a.Module == module {
				snap.Alerts = append(snap.Alerts, a)
			}
		}
	}
	return json.Marshal(Message{Event: "snapshot", Data: snap})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// writePump forwards queued messages to the connection and sends periodic
// pings. One goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and detects disconnects. Blocks until the
// connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
