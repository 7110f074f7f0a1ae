// Package push streams the engine's event feed to websocket clients.
//
// The hub subscribes to the in-process event bus and fans every event out
// to connected clients as JSON frames. It is the reference consumer of the
// publisher contract: events arrive per task in emission order.
package push

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/denkhaus/pulse/internal/events"
)

const (
	writeTimeout    = 10 * time.Second
	clientBuffer    = 256
	shutdownMessage = websocket.CloseGoingAway
)

// Hub fans engine events out to websocket clients.
type Hub struct {
	bus    *events.Bus
	logger *zap.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	stop    chan struct{}
	stopped sync.Once
}

type client struct {
	conn *websocket.Conn
	send chan events.Event
}

// NewHub creates a hub over the given bus.
func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		stop:    make(chan struct{}),
	}
}

// Run pumps bus events to connected clients until Close is called or the
// bus shuts down.
func (h *Hub) Run() {
	ch, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-h.stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Slow client loses events rather than stalling the feed.
			h.logger.Warn("push client lagging, event dropped",
				zap.String("event", string(ev.Type)))
		}
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan events.Event, clientBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

// writeLoop sends queued events to one client.
func (h *Hub) writeLoop(c *client) {
	defer h.drop(c)
	for {
		select {
		case <-h.stop:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(shutdownMessage, ""), time.Now().Add(writeTimeout))
			return
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; its job is noticing disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Close disconnects all clients and stops the pump.
func (h *Hub) Close() {
	h.stopped.Do(func() {
		close(h.stop)
	})
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}
