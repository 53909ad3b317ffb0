package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/events"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// client is one connected event stream.
type client struct {
	conn   *websocket.Conn
	remote string
	send   chan events.Transition
}

// Hub fans lifecycle transitions out to websocket clients.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*client]struct{}
	closed      bool
	unsubscribe func()
	logger      *zap.Logger
}

// NewHub creates a hub fed by bus. A nil bus yields a hub that never
// broadcasts.
func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	h := &Hub{
		clients:     make(map[*client]struct{}),
		unsubscribe: func() {},
		logger:      logger,
	}
	if bus != nil {
		h.unsubscribe = bus.Subscribe(h.Broadcast)
	}
	return h
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("event stream client connected", zap.String("remote", c.remote))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("event stream client disconnected", zap.String("remote", c.remote))
}

// Broadcast queues t for every client. Clients with a full buffer miss it.
func (h *Hub) Broadcast(t events.Transition) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- t:
		default:
			h.logger.Warn("event stream client too slow, dropping transition",
				zap.String("remote", c.remote), zap.String("uuid", t.UUID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the feed and disconnects every client.
func (h *Hub) Close() {
	h.unsubscribe()
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ServeHTTP handles GET /api/v1/events, streaming every transition as a
// JSON message.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, remote: r.RemoteAddr, send: make(chan events.Transition, clientBuffer)}
	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
		// The hub closed us or a write failed; unblock the reader.
		cancel()
	}()

	c.readPump(ctx)
	cancel()
	h.unregister(c)
	<-done
	conn.Close(websocket.StatusNormalClosure, "")
}

func (c *client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, t)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// readPump drains the connection until the client goes away. Clients are
// not expected to send anything.
func (c *client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
