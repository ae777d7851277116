package notify

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lcrespo/backwatch/internal/logging"
	"github.com/lcrespo/backwatch/internal/observability"
	"github.com/lcrespo/backwatch/internal/track"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 120 * time.Second
	pingPeriod      = 100 * time.Second
	clientQueueSize = 16
)

// Hub broadcasts notifications to connected websocket clients. Writes to
// each client stay single-threaded through a per-client buffered queue; a
// client that cannot drain its queue loses the overflow rather than
// stalling the broadcast.
type Hub struct {
	log     *logging.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn *websocket.Conn
	send chan track.Notification
	done chan struct{}
}

func NewHub(log *logging.Logger, metrics *observability.Metrics) *Hub {
	if log == nil {
		log = logging.NewNop()
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		clients: make(map[*hubClient]struct{}),
	}
}

func (h *Hub) Notify(n track.Notification) {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- n:
		default:
			h.metrics.ObservePollIndicator("ws_queue_full")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve owns one client connection until it drops. It blocks, so call it
// from the connection's handler goroutine.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := &hubClient{
		conn: conn,
		send: make(chan track.Notification, clientQueueSize),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)

	h.unregister(c)
	close(c.done)
	_ = conn.Close()
}

// Close drops every connected client. Serve calls unwind on their own.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (h *Hub) register(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.SetWSClients(len(h.clients))
	return true
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	h.metrics.SetWSClients(len(h.clients))
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case n := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(n); err != nil {
				h.log.Debugw("notification write failed", "error", err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one way. Reading is
// still required to process pongs and notice a dropped peer.
func (h *Hub) readPump(c *hubClient) {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
