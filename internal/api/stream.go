package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/featuremill/featuremill/internal/event"
)

// StreamHub fans resolved vectors out to websocket subscribers. A slow
// subscriber drops messages rather than backing up ingestion.
type StreamHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]bool
	logger  *zap.Logger
}

type streamClient struct {
	conn *websocket.Conn
	send chan *event.ResolvedVector
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same-origin policy is the gateway's concern; the hub accepts any.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewStreamHub creates an empty hub.
func NewStreamHub(logger *zap.Logger) *StreamHub {
	return &StreamHub{
		clients: make(map[*streamClient]bool),
		logger:  logger,
	}
}

// Subscribers returns the current subscriber count.
func (h *StreamHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a vector to every subscriber, dropping it for any whose
// buffer is full.
func (h *StreamHub) Broadcast(vec *event.ResolvedVector) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- vec:
		default:
			// Buffer full; drop for this subscriber.
		}
	}
}

// ServeHTTP upgrades the connection and streams vectors until the client
// goes away.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan *event.ResolvedVector, 64),
	}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *StreamHub) writeLoop(c *streamClient) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case vec, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(vec); err != nil {
				h.drop(c)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readLoop discards inbound messages; its job is noticing the close.
func (h *StreamHub) readLoop(c *streamClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) drop(c *streamClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}
