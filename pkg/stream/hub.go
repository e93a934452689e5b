// Package stream pushes rollup recompute notifications to dashboards over
// WebSocket.
package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/metrics"
	"github.com/nicktill/tinykpi/pkg/rollup"
)

// MessageType is the type field of every pushed message.
const MessageType = "rollup_recomputed"

// Message is the JSON frame sent to clients.
type Message struct {
	Type        string    `json:"type"`
	Granularity string    `json:"granularity"`
	Period      string    `json:"period"`
	ComputedAt  time.Time `json:"computedAt"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client.
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans notifications out to connected clients. Each client has its own
// buffered queue; a client whose queue is full is disconnected so a slow
// reader never stalls the aggregator.
type Hub struct {
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu sync.RWMutex
}

// NewHub creates a hub. Call Serve to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client, config.WSChannelBuffer),
		unregister: make(chan *client, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
	}
}

// Notify implements rollup.Notifier. It never blocks; when the broadcast
// queue is full the notification is dropped.
func (h *Hub) Notify(n rollup.Notification) {
	msg, err := json.Marshal(Message{
		Type:        MessageType,
		Granularity: string(n.Kind),
		Period:      n.Period,
		ComputedAt:  n.ComputedAt,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to encode stream message")
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		logging.Warn().Str("period", n.Period).Msg("Broadcast channel full, dropping message")
	}
}

// Serve runs the hub until ctx is cancelled. It satisfies suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.StreamClients.Set(0)
			return ctx.Err()
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			metrics.StreamClients.Set(float64(count))
			logging.Debug().Int("clients", count).Msg("Stream client connected")
		case c := <-h.unregister:
			h.drop(c)
		case msg := <-h.broadcast:
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range slow {
				logging.Warn().Msg("Dropping slow stream client")
				h.drop(c)
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(count))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) String() string {
	return "stream-hub"
}

// HandleWebSocket handles GET /v1/ws.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, config.WSChannelBuffer)}
	h.register <- c

	go c.writeLoop()
	c.readLoop()
	h.unregister <- c
}

// writeLoop is the only goroutine writing to the connection.
func (c *client) writeLoop() {
	ticker := time.NewTicker(config.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes control frames until the peer goes away.
func (c *client) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Msg("Stream client read error")
			}
			return
		}
	}
}
