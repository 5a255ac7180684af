package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event is a status message pushed to websocket subscribers.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// client is one websocket subscriber.
type client struct {
	conn *websocket.Conn
	send chan *Event
}

// Hub fans engine status events out to websocket subscribers.
type Hub struct {
	mu        sync.Mutex
	clients   map[*client]bool
	broadcast chan *Event
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewHub creates a status hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*client]bool),
		broadcast: make(chan *Event, 100),
		logger:    logger.With().Str("component", "status-hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API binds to loopback only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run dispatches broadcasts until the process exits. Slow subscribers are
// dropped rather than allowed to stall the rest.
func (h *Hub) Run() {
	for event := range h.broadcast {
		h.mu.Lock()
		for c := range h.clients {
			select {
			case c.send <- event:
			default:
				delete(h.clients, c)
				close(c.send)
			}
		}
		h.mu.Unlock()
	}
}

// Broadcast queues an event for all subscribers.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	event := &Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn().Str("type", eventType).Msg("broadcast queue full, dropping event")
	}
}

// ServeWS upgrades a request to a websocket subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan *Event, 32)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	ping := time.NewTicker(30 * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains inbound frames so pings are answered and closes are
// noticed.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		if h.clients[c] {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
