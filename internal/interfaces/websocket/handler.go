// Package websocket mirrors the SSE event feed over a websocket for
// clients that keep a bidirectional connection (e.g. an embedded panel
// inside another tool). The mirror is read-only: clients receive turn and
// status events, and the only inbound message honoured is a ping.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/infrastructure/sse"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The panel is a local tool; cross-origin embedding is expected.
		return true
	},
}

// WSMessage is one frame on the wire.
type WSMessage struct {
	Type      string          `json:"type"` // turn, status, ping, pong
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is one connected mirror consumer.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *zap.Logger
}

// Hub fans broker events out to websocket clients.
type Hub struct {
	broker     *sse.Broker
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewHub creates a hub over the given broker.
func NewHub(broker *sse.Broker, logger *zap.Logger) *Hub {
	return &Hub{
		broker:     broker,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(zap.String("component", "ws")),
	}
}

// Run pumps broker events to clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub.ID)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Client connected", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Client disconnected", zap.String("client_id", client.id))

		case ev, ok := <-sub.C:
			if !ok {
				h.closeAll()
				return
			}
			frame, err := encodeEvent(ev)
			if err != nil {
				h.logger.Warn("Failed to encode event", zap.String("kind", ev.Kind), zap.Error(err))
				continue
			}
			h.mu.RLock()
			for id, client := range h.clients {
				select {
				case client.send <- frame:
				default:
					h.logger.Warn("Dropping slow websocket client", zap.String("client_id", id))
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encodeEvent(ev sse.Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&WSMessage{
		Type:      ev.Kind,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// Handler upgrades HTTP requests into mirror connections.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler creates the websocket handler.
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeHTTP upgrades the connection and starts the client pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    h.hub,
		logger: h.logger,
	}

	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames. Only pings are answered; anything else
// is ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			pong, _ := json.Marshal(&WSMessage{Type: "pong", Timestamp: time.Now().Unix()})
			select {
			case c.send <- pong:
			default:
			}
		}
	}
}

// writePump delivers frames and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
