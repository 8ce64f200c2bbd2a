package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lawnchairsociety/tileforge/internal/config"
	"github.com/lawnchairsociety/tileforge/internal/logger"
	"github.com/lawnchairsociety/tileforge/internal/orchestrator"
)

// Hub fans tile events out to websocket subscribers. It implements
// orchestrator.EventSink.
type Hub struct {
	cfg     config.WebSocketConfig
	mu      sync.RWMutex
	clients map[*WebSocketClient]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.PingSeconds <= 0 {
		cfg.PingSeconds = 30
	}
	return &Hub{
		cfg:     cfg,
		clients: make(map[*WebSocketClient]struct{}),
	}
}

// Publish sends ev to every subscriber. Subscribers whose buffer is full are
// disconnected.
func (h *Hub) Publish(ev orchestrator.TileEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Failed to encode tile event", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*WebSocketClient
	for c := range h.clients {
		if !c.Enqueue(msg) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logger.Warning("Dropping slow tile event subscriber", "remote_addr", c.RemoteAddr())
		h.remove(c)
		c.Close()
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*WebSocketClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.Close()
	}
}

func (h *Hub) add(c *WebSocketClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *WebSocketClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			allowed := h.cfg.IsOriginAllowed(origin, r.Host)
			if !allowed {
				logger.Warning("WebSocket connection rejected - origin not allowed",
					"origin", origin,
					"host", r.Host,
					"remote_addr", r.RemoteAddr)
			}
			return allowed
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warning("WebSocket upgrade failed", "error", err)
		return
	}

	client := NewWebSocketClient(conn)
	if !h.add(client) {
		client.Close()
		return
	}
	logger.Info("Tile event subscriber connected", "remote_addr", client.RemoteAddr())

	ping := time.Duration(h.cfg.PingSeconds) * time.Second
	go client.writePump(ping)
	go func() {
		client.readPump(h.cfg.MaxMessageSize, ping)
		h.remove(client)
		logger.Info("Tile event subscriber disconnected", "remote_addr", client.RemoteAddr())
	}()
}
