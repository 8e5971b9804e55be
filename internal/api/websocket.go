package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sovereign/sovereign/internal/notify"
)

// Live feed event types.
const (
	EventNotification = "notification"
	EventSession      = "session"
	EventDelivery     = "delivery"
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// WebSocketHub manages the live feed connections of the UI. It doubles as a
// notify.Sender so notifications reach the browser as toasts.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
	closed   bool
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub(logger *slog.Logger, allowAllOrigins bool) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		clients:  make(map[*websocket.Conn]bool),
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger.With("component", "api.WebSocketHub"),
	}
}

// Close shuts down the hub and all connections.
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades an HTTP connection to WebSocket.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = true
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())

	// Read pump: keeps the connection alive and notices disconnects.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
			h.logger.Debug("websocket client disconnected", "remote", conn.RemoteAddr())
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends an event to all connected clients.
func (h *WebSocketHub) Broadcast(eventType string, data any) {
	msg, err := json.Marshal(map[string]any{
		"type": eventType,
		"data": data,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	// Writes happen under the write lock: gorilla connections allow only one
	// concurrent writer.
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("failed to write to websocket client", "error", err)
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send implements notify.Sender.
func (h *WebSocketHub) Send(n notify.Notification) error {
	h.Broadcast(EventNotification, n)
	return nil
}

// Name implements notify.Sender.
func (h *WebSocketHub) Name() string { return "websocket" }
