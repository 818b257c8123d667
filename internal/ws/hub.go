package ws

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"zpulse/internal/service"
)

// Hub manages active WebSocket connections keyed by import ID and pushes
// progress updates of that import to them.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

var _ service.ProgressPublisher = (*Hub)(nil)

// Register adds a connection watching the given import. A non-nil greeting
// is written first, under the same lock that serializes progress writes.
func (h *Hub) Register(importID string, conn *websocket.Conn, greeting any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if greeting != nil {
		if err := conn.WriteJSON(greeting); err != nil {
			return err
		}
	}
	if h.conns[importID] == nil {
		h.conns[importID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[importID][conn] = struct{}{}
	return nil
}

// Unregister removes a connection for the given import.
func (h *Hub) Unregister(importID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[importID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.conns, importID)
		}
	}
}

// Watchers returns the number of connections following importID.
func (h *Hub) Watchers(importID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[importID])
}

// PublishProgress sends p to every watcher of its import. Connections that
// fail to accept the write are closed and dropped.
func (h *Hub) PublishProgress(p service.ImportProgress) {
	msg := progressMessage(p)

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns[p.ImportID] {
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug("ws: drop watcher", "import_id", p.ImportID, "error", err)
			conn.Close()
			delete(h.conns[p.ImportID], conn)
		}
	}
	if len(h.conns[p.ImportID]) == 0 {
		delete(h.conns, p.ImportID)
	}
}

func progressMessage(p service.ImportProgress) map[string]any {
	msg := map[string]any{
		"type":      "import_progress",
		"import_id": p.ImportID,
		"status":    p.Status,
		"processed": p.Processed,
		"total":     p.Total,
		"summary":   p.Summary,
	}
	if p.Error != "" {
		msg["error"] = p.Error
	}
	return msg
}
