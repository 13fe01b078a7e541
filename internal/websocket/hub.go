package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/serverbackup/internal/model"
)

const (
	ActionProgress = "progress"
	ActionFinished = "finished"
)

// Message is a backup state change pushed to every subscriber.
type Message struct {
	Type   string       `json:"type"`
	Action string       `json:"action"`
	ID     int64        `json:"id"`
	Backup model.Record `json:"backup"`
}

// NewBackupMessage builds the notification for a backup transition.
func NewBackupMessage(b model.Backup, selfHref string) Message {
	action := ActionProgress
	if b.Status.IsTerminal() {
		action = ActionFinished
	}
	return Message{
		Type:   fmt.Sprintf("backup_%s", action),
		Action: action,
		ID:     b.ID,
		Backup: b.Record(selfHref),
	}
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
// The last broadcast is replayed to clients as they register.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	last    []byte
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		select {
		case c.send <- h.last:
		default:
		}
	}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = data

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop message to avoid blocking
			h.logger.Debug("dropping message for slow client", "type", msg.Type)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
