// Package websocket provides the live event feed: ingested events are pushed
// to connected dashboard clients as they are accepted.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/common/logger"
	"github.com/devtrail/devtrail/internal/models"
)

// Notification is the wire shape pushed to clients.
type Notification struct {
	Type  string        `json:"type"`
	Event *models.Event `json:"event,omitempty"`
}

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed to specific workspaces. A client with no
	// subscriptions receives everything.
	workspaceSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Notification

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:              make(map[*Client]bool),
		workspaceSubscribers: make(map[string]map[*Client]bool),
		register:             make(chan *Client),
		unregister:           make(chan *Client),
		broadcast:            make(chan *Notification, 256),
		logger:               log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case n := <-h.broadcast:
			h.broadcastNotification(n)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.workspaceSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for workspaceID := range client.subscriptions {
			if clients, ok := h.workspaceSubscribers[workspaceID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.workspaceSubscribers, workspaceID)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastNotification(n *Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(n) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastEvent pushes an accepted event to interested clients. Never
// blocks; the feed is lossy under pressure.
func (h *Hub) BroadcastEvent(event *models.Event) {
	select {
	case h.broadcast <- &Notification{Type: "event", Event: event}:
	default:
		h.logger.Warn("Event feed backlogged, dropping notification",
			zap.String("event_id", event.ID))
	}
}

// SubscribeToWorkspace narrows a client's feed to the given workspace.
func (h *Hub) SubscribeToWorkspace(client *Client, workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.workspaceSubscribers[workspaceID]; !ok {
		h.workspaceSubscribers[workspaceID] = make(map[*Client]bool)
	}
	h.workspaceSubscribers[workspaceID][client] = true
	client.subscriptions[workspaceID] = true

	h.logger.Debug("Client subscribed to workspace",
		zap.String("client_id", client.ID),
		zap.String("workspace_id", workspaceID))
}

// UnsubscribeFromWorkspace removes a workspace filter from a client.
func (h *Hub) UnsubscribeFromWorkspace(client *Client, workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, workspaceID)
	if clients, ok := h.workspaceSubscribers[workspaceID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.workspaceSubscribers, workspaceID)
		}
	}
}

// ClientCount returns the number of connected clients, reported by the
// health endpoint as ws_clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
