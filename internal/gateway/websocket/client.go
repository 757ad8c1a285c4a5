package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64KB
)

// command is the only inbound message shape: workspace feed filtering.
type command struct {
	Action      string `json:"action"`
	WorkspaceID string `json:"workspace_id"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	// subscriptions holds the workspace IDs this client filters on,
	// guarded by the hub's mutex.
	subscriptions map[string]bool
	logger        *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// wants reports whether a notification passes the client's workspace filter.
// No subscriptions means everything. Called with the hub's mutex held.
func (c *Client) wants(n *Notification) bool {
	if n.Event == nil {
		return true
	}
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[n.Event.WorkspaceID]
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Debug("Ignoring malformed client message", zap.Error(err))
			continue
		}
		c.handleCommand(&cmd)
	}
}

func (c *Client) handleCommand(cmd *command) {
	if cmd.WorkspaceID == "" {
		return
	}
	switch cmd.Action {
	case "workspace.subscribe":
		c.hub.SubscribeToWorkspace(c, cmd.WorkspaceID)
	case "workspace.unsubscribe":
		c.hub.UnsubscribeFromWorkspace(c, cmd.WorkspaceID)
	default:
		c.logger.Debug("Ignoring unknown action", zap.String("action", cmd.Action))
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
