package websocket

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/AzielCF/az-publisher/infrastructure/valkey"
	"github.com/AzielCF/az-publisher/publishing/domain/notify"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const CodePostStatusChanged = "POST_STATUS_CHANGED"

// ErrHubBusy is returned when the broadcast queue is full and the event is dropped.
var ErrHubBusy = errors.New("websocket hub is busy")

type BroadcastMessage struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	OrganizationID string `json:"organization_id,omitempty"`
	Result         any    `json:"result"`
	SenderID       string `json:"sender_id,omitempty"`
}

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type registration struct {
	conn           Conn
	organizationID string
}

// Hub owns every local connection. Only the Run goroutine touches the client map.
type Hub struct {
	clients    map[Conn]string
	register   chan registration
	unregister chan Conn
	broadcast  chan BroadcastMessage
	done       chan struct{}

	vkClient *valkey.Client
	channel  string
	localID  string
}

// NewHub creates a hub. With a Valkey client, broadcasts are propagated to every node.
func NewHub(vkClient *valkey.Client, serverID string) *Hub {
	h := &Hub{
		clients:    make(map[Conn]string),
		register:   make(chan registration),
		unregister: make(chan Conn),
		broadcast:  make(chan BroadcastMessage, 256),
		done:       make(chan struct{}),
		vkClient:   vkClient,
		localID:    serverID,
		channel:    "azpub:ws_broadcast",
	}
	if vkClient != nil {
		h.channel = vkClient.Key("ws_broadcast")
	}
	return h
}

// PublishStatusChanged queues the event for local clients and, when clustered, other nodes.
func (h *Hub) PublishStatusChanged(ctx context.Context, event notify.PostStatusChanged) error {
	msg := BroadcastMessage{
		Code:           CodePostStatusChanged,
		Message:        string(event.NewStatus),
		OrganizationID: event.OrganizationID,
		Result:         event,
	}
	select {
	case h.broadcast <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrHubBusy
	}
}

// Register adds conn; it only receives messages for organizationID.
func (h *Hub) Register(conn Conn, organizationID string) {
	select {
	case h.register <- registration{conn: conn, organizationID: organizationID}:
	case <-h.done:
	}
}

func (h *Hub) Unregister(conn Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.vkClient != nil {
		h.startValkeySubscriber(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			for conn := range h.clients {
				h.closeConnection(conn)
			}
			return

		case r := <-h.register:
			h.clients[r.conn] = r.organizationID
			logrus.Debugf("[WS] Connection registered for organization %s", r.organizationID)

		case conn := <-h.unregister:
			delete(h.clients, conn)
			logrus.Debug("[WS] Connection unregistered")

		case message := <-h.broadcast:
			if message.SenderID == "" {
				h.publishToValkey(ctx, message)
			}
			h.broadcastToLocal(message)
		}
	}
}

func (h *Hub) broadcastToLocal(message BroadcastMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		logrus.Errorf("[WS] Marshal error: %v", err)
		return
	}

	for conn, organizationID := range h.clients {
		if message.OrganizationID != "" && organizationID != message.OrganizationID {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logrus.Errorf("[WS] Write error: %v", err)
			h.closeConnection(conn)
		}
	}
}

func (h *Hub) publishToValkey(ctx context.Context, message BroadcastMessage) {
	if h.vkClient == nil {
		return
	}

	message.SenderID = h.localID
	data, err := json.Marshal(message)
	if err != nil {
		return
	}

	if err := h.vkClient.Publish(ctx, h.channel, string(data)); err != nil {
		logrus.Errorf("[WS] Failed to publish to Valkey: %v", err)
	}
}

func (h *Hub) startValkeySubscriber(ctx context.Context) {
	logrus.Info("[WS] Starting Valkey Pub/Sub subscriber for distributed events")
	go h.vkClient.Subscribe(ctx, h.channel, func(payload string) {
		var remote BroadcastMessage
		if err := json.Unmarshal([]byte(payload), &remote); err != nil {
			return
		}
		// Our own messages were already delivered locally.
		if remote.SenderID == h.localID {
			return
		}
		select {
		case h.broadcast <- remote:
		case <-ctx.Done():
		}
	})
}

func (h *Hub) closeConnection(conn Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	_ = conn.Close()
	delete(h.clients, conn)
}

// RegisterRoutes mounts /ws. Clients pick their organization with the organization_id query parameter.
func RegisterRoutes(app fiber.Router, hub *Hub) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return c.SendStatus(fiber.StatusUpgradeRequired)
		}
		if c.Query("organization_id") == "" {
			return c.Status(fiber.StatusBadRequest).SendString("organization_id is required")
		}
		return c.Next()
	})

	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		hub.Register(conn, conn.Query("organization_id"))
		defer hub.Unregister(conn)

		// The stream is server to client; reads only detect the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logrus.Debugf("[WS] read error: %v", err)
				}
				return
			}
		}
	}))
}
