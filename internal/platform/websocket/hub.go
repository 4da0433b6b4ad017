// Package websocket delivers fan-out messages to browser and kiosk clients.
// Clients subscribe to notification channels ("patient:<id>", "admin") and
// receive every message published to them while connected.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hospital/patientflow/internal/platform/auth"
	"github.com/hospital/patientflow/internal/platform/notification"
)

// ErrSlowClient is returned by Publish when a subscriber's buffer was full.
var ErrSlowClient = errors.New("websocket client buffer full")

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Roles  []string
	Topics []string
	Send   chan []byte
}

// Authorizer decides whether a client may subscribe to a topic.
type Authorizer func(client *Client, topic string) bool

// ChannelAuthorizer lets staff watch every channel and patients only their own.
func ChannelAuthorizer(client *Client, topic string) bool {
	ctx := auth.WithIdentity(context.Background(), client.UserID, client.Roles)
	if auth.HasRole(ctx, auth.RoleStaff) {
		if topic == notification.AdminChannel {
			return true
		}
		_, ok := notification.PatientFromChannel(topic)
		return ok
	}
	id, ok := notification.PatientFromChannel(topic)
	return ok && id.String() == client.UserID
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{} // topic -> set of clients
	all       map[*Client]struct{}
	authorize Authorizer
	logger    zerolog.Logger
}

// NewHub creates a hub. A nil authorizer allows every topic.
func NewHub(logger zerolog.Logger, authorize Authorizer) *Hub {
	if authorize == nil {
		authorize = func(*Client, string) bool { return true }
	}
	return &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		all:       make(map[*Client]struct{}),
		authorize: authorize,
		logger:    logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client and subscribes it to the permitted subset of its
// initial topics.
func (h *Hub) Register(client *Client) {
	topics := h.permitted(client, client.Topics)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	client.Topics = nil
	h.subscribeLocked(client, topics)
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client. Topics the client may not
// see are ignored and returned.
func (h *Hub) Subscribe(client *Client, topics []string) (denied []string) {
	allowed := h.permitted(client, topics)
	if len(allowed) != len(topics) {
		ok := make(map[string]struct{}, len(allowed))
		for _, t := range allowed {
			ok[t] = struct{}{}
		}
		for _, t := range topics {
			if _, found := ok[t]; !found {
				denied = append(denied, t)
			}
		}
		h.logger.Debug().Str("client_id", client.ID).Strs("topics", denied).Msg("subscription denied")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; ok {
		h.subscribeLocked(client, allowed)
	}
	return denied
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, topics)
}

func (h *Hub) permitted(client *Client, topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t != "" && h.authorize(client, t) {
			out = append(out, t)
		}
	}
	return out
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		if _, dup := h.clients[topic][client]; dup {
			continue
		}
		h.clients[topic][client] = struct{}{}
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	removeSet := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		removeSet[topic] = struct{}{}
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Name implements notification.Publisher.
func (h *Hub) Name() string { return "websocket" }

// Publish implements notification.Publisher by broadcasting msg to the
// subscribers of its channel. Clients with a full buffer miss the message.
func (h *Hub) Publish(_ context.Context, msg notification.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	skipped := 0
	for client := range h.clients[msg.Channel] {
		select {
		case client.Send <- data:
		default:
			skipped++
		}
	}
	if skipped > 0 {
		return fmt.Errorf("%w: %d on %s", ErrSlowClient, skipped, msg.Channel)
	}
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // kiosks are served from a different origin
	},
}

// Handler upgrades /ws requests and pumps messages for each client.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection. Initial topics may be passed as
// ?topics=patient:<id>,admin; more can be added with subscribe messages.
func (h *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	client := &Client{
		ID:     uuid.New().String(),
		UserID: auth.UserIDFromContext(ctx),
		Roles:  auth.RolesFromContext(ctx),
		Topics: splitTopics(c.QueryParam("topics")),
		Send:   make(chan []byte, 256),
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	h.hub.Register(client)
	h.hub.logger.Debug().
		Str("client_id", client.ID).
		Str("user_id", client.UserID).
		Strs("topics", client.Topics).
		Msg("client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
