// Package websocket pushes live synchronization updates to connected
// clients. A client subscribes to the entity types it cares about and
// receives every update for those types; a client with no filters receives
// everything.
package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action      string   `json:"action"`
	EntityTypes []string `json:"entity_types"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID      string
	Filters []string
	Send    chan []byte
	hub     *Hub
	conn    Conn
}

// Hub is the central connection manager. It tracks which clients want which
// entity types and fans updates out to them. All operations are thread-safe
// via sync.RWMutex.
type Hub struct {
	mu     sync.RWMutex
	byType map[string]map[*Client]struct{} // entity type -> filtered clients
	global map[*Client]struct{}            // clients with no filter
	all    map[*Client]struct{}
}

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub() *Hub {
	return &Hub{
		byType: make(map[string]map[*Client]struct{}),
		global: make(map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
	}
}

// Register adds a client to the hub with its initial entity type filters.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if len(client.Filters) == 0 {
		h.global[client] = struct{}{}
		return
	}
	for _, et := range client.Filters {
		if h.byType[et] == nil {
			h.byType[et] = make(map[*Client]struct{})
		}
		h.byType[et][client] = struct{}{}
	}
}

// Unregister removes a client from the hub, drops all of its filters, and
// closes the client's Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, et := range client.Filters {
		if subscribers, ok := h.byType[et]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.byType, et)
			}
		}
	}
	delete(h.global, client)
	delete(h.all, client)
	close(client.Send)
}

// Subscribe narrows an unfiltered client, or widens a filtered one, to the
// given entity types.
func (h *Hub) Subscribe(client *Client, entityTypes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	have := make(map[string]struct{}, len(client.Filters))
	for _, et := range client.Filters {
		have[et] = struct{}{}
	}

	delete(h.global, client)
	for _, et := range entityTypes {
		if _, dup := have[et]; dup {
			continue
		}
		have[et] = struct{}{}
		if h.byType[et] == nil {
			h.byType[et] = make(map[*Client]struct{})
		}
		h.byType[et][client] = struct{}{}
		client.Filters = append(client.Filters, et)
	}
}

// Unsubscribe removes entity types from a client's filter set. A client
// whose last filter is removed goes back to receiving everything.
func (h *Hub) Unsubscribe(client *Client, entityTypes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(entityTypes))
	for _, et := range entityTypes {
		removeSet[et] = struct{}{}
	}

	for _, et := range entityTypes {
		if subscribers, ok := h.byType[et]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.byType, et)
			}
		}
	}

	remaining := make([]string, 0, len(client.Filters))
	for _, et := range client.Filters {
		if _, rm := removeSet[et]; !rm {
			remaining = append(remaining, et)
		}
	}
	client.Filters = remaining

	if _, ok := h.all[client]; ok && len(client.Filters) == 0 {
		h.global[client] = struct{}{}
	}
}

// ProcessMessage handles an inbound ClientMessage, dispatching to Subscribe
// or Unsubscribe as appropriate.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.EntityTypes)
	case "unsubscribe":
		h.Unsubscribe(client, msg.EntityTypes)
	}
}

// Broadcast fans payload out to every client filtered to entityType plus
// every unfiltered client. A client whose send buffer is full is pruned
// from the hub rather than blocking the broadcaster.
func (h *Hub) Broadcast(entityType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("websocket: failed to marshal payload: %v", err)
		return
	}

	var stuck []*Client
	h.mu.RLock()
	for client := range h.byType[entityType] {
		select {
		case client.Send <- data:
		default:
			stuck = append(stuck, client)
		}
	}
	for client := range h.global {
		select {
		case client.Send <- data:
		default:
			stuck = append(stuck, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stuck {
		log.Printf("websocket: dropping slow client %s", client.ID)
		h.Unregister(client)
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// FilterCount returns the number of clients explicitly filtered to an
// entity type. Unfiltered clients are not counted even though they receive
// the type's updates.
func (h *Hub) FilterCount(entityType string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byType[entityType])
}

// ---------------------------------------------------------------------------
// Handler - Echo HTTP handler for WebSocket connections
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// Handler handles HTTP-to-WebSocket upgrades and message routing.
type Handler struct {
	hub *Hub
}

// NewHandler creates a new handler bound to the given Hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/sync", wsh.HandleConnect)
}

// HandleConnect upgrades an HTTP connection to WebSocket, registers the
// client with the hub, and starts read/write pumps. Initial filters come
// from the entity_types query parameter (comma separated); none means
// receive everything.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:      uuid.New().String(),
		Filters: parseFilters(c.QueryParam("entity_types")),
		Send:    make(chan []byte, 256),
		hub:     wsh.hub,
		conn:    &gorillaConnAdapter{ws},
	}

	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func parseFilters(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var filters []string
	for _, part := range strings.Split(raw, ",") {
		if et := strings.TrimSpace(part); et != "" {
			filters = append(filters, et)
		}
	}
	return filters
}

// readPump reads messages from the WebSocket connection and processes them.
func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}

		wsh.hub.ProcessMessage(client, msg)
	}
}

// writePump writes messages from the Send channel to the WebSocket connection.
func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
