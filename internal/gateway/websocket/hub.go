// Package websocket is the client-facing gateway of the status bus: it
// manages WebSocket connections, room subscriptions, and fan-out of
// status frames to subscribers.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/logger"
	ws "github.com/gunaso/gunaso/pkg/websocket"
)

// Hub tracks connected clients and their room memberships. Rooms are
// keyed by grievance id (accessible sessions) or client session id
// (bot sessions); the status broadcaster picks the room per frame.
type Hub struct {
	clients         map[*Client]bool
	roomSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:         make(map[*Client]bool),
		roomSubscribers: make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		dispatcher:      dispatcher,
		logger:          log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes connection lifecycle events until the context ends,
// then closes every client. Membership changes go through the mutex
// directly (Join, Leave), so the loop only owns register/unregister.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))
		case client := <-h.unregister:
			h.removeClient(client)
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
	h.roomSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for room := range client.rooms {
		h.dropFromRoom(room, client)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// dropFromRoom removes the client and prunes the room when it empties.
// Caller holds h.mu.
func (h *Hub) dropFromRoom(room string, client *Client) {
	subscribers, ok := h.roomSubscribers[room]
	if !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.roomSubscribers, room)
	}
}

// Register hands a new connection to the run loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister detaches a disconnected client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToRoom delivers a frame to every client joined to the room.
// Best-effort: a client whose buffer is full misses the frame and
// resynchronizes from task status on reconnect.
func (h *Hub) BroadcastToRoom(room string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal room broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.roomSubscribers[room] {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Join subscribes a client to a room.
func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.roomSubscribers[room]; !ok {
		h.roomSubscribers[room] = make(map[*Client]bool)
	}
	h.roomSubscribers[room][client] = true
	client.rooms[room] = true

	h.logger.Debug("client joined room",
		zap.String("client_id", client.ID),
		zap.String("room", room))
}

// Leave unsubscribes a client from a room.
func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.rooms, room)
	h.dropFromRoom(room, client)
}

// GetClientCount reports connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount reports clients joined to a room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.roomSubscribers[room])
}
