package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/logger"
	ws "github.com/gunaso/gunaso/pkg/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay under pongWait
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client is one connected peer: a complainant session or a grievance
// watcher. Outbound frames go through the buffered send channel so the
// hub never blocks on a slow socket.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	rooms  map[string]bool
	mu     sync.RWMutex
	logger *logger.Logger
}

func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		rooms:  make(map[string]bool),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads frames until the peer disconnects, dispatching each
// decoded message. It owns the read side of the connection and the
// hub registration.
func (c *Client) ReadPump(ctx context.Context) {
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
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

// handleMessage routes one inbound message. Room membership actions are
// handled here because they need the client itself; everything else
// goes through the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case ws.ActionStatusSubscribe:
		c.handleRoomChange(msg, c.hub.Join)
		return
	case ws.ActionStatusUnsubscribe:
		c.handleRoomChange(msg, c.hub.Leave)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler failed",
			zap.String("action", msg.Action), zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// RoomRequest is the payload for status.subscribe and status.unsubscribe.
// Room is a grievance id (accessible sessions) or a session id.
type RoomRequest struct {
	Room string `json:"room"`
}

// handleRoomChange validates the payload and applies the membership
// change, replying with the room on success. Join and leave share the
// same shape, only the hub operation differs.
func (c *Client) handleRoomChange(msg *ws.Message, apply func(*Client, string)) {
	var req RoomRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.Room == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "room is required", nil)
		return
	}

	apply(c, req.Room)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"room":    req.Room,
	})
	c.sendMessage(resp)
}

// sendMessage queues a frame, dropping it when the client cannot keep
// up. Status frames are advisory; the task status action exists for
// clients that need authoritative state.
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outbound message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame",
			zap.String("action", msg.Action))
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

// WritePump drains the send channel onto the socket and keeps the
// connection alive with pings. It owns the write side; nothing else
// writes to conn.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel during unregister.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)
			// Flush whatever else is queued into the same frame batch.
			for range len(c.send) {
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
