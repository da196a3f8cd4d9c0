package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mossy-p/interview-call/internal/models"
	"github.com/mossy-p/interview-call/internal/redis"
)

const (
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
	storeTimeout   = 2 * time.Second

	// inbound budget per connection; candidate trickling is bursty
	messagesPerSecond = 50
	messageBurst      = 100
)

var errRoomFull = errors.New("room is full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub tracks the live rooms of this relay instance.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*Room)}
}

// Room holds at most models.MaxParticipants clients.
type Room struct {
	ID    string
	Peers map[string]*Client
	mu    sync.RWMutex
}

// Client is one WebSocket connection to the relay.
type Client struct {
	ID      string
	RoomID  string
	Conn    *websocket.Conn
	Send    chan []byte
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// join registers c in roomID, creating the room implicitly, and returns the
// occupancy including c.
func (h *Hub) join(roomID string, c *Client) (*Room, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[roomID]
	if !exists {
		room = &Room{ID: roomID, Peers: make(map[string]*Client)}
		h.rooms[roomID] = room
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.Peers) >= models.MaxParticipants {
		return nil, len(room.Peers), errRoomFull
	}
	room.Peers[c.ID] = c
	return room, len(room.Peers), nil
}

// leave removes c and returns the remaining occupancy. Empty rooms are dropped.
func (h *Hub) leave(room *Room, c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()

	delete(room.Peers, c.ID)
	remaining := len(room.Peers)
	if remaining == 0 && h.rooms[room.ID] == room {
		delete(h.rooms, room.ID)
	}
	return remaining
}

// Occupancy is the number of live connections in roomID.
func (h *Hub) Occupancy(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.Peers)
}

func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// HandleSignaling upgrades a participant into the room named by the roomId
// path parameter, which may be a room id or a room code.
func (h *Handler) HandleSignaling(c *gin.Context) {
	identifier := c.Param("roomId")
	if identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}
	roomID := h.resolveRoom(c.Request.Context(), identifier)

	peerID := uuid.New().String()
	client := &Client{
		ID:      peerID,
		RoomID:  roomID,
		Send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(messagesPerSecond, messageBurst),
		logger:  h.logger.With("room", roomID, "peer", peerID),
	}

	room, count, err := h.hub.join(roomID, client)
	if err != nil {
		h.logger.Infow("rejecting participant, room is full", "room", roomID, "count", count)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.leave(room, client)
		client.logger.Warnw("failed to upgrade connection", "error", err)
		return
	}
	client.Conn = conn

	h.withStore(func(ctx context.Context) error { return h.store.AddPeer(ctx, roomID, peerID) })
	client.logger.Infow("peer joined", "count", count)

	// the joiner learns its own id and the occupancy; everyone else learns of the joiner
	client.sendMessage(models.NewRoomInfo(count, peerID))
	room.broadcastMessage(models.NewUserJoined(count, peerID), peerID)

	go client.writePump()
	go h.readPump(room, client)
}

// resolveRoom maps a room code to its id. Anything else names an implicit room.
func (h *Handler) resolveRoom(ctx context.Context, identifier string) string {
	if len(identifier) != roomCodeLength || h.store == nil {
		return identifier
	}
	id, err := h.store.ResolveCode(ctx, identifier)
	switch {
	case err == nil:
		return id
	case !errors.Is(err, redis.ErrRoomNotFound):
		h.logger.Warnw("room code lookup failed", "code", identifier, "error", err)
	}
	return identifier
}

// withStore runs a presence update on a bounded context. Presence is a
// mirror; failures are logged and the relay keeps serving.
func (h *Handler) withStore(fn func(ctx context.Context) error) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		h.logger.Warnw("presence update failed", "error", err)
	}
}

func (r *Room) broadcastMessage(msg models.SignalingMessage, excludePeerID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for peerID, client := range r.Peers {
		if peerID != excludePeerID {
			client.enqueue(data)
		}
	}
}

func (h *Handler) readPump(room *Room, c *Client) {
	defer func() {
		remaining := h.hub.leave(room, c)
		// no sender can reach c.Send once it has left the room
		close(c.Send)
		c.Conn.Close()

		h.withStore(func(ctx context.Context) error { return h.store.RemovePeer(ctx, c.RoomID, c.ID) })
		room.broadcastMessage(models.NewUserLeft(remaining, c.ID), c.ID)
		c.logger.Infow("peer left", "count", remaining)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warnw("websocket error", "error", err)
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.logger.Warnw("rate limit exceeded, dropping message")
			continue
		}

		var msg models.SignalingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warnw("failed to parse message", "error", err)
			continue
		}

		switch msg.Type {
		case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
			msg.From = c.ID
			room.broadcastMessage(msg, c.ID)
		case models.SignalTypePing:
			c.sendMessage(models.NewPong())
		case models.SignalTypePong:
		default:
			c.logger.Infow("unknown message type", "type", msg.Type)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warnw("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg models.SignalingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warnw("failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.Send <- data:
	default:
		c.logger.Warnw("send buffer full, dropping message")
	}
}
