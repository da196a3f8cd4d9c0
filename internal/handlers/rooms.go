package handlers

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/interview-call/internal/middleware"
	"github.com/mossy-p/interview-call/internal/models"
	"github.com/mossy-p/interview-call/internal/redis"
)

const (
	roomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// CreateRoom creates an interview room with a shareable code and a fresh
// transcript session.
func (h *Handler) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room := models.RoomMetadata{
		ID:              uuid.New().String(),
		Code:            generateRoomCode(),
		CreatorID:       userID,
		SessionID:       uuid.New().String(),
		Title:           req.Title,
		CreatedAt:       h.now().UTC(),
		MaxParticipants: models.MaxParticipants,
	}
	if err := h.store.SaveRoom(c.Request.Context(), room); err != nil {
		h.logger.Errorw("failed to create room", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.logger.Infow("room created", "room", room.ID, "code", room.Code, "user", userID)
	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID:    room.ID,
		Code:      room.Code,
		SessionID: room.SessionID,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *Handler) GetRoom(c *gin.Context) {
	room, ok := h.lookupRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication and creator)
func (h *Handler) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	room, ok := h.lookupRoom(c)
	if !ok {
		return
	}

	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := h.store.DeleteRoom(c.Request.Context(), room); err != nil {
		h.logger.Errorw("failed to delete room", "room", room.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.logger.Infow("room deleted", "room", room.ID, "user", userID)
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// lookupRoom resolves the roomId parameter, which may be a code, and writes
// the error response itself when it fails.
func (h *Handler) lookupRoom(c *gin.Context) (models.RoomMetadata, bool) {
	ctx := c.Request.Context()
	roomID := c.Param("roomId")

	if len(roomID) == roomCodeLength {
		id, err := h.store.ResolveCode(ctx, roomID)
		if err != nil {
			h.roomError(c, err)
			return models.RoomMetadata{}, false
		}
		roomID = id
	}

	room, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		h.roomError(c, err)
		return models.RoomMetadata{}, false
	}
	// the presence mirror may lag behind live connections on this instance
	room.ParticipantCount = max(room.ParticipantCount, h.hub.Occupancy(room.ID))
	return room, true
}

func (h *Handler) roomError(c *gin.Context, err error) {
	if errors.Is(err, redis.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	h.logger.Errorw("room lookup failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
