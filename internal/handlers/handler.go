// Package handlers is the relay's HTTP surface: WebRTC signaling over
// WebSocket, ICE server distribution, and room management.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/interview-call/internal/middleware"
	"github.com/mossy-p/interview-call/internal/models"
)

// RoomStore persists room metadata and mirrors relay presence.
// *redis.Store satisfies it.
type RoomStore interface {
	SaveRoom(ctx context.Context, room models.RoomMetadata) error
	GetRoom(ctx context.Context, id string) (models.RoomMetadata, error)
	ResolveCode(ctx context.Context, code string) (string, error)
	DeleteRoom(ctx context.Context, room models.RoomMetadata) error
	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
}

// ICEServerSource supplies traversal servers to browser peers.
// *iceservers.Provider satisfies it.
type ICEServerSource interface {
	GetIceServers(ctx context.Context) []webrtc.ICEServer
}

type Handler struct {
	logger    *zap.SugaredLogger
	store     RoomStore
	ice       ICEServerSource
	hub       *Hub
	jwtSecret string
	now       func() time.Time
}

// New builds the relay handlers. store and ice may be nil, which disables
// room management and ICE server distribution respectively.
func New(logger *zap.SugaredLogger, store RoomStore, ice ICEServerSource, jwtSecret string) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		ice:       ice,
		hub:       NewHub(),
		jwtSecret: jwtSecret,
		now:       time.Now,
	}
}

// Hub exposes live room occupancy.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// NewRouter wires every relay route onto a gin engine.
func NewRouter(h *Handler, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(allowedOrigins))

	router.GET("/health", h.Health)

	// Room management needs a store; without one the relay only signals.
	if h.store != nil {
		api := router.Group("/api")
		api.POST("/auth/login", h.Login)

		auth := middleware.JWTAuth(h.jwtSecret)
		api.POST("/rooms", auth, middleware.RequireRole(middleware.RoleAdmin), h.CreateRoom)
		api.GET("/rooms/:roomId", h.GetRoom)
		api.DELETE("/rooms/:roomId", auth, h.DeleteRoom)
	}

	v1 := router.Group("/api/v1")
	{
		if h.ice != nil {
			v1.GET("/ice-servers", h.IceServers)
		}
		// accepts a room id or a room code
		v1.GET("/signaling/ws/:roomId", h.HandleSignaling)
	}
	return router
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": h.hub.RoomCount()})
}

// IceServers serves the current STUN/TURN list. It never fails; the
// provider degrades to public STUN on its own.
func (h *Handler) IceServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.ice.GetIceServers(c.Request.Context())})
}

func requestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugw("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
