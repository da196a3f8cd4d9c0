package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/interview-call/internal/middleware"
)

const tokenTTL = 24 * time.Hour

// LoginRequest is the body of POST /api/auth/login. Role defaults to user.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role" binding:"omitempty,oneof=admin user"`
}

type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT for the requested role. Credentials are not checked
// against any user store; the username becomes the user id.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}
	if req.Role == "" {
		req.Role = middleware.RoleUser
	}

	token, err := middleware.IssueToken(h.jwtSecret, req.Username, req.Role, h.now(), tokenTTL)
	if err != nil {
		h.logger.Errorw("failed to issue token", "user", req.Username, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:  token,
		UserID: req.Username,
		Role:   req.Role,
	})
}
