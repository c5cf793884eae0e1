package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"torrentctl/internal/service"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	if h.auth == nil || !h.auth.Enabled() {
		writeError(c, service.ErrAuthDisabled)
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.auth.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	token, expires, err := h.auth.IssueToken(user)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
		"username":   user.Username,
	})
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.auth == nil || !h.auth.Enabled() {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := h.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": service.ErrInvalidToken.Error()})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}
