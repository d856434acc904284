package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/authz"
)

// Handler serves key-management endpoints.
type Handler struct {
	manager *Manager
}

// NewHandler creates a key-management handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the handler. The group must already run Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", RequireAuth(), h.Me)
	r.GET("/auth/keys", RequireAuth(), h.ListKeys)
	r.DELETE("/auth/keys/:keyId", RequireAuth(), h.RevokeKey)
	r.POST("/admin/keys", RequireAdmin(), h.CreateKey)
}

// Me returns the caller's identity.
func (h *Handler) Me(c *gin.Context) {
	actor := ActorFrom(c)
	c.JSON(http.StatusOK, gin.H{"userId": actor.UserID, "role": actor.Role})
}

// ListKeys lists the caller's keys. Hashes are never returned.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), ActorFrom(c).UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey revokes one of the caller's keys.
func (h *Handler) RevokeKey(c *gin.Context) {
	err := h.manager.RevokeKey(c.Request.Context(), c.Param("keyId"), ActorFrom(c).UserID)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "API key not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
	}
}

type createKeyRequest struct {
	UserID     string     `json:"userId" binding:"required"`
	Role       authz.Role `json:"role"`
	Name       string     `json:"name"`
	TTLSeconds int64      `json:"ttlSeconds"`
}

// CreateKey issues a key for any user. Admin only.
func (h *Handler) CreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "userId is required"})
		return
	}
	raw, key, err := h.manager.GenerateKey(c.Request.Context(), req.UserID, req.Role, req.Name,
		time.Duration(req.TTLSeconds)*time.Second)
	if errors.Is(err, ErrInvalidRole) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"keyId":   key.ID,
		"userId":  key.UserID,
		"role":    key.Role,
		"warning": "Store this key securely. It will not be shown again.",
	})
}
