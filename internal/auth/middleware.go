package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/authz"
)

const (
	// ContextKeyAPIKey is the key for storing the validated API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyActor is the key for storing the authenticated actor
	ContextKeyActor = "authActor"
)

// Middleware extracts and validates the API key from the request.
// Invalid or missing keys leave the request anonymous.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyActor, key.Actor())
			}
		}

		c.Next()
	}
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer th_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects anonymous requests with 401 and non-admin ones with 403.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := ActorFrom(c)
		if actor.Anonymous() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if !actor.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// ActorFrom returns the authenticated actor, or the zero (anonymous) actor.
func ActorFrom(c *gin.Context) authz.Actor {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return authz.Actor{}
	}
	actor, _ := v.(authz.Actor)
	return actor
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	return !ActorFrom(c).Anonymous()
}
