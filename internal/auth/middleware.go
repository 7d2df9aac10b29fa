package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fixmarket/fixmarket/internal/identity"
)

const (
	// ContextKeyAPIKey is the gin context key for the validated API key.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyPrincipal is the gin context key for the caller identity.
	ContextKeyPrincipal = "authPrincipal"
)

// Middleware extracts and validates the API key from the request and,
// if valid, sets the caller's Principal in the context.
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
				c.Set(ContextKeyPrincipal, identity.Principal{
					UserID: key.UserID,
					Role:   key.Role,
				})
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid API key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyPrincipal); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests unless the caller is an admin.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := CurrentPrincipal(c)
		if !p.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		c.Next()
	}
}

// CurrentPrincipal returns the authenticated caller, or a zero
// Principal for unauthenticated requests.
func CurrentPrincipal(c *gin.Context) identity.Principal {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return identity.Principal{}
	}
	return v.(identity.Principal)
}

// CurrentKey returns the API key from context (if authenticated).
func CurrentKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}
