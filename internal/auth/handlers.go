package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fixmarket/fixmarket/internal/identity"
)

// Directory resolves marketplace accounts for key issuance, so this
// package does not import the user package.
type Directory interface {
	// Register creates an account and returns its ID and role.
	Register(ctx context.Context, email, name, role string) (userID, userRole string, err error)
	// Lookup returns the role of an existing account.
	Lookup(ctx context.Context, userID string) (role string, err error)
}

// Handler provides HTTP endpoints for key management.
type Handler struct {
	manager     *Manager
	directory   Directory
	adminSecret string
}

// NewHandler creates a new auth handler. adminSecret guards key issuance.
func NewHandler(m *Manager, directory Directory, adminSecret string) *Handler {
	return &Handler{manager: m, directory: directory, adminSecret: adminSecret}
}

// RegisterRoutes sets up key-management routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/keys", h.IssueKey)
}

// RegisterProtectedRoutes sets up auth-required key routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/keys", h.ListKeys)
	r.DELETE("/auth/keys/:id", h.RevokeKey)
}

// IssueKeyRequest is the body for POST /v1/auth/keys. Either UserID
// (key for an existing account) or Email+Name+Role (register and key)
// must be set.
type IssueKeyRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Label  string `json:"label"`
}

// IssueKey handles POST /v1/auth/keys. Guarded by the admin secret
// rather than an API key so the first key can be bootstrapped.
func (h *Handler) IssueKey(c *gin.Context) {
	secret := c.GetHeader("X-Admin-Secret")
	if h.adminSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.adminSecret)) != 1 {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Valid X-Admin-Secret header required",
		})
		return
	}

	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	userID, role := req.UserID, ""
	var err error
	if userID != "" {
		role, err = h.directory.Lookup(ctx, userID)
	} else {
		userID, role, err = h.directory.Register(ctx, req.Email, req.Name, req.Role)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	rawKey, key, err := h.manager.GenerateKey(ctx, userID, identity.Role(role), req.Label)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":    rawKey, // shown once, store it securely
		"keyId":  key.ID,
		"userId": key.UserID,
		"role":   key.Role,
	})
}

// ListKeys handles GET /v1/auth/keys.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := CurrentKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// RevokeKey handles DELETE /v1/auth/keys/:id.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := CurrentKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), c.Param("id"), key.UserID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "API key not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
