package notify

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fixmarket/fixmarket/internal/auth"
)

// Handler provides HTTP endpoints for notifications.
type Handler struct {
	emitter *Emitter
}

// NewHandler creates a new notification handler.
func NewHandler(emitter *Emitter) *Handler {
	return &Handler{emitter: emitter}
}

// RegisterProtectedRoutes sets up auth-required notification routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.ListNotifications)
	r.POST("/notifications/:id/read", h.MarkRead)
}

// ListNotifications handles GET /v1/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	p := auth.CurrentPrincipal(c)
	notifications, err := h.emitter.ListForUser(c.Request.Context(), p.UserID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// MarkRead handles POST /v1/notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	p := auth.CurrentPrincipal(c)
	err := h.emitter.MarkRead(c.Request.Context(), c.Param("id"), p.UserID)
	if err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}
