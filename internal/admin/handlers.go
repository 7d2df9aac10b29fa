// Package admin provides admin-only endpoints for marketplace operations:
// cross-client order listing, on-demand settlement sweeps, and account
// moderation. All routes sit behind the admin role check.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fixmarket/fixmarket/internal/order"
	"github.com/fixmarket/fixmarket/internal/user"
)

// SweepRunner runs one settlement sweep pass on demand.
type SweepRunner interface {
	Sweep(ctx context.Context)
}

// Moderator toggles account blocking.
type Moderator interface {
	SetBlocked(ctx context.Context, id string, blocked bool) (*user.User, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	orders  order.Store
	sweeper SweepRunner
	mod     Moderator
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithOrderStore sets the order store for cross-client listing.
func (h *Handler) WithOrderStore(s order.Store) *Handler {
	h.orders = s
	return h
}

// WithSweeper sets the sweep runner for on-demand sweeps.
func (h *Handler) WithSweeper(s SweepRunner) *Handler {
	h.sweeper = s
	return h
}

// WithModerator sets the moderation service for block operations.
func (h *Handler) WithModerator(m Moderator) *Handler {
	h.mod = m
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/orders", h.listOrders)
	r.POST("/admin/sweep", h.triggerSweep)
	r.POST("/admin/users/:id/block", h.blockUser)
	r.POST("/admin/users/:id/unblock", h.unblockUser)
}

// listOrders returns orders for any client, optionally filtered by status.
func (h *Handler) listOrders(c *gin.Context) {
	if h.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order store not configured"})
		return
	}

	f := order.ListFilter{Limit: 100}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			f.Limit = parsed
		}
	}
	if s := c.Query("status"); s != "" {
		f.Status = order.Status(s)
	}
	f.ClientID = c.Query("clientId")
	f.MasterID = c.Query("masterId")

	orders, err := h.orders.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// triggerSweep runs the auto-release and dispute-timeout sweep immediately
// instead of waiting for the next interval tick.
func (h *Handler) triggerSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper not configured"})
		return
	}

	h.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (h *Handler) blockUser(c *gin.Context) {
	h.setBlocked(c, true)
}

func (h *Handler) unblockUser(c *gin.Context) {
	h.setBlocked(c, false)
}

func (h *Handler) setBlocked(c *gin.Context, blocked bool) {
	if h.mod == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "moderation service not configured"})
		return
	}

	u, err := h.mod.SetBlocked(c.Request.Context(), c.Param("id"), blocked)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, u)
}
