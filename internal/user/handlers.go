package user

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fixmarket/fixmarket/internal/auth"
	"github.com/fixmarket/fixmarket/internal/money"
)

// Handler provides HTTP endpoints for accounts and the wallet.
type Handler struct {
	service *Service
}

// NewHandler creates a new user handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required user routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id", h.GetUser)
	r.GET("/wallet", h.GetWallet)
	r.POST("/wallet/withdraw", h.Withdraw)
}

// GetUser handles GET /v1/users/:id
func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "User not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	// Balance and email are private to the account owner.
	p := auth.CurrentPrincipal(c)
	if !p.OwnsOrAdmin(u.ID) {
		u.Email = ""
		u.Balance = 0
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	p := auth.CurrentPrincipal(c)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	u, entries, err := h.service.Wallet(c.Request.Context(), p, limit)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrUserNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotMaster):
			status = http.StatusForbidden
			code = "forbidden"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": u.Balance,
		"entries": entries,
		"count":   len(entries),
	})
}

// WithdrawRequest is the body for POST /v1/wallet/withdraw.
type WithdrawRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Withdraw handles POST /v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	p := auth.CurrentPrincipal(c)

	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal with at most two fraction digits",
		})
		return
	}

	u, err := h.service.Withdraw(c.Request.Context(), p, amount)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrUserNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotMaster), errors.Is(err, ErrBlocked):
			status = http.StatusForbidden
			code = "forbidden"
		case errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrInsufficientBalance):
			status = http.StatusBadRequest
			code = "limit_exceeded"
		case errors.Is(err, money.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": u})
}
