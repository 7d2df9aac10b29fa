package payment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fixmarket/fixmarket/internal/auth"
	"github.com/fixmarket/fixmarket/internal/money"
	"github.com/fixmarket/fixmarket/internal/order"
)

// Handler provides HTTP endpoints for payment operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments/:orderId", h.GetPayment)
	r.POST("/payments/:orderId/release", h.ReleasePayment)
	r.POST("/payments/:orderId/refund", h.RefundPayment)
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	pay, err := h.service.Create(c.Request.Context(), auth.CurrentPrincipal(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": pay})
}

// GetPayment handles GET /v1/payments/:orderId
func (h *Handler) GetPayment(c *gin.Context) {
	orderID := c.Param("orderId")
	p := auth.CurrentPrincipal(c)

	ord, err := h.service.orders.Get(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !p.Participant(ord.ClientID, ord.MasterID) && !p.IsAdmin() {
		writeError(c, ErrForbidden)
		return
	}

	pay, err := h.service.GetByOrder(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": pay})
}

// ReleasePayment handles POST /v1/payments/:orderId/release
func (h *Handler) ReleasePayment(c *gin.Context) {
	pay, err := h.service.Release(c.Request.Context(), auth.CurrentPrincipal(c), c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": pay})
}

// RefundPayment handles POST /v1/payments/:orderId/refund (admin)
func (h *Handler) RefundPayment(c *gin.Context) {
	pay, err := h.service.Refund(c.Request.Context(), auth.CurrentPrincipal(c), c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": pay})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, order.ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, order.ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrPaymentExists):
		status = http.StatusBadRequest
		code = "duplicate"
	case errors.Is(err, money.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
