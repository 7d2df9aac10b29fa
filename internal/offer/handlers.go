package offer

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fixmarket/fixmarket/internal/auth"
	"github.com/fixmarket/fixmarket/internal/money"
	"github.com/fixmarket/fixmarket/internal/order"
)

// Handler provides HTTP endpoints for offer operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.GET("/offers", h.ListOffers)
	r.POST("/offers/:id/accept", h.AcceptOffer)
	r.DELETE("/offers/:id", h.RetractOffer)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), auth.CurrentPrincipal(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// ListOffers handles GET /v1/offers?orderId=
func (h *Handler) ListOffers(c *gin.Context) {
	orderID := c.Query("orderId")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderId query parameter is required",
		})
		return
	}

	offers, err := h.service.ListByOrder(c.Request.Context(), auth.CurrentPrincipal(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"offers": offers,
		"count":  len(offers),
	})
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	ord, err := h.service.Accept(c.Request.Context(), auth.CurrentPrincipal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": ord})
}

// RetractOffer handles DELETE /v1/offers/:id
func (h *Handler) RetractOffer(c *gin.Context) {
	if err := h.service.Retract(c.Request.Context(), auth.CurrentPrincipal(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retracted": true})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOfferNotFound), errors.Is(err, order.ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrOrderNotOpen),
		errors.Is(err, order.ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrTooManyPending):
		status = http.StatusBadRequest
		code = "limit_exceeded"
	case errors.Is(err, ErrDuplicateOffer):
		status = http.StatusBadRequest
		code = "duplicate"
	case errors.Is(err, money.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
