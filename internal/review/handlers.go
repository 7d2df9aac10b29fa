package review

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fixmarket/fixmarket/internal/auth"
	"github.com/fixmarket/fixmarket/internal/order"
)

// Handler provides HTTP endpoints for reviews.
type Handler struct {
	service *Service
}

// NewHandler creates a new review handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public review routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reviews", h.ListReviews)
}

// RegisterProtectedRoutes sets up auth-required review routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/reviews", h.CreateReview)
	r.PATCH("/reviews/:id", h.EditReview)
}

// CreateReview handles POST /v1/reviews
func (h *Handler) CreateReview(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Create(c.Request.Context(), auth.CurrentPrincipal(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"review": r})
}

// EditReview handles PATCH /v1/reviews/:id
func (h *Handler) EditReview(c *gin.Context) {
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Edit(c.Request.Context(), auth.CurrentPrincipal(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"review": r})
}

// ListReviews handles GET /v1/reviews?masterId=
func (h *Handler) ListReviews(c *gin.Context) {
	masterID := c.Query("masterId")
	if masterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "masterId query parameter is required",
		})
		return
	}

	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	reviews, err := h.service.ListByMaster(c.Request.Context(), masterID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reviews": reviews,
		"count":   len(reviews),
	})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrReviewNotFound), errors.Is(err, order.ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrEditWindow):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrDuplicateReview):
		status = http.StatusBadRequest
		code = "duplicate"
	case errors.Is(err, ErrInvalidRating):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
