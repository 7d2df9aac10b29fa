// Package review lets clients rate completed work.
//
// Flow:
//  1. Client reviews their own completed order, once.
//  2. The master's running average rating updates immediately.
//  3. The author may edit the review within 24 hours.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fixmarket/fixmarket/internal/identity"
	"github.com/fixmarket/fixmarket/internal/idgen"
	"github.com/fixmarket/fixmarket/internal/order"
)

var (
	ErrReviewNotFound  = errors.New("review not found")
	ErrForbidden       = errors.New("not authorized for this review")
	ErrInvalidStatus   = errors.New("order is not completed")
	ErrDuplicateReview = errors.New("order already reviewed")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
	ErrEditWindow      = errors.New("review can no longer be edited")
)

// EditWindow is how long after creation the author may change a review.
const EditWindow = 24 * time.Hour

// Review is a client's rating of a master's completed work.
type Review struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	AuthorID  string    `json:"authorId"`
	MasterID  string    `json:"masterId"`
	Rating    int64     `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists reviews.
type Store interface {
	Create(ctx context.Context, r *Review) error
	Get(ctx context.Context, id string) (*Review, error)
	GetByOrder(ctx context.Context, orderID string) (*Review, error)
	Update(ctx context.Context, r *Review) error
	ListByMaster(ctx context.Context, masterID string, limit int) ([]*Review, error)
}

// Rater maintains a master's running average rating.
type Rater interface {
	RecordRating(ctx context.Context, masterID string, delta, countDelta int64) error
}

// CreateRequest contains the fields for a new review.
type CreateRequest struct {
	OrderID string `json:"orderId" binding:"required"`
	Rating  int64  `json:"rating" binding:"required"`
	Comment string `json:"comment"`
}

// EditRequest contains the fields an author may change.
type EditRequest struct {
	Rating  int64  `json:"rating" binding:"required"`
	Comment string `json:"comment"`
}

// Service implements review business logic.
type Service struct {
	store  Store
	orders order.Store
	rater  Rater
	now    func() time.Time
}

// NewService creates a review service.
func NewService(store Store, orders order.Store, rater Rater) *Service {
	return &Service{
		store:  store,
		orders: orders,
		rater:  rater,
		now:    time.Now,
	}
}

// Create records a review for a completed order and folds the rating
// into the master's average.
func (s *Service) Create(ctx context.Context, p identity.Principal, req CreateRequest) (*Review, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, ErrInvalidRating
	}

	ord, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if ord.ClientID != p.UserID {
		return nil, ErrForbidden
	}
	if ord.Status != order.StatusCompleted {
		return nil, ErrInvalidStatus
	}

	if _, err := s.store.GetByOrder(ctx, req.OrderID); err == nil {
		return nil, ErrDuplicateReview
	} else if !errors.Is(err, ErrReviewNotFound) {
		return nil, fmt.Errorf("checking existing review: %w", err)
	}

	now := s.now()
	r := &Review{
		ID:        idgen.WithPrefix("rev_"),
		OrderID:   ord.ID,
		AuthorID:  p.UserID,
		MasterID:  ord.MasterID,
		Rating:    req.Rating,
		Comment:   strings.TrimSpace(req.Comment),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("creating review: %w", err)
	}

	if err := s.rater.RecordRating(ctx, r.MasterID, r.Rating, 1); err != nil {
		return nil, fmt.Errorf("recording rating: %w", err)
	}
	return r, nil
}

// Edit lets the author adjust a review within the edit window. The
// master's average shifts by the rating delta.
func (s *Service) Edit(ctx context.Context, p identity.Principal, id string, req EditRequest) (*Review, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, ErrInvalidRating
	}

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.AuthorID != p.UserID {
		return nil, ErrForbidden
	}
	if s.now().Sub(r.CreatedAt) > EditWindow {
		return nil, ErrEditWindow
	}

	delta := req.Rating - r.Rating
	r.Rating = req.Rating
	if req.Comment != "" {
		r.Comment = strings.TrimSpace(req.Comment)
	}
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("updating review: %w", err)
	}

	if delta != 0 {
		if err := s.rater.RecordRating(ctx, r.MasterID, delta, 0); err != nil {
			return nil, fmt.Errorf("recording rating: %w", err)
		}
	}
	return r, nil
}

// Get returns a single review.
func (s *Service) Get(ctx context.Context, id string) (*Review, error) {
	return s.store.Get(ctx, id)
}

// ListByMaster returns a master's reviews, newest first.
func (s *Service) ListByMaster(ctx context.Context, masterID string, limit int) ([]*Review, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByMaster(ctx, masterID, limit)
}
