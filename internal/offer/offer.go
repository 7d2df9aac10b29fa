// Package offer manages masters' priced proposals on open orders.
//
// Accepting an offer is the one multi-entity write here: the order is
// assigned, the offer accepted and every sibling rejected as a single
// unit under the order's lock.
package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fixmarket/fixmarket/internal/identity"
	"github.com/fixmarket/fixmarket/internal/idgen"
	"github.com/fixmarket/fixmarket/internal/money"
	"github.com/fixmarket/fixmarket/internal/order"
)

var (
	ErrOfferNotFound  = errors.New("offer not found")
	ErrForbidden      = errors.New("not authorized for this offer operation")
	ErrInvalidStatus  = errors.New("invalid status for this offer operation")
	ErrTooManyPending = errors.New("too many pending offers")
	ErrDuplicateOffer = errors.New("master already has an offer on this order")
	ErrOrderNotOpen   = errors.New("order is not open for offers")
)

// Status is the offer's state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// MaxPendingOffers is the default cap on simultaneously pending offers
// per master, across all orders.
const MaxPendingOffers = 5

// Offer is a master's priced proposal on an order.
type Offer struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"orderId"`
	MasterID      string    `json:"masterId"`
	Price         int64     `json:"price"`
	EstimatedDays int       `json:"estimatedDays"`
	Message       string    `json:"message,omitempty"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer) error
	Delete(ctx context.Context, id string) error
	ListByOrder(ctx context.Context, orderID string) ([]*Offer, error)
	CountPendingByMaster(ctx context.Context, masterID string) (int, error)
	// GetByOrderAndMaster finds the master's offer on an order,
	// regardless of its status.
	GetByOrderAndMaster(ctx context.Context, orderID, masterID string) (*Offer, error)
}

// Notifier records a user-facing event for a state transition.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, message string)
}

// Roster reports account standing. Blocked masters may not submit
// offers; their existing offers stay untouched.
type Roster interface {
	IsBlocked(ctx context.Context, userID string) (bool, error)
}

// CreateRequest contains the parameters for submitting an offer.
type CreateRequest struct {
	OrderID       string `json:"orderId" binding:"required"`
	Price         string `json:"price" binding:"required"`
	EstimatedDays int    `json:"estimatedDays" binding:"required"`
	Message       string `json:"message"`
}

// Service implements offer business logic.
type Service struct {
	store      Store
	orders     order.Store
	locks      *order.Locks
	notifier   Notifier
	roster     Roster
	maxPending int
	now        func() time.Time
}

// NewService creates a new offer service.
func NewService(store Store, orders order.Store, locks *order.Locks, notifier Notifier, roster Roster, maxPending int) *Service {
	if maxPending <= 0 {
		maxPending = MaxPendingOffers
	}
	return &Service{
		store:      store,
		orders:     orders,
		locks:      locks,
		notifier:   notifier,
		roster:     roster,
		maxPending: maxPending,
		now:        time.Now,
	}
}

// Create submits a master's offer on an open order.
func (s *Service) Create(ctx context.Context, p identity.Principal, req CreateRequest) (*Offer, error) {
	if !p.IsMaster() {
		return nil, fmt.Errorf("%w: only masters submit offers", ErrForbidden)
	}
	if blocked, err := s.roster.IsBlocked(ctx, p.UserID); err != nil {
		return nil, err
	} else if blocked {
		return nil, fmt.Errorf("%w: account is blocked", ErrForbidden)
	}

	price, err := money.Parse(req.Price)
	if err != nil {
		return nil, err
	}
	if req.EstimatedDays <= 0 {
		return nil, fmt.Errorf("estimated days must be positive")
	}

	mu := s.locks.ForOrder(req.OrderID)
	mu.Lock()
	defer mu.Unlock()

	ord, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if ord.Status != order.StatusOpen {
		return nil, fmt.Errorf("%w: order is %s", ErrOrderNotOpen, ord.Status)
	}

	pending, err := s.store.CountPendingByMaster(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if pending >= s.maxPending {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyPending, s.maxPending)
	}

	// Any prior offer on this order blocks a new one, even a rejected
	// or retract-skipped accepted one.
	if _, err := s.store.GetByOrderAndMaster(ctx, req.OrderID, p.UserID); err == nil {
		return nil, ErrDuplicateOffer
	} else if !errors.Is(err, ErrOfferNotFound) {
		return nil, err
	}

	o := &Offer{
		ID:            idgen.WithPrefix("off_"),
		OrderID:       req.OrderID,
		MasterID:      p.UserID,
		Price:         price,
		EstimatedDays: req.EstimatedDays,
		Message:       req.Message,
		Status:        StatusPending,
		CreatedAt:     s.now(),
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	ord.ProposalCount++
	ord.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, ord); err != nil {
		// Best-effort removal if the counter bump fails
		_ = s.store.Delete(ctx, o.ID)
		return nil, fmt.Errorf("failed to update order proposal count: %w", err)
	}

	s.notifier.Notify(ctx, ord.ClientID, "offer_received",
		fmt.Sprintf("New offer of %s on order %q", money.Format(price), ord.Title))
	return o, nil
}

// ListByOrder returns an order's offers. Only the order's client or an
// admin may see them.
func (s *Service) ListByOrder(ctx context.Context, p identity.Principal, orderID string) ([]*Offer, error) {
	ord, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !p.OwnsOrAdmin(ord.ClientID) {
		return nil, ErrForbidden
	}
	return s.store.ListByOrder(ctx, orderID)
}

// Accept accepts an offer on the caller's order. Applied as one unit
// under the order lock: the order is assigned, the offer accepted and
// every sibling offer rejected.
func (s *Service) Accept(ctx context.Context, p identity.Principal, offerID string) (*order.Order, error) {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}

	mu := s.locks.ForOrder(o.OrderID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock; a concurrent accept may have won.
	o, err = s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	ord, err := s.orders.Get(ctx, o.OrderID)
	if err != nil {
		return nil, err
	}
	if !p.Owns(ord.ClientID) {
		return nil, ErrForbidden
	}
	if ord.Status != order.StatusOpen {
		return nil, fmt.Errorf("%w: order is %s", ErrOrderNotOpen, ord.Status)
	}
	if o.Status != StatusPending {
		return nil, fmt.Errorf("%w: offer is %s", ErrInvalidStatus, o.Status)
	}

	if err := ord.SetStatus(order.StatusAccepted); err != nil {
		return nil, err
	}
	ord.MasterID = o.MasterID
	ord.AgreedPrice = o.Price
	ord.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, ord); err != nil {
		return nil, err
	}

	o.Status = StatusAccepted
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("order assigned but offer not marked accepted: %w", err)
	}

	siblings, err := s.store.ListByOrder(ctx, o.OrderID)
	if err != nil {
		return nil, fmt.Errorf("offer accepted but siblings not rejected: %w", err)
	}
	for _, sib := range siblings {
		if sib.ID == o.ID || sib.Status == StatusRejected {
			continue
		}
		sib.Status = StatusRejected
		if err := s.store.Update(ctx, sib); err != nil {
			return nil, fmt.Errorf("offer accepted but sibling %s not rejected: %w", sib.ID, err)
		}
	}

	s.notifier.Notify(ctx, o.MasterID, "offer_accepted",
		fmt.Sprintf("Your offer on order %q was accepted", ord.Title))
	return ord, nil
}

// Retract removes the master's own pending offer and releases its slot
// in the order's proposal count.
func (s *Service) Retract(ctx context.Context, p identity.Principal, offerID string) error {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return err
	}

	mu := s.locks.ForOrder(o.OrderID)
	mu.Lock()
	defer mu.Unlock()

	o, err = s.store.Get(ctx, offerID)
	if err != nil {
		return err
	}
	if !p.Owns(o.MasterID) {
		return ErrForbidden
	}
	if o.Status != StatusPending {
		return fmt.Errorf("%w: only pending offers can be retracted", ErrInvalidStatus)
	}

	if err := s.store.Delete(ctx, o.ID); err != nil {
		return err
	}

	ord, err := s.orders.Get(ctx, o.OrderID)
	if err != nil {
		return nil // offer already gone, counter fix is best-effort
	}
	if ord.ProposalCount > 0 {
		ord.ProposalCount--
		ord.UpdatedAt = s.now()
		_ = s.orders.Update(ctx, ord)
	}
	return nil
}
