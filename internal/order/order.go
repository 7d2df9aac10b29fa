// Package order owns the order lifecycle.
//
// Flow:
//  1. Client posts an order (open)
//  2. An accepted offer assigns a master (accepted)
//  3. Escrowed payment starts the work (in_progress)
//  4. Released payment finishes it (completed), or a dispute
//     detours through disputed to completed or cancelled
//
// Every status write goes through CanTransition; the sibling services
// mutate orders only under the shared per-order lock.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fixmarket/fixmarket/internal/identity"
	"github.com/fixmarket/fixmarket/internal/idgen"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrForbidden         = errors.New("not authorized for this order operation")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrInvalidStatus     = errors.New("invalid order status for this operation")
	ErrTooManyActive     = errors.New("too many active orders")
	ErrCancelInProgress  = errors.New("order is in progress, open a dispute instead of cancelling")
)

// Status is the order's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
)

// PaymentStatus mirrors the order's escrow state.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentEscrowed PaymentStatus = "escrowed"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFrozen   PaymentStatus = "frozen"
)

// DisputeStatus tracks whether the order has an open dispute. It is the
// only dispute marker for post-completion disputes, where the order's
// status stays completed.
type DisputeStatus string

const (
	DisputeNone     DisputeStatus = "none"
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// MaxActiveOrders is the default cap on open/accepted/in_progress
// orders per client.
const MaxActiveOrders = 10

// transitions is the lifecycle table. disputed → disputed covers the
// compromise resolution, which leaves the status in place.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusDisputed},
	StatusDisputed:   {StatusCompleted, StatusCancelled, StatusDisputed},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// CanTransition reports whether the lifecycle permits from → to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsActive reports whether the status counts against the client's
// active-order cap.
func IsActive(s Status) bool {
	switch s {
	case StatusOpen, StatusAccepted, StatusInProgress, StatusDisputed:
		return true
	}
	return false
}

// Order is a repair request.
type Order struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"clientId"`
	MasterID      string        `json:"masterId,omitempty"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	DeviceType    string        `json:"deviceType"`
	Device        string        `json:"device"`
	AgreedPrice   int64         `json:"agreedPrice"`
	ProposalCount int           `json:"proposalCount"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	DisputeStatus DisputeStatus `json:"disputeStatus"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// SetStatus validates and applies a status change in memory. The caller
// persists the order afterwards.
func (o *Order) SetStatus(to Status) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status   Status
	ClientID string
	MasterID string
	Limit    int
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	List(ctx context.Context, f ListFilter) ([]*Order, error)
	CountActiveByClient(ctx context.Context, clientID string) (int, error)
	// ListAutoReleasable returns in_progress orders with escrowed
	// payment whose completion marker is older than the cutoff.
	ListAutoReleasable(ctx context.Context, completedBefore time.Time, limit int) ([]*Order, error)
}

// Notifier records a user-facing event for a state transition.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, message string)
}

// CreateRequest contains the parameters for posting an order.
type CreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description" binding:"required"`
	DeviceType  string `json:"deviceType" binding:"required"`
	Device      string `json:"device"`
}

// EditRequest contains the fields a client may change while the order
// is still open. Empty fields are left unchanged.
type EditRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DeviceType  string `json:"deviceType"`
	Device      string `json:"device"`
}

// Service implements order lifecycle business logic.
type Service struct {
	store     Store
	locks     *Locks
	notifier  Notifier
	maxActive int
	now       func() time.Time
}

// NewService creates a new order service.
func NewService(store Store, locks *Locks, notifier Notifier, maxActive int) *Service {
	if maxActive <= 0 {
		maxActive = MaxActiveOrders
	}
	return &Service{
		store:     store,
		locks:     locks,
		notifier:  notifier,
		maxActive: maxActive,
		now:       time.Now,
	}
}

// Store exposes the backing store to the sibling services.
func (s *Service) Store() Store { return s.store }

// Locks exposes the shared per-order lock registry.
func (s *Service) Locks() *Locks { return s.locks }

// Create posts a new order for the client.
func (s *Service) Create(ctx context.Context, p identity.Principal, req CreateRequest) (*Order, error) {
	if !p.IsClient() {
		return nil, fmt.Errorf("%w: only clients post orders", ErrForbidden)
	}

	active, err := s.store.CountActiveByClient(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if active >= s.maxActive {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyActive, s.maxActive)
	}

	now := s.now()
	o := &Order{
		ID:            idgen.WithPrefix("ord_"),
		ClientID:      p.UserID,
		Title:         strings.TrimSpace(req.Title),
		Description:   strings.TrimSpace(req.Description),
		DeviceType:    req.DeviceType,
		Device:        req.Device,
		Status:        StatusOpen,
		PaymentStatus: PaymentPending,
		DisputeStatus: DisputeNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// List returns orders matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return s.store.List(ctx, f)
}

// Edit updates an open order's metadata.
func (s *Service) Edit(ctx context.Context, p identity.Principal, id string, req EditRequest) (*Order, error) {
	mu := s.locks.ForOrder(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Owns(o.ClientID) {
		return nil, ErrForbidden
	}
	if o.Status != StatusOpen {
		return nil, fmt.Errorf("%w: only open orders can be edited", ErrInvalidStatus)
	}

	if req.Title != "" {
		o.Title = strings.TrimSpace(req.Title)
	}
	if req.Description != "" {
		o.Description = strings.TrimSpace(req.Description)
	}
	if req.DeviceType != "" {
		o.DeviceType = req.DeviceType
	}
	if req.Device != "" {
		o.Device = req.Device
	}
	o.UpdatedAt = s.now()

	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Cancel cancels an order. Admins may cancel any non-terminal order
// whose money is not escrowed; clients only their own open or accepted
// orders. In-progress client cancellation is redirected to disputes.
func (s *Service) Cancel(ctx context.Context, p identity.Principal, id string) (*Order, error) {
	mu := s.locks.ForOrder(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.OwnsOrAdmin(o.ClientID) {
		return nil, ErrForbidden
	}
	if o.IsTerminal() {
		return nil, fmt.Errorf("%w: order already %s", ErrInvalidStatus, o.Status)
	}
	if !p.IsAdmin() {
		switch o.Status {
		case StatusOpen, StatusAccepted:
		case StatusInProgress:
			return nil, ErrCancelInProgress
		default:
			return nil, fmt.Errorf("%w: cannot cancel a %s order", ErrInvalidStatus, o.Status)
		}
	}
	// Escrowed or frozen money moves only through the refund and
	// dispute-resolution paths, which cancel the order themselves.
	if o.PaymentStatus == PaymentEscrowed || o.PaymentStatus == PaymentFrozen {
		return nil, fmt.Errorf("%w: order has funds in escrow, use refund or dispute resolution", ErrInvalidStatus)
	}

	if err := o.SetStatus(StatusCancelled); err != nil {
		return nil, err
	}
	o.UpdatedAt = s.now()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	if o.MasterID != "" {
		s.notifier.Notify(ctx, o.MasterID, "order_cancelled",
			fmt.Sprintf("Order %q was cancelled", o.Title))
	}
	return o, nil
}

// Complete marks the work finished. The assigned master calls this on
// an in_progress order; it sets the completion marker that starts the
// auto-release clock but leaves the status unchanged until the client
// releases the payment.
func (s *Service) Complete(ctx context.Context, p identity.Principal, id string) (*Order, error) {
	mu := s.locks.ForOrder(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.MasterID == "" || !p.Owns(o.MasterID) {
		return nil, ErrForbidden
	}
	if o.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: order is %s, not in_progress", ErrInvalidStatus, o.Status)
	}
	if o.CompletedAt != nil {
		return nil, fmt.Errorf("%w: work already marked complete", ErrInvalidStatus)
	}

	now := s.now()
	o.CompletedAt = &now
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, o.ClientID, "work_completed",
		fmt.Sprintf("Work on order %q is finished, confirm to release payment", o.Title))
	return o, nil
}
