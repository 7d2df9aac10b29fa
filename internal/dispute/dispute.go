// Package dispute resolves disagreements over in-flight orders.
//
// Opening a dispute freezes the escrow; an admin decision (or the
// auto-timeout sweep) settles it through the payment engine's release
// or refund primitives. Completed orders accept disputes for a limited
// window after the completion marker, in which case only the dispute
// record tracks the disagreement and no money moves automatically.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fixmarket/fixmarket/internal/identity"
	"github.com/fixmarket/fixmarket/internal/idgen"
	"github.com/fixmarket/fixmarket/internal/metrics"
	"github.com/fixmarket/fixmarket/internal/order"
	"github.com/fixmarket/fixmarket/internal/payment"
)

var (
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrForbidden        = errors.New("not authorized for this dispute operation")
	ErrInvalidStatus    = errors.New("invalid status for this dispute operation")
	ErrDuplicateDispute = errors.New("order already has an open dispute")
	ErrWindowClosed     = errors.New("dispute window has closed")
	ErrNotFrozen        = errors.New("dispute payment is not frozen")
	ErrInvalidDecision  = errors.New("invalid dispute decision")
)

// Status is the dispute's state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Decision is an admin's ruling on a dispute.
type Decision string

const (
	DecisionClientWins Decision = "client_wins"
	DecisionMasterWins Decision = "master_wins"
	DecisionCompromise Decision = "compromise"
)

// DefaultPostCompletionWindow is how long after the completion marker
// a completed order still accepts disputes.
const DefaultPostCompletionWindow = 7 * 24 * time.Hour

// Dispute is an unresolved disagreement over one order.
type Dispute struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"orderId"`
	ClientID    string     `json:"clientId"`
	MasterID    string     `json:"masterId"`
	Reason      string     `json:"reason"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Decision    Decision   `json:"decision,omitempty"`
	Resolution  string     `json:"resolution,omitempty"`
	ResolvedBy  string     `json:"resolvedBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error)
	List(ctx context.Context, status Status, limit int) ([]*Dispute, error)
	// ListOpenBefore returns open disputes created before the cutoff.
	ListOpenBefore(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
}

// Notifier records a user-facing event for a state transition.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, message string)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	OrderID     string `json:"orderId" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description"`
}

// ResolveRequest contains an admin's ruling.
type ResolveRequest struct {
	Decision   string `json:"decision" binding:"required"`
	Resolution string `json:"resolution" binding:"required"`
}

// Service implements dispute business logic.
type Service struct {
	store      Store
	orders     order.Store
	payments   *payment.Service
	locks      *order.Locks
	notifier   Notifier
	postWindow time.Duration
	now        func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store, orders order.Store, payments *payment.Service, locks *order.Locks, notifier Notifier, postWindow time.Duration) *Service {
	if postWindow <= 0 {
		postWindow = DefaultPostCompletionWindow
	}
	return &Service{
		store:      store,
		orders:     orders,
		payments:   payments,
		locks:      locks,
		notifier:   notifier,
		postWindow: postWindow,
		now:        time.Now,
	}
}

// Open opens a dispute on an order by one of its participants. The
// ordinary case freezes the escrow and moves the order to disputed; a
// completed order within the post-completion window keeps its status
// and only the dispute record tracks the disagreement.
func (s *Service) Open(ctx context.Context, p identity.Principal, req OpenRequest) (*Dispute, error) {
	mu := s.locks.ForOrder(req.OrderID)
	mu.Lock()
	defer mu.Unlock()

	ord, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !p.Participant(ord.ClientID, ord.MasterID) {
		return nil, ErrForbidden
	}
	if _, err := s.store.GetOpenByOrder(ctx, ord.ID); err == nil {
		return nil, ErrDuplicateDispute
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	now := s.now()
	switch ord.Status {
	case order.StatusInProgress:
		pay, err := s.payments.GetByOrder(ctx, ord.ID)
		if err != nil {
			return nil, fmt.Errorf("in_progress order without payment: %w", err)
		}
		if err := s.payments.FreezeEscrow(ctx, ord, pay); err != nil {
			return nil, err
		}
		if err := ord.SetStatus(order.StatusDisputed); err != nil {
			return nil, err
		}
	case order.StatusCompleted:
		if ord.CompletedAt == nil || now.Sub(*ord.CompletedAt) > s.postWindow {
			return nil, fmt.Errorf("%w: order completed more than %s ago", ErrWindowClosed, s.postWindow)
		}
		// Status stays completed; released money is not touched.
	default:
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidStatus, ord.Status)
	}

	ord.DisputeStatus = order.DisputeOpen
	ord.UpdatedAt = now
	if err := s.orders.Update(ctx, ord); err != nil {
		return nil, err
	}

	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		OrderID:     ord.ID,
		ClientID:    ord.ClientID,
		MasterID:    ord.MasterID,
		Reason:      req.Reason,
		Description: req.Description,
		Status:      StatusOpen,
		CreatedAt:   now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute record: %w", err)
	}

	metrics.DisputesOpenedTotal.Inc()
	counterparty := ord.MasterID
	if p.UserID == ord.MasterID {
		counterparty = ord.ClientID
	}
	s.notifier.Notify(ctx, counterparty, "dispute_opened",
		fmt.Sprintf("A dispute was opened on order %q: %s", ord.Title, req.Reason))
	return d, nil
}

// Get returns a dispute visible to its participants or an admin.
func (s *Service) Get(ctx context.Context, p identity.Principal, id string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Participant(d.ClientID, d.MasterID) && !p.IsAdmin() {
		return nil, ErrForbidden
	}
	return d, nil
}

// List returns disputes by status, admin only.
func (s *Service) List(ctx context.Context, p identity.Principal, status Status, limit int) ([]*Dispute, error) {
	if !p.IsAdmin() {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.List(ctx, status, limit)
}

// ListOpenBefore returns open disputes created before the cutoff. Used
// by the timeout sweep.
func (s *Service) ListOpenBefore(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	return s.store.ListOpenBefore(ctx, before, limit)
}

// Resolve applies an admin's ruling.
func (s *Service) Resolve(ctx context.Context, p identity.Principal, disputeID string, req ResolveRequest) (*Dispute, error) {
	if !p.IsAdmin() {
		return nil, ErrForbidden
	}

	decision := Decision(req.Decision)
	switch decision {
	case DecisionClientWins, DecisionMasterWins, DecisionCompromise:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, req.Decision)
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	mu := s.locks.ForOrder(d.OrderID)
	mu.Lock()
	defer mu.Unlock()

	return s.resolveLocked(ctx, d.ID, decision, req.Resolution, p.UserID)
}

// AutoResolve settles a timed-out dispute with the client_wins refund
// path. Disputes whose payment is not frozen are skipped with
// ErrNotFrozen. Used by the reconciliation sweep.
func (s *Service) AutoResolve(ctx context.Context, disputeID string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	mu := s.locks.ForOrder(d.OrderID)
	mu.Lock()
	defer mu.Unlock()

	pay, err := s.payments.GetByOrder(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if pay.Status != payment.StatusFrozen {
		return nil, ErrNotFrozen
	}

	return s.resolveLocked(ctx, d.ID, DecisionClientWins,
		"automatically resolved in the client's favor after response timeout", "system")
}

// resolveLocked applies a decision. The caller holds the order's lock.
func (s *Service) resolveLocked(ctx context.Context, disputeID string, decision Decision, resolution, resolvedBy string) (*Dispute, error) {
	// Re-read under the lock; a concurrent resolution may have won.
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
	}

	ord, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	pay, err := s.payments.GetByOrder(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch {
	case pay.Status == payment.StatusEscrowed || pay.Status == payment.StatusFrozen:
		ord.DisputeStatus = order.DisputeResolved
		switch decision {
		case DecisionClientWins:
			if _, err := s.payments.RefundEscrow(ctx, ord, pay); err != nil {
				return nil, err
			}
		case DecisionMasterWins:
			if _, err := s.payments.ReleaseEscrow(ctx, ord, pay); err != nil {
				return nil, err
			}
		case DecisionCompromise:
			// Parked for manual settlement: the payment stays frozen
			// and the order's status is left as it is.
			ord.UpdatedAt = now
			if err := s.orders.Update(ctx, ord); err != nil {
				return nil, err
			}
		}
	case pay.Status == payment.StatusReleased:
		// Post-completion dispute: the money already moved, the ruling
		// is recorded on the dispute only.
		ord.DisputeStatus = order.DisputeResolved
		ord.UpdatedAt = now
		if err := s.orders.Update(ctx, ord); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidStatus, pay.Status)
	}

	d.Status = StatusResolved
	d.Decision = decision
	d.Resolution = resolution
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("dispute settled but record update failed: %w", err)
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(decision)).Inc()
	msg := fmt.Sprintf("Dispute on order %q resolved: %s", ord.Title, resolution)
	s.notifier.Notify(ctx, d.ClientID, "dispute_resolved", msg)
	s.notifier.Notify(ctx, d.MasterID, "dispute_resolved", msg)
	return d, nil
}
