// Package payment implements the escrow settlement engine.
//
// Flow:
//  1. Client pays an accepted order → funds escrowed, work starts
//  2. Client confirms the finished work → master credited minus the
//     platform commission, order completed
//  3. A dispute freezes the escrow until resolution
//  4. Unconfirmed completed work is auto-released by the sweep
//
// The release and refund primitives are shared verbatim by the HTTP
// endpoints, the dispute resolver and the reconciliation sweeps, so
// every settlement path applies identical arithmetic.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fixmarket/fixmarket/internal/identity"
	"github.com/fixmarket/fixmarket/internal/idgen"
	"github.com/fixmarket/fixmarket/internal/metrics"
	"github.com/fixmarket/fixmarket/internal/money"
	"github.com/fixmarket/fixmarket/internal/order"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrForbidden       = errors.New("not authorized for this payment operation")
	ErrInvalidStatus   = errors.New("invalid payment status for this operation")
	ErrPaymentExists   = errors.New("order already has an active payment")
)

// Status is the payment's escrow state.
type Status string

const (
	StatusEscrowed Status = "escrowed"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusFrozen   Status = "frozen"
)

// DefaultCommissionBps is the platform's share of a released payment,
// in basis points.
const DefaultCommissionBps = 500

// Payment is the escrow ledger entry for one order. Amount is fixed at
// creation and never mutated.
type Payment struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	Amount        int64      `json:"amount"`
	CommissionBps int64      `json:"commissionBps"`
	Status        Status     `json:"status"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	RefundedAt    *time.Time `json:"refundedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the payment is in a final state.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusReleased || p.Status == StatusRefunded
}

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	// GetByOrder returns the order's most recent payment.
	GetByOrder(ctx context.Context, orderID string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
}

// Ledger abstracts the master wallet so payment doesn't import user.
type Ledger interface {
	// CreditEarnings adds the master's share of a released payment to
	// their balance and bumps the completed-order counter.
	CreditEarnings(ctx context.Context, masterID string, amount int64, reference string) error
}

// Notifier records a user-facing event for a state transition.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, message string)
}

// CreateRequest contains the parameters for escrowing a payment.
type CreateRequest struct {
	OrderID string `json:"orderId" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// Service implements escrow business logic.
type Service struct {
	store         Store
	orders        order.Store
	locks         *order.Locks
	ledger        Ledger
	notifier      Notifier
	logger        *slog.Logger
	commissionBps int64
	now           func() time.Time
}

// NewService creates a new payment service.
func NewService(store Store, orders order.Store, locks *order.Locks, ledger Ledger, notifier Notifier, logger *slog.Logger, commissionBps int64) *Service {
	if commissionBps <= 0 {
		commissionBps = DefaultCommissionBps
	}
	return &Service{
		store:         store,
		orders:        orders,
		locks:         locks,
		ledger:        ledger,
		notifier:      notifier,
		logger:        logger,
		commissionBps: commissionBps,
		now:           time.Now,
	}
}

// Create escrows the client's payment for an accepted order and moves
// the order to in_progress.
func (s *Service) Create(ctx context.Context, p identity.Principal, req CreateRequest) (*Payment, error) {
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return nil, err
	}

	mu := s.locks.ForOrder(req.OrderID)
	mu.Lock()
	defer mu.Unlock()

	ord, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !p.Owns(ord.ClientID) {
		return nil, ErrForbidden
	}
	if ord.Status != order.StatusAccepted {
		return nil, fmt.Errorf("%w: order is %s, not accepted", ErrInvalidStatus, ord.Status)
	}
	if ord.PaymentStatus != order.PaymentPending {
		return nil, fmt.Errorf("%w: order payment is %s", ErrPaymentExists, ord.PaymentStatus)
	}
	if existing, err := s.store.GetByOrder(ctx, req.OrderID); err == nil && !existing.IsTerminal() {
		return nil, ErrPaymentExists
	} else if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}

	now := s.now()
	pay := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		OrderID:       ord.ID,
		Amount:        amount,
		CommissionBps: s.commissionBps,
		Status:        StatusEscrowed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, pay); err != nil {
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	if err := ord.SetStatus(order.StatusInProgress); err != nil {
		return nil, err
	}
	ord.PaymentStatus = order.PaymentEscrowed
	ord.UpdatedAt = now
	if err := s.orders.Update(ctx, ord); err != nil {
		// Best-effort refund if the order update fails; the money must
		// not stay escrowed against an order that never started.
		pay.Status = StatusRefunded
		refundedAt := s.now()
		pay.RefundedAt = &refundedAt
		pay.UpdatedAt = refundedAt
		_ = s.store.Update(ctx, pay)
		return nil, fmt.Errorf("failed to start order after escrow: %w", err)
	}

	metrics.PaymentsTotal.WithLabelValues(string(StatusEscrowed)).Inc()
	s.notifier.Notify(ctx, ord.MasterID, "payment_escrowed",
		fmt.Sprintf("Payment of %s escrowed for order %q, you can start work", money.Format(amount), ord.Title))
	return pay, nil
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns an order's payment.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Payment, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// Release confirms the finished work: the client releases the escrow
// to the master.
func (s *Service) Release(ctx context.Context, p identity.Principal, orderID string) (*Payment, error) {
	mu := s.locks.ForOrder(orderID)
	mu.Lock()
	defer mu.Unlock()

	ord, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !p.Owns(ord.ClientID) {
		return nil, ErrForbidden
	}
	if ord.Status != order.StatusInProgress {
		return nil, fmt.Errorf("%w: order is %s, not in_progress", ErrInvalidStatus, ord.Status)
	}

	pay, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if pay.Status != StatusEscrowed {
		return nil, fmt.Errorf("%w: payment is %s, not escrowed", ErrInvalidStatus, pay.Status)
	}

	return s.ReleaseEscrow(ctx, ord, pay)
}

// Refund returns the escrow to the client without crediting the
// master. Admin-only through HTTP; the dispute resolver uses
// RefundEscrow directly.
func (s *Service) Refund(ctx context.Context, p identity.Principal, orderID string) (*Payment, error) {
	if !p.IsAdmin() {
		return nil, ErrForbidden
	}

	mu := s.locks.ForOrder(orderID)
	mu.Lock()
	defer mu.Unlock()

	ord, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	pay, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// Frozen money is settled only by dispute resolution.
	if pay.Status != StatusEscrowed {
		return nil, fmt.Errorf("%w: payment is %s, not escrowed", ErrInvalidStatus, pay.Status)
	}

	return s.RefundEscrow(ctx, ord, pay)
}

// ReleaseEscrow applies the release settlement: master credited with
// the amount minus commission, payment released, order completed.
// The caller must hold the order's lock and have validated
// authorization; the payment must be escrowed or frozen.
func (s *Service) ReleaseEscrow(ctx context.Context, ord *order.Order, pay *Payment) (*Payment, error) {
	if pay.Status != StatusEscrowed && pay.Status != StatusFrozen {
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidStatus, pay.Status)
	}
	if ord.MasterID == "" {
		return nil, fmt.Errorf("order %s has no assigned master", ord.ID)
	}

	earnings, share := money.Split(pay.Amount, pay.CommissionBps)
	if earnings+share != pay.Amount {
		return nil, fmt.Errorf("settlement arithmetic broke: %d + %d != %d", earnings, share, pay.Amount)
	}

	if err := s.ledger.CreditEarnings(ctx, ord.MasterID, earnings, pay.ID); err != nil {
		return nil, fmt.Errorf("failed to credit master earnings: %w", err)
	}

	now := s.now()
	pay.Status = StatusReleased
	pay.ReleasedAt = &now
	pay.UpdatedAt = now
	if err := s.store.Update(ctx, pay); err != nil {
		// Funds already moved, the record must follow. Retry once,
		// then surface for manual resolution.
		if retryErr := s.store.Update(ctx, pay); retryErr != nil {
			s.logger.Error("payment released but record update failed, requires manual resolution",
				"payment", pay.ID, "order", ord.ID, "master", ord.MasterID, "error", retryErr)
			return nil, fmt.Errorf("failed to persist payment after release: %w", err)
		}
	}

	if err := ord.SetStatus(order.StatusCompleted); err != nil {
		return nil, err
	}
	ord.PaymentStatus = order.PaymentReleased
	if ord.CompletedAt == nil {
		ord.CompletedAt = &now
	}
	ord.UpdatedAt = now
	if err := s.orders.Update(ctx, ord); err != nil {
		s.logger.Error("payment released but order update failed, requires manual resolution",
			"payment", pay.ID, "order", ord.ID, "error", err)
		return nil, fmt.Errorf("failed to complete order after release: %w", err)
	}

	metrics.PaymentsTotal.WithLabelValues(string(StatusReleased)).Inc()
	metrics.EscrowHoldDuration.Observe(now.Sub(pay.CreatedAt).Seconds())
	s.notifier.Notify(ctx, ord.MasterID, "payment_released",
		fmt.Sprintf("Payment of %s released for order %q", money.Format(earnings), ord.Title))
	return pay, nil
}

// RefundEscrow applies the refund settlement: payment refunded, order
// cancelled, no balance change. The caller must hold the order's lock;
// the payment must be escrowed or frozen.
func (s *Service) RefundEscrow(ctx context.Context, ord *order.Order, pay *Payment) (*Payment, error) {
	if pay.Status != StatusEscrowed && pay.Status != StatusFrozen {
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidStatus, pay.Status)
	}

	now := s.now()
	pay.Status = StatusRefunded
	pay.RefundedAt = &now
	pay.UpdatedAt = now
	if err := s.store.Update(ctx, pay); err != nil {
		return nil, fmt.Errorf("failed to persist payment refund: %w", err)
	}

	if err := ord.SetStatus(order.StatusCancelled); err != nil {
		return nil, err
	}
	ord.PaymentStatus = order.PaymentRefunded
	ord.UpdatedAt = now
	if err := s.orders.Update(ctx, ord); err != nil {
		s.logger.Error("payment refunded but order update failed, requires manual resolution",
			"payment", pay.ID, "order", ord.ID, "error", err)
		return nil, fmt.Errorf("failed to cancel order after refund: %w", err)
	}

	metrics.PaymentsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	metrics.EscrowHoldDuration.Observe(now.Sub(pay.CreatedAt).Seconds())
	s.notifier.Notify(ctx, ord.ClientID, "payment_refunded",
		fmt.Sprintf("Payment of %s refunded for order %q", money.Format(pay.Amount), ord.Title))
	return pay, nil
}

// FreezeEscrow moves an escrowed payment to frozen when a dispute
// opens. The caller must hold the order's lock and persists the order
// afterwards; only the in-memory order payment status is touched here.
// A payment in any other state is left untouched.
func (s *Service) FreezeEscrow(ctx context.Context, ord *order.Order, pay *Payment) error {
	if pay.Status != StatusEscrowed {
		return nil
	}

	now := s.now()
	pay.Status = StatusFrozen
	pay.UpdatedAt = now
	if err := s.store.Update(ctx, pay); err != nil {
		return fmt.Errorf("failed to freeze payment: %w", err)
	}

	ord.PaymentStatus = order.PaymentFrozen
	metrics.PaymentsTotal.WithLabelValues(string(StatusFrozen)).Inc()
	return nil
}
