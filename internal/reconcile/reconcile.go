// Package reconcile runs the background settlement sweeps.
//
// Two sweeps share one loop:
//
//  1. Auto-release: escrowed payments on in_progress orders whose work
//     was marked complete more than the release window ago are released
//     to the master, exactly as if the client had confirmed.
//  2. Dispute timeout: open disputes older than the response window are
//     resolved in the client's favor.
//
// Both sweeps reuse the same settlement primitives as the HTTP paths,
// so the commission arithmetic and terminal states are identical no
// matter who triggers them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fixmarket/fixmarket/internal/dispute"
	"github.com/fixmarket/fixmarket/internal/metrics"
	"github.com/fixmarket/fixmarket/internal/order"
	"github.com/fixmarket/fixmarket/internal/payment"
)

const (
	// DefaultReleaseWindow is how long after work completion an
	// escrowed payment waits before auto-releasing to the master.
	DefaultReleaseWindow = 7 * 24 * time.Hour

	// DefaultDisputeTimeout is how long a dispute may stay open before
	// it is auto-resolved in the client's favor.
	DefaultDisputeTimeout = 24 * time.Hour

	sweepBatchSize = 100
)

// Sweeper periodically settles overdue escrows and stale disputes.
type Sweeper struct {
	orders         order.Store
	payments       *payment.Service
	disputes       *dispute.Service
	locks          *order.Locks
	interval       time.Duration
	releaseWindow  time.Duration
	disputeTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
	stop           chan struct{}
	running        atomic.Bool
}

// NewSweeper creates a sweeper with the given pass interval and grace
// windows. Nonpositive windows fall back to the defaults.
func NewSweeper(orders order.Store, payments *payment.Service, disputes *dispute.Service, locks *order.Locks, interval, releaseWindow, disputeTimeout time.Duration, logger *slog.Logger) *Sweeper {
	if releaseWindow <= 0 {
		releaseWindow = DefaultReleaseWindow
	}
	if disputeTimeout <= 0 {
		disputeTimeout = DefaultDisputeTimeout
	}
	return &Sweeper{
		orders:         orders,
		payments:       payments,
		disputes:       disputes,
		locks:          locks,
		interval:       interval,
		releaseWindow:  releaseWindow,
		disputeTimeout: disputeTimeout,
		logger:         logger,
		now:            time.Now,
		stop:           make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in settlement sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass of both sweeps. Exported so tests and admin
// tooling can trigger a pass without the ticker.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	s.releaseOverdue(ctx, now)
	s.timeoutDisputes(ctx, now)
}

func (s *Sweeper) releaseOverdue(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.releaseWindow)
	overdue, err := s.orders.ListAutoReleasable(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to list auto-releasable orders", "error", err)
		return
	}

	for _, ord := range overdue {
		if err := s.releaseOne(ctx, ord.ID); err != nil {
			s.logger.Warn("failed to auto-release escrow",
				"orderId", ord.ID, "error", err)
			metrics.SweepProcessedTotal.WithLabelValues("auto_release", "error").Inc()
			continue
		}
		s.logger.Info("auto-released escrow",
			"orderId", ord.ID, "clientId", ord.ClientID, "masterId", ord.MasterID)
		metrics.SweepProcessedTotal.WithLabelValues("auto_release", "released").Inc()
	}
}

// releaseOne settles a single order under its lock, re-reading state
// first so a client confirmation or dispute racing the sweep wins.
func (s *Sweeper) releaseOne(ctx context.Context, orderID string) error {
	mu := s.locks.ForOrder(orderID)
	mu.Lock()
	defer mu.Unlock()

	ord, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if ord.Status != order.StatusInProgress || ord.PaymentStatus != order.PaymentEscrowed {
		metrics.SweepProcessedTotal.WithLabelValues("auto_release", "skipped").Inc()
		return nil
	}

	pay, err := s.payments.GetByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if pay.Status != payment.StatusEscrowed {
		metrics.SweepProcessedTotal.WithLabelValues("auto_release", "skipped").Inc()
		return nil
	}

	_, err = s.payments.ReleaseEscrow(ctx, ord, pay)
	return err
}

func (s *Sweeper) timeoutDisputes(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.disputeTimeout)
	stale, err := s.disputes.ListOpenBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to list stale disputes", "error", err)
		return
	}

	for _, d := range stale {
		_, err := s.disputes.AutoResolve(ctx, d.ID)
		switch {
		case err == nil:
			s.logger.Info("auto-resolved stale dispute",
				"disputeId", d.ID, "orderId", d.OrderID)
			metrics.SweepProcessedTotal.WithLabelValues("dispute_timeout", "resolved").Inc()
		case isSkippable(err):
			// Post-completion disputes have no frozen escrow and stay
			// open for a human ruling. Already-resolved ones raced us.
			metrics.SweepProcessedTotal.WithLabelValues("dispute_timeout", "skipped").Inc()
		default:
			s.logger.Warn("failed to auto-resolve dispute",
				"disputeId", d.ID, "error", err)
			metrics.SweepProcessedTotal.WithLabelValues("dispute_timeout", "error").Inc()
		}
	}
}

func isSkippable(err error) bool {
	return errors.Is(err, dispute.ErrNotFrozen) || errors.Is(err, dispute.ErrInvalidStatus)
}
