// Package notify records user-facing notifications emitted by state
// transitions. Only the fact of the notification is stored; delivery
// (email, push, chat) is a separate system's concern.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fixmarket/fixmarket/internal/idgen"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Kinds of notifications emitted by the marketplace.
const (
	KindOfferReceived   = "offer_received"
	KindOfferAccepted   = "offer_accepted"
	KindPaymentEscrowed = "payment_escrowed"
	KindPaymentReleased = "payment_released"
	KindPaymentRefunded = "payment_refunded"
	KindWorkCompleted   = "work_completed"
	KindOrderCancelled  = "order_cancelled"
	KindDisputeOpened   = "dispute_opened"
	KindDisputeResolved = "dispute_resolved"
)

// Notification is a recorded user-facing event.
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Kind      string     `json:"kind"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id string, at time.Time) error
}

// Emitter records notifications. Emit never fails the calling business
// operation: a notification that cannot be stored is logged and dropped.
type Emitter struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates a notification emitter.
func NewEmitter(store Store, logger *slog.Logger) *Emitter {
	return &Emitter{store: store, logger: logger, now: time.Now}
}

// Notify records a notification for the user.
func (e *Emitter) Notify(ctx context.Context, userID, kind, message string) {
	if userID == "" {
		return
	}
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Kind:      kind,
		Message:   message,
		CreatedAt: e.now(),
	}
	if err := e.store.Create(ctx, n); err != nil {
		e.logger.Warn("failed to record notification",
			"user", userID, "kind", kind, "error", err)
	}
}

// ListForUser returns the user's most recent notifications.
func (e *Emitter) ListForUser(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.store.ListByUser(ctx, userID, limit)
}

// MarkRead marks one of the user's notifications as read.
func (e *Emitter) MarkRead(ctx context.Context, id, userID string) error {
	n, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.UserID != userID {
		return ErrNotificationNotFound
	}
	return e.store.MarkRead(ctx, id, e.now())
}
