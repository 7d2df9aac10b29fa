package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fixmarket/fixmarket/internal/dispute"
	"github.com/fixmarket/fixmarket/internal/identity"
	"github.com/fixmarket/fixmarket/internal/order"
	"github.com/fixmarket/fixmarket/internal/payment"
)

type mockLedger struct {
	mu      sync.Mutex
	credits map[string]int64
}

func newMockLedger() *mockLedger {
	return &mockLedger{credits: make(map[string]int64)}
}

func (m *mockLedger) CreditEarnings(ctx context.Context, masterID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[reference] = amount
	return nil
}

func (m *mockLedger) total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, v := range m.credits {
		sum += v
	}
	return sum
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, userID, kind, message string) {}

var (
	clientP = identity.Principal{UserID: "usr_client", Role: identity.RoleClient}
)

type fixture struct {
	sweeper  *Sweeper
	orders   *order.MemoryStore
	payStore *payment.MemoryStore
	payments *payment.Service
	disputes *dispute.Service
	dspStore *dispute.MemoryStore
	ledger   *mockLedger
	locks    *order.Locks
}

func newFixture() *fixture {
	orders := order.NewMemoryStore()
	payStore := payment.NewMemoryStore()
	dspStore := dispute.NewMemoryStore()
	ledger := newMockLedger()
	locks := order.NewLocks()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	payments := payment.NewService(payStore, orders, locks, ledger, noopNotifier{}, logger, 500)
	disputes := dispute.NewService(dspStore, orders, payments, locks, noopNotifier{}, 7*24*time.Hour)
	sweeper := NewSweeper(orders, payments, disputes, locks, time.Minute, 0, 0, logger)
	return &fixture{
		sweeper:  sweeper,
		orders:   orders,
		payStore: payStore,
		payments: payments,
		disputes: disputes,
		dspStore: dspStore,
		ledger:   ledger,
		locks:    locks,
	}
}

// seedEscrowed creates an in_progress order with an escrowed payment
// whose work was marked complete at the given time.
func (f *fixture) seedEscrowed(t *testing.T, id string, completedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	o := &order.Order{
		ID:            id,
		ClientID:      clientP.UserID,
		MasterID:      "usr_master",
		Title:         "Rehang front door",
		AgreedPrice:   350000,
		Status:        order.StatusAccepted,
		PaymentStatus: order.PaymentPending,
	}
	if err := f.orders.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	if _, err := f.payments.Create(ctx, clientP, payment.CreateRequest{
		OrderID: id, Amount: "3500.00",
	}); err != nil {
		t.Fatal(err)
	}
	o, _ = f.orders.Get(ctx, id)
	o.CompletedAt = &completedAt
	if err := f.orders.Update(ctx, o); err != nil {
		t.Fatal(err)
	}
}

func TestSweep_AutoReleasesOverdue(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedEscrowed(t, "ord_old", time.Now().Add(-8*24*time.Hour))
	f.seedEscrowed(t, "ord_recent", time.Now().Add(-2*24*time.Hour))

	f.sweeper.Sweep(ctx)

	old, _ := f.orders.Get(ctx, "ord_old")
	if old.Status != order.StatusCompleted {
		t.Errorf("expected completed order, got %s", old.Status)
	}
	if old.PaymentStatus != order.PaymentReleased {
		t.Errorf("expected released payment status, got %s", old.PaymentStatus)
	}
	if got := f.ledger.total(); got != 332500 {
		t.Errorf("expected credit 332500, got %d", got)
	}

	recent, _ := f.orders.Get(ctx, "ord_recent")
	if recent.Status != order.StatusInProgress || recent.PaymentStatus != order.PaymentEscrowed {
		t.Errorf("recent order must stay escrowed: %s/%s", recent.Status, recent.PaymentStatus)
	}
}

func TestSweep_ConfiguredWindows(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A 48h release window picks up the 2-day-old order the default
	// 7-day window would leave alone.
	short := NewSweeper(f.orders, f.payments, f.disputes, f.locks, time.Minute, 48*time.Hour, time.Hour, logger)
	f.seedEscrowed(t, "ord_2d", time.Now().Add(-50*time.Hour))
	f.seedEscrowed(t, "ord_1d", time.Now().Add(-24*time.Hour))

	short.Sweep(ctx)

	released, _ := f.orders.Get(ctx, "ord_2d")
	if released.PaymentStatus != order.PaymentReleased {
		t.Errorf("50h-old order must release under a 48h window, got %s", released.PaymentStatus)
	}
	fresh, _ := f.orders.Get(ctx, "ord_1d")
	if fresh.PaymentStatus != order.PaymentEscrowed {
		t.Errorf("24h-old order must stay escrowed, got %s", fresh.PaymentStatus)
	}
}

func TestNewSweeper_DefaultsWindows(t *testing.T) {
	f := newFixture()
	if f.sweeper.releaseWindow != DefaultReleaseWindow {
		t.Errorf("expected default release window, got %s", f.sweeper.releaseWindow)
	}
	if f.sweeper.disputeTimeout != DefaultDisputeTimeout {
		t.Errorf("expected default dispute timeout, got %s", f.sweeper.disputeTimeout)
	}
}

func TestSweep_SkipsFrozenPayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedEscrowed(t, "ord_1", time.Now().Add(-8*24*time.Hour))

	// Freeze the payment without moving the order, simulating a dispute
	// landing between the list query and the lock.
	pay, _ := f.payments.GetByOrder(ctx, "ord_1")
	pay.Status = payment.StatusFrozen
	if err := f.payStore.Update(ctx, pay); err != nil {
		t.Fatal(err)
	}

	f.sweeper.Sweep(ctx)

	ord, _ := f.orders.Get(ctx, "ord_1")
	if ord.Status != order.StatusInProgress {
		t.Errorf("frozen payment must not release: %s", ord.Status)
	}
	if got := f.ledger.total(); got != 0 {
		t.Errorf("no credit expected, got %d", got)
	}
}

func TestSweep_TimesOutStaleDispute(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedEscrowed(t, "ord_1", time.Now().Add(-time.Hour))

	d, err := f.disputes.Open(ctx, clientP, dispute.OpenRequest{
		OrderID: "ord_1", Reason: "no response from master",
	})
	if err != nil {
		t.Fatal(err)
	}
	d.CreatedAt = time.Now().Add(-25 * time.Hour)
	if err := f.dspStore.Update(ctx, d); err != nil {
		t.Fatal(err)
	}

	f.sweeper.Sweep(ctx)

	resolved, _ := f.dspStore.Get(ctx, d.ID)
	if resolved.Status != dispute.StatusResolved {
		t.Fatalf("expected resolved dispute, got %s", resolved.Status)
	}
	if resolved.Decision != dispute.DecisionClientWins {
		t.Errorf("expected client_wins, got %s", resolved.Decision)
	}
	if resolved.ResolvedBy != "system" {
		t.Errorf("expected system resolver, got %s", resolved.ResolvedBy)
	}

	ord, _ := f.orders.Get(ctx, "ord_1")
	if ord.Status != order.StatusCancelled || ord.PaymentStatus != order.PaymentRefunded {
		t.Errorf("expected refund settlement, got %s/%s", ord.Status, ord.PaymentStatus)
	}
	if got := f.ledger.total(); got != 0 {
		t.Errorf("timeout must not credit the master, got %d", got)
	}
}

func TestSweep_LeavesRecentDisputeOpen(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedEscrowed(t, "ord_1", time.Now().Add(-time.Hour))

	d, err := f.disputes.Open(ctx, clientP, dispute.OpenRequest{
		OrderID: "ord_1", Reason: "no response from master",
	})
	if err != nil {
		t.Fatal(err)
	}

	f.sweeper.Sweep(ctx)

	still, _ := f.dspStore.Get(ctx, d.ID)
	if still.Status != dispute.StatusOpen {
		t.Errorf("recent dispute must stay open, got %s", still.Status)
	}
}

func TestSweep_SkipsPostCompletionDispute(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	recent := time.Now().Add(-2 * 24 * time.Hour)
	o := &order.Order{
		ID:            "ord_done",
		ClientID:      clientP.UserID,
		MasterID:      "usr_master",
		Status:        order.StatusCompleted,
		PaymentStatus: order.PaymentReleased,
		CompletedAt:   &recent,
	}
	if err := f.orders.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := f.payStore.Create(ctx, &payment.Payment{
		ID: "pay_done", OrderID: "ord_done", Amount: 100000,
		Status: payment.StatusReleased, CreatedAt: recent, UpdatedAt: recent,
	}); err != nil {
		t.Fatal(err)
	}

	d, err := f.disputes.Open(ctx, clientP, dispute.OpenRequest{
		OrderID: "ord_done", Reason: "broke again",
	})
	if err != nil {
		t.Fatal(err)
	}
	d.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := f.dspStore.Update(ctx, d); err != nil {
		t.Fatal(err)
	}

	f.sweeper.Sweep(ctx)

	// No frozen escrow to settle, so the ruling waits for an admin.
	still, _ := f.dspStore.Get(ctx, d.ID)
	if still.Status != dispute.StatusOpen {
		t.Errorf("post-completion dispute must stay open, got %s", still.Status)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture()
	f.sweeper.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.sweeper.Start(ctx)

	deadline := time.After(time.Second)
	for !f.sweeper.Running() {
		select {
		case <-deadline:
			t.Fatal("sweeper never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	f.sweeper.Stop()
	deadline = time.After(time.Second)
	for f.sweeper.Running() {
		select {
		case <-deadline:
			t.Fatal("sweeper never stopped")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
