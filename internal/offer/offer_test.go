package offer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fixmarket/fixmarket/internal/identity"
	"github.com/fixmarket/fixmarket/internal/order"
)

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, userID, kind, message string) {}

var (
	clientP = identity.Principal{UserID: "usr_client", Role: identity.RoleClient}
	masterP = identity.Principal{UserID: "usr_master", Role: identity.RoleMaster}
	master2 = identity.Principal{UserID: "usr_master2", Role: identity.RoleMaster}
	adminP  = identity.Principal{UserID: "usr_admin", Role: identity.RoleAdmin}
)

// mockRoster marks listed users as blocked; everyone else is in standing.
type mockRoster struct {
	blocked map[string]bool
}

func (m *mockRoster) IsBlocked(ctx context.Context, userID string) (bool, error) {
	return m.blocked[userID], nil
}

type fixture struct {
	svc    *Service
	orders *order.MemoryStore
	store  *MemoryStore
	roster *mockRoster
}

func newFixture() *fixture {
	orders := order.NewMemoryStore()
	store := NewMemoryStore()
	locks := order.NewLocks()
	roster := &mockRoster{blocked: make(map[string]bool)}
	return &fixture{
		svc:    NewService(store, orders, locks, noopNotifier{}, roster, 5),
		orders: orders,
		store:  store,
		roster: roster,
	}
}

func (f *fixture) openOrder(t *testing.T, id string) *order.Order {
	t.Helper()
	o := &order.Order{
		ID:            id,
		ClientID:      clientP.UserID,
		Title:         "Fix laptop fan",
		Status:        order.StatusOpen,
		PaymentStatus: order.PaymentPending,
		DisputeStatus: order.DisputeNone,
	}
	if err := f.orders.Create(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestCreate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.openOrder(t, "ord_1")

	o, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID:       "ord_1",
		Price:         "3500.00",
		EstimatedDays: 3,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if o.Price != 350000 {
		t.Errorf("expected price 350000, got %d", o.Price)
	}
	if o.Status != StatusPending {
		t.Errorf("expected pending, got %s", o.Status)
	}

	ord, _ := f.orders.Get(ctx, "ord_1")
	if ord.ProposalCount != 1 {
		t.Errorf("expected proposal count 1, got %d", ord.ProposalCount)
	}
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.openOrder(t, "ord_1")

	// clients cannot offer
	if _, err := f.svc.Create(ctx, clientP, CreateRequest{
		OrderID: "ord_1", Price: "10.00", EstimatedDays: 1,
	}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	// missing order
	if _, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_missing", Price: "10.00", EstimatedDays: 1,
	}); !errors.Is(err, order.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}

	// non-open order
	ord, _ := f.orders.Get(ctx, "ord_1")
	ord.Status = order.StatusAccepted
	if err := f.orders.Update(ctx, ord); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "10.00", EstimatedDays: 1,
	}); !errors.Is(err, ErrOrderNotOpen) {
		t.Errorf("expected ErrOrderNotOpen, got %v", err)
	}
}

func TestCreate_BlockedMaster(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.openOrder(t, "ord_1")
	f.roster.blocked[masterP.UserID] = true

	if _, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "10.00", EstimatedDays: 1,
	}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	// A master in good standing is unaffected.
	if _, err := f.svc.Create(ctx, master2, CreateRequest{
		OrderID: "ord_1", Price: "10.00", EstimatedDays: 1,
	}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCreate_PendingCap(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("ord_%d", i)
		f.openOrder(t, id)
		if _, err := f.svc.Create(ctx, masterP, CreateRequest{
			OrderID: id, Price: "10.00", EstimatedDays: 1,
		}); err != nil {
			t.Fatalf("offer %d failed: %v", i, err)
		}
	}

	f.openOrder(t, "ord_last")
	if _, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_last", Price: "10.00", EstimatedDays: 1,
	}); !errors.Is(err, ErrTooManyPending) {
		t.Errorf("expected ErrTooManyPending, got %v", err)
	}
}

func TestCreate_DuplicateOnSameOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.openOrder(t, "ord_1")

	first, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "10.00", EstimatedDays: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "12.00", EstimatedDays: 1,
	}); !errors.Is(err, ErrDuplicateOffer) {
		t.Errorf("expected ErrDuplicateOffer, got %v", err)
	}

	// Still duplicate after rejection: prior offers of any status block.
	first.Status = StatusRejected
	if err := f.store.Update(ctx, first); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "12.00", EstimatedDays: 1,
	}); !errors.Is(err, ErrDuplicateOffer) {
		t.Errorf("expected ErrDuplicateOffer after rejection, got %v", err)
	}
}

func TestListByOrder_Authorization(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.openOrder(t, "ord_1")
	if _, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "10.00", EstimatedDays: 1,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.ListByOrder(ctx, masterP, "ord_1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-owner, got %v", err)
	}

	offers, err := f.svc.ListByOrder(ctx, clientP, "ord_1")
	if err != nil || len(offers) != 1 {
		t.Errorf("owner list failed: %v, %d offers", err, len(offers))
	}
	if offers, err = f.svc.ListByOrder(ctx, adminP, "ord_1"); err != nil || len(offers) != 1 {
		t.Errorf("admin list failed: %v, %d offers", err, len(offers))
	}
}

func TestAccept(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.openOrder(t, "ord_1")

	winner, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "3500.00", EstimatedDays: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	loser, err := f.svc.Create(ctx, master2, CreateRequest{
		OrderID: "ord_1", Price: "3000.00", EstimatedDays: 5,
	})
	if err != nil {
		t.Fatal(err)
	}

	ord, err := f.svc.Accept(ctx, clientP, winner.ID)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if ord.Status != order.StatusAccepted {
		t.Errorf("expected accepted order, got %s", ord.Status)
	}
	if ord.MasterID != masterP.UserID {
		t.Errorf("expected master %s, got %s", masterP.UserID, ord.MasterID)
	}
	if ord.AgreedPrice != 350000 {
		t.Errorf("expected agreed price 350000, got %d", ord.AgreedPrice)
	}

	w, _ := f.store.Get(ctx, winner.ID)
	if w.Status != StatusAccepted {
		t.Errorf("winner not accepted: %s", w.Status)
	}
	l, _ := f.store.Get(ctx, loser.ID)
	if l.Status != StatusRejected {
		t.Errorf("sibling not rejected: %s", l.Status)
	}

	// Second accept on the same order fails.
	if _, err := f.svc.Accept(ctx, clientP, loser.ID); !errors.Is(err, ErrOrderNotOpen) {
		t.Errorf("expected ErrOrderNotOpen, got %v", err)
	}
}

func TestAccept_OnlyOwner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.openOrder(t, "ord_1")
	o, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "10.00", EstimatedDays: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Accept(ctx, master2, o.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestRetract(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.openOrder(t, "ord_1")
	o, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "10.00", EstimatedDays: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// only the offer's master
	if err := f.svc.Retract(ctx, master2, o.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	if err := f.svc.Retract(ctx, masterP, o.ID); err != nil {
		t.Fatalf("Retract failed: %v", err)
	}
	if _, err := f.store.Get(ctx, o.ID); !errors.Is(err, ErrOfferNotFound) {
		t.Errorf("offer still present: %v", err)
	}
	ord, _ := f.orders.Get(ctx, "ord_1")
	if ord.ProposalCount != 0 {
		t.Errorf("proposal count not decremented: %d", ord.ProposalCount)
	}
}

func TestRetract_AcceptedOffer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.openOrder(t, "ord_1")
	o, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "10.00", EstimatedDays: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Accept(ctx, clientP, o.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Retract(ctx, masterP, o.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestProposalCountFloor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ord := f.openOrder(t, "ord_1")
	o, err := f.svc.Create(ctx, masterP, CreateRequest{
		OrderID: "ord_1", Price: "10.00", EstimatedDays: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Force the counter to zero before the retract.
	ord, _ = f.orders.Get(ctx, ord.ID)
	ord.ProposalCount = 0
	if err := f.orders.Update(ctx, ord); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Retract(ctx, masterP, o.ID); err != nil {
		t.Fatalf("Retract failed: %v", err)
	}
	ord, _ = f.orders.Get(ctx, ord.ID)
	if ord.ProposalCount != 0 {
		t.Errorf("proposal count went negative: %d", ord.ProposalCount)
	}
}
