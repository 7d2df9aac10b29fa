package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fixmarket/fixmarket/internal/identity"
	"github.com/fixmarket/fixmarket/internal/money"
)

const testMinWithdrawal = 50000 // 500.00 in minor units

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, testMinWithdrawal)
	return svc, store
}

func seedMaster(t *testing.T, store *MemoryStore, balance int64) *User {
	t.Helper()
	u := &User{
		ID:        "usr_master1",
		Email:     "master@example.com",
		Name:      "Master",
		Role:      string(identity.RoleMaster),
		Balance:   balance,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.Create(context.Background(), u); err != nil {
		t.Fatalf("seed master: %v", err)
	}
	return u
}

func TestRegister(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterRequest{
		Email: "Client@Example.com",
		Name:  "Client",
		Role:  "client",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if u.Email != "client@example.com" {
		t.Errorf("expected lowercased email, got %q", u.Email)
	}
	if u.Role != "client" {
		t.Errorf("expected role client, got %q", u.Role)
	}

	_, err = svc.Register(ctx, RegisterRequest{
		Email: "client@example.com",
		Name:  "Other",
		Role:  "master",
	})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got %v", err)
	}

	_, err = svc.Register(ctx, RegisterRequest{
		Email: "admin@example.com",
		Name:  "Admin",
		Role:  "admin",
	})
	if err == nil {
		t.Error("expected error registering admin role")
	}
}

func TestCreditEarnings(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	master := seedMaster(t, store, 0)

	if err := svc.CreditEarnings(ctx, master.ID, 332500, "pay_1"); err != nil {
		t.Fatalf("CreditEarnings failed: %v", err)
	}

	u, err := store.Get(ctx, master.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if u.Balance != 332500 {
		t.Errorf("expected balance 332500, got %d", u.Balance)
	}
	if u.CompletedOrders != 1 {
		t.Errorf("expected 1 completed order, got %d", u.CompletedOrders)
	}

	entries, err := store.History(ctx, master.ID, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != EntryEarning || entries[0].Amount != 332500 {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestCreditEarnings_RejectsNonPositive(t *testing.T) {
	svc, store := newTestService()
	master := seedMaster(t, store, 0)

	if err := svc.CreditEarnings(context.Background(), master.ID, 0, "pay_1"); !errors.Is(err, money.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	master := seedMaster(t, store, 100000)
	p := identity.Principal{UserID: master.ID, Role: identity.RoleMaster}

	u, err := svc.Withdraw(ctx, p, 60000)
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if u.Balance != 40000 {
		t.Errorf("expected balance 40000, got %d", u.Balance)
	}

	entries, _ := store.History(ctx, master.ID, 10)
	if len(entries) != 1 || entries[0].Type != EntryWithdrawal || entries[0].Amount != -60000 {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestWithdraw_BelowMinimum(t *testing.T) {
	svc, store := newTestService()
	master := seedMaster(t, store, 100000)
	p := identity.Principal{UserID: master.ID, Role: identity.RoleMaster}

	_, err := svc.Withdraw(context.Background(), p, 49999)
	if !errors.Is(err, ErrBelowMinimum) {
		t.Errorf("expected ErrBelowMinimum, got %v", err)
	}
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	svc, store := newTestService()
	master := seedMaster(t, store, 50000)
	p := identity.Principal{UserID: master.ID, Role: identity.RoleMaster}

	_, err := svc.Withdraw(context.Background(), p, 60000)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	u, _ := store.Get(context.Background(), master.ID)
	if u.Balance != 50000 {
		t.Errorf("balance changed on failed withdrawal: %d", u.Balance)
	}
}

func TestWithdraw_ClientForbidden(t *testing.T) {
	svc, store := newTestService()
	client := &User{
		ID:    "usr_client1",
		Email: "client@example.com",
		Role:  string(identity.RoleClient),
	}
	if err := store.Create(context.Background(), client); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	p := identity.Principal{UserID: client.ID, Role: identity.RoleClient}

	_, err := svc.Withdraw(context.Background(), p, 60000)
	if !errors.Is(err, ErrNotMaster) {
		t.Errorf("expected ErrNotMaster, got %v", err)
	}
}

func TestWithdraw_Blocked(t *testing.T) {
	svc, store := newTestService()
	master := seedMaster(t, store, 100000)
	master.Blocked = true
	if err := store.Update(context.Background(), master); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	p := identity.Principal{UserID: master.ID, Role: identity.RoleMaster}

	_, err := svc.Withdraw(context.Background(), p, 60000)
	if !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked, got %v", err)
	}
}

func TestRecordRating(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	master := seedMaster(t, store, 0)

	if err := svc.RecordRating(ctx, master.ID, 5, 1); err != nil {
		t.Fatalf("RecordRating failed: %v", err)
	}
	if err := svc.RecordRating(ctx, master.ID, 4, 1); err != nil {
		t.Fatalf("RecordRating failed: %v", err)
	}

	u, _ := store.Get(ctx, master.ID)
	if u.RatingCount != 2 {
		t.Errorf("expected rating count 2, got %d", u.RatingCount)
	}
	if u.Rating != 4.5 {
		t.Errorf("expected rating 4.5, got %v", u.Rating)
	}

	// An edit from 4 to 2 stars adjusts the sum without adding a review.
	if err := svc.RecordRating(ctx, master.ID, -2, 0); err != nil {
		t.Fatalf("RecordRating failed: %v", err)
	}
	u, _ = store.Get(ctx, master.ID)
	if u.RatingCount != 2 || u.Rating != 3.5 {
		t.Errorf("expected count 2 rating 3.5, got %d %v", u.RatingCount, u.Rating)
	}
}

func TestSetBlocked(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	master := seedMaster(t, store, 0)

	u, err := svc.SetBlocked(ctx, master.ID, true)
	if err != nil {
		t.Fatalf("SetBlocked failed: %v", err)
	}
	if !u.Blocked {
		t.Error("expected user to be blocked")
	}

	// Blocking twice is a no-op, not an error.
	if _, err := svc.SetBlocked(ctx, master.ID, true); err != nil {
		t.Fatalf("SetBlocked failed: %v", err)
	}

	u, err = svc.SetBlocked(ctx, master.ID, false)
	if err != nil {
		t.Fatalf("SetBlocked failed: %v", err)
	}
	if u.Blocked {
		t.Error("expected user to be unblocked")
	}

	if _, err := svc.SetBlocked(ctx, "usr_missing", true); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUpdatePreservesBalance(t *testing.T) {
	_, store := newTestService()
	ctx := context.Background()
	master := seedMaster(t, store, 0)

	// A read-modify-write racing a credit must not clobber the balance.
	stale, err := store.Get(ctx, master.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := store.CreditEarnings(ctx, master.ID, 332500); err != nil {
		t.Fatalf("CreditEarnings failed: %v", err)
	}

	stale.Blocked = true
	if err := store.Update(ctx, stale); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	u, err := store.Get(ctx, master.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if u.Balance != 332500 {
		t.Errorf("expected balance 332500, got %d", u.Balance)
	}
	if u.CompletedOrders != 1 {
		t.Errorf("expected 1 completed order, got %d", u.CompletedOrders)
	}
	if !u.Blocked {
		t.Error("expected blocked flag to be written")
	}
}
