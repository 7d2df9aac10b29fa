//go:build integration

package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fixmarket/fixmarket/internal/testutil"
)

func seedOrder(id, clientID string, status Status, payStatus PaymentStatus) *Order {
	now := time.Now().Truncate(time.Microsecond)
	return &Order{
		ID:            id,
		ClientID:      clientID,
		Title:         "Fix laptop fan",
		Description:   "Loud rattle under load",
		DeviceType:    "laptop",
		Device:        "ThinkPad T14",
		Status:        status,
		PaymentStatus: payStatus,
		DisputeStatus: DisputeNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresOrder_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	o := seedOrder("ord_pg1", "usr_client", StatusOpen, PaymentPending)
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "ord_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != o.Title || got.Status != StatusOpen || got.DisputeStatus != DisputeNone {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.MasterID != "" || got.CompletedAt != nil {
		t.Errorf("nullable fields not empty: %+v", got)
	}

	if _, err := store.Get(ctx, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPostgresOrder_Update(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	o := seedOrder("ord_pg1", "usr_client", StatusOpen, PaymentPending)
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	now := time.Now().Truncate(time.Microsecond)
	o.MasterID = "usr_master"
	o.Status = StatusAccepted
	o.AgreedPrice = 350000
	o.CompletedAt = &now
	o.UpdatedAt = now
	if err := store.Update(ctx, o); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := store.Get(ctx, "ord_pg1")
	if got.MasterID != "usr_master" || got.AgreedPrice != 350000 {
		t.Errorf("update not applied: %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt mismatch: %v", got.CompletedAt)
	}

	missing := seedOrder("ord_missing", "usr_client", StatusOpen, PaymentPending)
	if err := store.Update(ctx, missing); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPostgresOrder_ListAndCount(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	for _, o := range []*Order{
		seedOrder("ord_1", "usr_a", StatusOpen, PaymentPending),
		seedOrder("ord_2", "usr_a", StatusInProgress, PaymentEscrowed),
		seedOrder("ord_3", "usr_a", StatusCancelled, PaymentPending),
		seedOrder("ord_4", "usr_b", StatusOpen, PaymentPending),
	} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	open, err := store.List(ctx, ListFilter{Status: StatusOpen, Limit: 10})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("expected 2 open orders, got %d", len(open))
	}

	mine, err := store.List(ctx, ListFilter{ClientID: "usr_a", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 3 {
		t.Errorf("expected 3 orders for usr_a, got %d", len(mine))
	}

	// Cancelled orders do not count against the cap.
	count, err := store.CountActiveByClient(ctx, "usr_a")
	if err != nil {
		t.Fatalf("CountActiveByClient failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 active, got %d", count)
	}
}

func TestPostgresOrder_ListAutoReleasable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	old := time.Now().Add(-8 * 24 * time.Hour).Truncate(time.Microsecond)
	recent := time.Now().Add(-time.Hour).Truncate(time.Microsecond)

	due := seedOrder("ord_due", "usr_a", StatusInProgress, PaymentEscrowed)
	due.CompletedAt = &old
	fresh := seedOrder("ord_fresh", "usr_a", StatusInProgress, PaymentEscrowed)
	fresh.CompletedAt = &recent
	unmarked := seedOrder("ord_unmarked", "usr_a", StatusInProgress, PaymentEscrowed)
	disputed := seedOrder("ord_disputed", "usr_a", StatusDisputed, PaymentFrozen)
	disputed.CompletedAt = &old

	for _, o := range []*Order{due, fresh, unmarked, disputed} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	got, err := store.ListAutoReleasable(ctx, cutoff, 100)
	if err != nil {
		t.Fatalf("ListAutoReleasable failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ord_due" {
		t.Errorf("expected only ord_due, got %+v", got)
	}
}
