package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newEmitter() (*Emitter, *MemoryStore) {
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEmitter(store, logger), store
}

func TestNotifyAndList(t *testing.T) {
	e, _ := newEmitter()
	ctx := context.Background()

	e.Notify(ctx, "usr_1", KindOfferReceived, "New offer on your order")
	e.Notify(ctx, "usr_1", KindOfferAccepted, "Your offer was accepted")
	e.Notify(ctx, "usr_2", KindWorkCompleted, "Work marked complete")
	e.Notify(ctx, "", KindWorkCompleted, "dropped, no recipient")

	got, err := e.ListForUser(ctx, "usr_1", 0)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	for _, n := range got {
		if n.UserID != "usr_1" {
			t.Errorf("wrong recipient: %s", n.UserID)
		}
		if n.ReadAt != nil {
			t.Error("new notification already read")
		}
	}
}

func TestMarkRead(t *testing.T) {
	e, _ := newEmitter()
	ctx := context.Background()

	e.Notify(ctx, "usr_1", KindPaymentEscrowed, "Payment escrowed")
	list, _ := e.ListForUser(ctx, "usr_1", 0)
	if len(list) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(list))
	}
	id := list[0].ID

	// only the recipient may mark it read
	if err := e.MarkRead(ctx, id, "usr_2"); !errors.Is(err, ErrNotificationNotFound) {
		t.Errorf("expected ErrNotificationNotFound, got %v", err)
	}

	if err := e.MarkRead(ctx, id, "usr_1"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	list, _ = e.ListForUser(ctx, "usr_1", 0)
	if list[0].ReadAt == nil {
		t.Error("ReadAt not set")
	}

	if err := e.MarkRead(ctx, "ntf_missing", "usr_1"); !errors.Is(err, ErrNotificationNotFound) {
		t.Errorf("expected ErrNotificationNotFound, got %v", err)
	}
}
