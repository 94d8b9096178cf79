package watch

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBaseWatcher_AddRemoveSubscription(t *testing.T) {
	b := NewBaseWatcher("test")

	sub := &Subscription{ID: "test_1", ConnID: "c1"}
	b.AddSubscription(sub)

	if !b.HasSubscriptions() {
		t.Error("expected HasSubscriptions to be true")
	}

	removed := b.RemoveSubscription("test_1")
	if removed == nil {
		t.Fatal("expected removed subscription")
	}
	if removed.ID != "test_1" {
		t.Errorf("expected ID test_1, got %s", removed.ID)
	}

	if b.HasSubscriptions() {
		t.Error("expected HasSubscriptions to be false")
	}

	if removed = b.RemoveSubscription("nonexistent"); removed != nil {
		t.Error("expected nil for non-existent subscription")
	}
}

func TestBaseWatcher_GenerateID(t *testing.T) {
	b := NewBaseWatcher("game")
	a, c := b.GenerateID(), b.GenerateID()
	if !strings.HasPrefix(a, "game_") {
		t.Errorf("id %q lacks prefix", a)
	}
	if a == c {
		t.Error("ids are not unique")
	}
}

func TestBaseWatcher_GetSubscriptionsByConnID(t *testing.T) {
	b := NewBaseWatcher("test")
	b.AddSubscription(&Subscription{ID: "a", ConnID: "c1"})
	b.AddSubscription(&Subscription{ID: "b", ConnID: "c2"})
	b.AddSubscription(&Subscription{ID: "c", ConnID: "c1"})

	if got := len(b.GetSubscriptionsByConnID("c1")); got != 2 {
		t.Errorf("c1 subscriptions = %d, want 2", got)
	}
	if got := len(b.GetSubscriptionsByConnID("c3")); got != 0 {
		t.Errorf("c3 subscriptions = %d, want 0", got)
	}
}

func TestBaseWatcher_Notify(t *testing.T) {
	b := NewBaseWatcher("test")
	var got []Notification
	b.AddSubscription(&Subscription{ID: "a", Notifier: NotifierFunc(func(_ context.Context, n Notification) error {
		got = append(got, n)
		return errors.New("connection closed")
	})})

	if !b.Notify("a", "game.changed", 1) {
		t.Error("Notify reported missing subscription")
	}
	if b.Notify("missing", "game.changed", 1) {
		t.Error("Notify reported a missing subscription as present")
	}
	if len(got) != 1 || got[0].Method != "game.changed" {
		t.Errorf("notifications = %+v", got)
	}
}
