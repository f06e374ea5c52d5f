//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/tokenbay/nftescrow/internal/testutil"
)

func TestPostgresWebhooks_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_pgtest1",
		PartyAddr: sellerAddr,
		URL:       "https://example.com/hook",
		Secret:    "s3cret",
		Events:    []EventType{EventEscrowPaid, EventEscrowClaimed},
		Active:    true,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != sub.URL || got.Secret != sub.Secret {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Events) != 2 || got.Events[0] != EventEscrowPaid {
		t.Errorf("events = %v", got.Events)
	}

	now := time.Now().Truncate(time.Microsecond)
	got.Active = false
	got.LastSuccess = &now
	got.LastError = "timeout"
	got.ConsecutiveFailures = 3
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got2, err := store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if got2.Active || got2.LastSuccess == nil || got2.LastError != "timeout" || got2.ConsecutiveFailures != 3 {
		t.Errorf("update not persisted: %+v", got2)
	}

	if err := store.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, sub.ID); err == nil {
		t.Error("expected error for deleted subscription")
	}
}

func TestPostgresWebhooks_ListByParty(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for i, party := range []string{sellerAddr, sellerAddr, buyerAddr} {
		sub := &Subscription{
			ID:        "wh_pglist" + string(rune('a'+i)),
			PartyAddr: party,
			URL:       "https://example.com/hook",
			Events:    []EventType{EventEscrowCreated},
			Active:    true,
			CreatedAt: time.Now(),
		}
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	subs, err := store.ListByParty(ctx, sellerAddr)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("got %d subscriptions for seller, want 2", len(subs))
	}
}
