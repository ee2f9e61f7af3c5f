//go:build integration

package notification

import (
	"context"
	"testing"
	"time"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/db/dbtest"
)

func TestPGStore_FeedAndDelivery(t *testing.T) {
	pool := dbtest.NewPool(t)
	ctx := context.Background()
	if _, err := pool.Exec(ctx, `INSERT INTO users (user_id, role, email) VALUES ('P001', 'PATIENT', 'p1@example.com')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store := NewPGStore(pool)

	ns, err := NewTemplateEngine().Build("P001", KindDeletionConfirmed, map[string]string{
		"requested_at":   "Mon, 04 May 2026 10:00:00 UTC",
		"scheduled_date": "2026-05-11 10:00 UTC",
	}, ChannelInApp, ChannelAuthenticator)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := store.Insert(ctx, ns...); err != nil {
		t.Fatalf("insert: %v", err)
	}

	feed, total, err := store.ListByUser(ctx, "P001", ChannelInApp, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(feed) != 1 || feed[0].Kind != KindDeletionConfirmed {
		t.Fatalf("unexpected feed: total=%d %+v", total, feed)
	}

	if err := store.MarkRead(ctx, feed[0].ID, "P002", time.Now()); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NOT_FOUND for another user's notification, got %v", err)
	}
	if err := store.MarkRead(ctx, feed[0].ID, "P001", time.Now()); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	later := time.Now().Add(time.Minute)
	pending, err := store.ListUndelivered(ctx, later, 5, 10)
	if err != nil || len(pending) != 2 {
		t.Fatalf("undelivered: %d %v", len(pending), err)
	}

	if err := store.MarkFailed(ctx, pending[0].ID, "queue unavailable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkDelivered(ctx, pending[1].ID, time.Now()); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	pending, err = store.ListUndelivered(ctx, later, 5, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("undelivered after delivery: %d %v", len(pending), err)
	}
	if pending[0].Attempts != 1 || pending[0].LastError != "queue unavailable" {
		t.Errorf("expected one failed attempt recorded, got %+v", pending[0])
	}

	if exhausted, _ := store.ListUndelivered(ctx, later, 1, 10); len(exhausted) != 0 {
		t.Errorf("expected attempts cap to exclude the row, got %d", len(exhausted))
	}
}
