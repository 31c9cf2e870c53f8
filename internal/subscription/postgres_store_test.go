//go:build integration

package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/clicense/internal/testutil"
)

func TestPostgresSubscription_UpsertAndLatest(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	renews := base.AddDate(0, 1, 0)

	records := []*Record{
		{ID: "sub_a", UserID: "acct_1", ProviderRef: "ls_1", PlanName: "Pro", Status: StatusActive, RenewsAt: &renews, CreatedAt: base, UpdatedAt: base},
		{ID: "sub_b", UserID: "acct_1", PlanName: "Team", Status: StatusExpired, CreatedAt: base.Add(time.Hour), UpdatedAt: base},
	}
	for _, r := range records {
		if err := store.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert %s failed: %v", r.ID, err)
		}
	}

	got, err := store.Latest(ctx, "acct_1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if got.ID != "sub_a" {
		t.Errorf("expected sub_a (expired records are ignored), got %s", got.ID)
	}
	if got.RenewsAt == nil || !got.RenewsAt.Equal(renews) {
		t.Errorf("RenewsAt: got %v, want %v", got.RenewsAt, renews)
	}
	if got.ProviderRef != "ls_1" {
		t.Errorf("ProviderRef: got %q", got.ProviderRef)
	}
}

func TestPostgresSubscription_UpsertReplaces(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	r := &Record{ID: "sub_x", UserID: "acct_2", PlanName: "Pro", Status: StatusActive, CreatedAt: now, UpdatedAt: now}
	if err := store.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	r.Status = StatusCancelled
	if err := store.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert replace failed: %v", err)
	}

	if _, err := store.Latest(ctx, "acct_2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled subscription should not be live, got %v", err)
	}
}
