//go:build integration

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/clicense/internal/testutil"
)

func TestPostgresAuth_RegisterAndResolve(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	mgr := NewManager(NewPostgresStore(db))
	ctx := context.Background()

	rawKey, acct, err := mgr.Register(ctx, "pg@example.com")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	key, got, err := mgr.Resolve(ctx, rawKey)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.ID != acct.ID || key.AccountID != acct.ID {
		t.Errorf("resolved to %s/%s, want %s", got.ID, key.AccountID, acct.ID)
	}

	if _, _, err := mgr.Register(ctx, "PG@example.com"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("duplicate email: got %v, want ErrEmailTaken", err)
	}
}

func TestPostgresAuth_KeysLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	mgr := NewManager(NewPostgresStore(db))
	ctx := context.Background()

	primary, acct, err := mgr.Register(ctx, "keys@example.com")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, second, err := mgr.GenerateKey(ctx, acct.ID, "ci")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	keys, err := mgr.ListKeys(ctx, acct.ID)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}

	if err := mgr.RevokeKey(ctx, second.ID, acct.ID); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, primary); err != nil {
		t.Errorf("primary key should still validate: %v", err)
	}
}
