package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegister(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, acct, err := mgr.Register(ctx, "  Dev@Example.com ")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !strings.HasPrefix(rawKey, "sk_") || len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("unexpected raw key format %q", rawKey[:10])
	}
	if !strings.HasPrefix(acct.ID, "acct_") {
		t.Errorf("Expected account ID to start with acct_, got %s", acct.ID)
	}
	if acct.Email != "dev@example.com" {
		t.Errorf("Expected normalized email, got %s", acct.Email)
	}

	_, _, err = mgr.Register(ctx, "dev@example.com")
	if !errors.Is(err, ErrEmailTaken) {
		t.Errorf("Expected ErrEmailTaken, got %v", err)
	}
}

func TestRegister_InvalidEmail(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	for _, email := range []string{"", "nope", "a@"} {
		if _, _, err := mgr.Register(context.Background(), email); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("Register(%q) = %v, want ErrInvalidEmail", email, err)
		}
	}
}

func TestResolve(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	rawKey, acct, _ := mgr.Register(ctx, "dev@example.com")

	key, got, err := mgr.Resolve(ctx, "Bearer "+rawKey)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if key.AccountID != acct.ID || got.ID != acct.ID {
		t.Errorf("Resolve returned the wrong account")
	}

	id := got.Identity()
	if id.Anonymous || id.ID != acct.ID || id.Email != "dev@example.com" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "acct_1", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.AccountID != "acct_1" {
		t.Errorf("Expected account acct_1, got %s", key.AccountID)
	}

	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "sk_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, "acct_1", "Key 1")
	_, _, _ = mgr.GenerateKey(ctx, "acct_1", "Key 2")
	_, _, _ = mgr.GenerateKey(ctx, "acct_2", "Key 3")

	keys, err := mgr.ListKeys(ctx, "acct_1")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys for acct_1, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "acct_1", "To revoke")

	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	if err := mgr.RevokeKey(ctx, key.ID, "acct_2"); err != ErrKeyNotFound {
		t.Errorf("Another account must not revoke the key, got: %v", err)
	}
	if err := mgr.RevokeKey(ctx, key.ID, "acct_1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}
}

func TestKeyHashNotExposed(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, "acct_1", "Test")
	key, _ := mgr.ValidateKey(ctx, rawKey)

	if key.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}
	if key.Hash == "" {
		t.Error("Hash should be set")
	}
}
