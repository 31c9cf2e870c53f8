// Package auth is the identity provider adapter.
//
// Authentication model:
// - Accounts are registered by email and receive an API key once
// - Requests with "Authorization: Bearer sk_..." act as that account
// - Everything else is an anonymous session keyed by X-Session-ID
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/clicense/internal/identity"
	"github.com/mbd888/clicense/internal/idgen"
	"github.com/mbd888/clicense/internal/validation"
)

// Errors
var (
	ErrNoAPIKey         = errors.New("API key required")
	ErrInvalidAPIKey    = errors.New("invalid or expired API key")
	ErrKeyNotFound      = errors.New("API key not found")
	ErrAccountNotFound  = errors.New("account not found")
	ErrEmailTaken       = errors.New("an account with this email already exists")
	ErrInvalidEmail     = errors.New("a valid email address is required")
	ErrRevokeCurrentKey = errors.New("cannot revoke the key in use")
)

// Account is a registered user. PlanHint and Credits mirror what an
// external identity provider would carry in user metadata.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	PlanHint  string    `json:"planHint,omitempty"`
	Credits   *int      `json:"credits,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Identity converts the account to the identity the pipeline sees.
func (a *Account) Identity() identity.Identity {
	return identity.Authenticated(a.ID, a.Email, a.PlanHint, a.Credits)
}

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	AccountID string     `json:"accountId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists accounts and API keys
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)

	CreateKey(ctx context.Context, key *APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	GetKeysByAccount(ctx context.Context, accountID string) ([]*APIKey, error)
	UpdateKey(ctx context.Context, key *APIKey) error
}

// Manager handles authentication
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Register creates an account for email and its first API key.
// The raw key is returned once and never stored.
func (m *Manager) Register(ctx context.Context, email string) (rawKey string, acct *Account, err error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || validation.Email("email", email)() != nil {
		return "", nil, ErrInvalidEmail
	}
	if _, err := m.store.GetAccountByEmail(ctx, email); err == nil {
		return "", nil, ErrEmailTaken
	} else if !errors.Is(err, ErrAccountNotFound) {
		return "", nil, err
	}

	acct = &Account{
		ID:        idgen.WithPrefix("acct_"),
		Email:     email,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateAccount(ctx, acct); err != nil {
		return "", nil, err
	}
	rawKey, _, err = m.GenerateKey(ctx, acct.ID, "Primary key")
	if err != nil {
		return "", nil, err
	}
	return rawKey, acct, nil
}

// GenerateKey creates a new API key for an account
// Returns the raw key (shown once) and the stored metadata
func (m *Manager) GenerateKey(ctx context.Context, accountID, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		AccountID: accountID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetKeyByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	used := *key
	used.LastUsed = time.Now()
	go func() { _ = m.store.UpdateKey(context.Background(), &used) }()

	return key, nil
}

// Resolve maps a raw API key to the caller's account.
func (m *Manager) Resolve(ctx context.Context, rawKey string) (*APIKey, *Account, error) {
	key, err := m.ValidateKey(ctx, rawKey)
	if err != nil {
		return nil, nil, err
	}
	acct, err := m.store.GetAccount(ctx, key.AccountID)
	if err != nil {
		return nil, nil, ErrInvalidAPIKey
	}
	return key, acct, nil
}

// Account looks up an account by ID.
func (m *Manager) Account(ctx context.Context, id string) (*Account, error) {
	return m.store.GetAccount(ctx, id)
}

// ListKeys returns all keys for an account
func (m *Manager) ListKeys(ctx context.Context, accountID string) ([]*APIKey, error) {
	return m.store.GetKeysByAccount(ctx, accountID)
}

// RevokeKey revokes an API key owned by accountID
func (m *Manager) RevokeKey(ctx context.Context, keyID, accountID string) error {
	keys, err := m.store.GetKeysByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.UpdateKey(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account // by ID
	keys     map[string]*APIKey  // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		keys:     make(map[string]*APIKey),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.Email == a.Email {
			return ErrEmailTaken
		}
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *MemoryStore) CreateKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetKeyByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetKeysByAccount(_ context.Context, accountID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.AccountID == accountID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}
