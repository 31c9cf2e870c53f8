package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists accounts and API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateAccount stores a new account
func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	var credits sql.NullInt64
	if a.Credits != nil {
		credits = sql.NullInt64{Int64: int64(*a.Credits), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, plan_hint, credits, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.Email, a.PlanHint, credits, a.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

// GetAccount retrieves an account by ID
func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return p.getAccount(ctx, `SELECT id, email, plan_hint, credits, created_at FROM accounts WHERE id = $1`, id)
}

// GetAccountByEmail retrieves an account by email
func (p *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return p.getAccount(ctx, `SELECT id, email, plan_hint, credits, created_at FROM accounts WHERE email = LOWER($1)`, email)
}

func (p *PostgresStore) getAccount(ctx context.Context, query, arg string) (*Account, error) {
	a := &Account{}
	var credits sql.NullInt64
	err := p.db.QueryRowContext(ctx, query, arg).Scan(&a.ID, &a.Email, &a.PlanHint, &credits, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if credits.Valid {
		n := int(credits.Int64)
		a.Credits = &n
	}
	return a, nil
}

// CreateKey stores a new API key
func (p *PostgresStore) CreateKey(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, account_id, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.AccountID, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// GetKeyByHash retrieves an API key by its hash
func (p *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, hash, account_id, name, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash)
	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetKeysByAccount retrieves all API keys for an account
func (p *PostgresStore) GetKeysByAccount(ctx context.Context, accountID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, account_id, name, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE account_id = $1 ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// UpdateKey updates last use and revocation
func (p *PostgresStore) UpdateKey(ctx context.Context, key *APIKey) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = $2 WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	key := &APIKey{}
	var expiresAt, lastUsed sql.NullTime
	var name sql.NullString
	if err := row.Scan(
		&key.ID, &key.Hash, &key.AccountID, &name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	); err != nil {
		return nil, err
	}
	key.Name = name.String
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}

// Migrate creates the accounts and api_keys tables if they don't exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id          VARCHAR(64) PRIMARY KEY,
			email       VARCHAR(320) NOT NULL UNIQUE,
			plan_hint   VARCHAR(32) NOT NULL DEFAULT '',
			credits     INTEGER,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS api_keys (
			id          VARCHAR(36) PRIMARY KEY,
			hash        VARCHAR(64) NOT NULL UNIQUE,
			account_id  VARCHAR(64) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			name        VARCHAR(255),
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			last_used   TIMESTAMPTZ,
			expires_at  TIMESTAMPTZ,
			revoked     BOOLEAN DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_account ON api_keys(account_id);
	`)
	return err
}
