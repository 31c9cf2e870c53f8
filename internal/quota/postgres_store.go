package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// maxCreateAttempts bounds retries when two transactions race to create the
// same identity's row.
const maxCreateAttempts = 3

// PostgresStore persists quota states in PostgreSQL. Mutations hold a row
// lock for the duration of the callback.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const stateColumns = `identity_id, anonymous, scans_used, scan_limit, next_reset_at, chat_turns_used,
	plan_tier, credits, free_turns_remaining, free_turns_cap, plan_renews_at, created_at, updated_at`

var errCreateRace = errors.New("quota: concurrent create")

func (p *PostgresStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*State, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		s, err := p.mutateOnce(ctx, id, fn)
		if errors.Is(err, errCreateRace) {
			continue
		}
		return s, err
	}
	return nil, fmt.Errorf("quota: mutate %s: %w", id, errCreateRace)
}

func (p *PostgresStore) mutateOnce(ctx context.Context, id string, fn MutateFunc) (*State, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := scanState(tx.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM quota_states WHERE identity_id = $1 FOR UPDATE`, id))
	created := false
	if errors.Is(err, ErrStateNotFound) {
		created = true
		s = &State{IdentityID: id}
	} else if err != nil {
		return nil, err
	}

	if err := fn(s, created); err != nil {
		return nil, err
	}

	if created {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO quota_states (`+stateColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (identity_id) DO NOTHING`,
			s.IdentityID, s.Anonymous, s.ScansUsed, s.ScanLimit, s.NextResetAt, s.ChatTurnsUsed,
			string(s.PlanTier), s.Chat.Credits, s.Chat.FreeTurnsRemaining, s.Chat.Cap,
			s.PlanRenewsAt, s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 0 {
			return nil, errCreateRace
		}
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE quota_states SET
				anonymous = $2, scans_used = $3, scan_limit = $4, next_reset_at = $5, chat_turns_used = $6,
				plan_tier = $7, credits = $8, free_turns_remaining = $9, free_turns_cap = $10,
				plan_renews_at = $11, updated_at = $12
			WHERE identity_id = $1`,
			s.IdentityID, s.Anonymous, s.ScansUsed, s.ScanLimit, s.NextResetAt, s.ChatTurnsUsed,
			string(s.PlanTier), s.Chat.Credits, s.Chat.FreeTurnsRemaining, s.Chat.Cap,
			s.PlanRenewsAt, s.UpdatedAt)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*State, error) {
	return scanState(p.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM quota_states WHERE identity_id = $1`, id))
}

// Migrate creates the quota_states table if it doesn't exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS quota_states (
			identity_id          VARCHAR(128) PRIMARY KEY,
			anonymous            BOOLEAN NOT NULL DEFAULT FALSE,
			scans_used           INTEGER NOT NULL DEFAULT 0 CHECK (scans_used >= 0),
			scan_limit           INTEGER NOT NULL,
			next_reset_at        TIMESTAMPTZ NOT NULL,
			chat_turns_used      INTEGER NOT NULL DEFAULT 0 CHECK (chat_turns_used >= 0),
			plan_tier            VARCHAR(16) NOT NULL DEFAULT 'free',
			credits              INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			free_turns_remaining INTEGER NOT NULL DEFAULT 0 CHECK (free_turns_remaining >= 0),
			free_turns_cap       INTEGER NOT NULL DEFAULT 0,
			plan_renews_at       TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	s := &State{}
	var tier string
	var renewsAt sql.NullTime
	err := row.Scan(&s.IdentityID, &s.Anonymous, &s.ScansUsed, &s.ScanLimit, &s.NextResetAt, &s.ChatTurnsUsed,
		&tier, &s.Chat.Credits, &s.Chat.FreeTurnsRemaining, &s.Chat.Cap, &renewsAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	s.PlanTier = Tier(tier)
	if renewsAt.Valid {
		s.PlanRenewsAt = &renewsAt.Time
	}
	return s, nil
}
