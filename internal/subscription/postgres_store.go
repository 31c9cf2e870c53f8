package subscription

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Latest(ctx context.Context, userID string) (*Record, error) {
	r := &Record{}
	var providerRef sql.NullString
	var renewsAt, endsAt, trialEndsAt sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider_ref, plan_name, status, renews_at, ends_at, trial_ends_at, created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1`, userID, pq.Array(liveStatuses),
	).Scan(&r.ID, &r.UserID, &providerRef, &r.PlanName, &r.Status,
		&renewsAt, &endsAt, &trialEndsAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.ProviderRef = providerRef.String
	if renewsAt.Valid {
		r.RenewsAt = &renewsAt.Time
	}
	if endsAt.Valid {
		r.EndsAt = &endsAt.Time
	}
	if trialEndsAt.Valid {
		r.TrialEndsAt = &trialEndsAt.Time
	}
	return r, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, provider_ref, plan_name, status, renews_at, ends_at, trial_ends_at, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			provider_ref = EXCLUDED.provider_ref,
			plan_name = EXCLUDED.plan_name,
			status = EXCLUDED.status,
			renews_at = EXCLUDED.renews_at,
			ends_at = EXCLUDED.ends_at,
			trial_ends_at = EXCLUDED.trial_ends_at,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.UserID, r.ProviderRef, r.PlanName, r.Status,
		r.RenewsAt, r.EndsAt, r.TrialEndsAt, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// Migrate creates the subscriptions table if it doesn't exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id             VARCHAR(64) PRIMARY KEY,
			user_id        VARCHAR(64) NOT NULL,
			provider_ref   VARCHAR(255),
			plan_name      VARCHAR(64) NOT NULL,
			status         VARCHAR(32) NOT NULL,
			renews_at      TIMESTAMPTZ,
			ends_at        TIMESTAMPTZ,
			trial_ends_at  TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id, created_at DESC);
	`)
	return err
}
