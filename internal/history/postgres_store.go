package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mbd888/clicense/internal/license"
	"github.com/mbd888/clicense/internal/pagination"
)

// PostgresStore persists history in the scan_history table. The full
// verdict is kept as jsonb next to the indexed summary columns.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	full, err := json.Marshal(e.Result)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO scan_history (id, user_id, url, license_name, license_type, verdict, verdict_type, digest, full_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.IdentityID, e.URL, e.LicenseName, string(e.LicenseType), e.Verdict,
		string(e.VerdictType), e.Digest, full, e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, identityID, cursor string, limit int) (*Page, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	limit = pagination.ClampLimit(limit)

	var rows *sql.Rows
	if c == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, url, license_name, license_type, verdict, verdict_type, digest, full_data, created_at
			FROM scan_history WHERE user_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2`, identityID, limit+1)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, url, license_name, license_type, verdict, verdict_type, digest, full_data, created_at
			FROM scan_history WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4`, identityID, c.CreatedAt, c.ID, limit+1)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := []*Entry{}
	for rows.Next() {
		e := &Entry{}
		var licenseType, verdictType string
		var full []byte
		if err := rows.Scan(&e.ID, &e.IdentityID, &e.URL, &e.LicenseName, &licenseType,
			&e.Verdict, &verdictType, &e.Digest, &full, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.LicenseType = license.LicenseType(licenseType)
		e.VerdictType = license.VerdictType(verdictType)
		if err := json.Unmarshal(full, &e.Result); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return &Page{Entries: items, NextCursor: next, HasMore: more}, nil
}

func (p *PostgresStore) Remove(ctx context.Context, identityID, entryID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM scan_history WHERE user_id = $1 AND id = $2`, identityID, entryID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Clear(ctx context.Context, identityID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM scan_history WHERE user_id = $1`, identityID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Migrate creates the scan_history table if it doesn't exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scan_history (
			id            VARCHAR(64) PRIMARY KEY,
			user_id       VARCHAR(128) NOT NULL,
			url           TEXT NOT NULL,
			license_name  VARCHAR(255) NOT NULL,
			license_type  VARCHAR(32) NOT NULL,
			verdict       TEXT NOT NULL,
			verdict_type  VARCHAR(16) NOT NULL,
			digest        CHAR(64) NOT NULL,
			full_data     JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_scan_history_user ON scan_history(user_id, created_at DESC, id DESC);
	`)
	return err
}
