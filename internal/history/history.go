// Package history records the scans an account has run. It lives in the
// caller layer: the pipeline never writes to it directly.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/clicense/internal/idgen"
	"github.com/mbd888/clicense/internal/license"
)

var ErrNotFound = errors.New("history: entry not found")

// Entry is one stored scan result.
type Entry struct {
	ID          string              `json:"id"`
	IdentityID  string              `json:"identityId"`
	URL         string              `json:"url"`
	LicenseName string              `json:"licenseName"`
	LicenseType license.LicenseType `json:"licenseType"`
	Verdict     string              `json:"verdict"`
	VerdictType license.VerdictType `json:"verdictType"`
	Digest      string              `json:"digest"`
	Result      license.Verdict     `json:"result"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// Page is one newest-first slice of an identity's history.
type Page struct {
	Entries    []*Entry `json:"entries"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// Store persists history entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, identityID, cursor string, limit int) (*Page, error)
	Remove(ctx context.Context, identityID, entryID string) error
	Clear(ctx context.Context, identityID string) (int, error)
}

// NewEntry builds the history entry for a verdict.
func NewEntry(identityID string, v license.Verdict, now time.Time) (*Entry, error) {
	digest, err := license.Digest(v)
	if err != nil {
		return nil, err
	}
	return &Entry{
		ID:          idgen.WithPrefix("scan_"),
		IdentityID:  identityID,
		URL:         v.URL,
		LicenseName: v.LicenseName,
		LicenseType: v.LicenseType,
		Verdict:     v.Verdict,
		VerdictType: v.VerdictType,
		Digest:      digest,
		Result:      v,
		CreatedAt:   now,
	}, nil
}
