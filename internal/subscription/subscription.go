// Package subscription stores the plan records written by the payment
// provider's webhook receiver and read by the quota ledger.
package subscription

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("subscription: not found")

// Status values as reported by the payment provider.
const (
	StatusActive    = "active"
	StatusOnTrial   = "on_trial"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// liveStatuses are the statuses Latest considers.
var liveStatuses = []string{StatusActive, StatusOnTrial, StatusPaused}

// Record is one subscription as known to the payment provider.
type Record struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	ProviderRef string     `json:"providerRef,omitempty"`
	PlanName    string     `json:"planName"`
	Status      string     `json:"status"`
	RenewsAt    *time.Time `json:"renewsAt,omitempty"`
	EndsAt      *time.Time `json:"endsAt,omitempty"`
	TrialEndsAt *time.Time `json:"trialEndsAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Active reports whether the record grants its plan right now.
func (r *Record) Active() bool {
	return r != nil && r.Status == StatusActive
}

func isLive(status string) bool {
	for _, s := range liveStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// Store persists subscription records.
type Store interface {
	// Latest returns the newest live record for userID, or ErrNotFound.
	Latest(ctx context.Context, userID string) (*Record, error)
	// Upsert inserts r or replaces the record with the same ID.
	Upsert(ctx context.Context, r *Record) error
}

// NormalizePlan lowercases and trims a provider plan name.
func NormalizePlan(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
