// Package quota meters scans and chat turns per identity.
//
// Every identity has a QuotaState created lazily on first use. Scans are
// limited per day for the free tier: the limit is drawn from [10,15] at each
// reset, and resets happen at a fixed wall-clock hour. Chat turns draw from a
// separate credit pool that never resets on its own.
package quota

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrQuotaExceeded   = errors.New("quota: exceeded")
	ErrUnknownIdentity = errors.New("quota: unknown identity")
	ErrUpgradeFailed   = errors.New("quota: upgrade failed")
	ErrInvalidTier     = errors.New("quota: invalid plan tier")
	ErrStateNotFound   = errors.New("quota: state not found")
)

// Tier is a subscription plan tier.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

// ParseTier parses a plan name case-insensitively.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free":
		return TierFree, nil
	case "pro":
		return TierPro, nil
	case "team":
		return TierTeam, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// Paid reports whether the tier bypasses the daily scan limit.
func (t Tier) Paid() bool {
	return t == TierPro || t == TierTeam
}

// DisplayName is the plan name as the payment provider spells it.
func (t Tier) DisplayName() string {
	switch t {
	case TierPro:
		return "Pro"
	case TierTeam:
		return "Team"
	default:
		return "Free"
	}
}

// CreditAllotment is the chat credit balance granted when a plan starts.
func CreditAllotment(t Tier) int {
	switch t {
	case TierPro:
		return 500
	case TierTeam:
		return 2000
	default:
		return 20
	}
}

// ChatCreditPool is the chat budget of one identity. Authenticated identities
// spend Credits; anonymous ones spend FreeTurnsRemaining out of Cap.
type ChatCreditPool struct {
	Credits            int `json:"credits"`
	FreeTurnsRemaining int `json:"freeTurnsRemaining"`
	Cap                int `json:"cap"`
}

// State is the ledger record of one identity.
type State struct {
	IdentityID    string         `json:"identityId"`
	Anonymous     bool           `json:"anonymous"`
	ScansUsed     int            `json:"scansUsed"`
	ScanLimit     int            `json:"scanLimit"`
	NextResetAt   time.Time      `json:"nextResetAt"`
	ChatTurnsUsed int            `json:"chatTurnsUsed"`
	PlanTier      Tier           `json:"planTier"`
	Chat          ChatCreditPool `json:"chat"`
	PlanRenewsAt  *time.Time     `json:"planRenewsAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// ScanAllowed reports whether one more scan may start.
func (s *State) ScanAllowed() bool {
	return s.PlanTier.Paid() || s.ScansUsed < s.ScanLimit
}

// ChatAllowed reports whether one more chat turn may start.
func (s *State) ChatAllowed() bool {
	if s.Anonymous {
		return s.Chat.FreeTurnsRemaining > 0
	}
	return s.Chat.Credits > 0
}

// ScansRemaining returns the scans left before the next reset, or -1 when
// the tier is unlimited.
func (s *State) ScansRemaining() int {
	if s.PlanTier.Paid() {
		return -1
	}
	return max(0, s.ScanLimit-s.ScansUsed)
}

// ChatRemaining returns the chat turns left in the pool.
func (s *State) ChatRemaining() int {
	if s.Anonymous {
		return s.Chat.FreeTurnsRemaining
	}
	return s.Chat.Credits
}

func (s *State) clone() *State {
	cp := *s
	if s.PlanRenewsAt != nil {
		t := *s.PlanRenewsAt
		cp.PlanRenewsAt = &t
	}
	return &cp
}

// Kind names the exhausted budget.
type Kind string

const (
	KindScan Kind = "scan"
	KindChat Kind = "chat"
)

// ExceededError is returned when an identity has no budget left.
// ResetAt is zero for chat: the credit pool does not refill on a schedule.
type ExceededError struct {
	Kind       Kind
	Limit      int
	Used       int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	if e.Kind == KindScan {
		return fmt.Sprintf("scan quota exceeded (%d/%d), resets at %s", e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
	}
	return "chat credits exhausted"
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// ExceededFor builds the error describing why s refuses kind at now.
func ExceededFor(kind Kind, s *State, now time.Time) *ExceededError {
	if kind == KindChat {
		used := s.ChatTurnsUsed
		limit := s.Chat.Cap
		if !s.Anonymous {
			limit = 0
		}
		return &ExceededError{Kind: KindChat, Used: used, Limit: limit}
	}
	retry := s.NextResetAt.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return &ExceededError{
		Kind:       KindScan,
		Limit:      s.ScanLimit,
		Used:       s.ScansUsed,
		ResetAt:    s.NextResetAt,
		RetryAfter: retry,
	}
}
