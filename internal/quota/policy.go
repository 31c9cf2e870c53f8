package quota

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mbd888/clicense/internal/subscription"
)

const (
	MinScanLimit = 10
	MaxScanLimit = 15

	DefaultResetHour     = 23
	DefaultAnonFreeTurns = 2
	DefaultSignupCredits = 20

	// PlanPeriod is how long a plan runs before renewal.
	PlanPeriod = 30 * 24 * time.Hour
)

// Policy holds the tunable quota rules.
type Policy struct {
	ResetHour     int
	Location      *time.Location
	AnonFreeTurns int
	SignupCredits int
}

// DefaultPolicy returns the production policy in the local time zone.
func DefaultPolicy() Policy {
	return Policy{
		ResetHour:     DefaultResetHour,
		Location:      time.Local,
		AnonFreeTurns: DefaultAnonFreeTurns,
		SignupCredits: DefaultSignupCredits,
	}
}

func (p Policy) withDefaults() Policy {
	if p.ResetHour < 0 || p.ResetHour > 23 {
		p.ResetHour = DefaultResetHour
	}
	if p.Location == nil {
		p.Location = time.Local
	}
	if p.AnonFreeTurns <= 0 {
		p.AnonFreeTurns = DefaultAnonFreeTurns
	}
	if p.SignupCredits < 0 {
		p.SignupCredits = DefaultSignupCredits
	}
	return p
}

// NextReset returns the first hour:00 wall-clock boundary in loc strictly
// after now.
func NextReset(now time.Time, hour int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(now) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}

// ResolvePlanTier merges the two plan sources: an active subscription record
// for a known tier wins, then the identity provider's metadata hint, then free.
func ResolvePlanTier(record *subscription.Record, hint string) Tier {
	if record.Active() {
		if t, err := ParseTier(record.PlanName); err == nil && t.Paid() {
			return t
		}
	}
	if t, err := ParseTier(hint); err == nil {
		return t
	}
	return TierFree
}

// RandomDraw draws scan limits uniformly from [MinScanLimit, MaxScanLimit].
func RandomDraw() int {
	return MinScanLimit + rand.IntN(MaxScanLimit-MinScanLimit+1)
}

// SeededDraw returns a reproducible, concurrency-safe scan limit source.
func SeededDraw(seed uint64) func() int {
	var mu sync.Mutex
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return MinScanLimit + r.IntN(MaxScanLimit-MinScanLimit+1)
	}
}

// clampLimit keeps injected draws inside the allowed range.
func clampLimit(n int) int {
	return min(max(n, MinScanLimit), MaxScanLimit)
}
