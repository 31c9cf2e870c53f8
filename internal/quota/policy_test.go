package quota

import (
	"testing"
	"time"

	"github.com/mbd888/clicense/internal/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"free": TierFree, "Pro": TierPro, " TEAM ": TierTeam} {
		got, err := ParseTier(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTier("enterprise")
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestCreditAllotment(t *testing.T) {
	assert.Equal(t, 20, CreditAllotment(TierFree))
	assert.Equal(t, 500, CreditAllotment(TierPro))
	assert.Equal(t, 2000, CreditAllotment(TierTeam))
}

func TestNextReset(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"morning", time.Date(2026, 5, 4, 9, 30, 0, 0, loc), time.Date(2026, 5, 4, 23, 0, 0, 0, loc)},
		{"just before", time.Date(2026, 5, 4, 22, 59, 59, 0, loc), time.Date(2026, 5, 4, 23, 0, 0, 0, loc)},
		{"exactly at boundary", time.Date(2026, 5, 4, 23, 0, 0, 0, loc), time.Date(2026, 5, 5, 23, 0, 0, 0, loc)},
		{"late night", time.Date(2026, 5, 4, 23, 45, 0, 0, loc), time.Date(2026, 5, 5, 23, 0, 0, 0, loc)},
		{"month end", time.Date(2026, 5, 31, 23, 30, 0, 0, loc), time.Date(2026, 6, 1, 23, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextReset(tt.now, 23, loc)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			assert.True(t, got.After(tt.now))
		})
	}
}

func TestNextReset_Monotonic(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	now := time.Date(2026, 3, 7, 12, 0, 0, 0, loc)
	prev := NextReset(now, 23, loc)
	for i := 0; i < 72; i++ {
		now = now.Add(time.Hour)
		next := NextReset(now, 23, loc)
		assert.False(t, next.Before(prev), "reset moved backwards at %s", now)
		assert.Equal(t, 23, next.In(loc).Hour())
		prev = next
	}
}

func TestResolvePlanTier(t *testing.T) {
	active := &subscription.Record{PlanName: "Pro", Status: subscription.StatusActive}
	paused := &subscription.Record{PlanName: "Team", Status: subscription.StatusPaused}

	assert.Equal(t, TierPro, ResolvePlanTier(active, ""))
	assert.Equal(t, TierPro, ResolvePlanTier(active, "team"))
	assert.Equal(t, TierFree, ResolvePlanTier(paused, ""))
	assert.Equal(t, TierTeam, ResolvePlanTier(paused, "Team"))
	assert.Equal(t, TierPro, ResolvePlanTier(nil, "PRO"))
	assert.Equal(t, TierFree, ResolvePlanTier(nil, "gold"))
	assert.Equal(t, TierFree, ResolvePlanTier(nil, ""))
}

func TestDraws_StayInRange(t *testing.T) {
	seeded := SeededDraw(42)
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		a, b := RandomDraw(), seeded()
		assert.GreaterOrEqual(t, a, MinScanLimit)
		assert.LessOrEqual(t, a, MaxScanLimit)
		seen[b] = true
	}
	assert.Len(t, seen, MaxScanLimit-MinScanLimit+1, "every limit in range should be drawn")

	again := SeededDraw(42)
	first := SeededDraw(42)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first(), again())
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 10, clampLimit(3))
	assert.Equal(t, 15, clampLimit(99))
	assert.Equal(t, 12, clampLimit(12))
}
