package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/clicense/internal/identity"
	"github.com/mbd888/clicense/internal/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func fixedDraw(n int) func() int { return func() int { return n } }

func newTestLedger(t *testing.T, limit int, start time.Time) (*Ledger, *clock, *subscription.MemoryStore) {
	t.Helper()
	c := &clock{now: start}
	subs := subscription.NewMemoryStore()
	l := NewLedger(NewMemoryStore(), subs,
		WithPolicy(Policy{ResetHour: 23, Location: time.UTC, AnonFreeTurns: 2, SignupCredits: 20}),
		WithDraw(fixedDraw(limit)),
		WithClock(c.Now),
	)
	return l, c, subs
}

var morning = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func user(id string) identity.Identity {
	return identity.Authenticated(id, id+"@example.com", "", nil)
}

func TestLedger_LazyCreation(t *testing.T) {
	l, _, _ := newTestLedger(t, 12, morning)
	ctx := context.Background()

	anon, err := l.Snapshot(ctx, identity.Anonymous("s1"))
	require.NoError(t, err)
	assert.True(t, anon.Anonymous)
	assert.Equal(t, TierFree, anon.PlanTier)
	assert.Equal(t, 2, anon.Chat.FreeTurnsRemaining)
	assert.Equal(t, 2, anon.Chat.Cap)
	assert.Equal(t, 12, anon.ScanLimit)
	assert.Equal(t, time.Date(2026, 4, 10, 23, 0, 0, 0, time.UTC), anon.NextResetAt)

	acct, err := l.Snapshot(ctx, user("u1"))
	require.NoError(t, err)
	assert.False(t, acct.Anonymous)
	assert.Equal(t, 20, acct.Chat.Credits)

	seeded := 7
	acct2, err := l.Snapshot(ctx, identity.Authenticated("u2", "", "", &seeded))
	require.NoError(t, err)
	assert.Equal(t, 7, acct2.Chat.Credits)
}

func TestLedger_ZeroIdentityRejected(t *testing.T) {
	l, _, _ := newTestLedger(t, 10, morning)
	_, err := l.CheckScanAllowed(context.Background(), identity.Identity{})
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestLedger_FreeTierBlocksAfterLimitUntilReset(t *testing.T) {
	l, c, _ := newTestLedger(t, 10, morning)
	ctx := context.Background()
	id := user("u1")

	for i := 0; i < 10; i++ {
		ok, err := l.CheckScanAllowed(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "scan %d", i+1)
		require.NoError(t, l.RecordScan(ctx, id))
	}

	ok, err := l.CheckScanAllowed(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Set(time.Date(2026, 4, 10, 22, 59, 0, 0, time.UTC))
	ok, _ = l.CheckScanAllowed(ctx, id)
	assert.False(t, ok, "still blocked before the reset boundary")

	c.Set(time.Date(2026, 4, 10, 23, 0, 1, 0, time.UTC))
	ok, err = l.CheckScanAllowed(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	s, err := l.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, s.ScansUsed)
	assert.Equal(t, time.Date(2026, 4, 11, 23, 0, 0, 0, time.UTC), s.NextResetAt)
}

func TestLedger_CheckIsIdempotent(t *testing.T) {
	l, _, _ := newTestLedger(t, 10, morning)
	ctx := context.Background()
	id := identity.Anonymous("s1")

	require.NoError(t, l.RecordScan(ctx, id))
	before, err := l.Snapshot(ctx, id)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ok, err := l.CheckScanAllowed(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = l.CheckChatAllowed(ctx, id)
		require.NoError(t, err)
	}

	after, err := l.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.ScansUsed, after.ScansUsed)
	assert.Equal(t, before.Chat, after.Chat)
	assert.Equal(t, before.ScanLimit, after.ScanLimit)
}

func TestLedger_FourteenOfFifteen(t *testing.T) {
	l, _, _ := newTestLedger(t, 15, morning)
	ctx := context.Background()
	id := user("u1")

	for i := 0; i < 14; i++ {
		require.NoError(t, l.RecordScan(ctx, id))
	}
	ok, err := l.CheckScanAllowed(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "14 of 15 leaves one scan")

	_, err = l.ConsumeScan(ctx, id)
	require.NoError(t, err)

	ok, err = l.CheckScanAllowed(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "15 of 15 is exhausted")

	_, err = l.ConsumeScan(ctx, id)
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, KindScan, exceeded.Kind)
	assert.Equal(t, 15, exceeded.Limit)
	assert.Equal(t, 15, exceeded.Used)
	assert.Equal(t, 14*time.Hour, exceeded.RetryAfter)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestLedger_PaidTierAlwaysAllowed(t *testing.T) {
	l, _, _ := newTestLedger(t, 10, morning)
	ctx := context.Background()
	id := identity.Authenticated("u1", "", "Pro", nil)

	for i := 0; i < 50; i++ {
		_, err := l.ConsumeScan(ctx, id)
		require.NoError(t, err)
	}
	ok, err := l.CheckScanAllowed(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	s, err := l.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TierPro, s.PlanTier)
	assert.Equal(t, 0, s.ScansUsed)
	assert.Equal(t, -1, s.ScansRemaining())
}

func TestLedger_AnonymousChatCap(t *testing.T) {
	l, _, _ := newTestLedger(t, 10, morning)
	ctx := context.Background()
	id := identity.Anonymous("s1")

	for i := 0; i < 2; i++ {
		_, err := l.ConsumeChatTurn(ctx, id)
		require.NoError(t, err)
	}
	ok, err := l.CheckChatAllowed(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.ConsumeChatTurn(ctx, id)
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, KindChat, exceeded.Kind)
	assert.True(t, exceeded.ResetAt.IsZero())
}

func TestLedger_RecordChatTurnClampsAtZero(t *testing.T) {
	l, _, _ := newTestLedger(t, 10, morning)
	ctx := context.Background()
	zero := 0
	id := identity.Authenticated("u1", "", "", &zero)

	require.NoError(t, l.RecordChatTurn(ctx, id))
	s, err := l.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Chat.Credits)
	assert.Equal(t, 1, s.ChatTurnsUsed)
}

func TestLedger_ChatPoolSurvivesScanReset(t *testing.T) {
	l, c, _ := newTestLedger(t, 10, morning)
	ctx := context.Background()
	id := user("u1")

	_, err := l.ConsumeChatTurn(ctx, id)
	require.NoError(t, err)

	c.Set(morning.Add(48 * time.Hour))
	s, err := l.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 19, s.Chat.Credits)
}

func TestLedger_UpgradePlan(t *testing.T) {
	l, _, subs := newTestLedger(t, 10, morning)
	ctx := context.Background()
	id := user("u1")

	s, err := l.UpgradePlan(ctx, id, "Pro")
	require.NoError(t, err)
	assert.Equal(t, TierPro, s.PlanTier)
	assert.Equal(t, 500, s.Chat.Credits)
	require.NotNil(t, s.PlanRenewsAt)
	assert.Equal(t, morning.Add(30*24*time.Hour), *s.PlanRenewsAt)

	rec, err := subs.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Pro", rec.PlanName)
	assert.True(t, rec.Active())

	// Re-resolution keeps the tier on later mutations.
	s, err = l.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TierPro, s.PlanTier)

	s, err = l.UpgradePlan(ctx, id, "team")
	require.NoError(t, err)
	assert.Equal(t, TierTeam, s.PlanTier)
	assert.Equal(t, 2000, s.Chat.Credits)
}

func TestLedger_UpgradePlanRejectsAnonymous(t *testing.T) {
	l, _, _ := newTestLedger(t, 10, morning)
	_, err := l.UpgradePlan(context.Background(), identity.Anonymous("s1"), "pro")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestLedger_UpgradePlanRejectsUnknownTier(t *testing.T) {
	l, _, _ := newTestLedger(t, 10, morning)
	_, err := l.UpgradePlan(context.Background(), user("u1"), "platinum")
	assert.ErrorIs(t, err, ErrInvalidTier)
}

type failingSubs struct{ subscription.Store }

func (failingSubs) Upsert(context.Context, *subscription.Record) error {
	return errors.New("db down")
}

func (failingSubs) Latest(context.Context, string) (*subscription.Record, error) {
	return nil, errors.New("db down")
}

func TestLedger_UpgradeFailureLeavesStateUntouched(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, failingSubs{}, WithDraw(fixedDraw(10)), WithClock(func() time.Time { return morning }))
	ctx := context.Background()
	id := user("u1")

	before, err := l.Snapshot(ctx, id)
	require.NoError(t, err, "lookup failures fall back to the plan hint")
	assert.Equal(t, TierFree, before.PlanTier)

	_, err = l.UpgradePlan(ctx, id, "pro")
	assert.ErrorIs(t, err, ErrUpgradeFailed)

	after, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierFree, after.PlanTier)
	assert.Equal(t, 20, after.Chat.Credits)
	assert.Nil(t, after.PlanRenewsAt)
}

func TestLedger_CancelledSubscriptionFallsBackToHint(t *testing.T) {
	l, _, subs := newTestLedger(t, 10, morning)
	ctx := context.Background()
	id := user("u1")

	_, err := l.UpgradePlan(ctx, id, "pro")
	require.NoError(t, err)

	rec, err := subs.Latest(ctx, "u1")
	require.NoError(t, err)
	rec.Status = subscription.StatusCancelled
	require.NoError(t, subs.Upsert(ctx, rec))

	s, err := l.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TierFree, s.PlanTier)
	assert.Equal(t, 500, s.Chat.Credits, "credits already granted are kept")
}

func TestLedger_ConcurrentConsumptionNeverExceedsLimit(t *testing.T) {
	l, _, _ := newTestLedger(t, 12, morning)
	ctx := context.Background()
	id := user("u1")

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.ConsumeScan(ctx, id); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(12), granted.Load())
	s, err := l.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 12, s.ScansUsed)
}

func TestLedger_IdentitiesAreIndependent(t *testing.T) {
	l, _, _ := newTestLedger(t, 10, morning)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.ConsumeScan(ctx, user("a"))
		require.NoError(t, err)
	}
	ok, err := l.CheckScanAllowed(ctx, user("b"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_FailedMutationPersistsNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Mutate(ctx, "x", func(st *State, created bool) error {
		st.ScansUsed = 5
		return errors.New("nope")
	})
	require.Error(t, err)
	_, err = s.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	unlock, err := s.locks.Lock(ctx, "x")
	require.NoError(t, err)
	defer unlock()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Mutate(cctx, "x", func(*State, bool) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
