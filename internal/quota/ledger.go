package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/clicense/internal/identity"
	"github.com/mbd888/clicense/internal/idgen"
	"github.com/mbd888/clicense/internal/logging"
	"github.com/mbd888/clicense/internal/metrics"
	"github.com/mbd888/clicense/internal/subscription"
	"github.com/mbd888/clicense/internal/traces"
)

// Ledger applies the quota rules on top of a Store.
type Ledger struct {
	store  Store
	subs   subscription.Store
	policy Policy
	draw   func() int
	now    func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithPolicy overrides the default policy.
func WithPolicy(p Policy) Option {
	return func(l *Ledger) { l.policy = p.withDefaults() }
}

// WithDraw injects the scan limit source.
func WithDraw(draw func() int) Option {
	return func(l *Ledger) { l.draw = draw }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger. A nil subscription store means plan records
// are kept in memory.
func NewLedger(store Store, subs subscription.Store, opts ...Option) *Ledger {
	if subs == nil {
		subs = subscription.NewMemoryStore()
	}
	l := &Ledger{
		store:  store,
		subs:   subs,
		policy: DefaultPolicy(),
		draw:   RandomDraw,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the active quota policy.
func (l *Ledger) Policy() Policy { return l.policy }

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// CheckScanAllowed reports whether id may start a scan. It never consumes
// budget; it may create the state or apply a due reset.
func (l *Ledger) CheckScanAllowed(ctx context.Context, id identity.Identity) (bool, error) {
	s, err := l.mutate(ctx, id, nil)
	if err != nil {
		return false, err
	}
	return s.ScanAllowed(), nil
}

// RecordScan counts one completed scan. Paid tiers are not counted.
func (l *Ledger) RecordScan(ctx context.Context, id identity.Identity) error {
	_, err := l.mutate(ctx, id, func(s *State) error {
		if !s.PlanTier.Paid() {
			s.ScansUsed++
		}
		return nil
	})
	return err
}

// CheckChatAllowed reports whether id has chat budget left.
func (l *Ledger) CheckChatAllowed(ctx context.Context, id identity.Identity) (bool, error) {
	s, err := l.mutate(ctx, id, nil)
	if err != nil {
		return false, err
	}
	return s.ChatAllowed(), nil
}

// RecordChatTurn debits one unit from the chat pool, never below zero.
func (l *Ledger) RecordChatTurn(ctx context.Context, id identity.Identity) error {
	_, err := l.mutate(ctx, id, func(s *State) error {
		debitChat(s)
		return nil
	})
	return err
}

// ConsumeScan checks and records a scan in one atomic step. It returns an
// *ExceededError when the daily limit is already reached.
func (l *Ledger) ConsumeScan(ctx context.Context, id identity.Identity) (*State, error) {
	now := l.now()
	return l.mutate(ctx, id, func(s *State) error {
		if !s.ScanAllowed() {
			return ExceededFor(KindScan, s, now)
		}
		if !s.PlanTier.Paid() {
			s.ScansUsed++
		}
		return nil
	})
}

// ConsumeChatTurn checks and debits a chat turn in one atomic step.
func (l *Ledger) ConsumeChatTurn(ctx context.Context, id identity.Identity) (*State, error) {
	now := l.now()
	return l.mutate(ctx, id, func(s *State) error {
		if !s.ChatAllowed() {
			return ExceededFor(KindChat, s, now)
		}
		debitChat(s)
		return nil
	})
}

// Snapshot returns the current state of id, creating it if needed.
func (l *Ledger) Snapshot(ctx context.Context, id identity.Identity) (*State, error) {
	return l.mutate(ctx, id, nil)
}

// UpgradePlan moves an authenticated identity to plan. The subscription
// record is written first; credits are granted only once it is stored.
func (l *Ledger) UpgradePlan(ctx context.Context, id identity.Identity, plan string) (*State, error) {
	tier, err := ParseTier(plan)
	if err != nil {
		return nil, err
	}
	if id.Anonymous || id.IsZero() {
		return nil, ErrUnknownIdentity
	}

	ctx, span := traces.StartSpan(ctx, "quota.upgrade", traces.IdentityID(id.ID), traces.PlanTier(string(tier)))
	defer span.End()

	now := l.now()
	renews := now.Add(PlanPeriod)
	record := &subscription.Record{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    id.ID,
		PlanName:  tier.DisplayName(),
		Status:    subscription.StatusActive,
		RenewsAt:  &renews,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.subs.Upsert(ctx, record); err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("%w: write plan record: %w", ErrUpgradeFailed, err)
	}

	s, err := l.store.Mutate(ctx, id.ID, func(s *State, created bool) error {
		l.prepare(s, created, id, tier, now)
		s.PlanTier = tier
		s.Chat.Credits = CreditAllotment(tier)
		s.PlanRenewsAt = &renews
		return nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("%w: %w", ErrUpgradeFailed, err)
	}

	metrics.PlanUpgradesTotal.WithLabelValues(string(tier)).Inc()
	logging.L(ctx).Info("plan upgraded", "tier", tier, "credits", s.Chat.Credits)
	return s, nil
}

// mutate runs edit on the state of id after lazy creation, a due reset and
// plan re-resolution. A nil edit only normalizes the state.
func (l *Ledger) mutate(ctx context.Context, id identity.Identity, edit func(*State) error) (*State, error) {
	if id.IsZero() {
		return nil, ErrUnknownIdentity
	}
	ctx, span := traces.StartSpan(ctx, "quota.mutate", traces.IdentityID(id.ID), traces.Anonymous(id.Anonymous))
	defer span.End()

	tier := l.resolveTier(ctx, id)
	now := l.now()

	s, err := l.store.Mutate(ctx, id.ID, func(s *State, created bool) error {
		l.prepare(s, created, id, tier, now)
		if edit != nil {
			return edit(s)
		}
		return nil
	})
	var exceeded *ExceededError
	if err != nil && !errors.As(err, &exceeded) {
		traces.Fail(span, err)
	}
	return s, err
}

// prepare creates, resets and re-tiers s in place.
func (l *Ledger) prepare(s *State, created bool, id identity.Identity, tier Tier, now time.Time) {
	if created {
		s.IdentityID = id.ID
		s.Anonymous = id.Anonymous
		s.ScanLimit = clampLimit(l.draw())
		s.NextResetAt = NextReset(now, l.policy.ResetHour, l.policy.Location)
		s.CreatedAt = now
		if id.Anonymous {
			s.Chat.Cap = l.policy.AnonFreeTurns
			s.Chat.FreeTurnsRemaining = l.policy.AnonFreeTurns
		} else if id.Credits != nil {
			s.Chat.Credits = max(0, *id.Credits)
		} else {
			s.Chat.Credits = l.policy.SignupCredits
		}
	}
	if now.After(s.NextResetAt) {
		s.ScansUsed = 0
		s.ScanLimit = clampLimit(l.draw())
		s.NextResetAt = NextReset(now, l.policy.ResetHour, l.policy.Location)
	}
	s.PlanTier = tier
	s.UpdatedAt = now
}

// resolveTier looks up the plan of id. Lookup failures fall back to the
// identity provider's hint.
func (l *Ledger) resolveTier(ctx context.Context, id identity.Identity) Tier {
	if id.Anonymous {
		return TierFree
	}
	record, err := l.subs.Latest(ctx, id.ID)
	if err != nil {
		if !errors.Is(err, subscription.ErrNotFound) {
			logging.L(ctx).Warn("subscription lookup failed, using plan hint", "error", err)
		}
		record = nil
	}
	return ResolvePlanTier(record, id.PlanHint)
}

func debitChat(s *State) {
	if s.Anonymous {
		s.Chat.FreeTurnsRemaining = max(0, s.Chat.FreeTurnsRemaining-1)
	} else {
		s.Chat.Credits = max(0, s.Chat.Credits-1)
	}
	s.ChatTurnsUsed++
}
