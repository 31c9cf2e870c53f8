// Package circuitbreaker guards calls to upstream services (content
// extraction, completion). Each key moves closed → open → half-open.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/mbd888/clicense/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of one key.
type Status struct {
	State    State
	Failures int
	// RetryAt is when an open circuit admits its next probe. Zero unless open.
	RetryAt time.Time
}

// entry tracks per-key circuit state.
type entry struct {
	state       State
	failures    int
	openedAt    time.Time
	probeSentAt time.Time
}

// Breaker is a per-key circuit breaker. It trips open after threshold
// consecutive failures. After openDuration one probe is let through; a
// probe that never reports back expires after another openDuration.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	b := &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnTransition sets a callback invoked on state changes. It runs on its
// own goroutine.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow returns true if a request to key should be allowed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	now := b.now()
	switch e.state {
	case StateOpen:
		if now.Sub(e.openedAt) < b.openDuration {
			return false
		}
		b.transition(e, key, StateHalfOpen)
		e.probeSentAt = now
		return true
	case StateHalfOpen:
		// Lost probe (caller cancelled before reporting): send another.
		if now.Sub(e.probeSentAt) >= b.openDuration {
			e.probeSentAt = now
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state != StateClosed {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failed call. A failed probe reopens the circuit
// at once; a closed circuit opens at the threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	switch {
	case e.state == StateHalfOpen:
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	}
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	return b.Status(key).State
}

// Status returns state, failure count and next probe time for key.
func (b *Breaker) Status(key string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return Status{State: StateClosed}
	}
	st := Status{State: e.state, Failures: e.failures}
	if e.state == StateOpen {
		st.RetryAt = e.openedAt.Add(b.openDuration)
	}
	return st
}

// transition changes state and fires the callback if set.
// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to

	metrics.UpstreamCircuitTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	open := 0.0
	if to == StateOpen {
		open = 1
	}
	metrics.UpstreamCircuitOpen.WithLabelValues(key).Set(open)

	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
