// Package breaker implements the consecutive-failure circuit breaker that
// guards the inbound bridge path. The breaker counts consecutive engine
// failures; once the count reaches the configured threshold it trips open
// and the bridge answers requests locally instead of touching the broker.
//
// # State derivation
//
// The breaker never stores its state as an enum. State is derived on every
// read from two fields: the consecutive-failure count and the timestamp of
// the failure that tripped it. While the count is below the threshold the
// breaker is closed. Once tripped, it is open until the cooldown has
// elapsed, after which it reports half-open: probe traffic is admitted and
// its outcome either closes the breaker (a success) or re-opens it with a
// fresh cooldown (a failure re-stamps the trip timestamp).
//
// # Thread safety
//
// Breaker is safe for concurrent use. Both fields are atomics; no lock is
// held on any path.
package breaker

import (
	"sync/atomic"
	"time"
)

const (
	// DefaultThreshold is the number of consecutive failures after which
	// the breaker trips.
	DefaultThreshold = 5

	// DefaultCooldown is how long the breaker stays open after tripping
	// before it admits a probe request.
	DefaultCooldown = 15 * time.Second
)

// State is the derived breaker state.
type State int

const (
	// StateClosed means the breaker is passing all traffic.
	StateClosed State = iota
	// StateOpen means the breaker is rejecting traffic until the cooldown
	// elapses.
	StateOpen
	// StateHalfOpen means the cooldown has elapsed and probe traffic is
	// admitted; the next outcome decides between closed and open.
	StateHalfOpen
)

// String implements fmt.Stringer for log output.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Option customises a Breaker created by New.
type Option func(*Breaker)

// WithClock replaces the breaker's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// Breaker is a consecutive-failure circuit breaker. Create one with New;
// the zero value is not usable.
type Breaker struct {
	threshold int64
	cooldown  time.Duration
	now       func() time.Time

	failures atomic.Int64
	openedAt atomic.Int64 // unix nanoseconds of the failure that tripped the breaker
}

// New creates a Breaker. Non-positive threshold or cooldown values fall
// back to DefaultThreshold and DefaultCooldown.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &Breaker{
		threshold: int64(threshold),
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RecordSuccess closes the breaker from any state: the failure count and
// the trip timestamp are both reset.
func (b *Breaker) RecordSuccess() {
	b.failures.Store(0)
	b.openedAt.Store(0)
}

// RecordFailure increments the consecutive-failure count. When the count
// reaches the threshold the trip timestamp is set to now; every further
// failure while tripped re-stamps it, restarting the cooldown. A failure
// during half-open therefore re-opens the breaker for a full cooldown.
func (b *Breaker) RecordFailure() {
	if b.failures.Add(1) >= b.threshold {
		b.openedAt.Store(b.now().UnixNano())
	}
}

// State derives the current state from the failure count and trip
// timestamp.
func (b *Breaker) State() State {
	if b.failures.Load() < b.threshold {
		return StateClosed
	}
	if b.now().UnixNano()-b.openedAt.Load() >= int64(b.cooldown) {
		return StateHalfOpen
	}
	return StateOpen
}

// Open reports whether the breaker is currently rejecting traffic.
func (b *Breaker) Open() bool {
	return b.State() == StateOpen
}

// HalfOpen reports whether the breaker is admitting probe traffic.
func (b *Breaker) HalfOpen() bool {
	return b.State() == StateHalfOpen
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	return int(b.failures.Load())
}
