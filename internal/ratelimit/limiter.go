// Package ratelimit implements the sliding-window rate limiter that bounds
// how many requests the bridge forwards to the engine, plus a best-effort
// alerter that notifies an operator chat when a limit is hit.
//
// # Windows
//
// The limiter keeps one ordered sequence of request timestamps globally and
// one per agent. On every Check both windows are pruned of entries older
// than one hour, then compared against the per-agent and global budgets, in
// that order. Record appends the same timestamp to both windows; call it
// only after a successful Check for the same request.
//
// # Thread safety
//
// A single mutex guards all windows. Callers on the inbound hot path hold
// the check/record pair back to back for one request; the mutex makes each
// call atomic, and the design assumes no interleaving check for the same
// request between the two.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultGlobalPerHour is the default hourly budget across all agents.
	DefaultGlobalPerHour = 60
	// DefaultAgentPerHour is the default hourly budget per agent.
	DefaultAgentPerHour = 20

	// window is the width of the sliding window.
	window = time.Hour
)

// Option customises a Limiter created by New.
type Option func(*Limiter)

// WithClock replaces the limiter's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter enforces hourly request budgets, globally and per agent. Create
// one with New.
type Limiter struct {
	globalPerHour int
	agentPerHour  int
	now           func() time.Time

	mu       sync.Mutex
	global   []time.Time
	perAgent map[string][]time.Time
}

// New creates a Limiter. Non-positive budgets fall back to the defaults.
func New(globalPerHour, agentPerHour int, opts ...Option) *Limiter {
	if globalPerHour <= 0 {
		globalPerHour = DefaultGlobalPerHour
	}
	if agentPerHour <= 0 {
		agentPerHour = DefaultAgentPerHour
	}
	l := &Limiter{
		globalPerHour: globalPerHour,
		agentPerHour:  agentPerHour,
		now:           time.Now,
		perAgent:      make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check prunes the global and agent windows and reports whether a request
// for agentID is allowed. The returned message is empty when allowed, and
// a user-facing denial otherwise: the per-agent budget is checked first,
// then the global one.
func (l *Limiter) Check(agentID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	l.global = prune(l.global, cutoff)
	agentWin := prune(l.perAgent[agentID], cutoff)
	if len(agentWin) == 0 {
		delete(l.perAgent, agentID)
	} else {
		l.perAgent[agentID] = agentWin
	}

	if len(agentWin) >= l.agentPerHour {
		return fmt.Sprintf("Limite horaire atteinte pour l'agent %s (%d requêtes/heure). Réessayez plus tard.", agentID, l.agentPerHour)
	}
	if len(l.global) >= l.globalPerHour {
		return fmt.Sprintf("Limite horaire globale atteinte (%d requêtes/heure). Réessayez plus tard.", l.globalPerHour)
	}
	return ""
}

// Record charges one request to both the global window and agentID's
// window, using a single shared timestamp. Call only after Check allowed
// the request.
func (l *Limiter) Record(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.global = append(l.global, now)
	l.perAgent[agentID] = append(l.perAgent[agentID], now)
}

// Stats returns the pruned global window size and the per-agent window
// sizes. Agents with empty windows are omitted.
func (l *Limiter) Stats() (globalCount int, perAgent map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	l.global = prune(l.global, cutoff)

	perAgent = make(map[string]int)
	for id, win := range l.perAgent {
		win = prune(win, cutoff)
		if len(win) == 0 {
			delete(l.perAgent, id)
			continue
		}
		l.perAgent[id] = win
		perAgent[id] = len(win)
	}
	return len(l.global), perAgent
}

// prune drops timestamps at or before cutoff. Windows are append-only and
// therefore ordered, so the survivors are a suffix.
func prune(win []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(win) && !win[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return win
	}
	return append([]time.Time(nil), win[i:]...)
}
