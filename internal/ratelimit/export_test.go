package ratelimit

import "time"

// SetClock replaces the alerter's time source for tests.
func (a *Alerter) SetClock(now func() time.Time) {
	a.now = now
}
