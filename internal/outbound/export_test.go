package outbound

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ProcessEntry exposes processEntry for tests.
func (w *Worker) ProcessEntry(ctx context.Context, msg redis.XMessage) {
	w.processEntry(ctx, msg)
}

// SetPendingCount replaces the pending-list inspection for tests.
func (w *Worker) SetPendingCount(fn func(ctx context.Context, id string) int64) {
	w.pendingCount = fn
}

// Jitter and NextDelay expose the backoff helpers for tests.
var (
	Jitter    = jitter
	NextDelay = nextDelay
)

// SplitFields exposes flatten for tests.
var SplitFields = flatten
