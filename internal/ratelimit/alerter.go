package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawdbot/redis-bridge/internal/gateway"
)

// DefaultAlertCooldown is the minimum spacing between operator alerts.
const DefaultAlertCooldown = 300 * time.Second

// Alerter sends a best-effort notification to an operator chat when a rate
// limit fires. It is itself rate limited by a cooldown so that a burst of
// denied requests produces a single alert. Failures are logged and never
// propagated; the caller fires and forgets.
type Alerter struct {
	chatID   string
	channel  string
	cooldown time.Duration
	runner   gateway.Runner
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	lastAlertAt time.Time
}

// NewAlerter creates an Alerter delivering to chatID on channel through
// runner. An empty chatID disables alerting. A non-positive cooldown falls
// back to DefaultAlertCooldown.
func NewAlerter(chatID, channel string, cooldown time.Duration, runner gateway.Runner, logger *slog.Logger) *Alerter {
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}
	return &Alerter{
		chatID:   chatID,
		channel:  channel,
		cooldown: cooldown,
		runner:   runner,
		logger:   logger,
		now:      time.Now,
	}
}

// Send delivers one alert describing reason and agentID, unless alerting is
// disabled or an alert was sent within the cooldown. Delivery errors are
// logged at WARN and swallowed.
func (a *Alerter) Send(ctx context.Context, reason, agentID string) {
	if a == nil || a.chatID == "" {
		return
	}

	a.mu.Lock()
	now := a.now()
	if !a.lastAlertAt.IsZero() && now.Sub(a.lastAlertAt) < a.cooldown {
		a.mu.Unlock()
		return
	}
	a.lastAlertAt = now
	a.mu.Unlock()

	msg := fmt.Sprintf("⚠️ Bridge rate limit: %s (agent: %s)", reason, agentID)
	if err := a.runner.Send(ctx, a.channel, a.chatID, msg, ""); err != nil {
		a.logger.Warn("ratelimit: alert delivery failed",
			slog.String("chat_id", a.chatID),
			slog.String("error", err.Error()),
		)
	}
}
