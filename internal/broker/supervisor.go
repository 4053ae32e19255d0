// Package broker maintains the plugin's two Redis connections and repairs
// them when they drop.
//
// # Two clients
//
// The bridge holds a "normal" client for appends, acknowledgements and
// pending-list inspection, and a separate "blocking" client used only for
// blocking reads (the rendezvous BLPOP and the consumer-group XREADGROUP).
// A blocking command parks its connection; sharing one client between
// blocking reads and command traffic would let a single stuck read
// serialise everything else. The split is mandatory, not an optimisation.
//
// # Readiness
//
// Readiness is never cached as a boolean. Ready re-derives it on every
// call by pinging both clients with a short budget, so a connection that
// died without surfacing an event is still detected at the next use.
//
// # Auto-repair
//
// EnsureConnected restores readiness with a single-flight guard: the first
// caller performs the repair while concurrent callers poll for readiness
// instead of piling their own reconnect attempts onto a broker that is
// already struggling.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream and key names shared by the engine and this plugin.
const (
	// StreamInbound carries user messages from the bridge to the engine.
	StreamInbound = "bridge:inbound"
	// StreamOutbound carries engine-initiated messages back to users.
	StreamOutbound = "bridge:outbound"
	// ResponseKeyPrefix prefixes the single-use rendezvous list keys.
	ResponseKeyPrefix = "bridge:response:"
)

const (
	// connectTimeout bounds the initial readiness wait at service start.
	connectTimeout = 10 * time.Second
	// defaultRepairWindow bounds one auto-repair attempt.
	defaultRepairWindow = 3 * time.Second
	// defaultRepairPoll is the readiness polling interval during repair.
	defaultRepairPoll = 200 * time.Millisecond
	// defaultPingTimeout bounds a single readiness ping.
	defaultPingTimeout = time.Second
)

// ResponseKey returns the rendezvous key for one correlation id.
func ResponseKey(correlationID string) string {
	return ResponseKeyPrefix + correlationID
}

// Option customises a Supervisor created by New.
type Option func(*Supervisor)

// WithRepairWindow shortens or lengthens the auto-repair budget and its
// polling interval. Intended for tests.
func WithRepairWindow(window, poll time.Duration) Option {
	return func(s *Supervisor) {
		s.repairWindow = window
		s.repairPoll = poll
	}
}

// WithPingTimeout bounds a single readiness ping. Intended for tests.
func WithPingTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.pingTimeout = d
	}
}

// Supervisor owns the two Redis clients and their repair logic. Create one
// with New; call Connect before first use.
type Supervisor struct {
	client   *redis.Client
	blocking *redis.Client
	logger   *slog.Logger

	repairWindow time.Duration
	repairPoll   time.Duration
	pingTimeout  time.Duration

	reconnectInFlight atomic.Bool
}

// New parses redisURL and creates the two clients. Per-command retries are
// disabled on both: go-redis would otherwise re-issue a timed-out blocking
// read, and a BLPOP retried after its pop has been consumed elsewhere
// would hang for a second full timeout.
func New(redisURL string, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	base, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}
	base.MaxRetries = -1

	blockingOpts := *base
	s := &Supervisor{
		client:       redis.NewClient(base),
		blocking:     redis.NewClient(&blockingOpts),
		logger:       logger,
		repairWindow: defaultRepairWindow,
		repairPoll:   defaultRepairPoll,
		pingTimeout:  defaultPingTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Client returns the normal client for appends, acks, group management and
// pending inspection.
func (s *Supervisor) Client() *redis.Client {
	return s.client
}

// Blocking returns the client reserved for blocking reads.
func (s *Supervisor) Blocking() *redis.Client {
	return s.blocking
}

// Connect verifies both clients within a 10 second budget. It is called
// once at service start; a failure aborts the start.
func (s *Supervisor) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker: normal client not ready: %w", err)
	}
	if err := s.blocking.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker: blocking client not ready: %w", err)
	}
	return nil
}

// Ready re-derives readiness by pinging both clients with a short budget.
// It never consults a cached flag.
func (s *Supervisor) Ready(ctx context.Context) bool {
	return s.ping(ctx, s.client) && s.ping(ctx, s.blocking)
}

func (s *Supervisor) ping(ctx context.Context, c *redis.Client) bool {
	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	return c.Ping(pingCtx).Err() == nil
}

// EnsureConnected returns true when the broker is reachable, repairing the
// connections if necessary. Only one caller performs the repair; the rest
// wait for its outcome by polling readiness for the repair window.
func (s *Supervisor) EnsureConnected(ctx context.Context) bool {
	if s.Ready(ctx) {
		return true
	}

	if !s.reconnectInFlight.CompareAndSwap(false, true) {
		// Someone else is repairing; wait for their result.
		return s.awaitReady(ctx)
	}
	defer s.reconnectInFlight.Store(false)

	s.logger.Warn("broker: connection lost, attempting repair")

	// The pools redial broken connections on use; pinging both clients
	// forces that redial. Errors here only mean the broker is still down,
	// so they are logged and the poll below decides the outcome.
	for _, c := range []*redis.Client{s.client, s.blocking} {
		if err := c.Ping(ctx).Err(); err != nil {
			s.logger.Debug("broker: repair ping failed", slog.String("error", err.Error()))
		}
	}

	ok := s.awaitReady(ctx)
	if ok {
		s.logger.Info("broker: connection repaired")
	} else {
		s.logger.Error("broker: connection repair failed",
			slog.Duration("window", s.repairWindow),
		)
	}
	return ok
}

// awaitReady polls readiness every repairPoll for up to repairWindow.
func (s *Supervisor) awaitReady(ctx context.Context) bool {
	deadline := time.Now().Add(s.repairWindow)
	for {
		if s.Ready(ctx) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.repairPoll):
		}
	}
}

// Close shuts both clients down, swallowing errors so shutdown is always
// clean.
func (s *Supervisor) Close() {
	_ = s.client.Close()
	_ = s.blocking.Close()
}
