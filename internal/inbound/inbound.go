// Package inbound implements the request path of the bridge: the
// before-reply hook that routes bridged agents' commands through the
// engine, and the explicit redis_bridge tool.
//
// The hook must be total. Whatever happens — broker down, engine silent,
// a panic in a dependency — it returns a reply for a bridged agent, never
// an error and never a panic, because an escaped failure would make the
// host fall back silently to its built-in model.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clawdbot/redis-bridge/internal/breaker"
	"github.com/clawdbot/redis-bridge/internal/broker"
	"github.com/clawdbot/redis-bridge/internal/config"
	"github.com/clawdbot/redis-bridge/internal/gateway"
	"github.com/clawdbot/redis-bridge/internal/metrics"
	"github.com/clawdbot/redis-bridge/internal/ratelimit"
)

// protocolVersion is stamped on every inbound entry.
const protocolVersion = "1"

// User-facing replies. The timeout and engine-error strings are part of
// the engine contract and must not be reworded; the rest are localized
// for the operator's user base.
const (
	heartbeatReply   = "HEARTBEAT_OK"
	timeoutReply     = "The engine did not respond in time. Please try again."
	engineErrPrefix  = "Engine error: "
	unavailableReply = "Le moteur est temporairement indisponible. Réessayez dans quelques instants."
	connLostReply    = "Connexion au moteur perdue. Réessayez dans quelques instants."
	internalReply    = "Le moteur a rencontré une erreur. Réessayez plus tard."
)

// heartbeatMarkers short-circuit gateway keep-alives before any other
// processing; the engine has no semantics for them.
var heartbeatMarkers = []string{"HEARTBEAT_OK", "Read HEARTBEAT.md"}

// errTimeout marks a rendezvous pop that expired with no engine response.
// It is the only exchange failure reported to the user as a timeout; every
// other failure (a broken append, a pop error) is an internal error.
var errTimeout = errors.New("inbound: engine response timed out")

// engineReply is the JSON shape the engine pushes onto the rendezvous key.
type engineReply struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// Bridge routes inbound commands to the engine over the broker. Create one
// with New; register Hook and ToolFactory with the host.
type Bridge struct {
	cfg     *config.Config
	sup     *broker.Supervisor
	brk     *breaker.Breaker
	limiter *ratelimit.Limiter
	alerter *ratelimit.Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Bridge. alerter may be nil (alerting disabled); m may be
// nil, in which case fresh metrics are allocated.
func New(cfg *config.Config, sup *broker.Supervisor, brk *breaker.Breaker, limiter *ratelimit.Limiter, alerter *ratelimit.Alerter, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if m == nil {
		m = metrics.New()
	}
	return &Bridge{
		cfg:     cfg,
		sup:     sup,
		brk:     brk,
		limiter: limiter,
		alerter: alerter,
		metrics: m,
		logger:  logger,
	}
}

// Hook returns the before-reply hook. For bridged agents it always returns
// a reply; for everyone else it returns nil so the host proceeds normally.
func (b *Bridge) Hook() gateway.Hook {
	return func(ctx context.Context, ev *gateway.Event) (reply *gateway.Reply) {
		if !b.cfg.Bridged(ev.Agent) {
			return nil
		}

		// Totality guard: a panic anywhere below must still produce a
		// reply, or the host silently falls back to its built-in model.
		correlationID := uuid.NewString()
		defer func() {
			if r := recover(); r != nil {
				b.brk.RecordFailure()
				b.metrics.InboundErrors.Add(1)
				b.logger.Error("inbound: hook panic",
					slog.String("correlationId", correlationID),
					slog.Any("panic", r),
				)
				reply = &gateway.Reply{Text: internalReply, IsError: true}
			}
		}()

		if isHeartbeat(ev.Body) {
			b.metrics.Heartbeats.Add(1)
			return &gateway.Reply{Text: heartbeatReply}
		}

		if denial := b.limiter.Check(ev.Agent); denial != "" {
			b.metrics.RateLimited.Add(1)
			b.logger.Warn("inbound: rate limited",
				slog.String("agent", ev.Agent),
				slog.String("denial", denial),
			)
			// Fire-and-forget: the user's reply must not wait on the
			// operator alert.
			go b.alerter.Send(context.WithoutCancel(ctx), denial, ev.Agent)
			return &gateway.Reply{Text: denial, IsError: true}
		}
		b.limiter.Record(ev.Agent)

		switch b.brk.State() {
		case breaker.StateOpen:
			b.metrics.BreakerRejections.Add(1)
			b.logger.Warn("inbound: breaker open, rejecting",
				slog.String("agent", ev.Agent),
				slog.Int("failures", b.brk.Failures()),
			)
			return &gateway.Reply{Text: unavailableReply, IsError: true}
		case breaker.StateHalfOpen:
			b.logger.Info("inbound: breaker half-open, letting a probe through",
				slog.String("agent", ev.Agent),
			)
		}

		if !b.sup.EnsureConnected(ctx) {
			b.brk.RecordFailure()
			b.metrics.InboundErrors.Add(1)
			return &gateway.Reply{Text: connLostReply, IsError: true}
		}

		b.metrics.InboundRequests.Add(1)

		text, engineErr, err := b.exchange(ctx, correlationID, ev)
		switch {
		case errors.Is(err, errTimeout):
			b.brk.RecordFailure()
			b.metrics.InboundTimeouts.Add(1)
			b.logger.Warn("inbound: engine did not respond",
				slog.String("correlationId", correlationID),
				slog.String("agent", ev.Agent),
				slog.String("error", err.Error()),
			)
			return &gateway.Reply{Text: timeoutReply, IsError: true}
		case err != nil:
			b.brk.RecordFailure()
			b.metrics.InboundErrors.Add(1)
			b.logger.Error("inbound: exchange failed",
				slog.String("correlationId", correlationID),
				slog.String("agent", ev.Agent),
				slog.String("error", err.Error()),
			)
			return &gateway.Reply{Text: internalReply, IsError: true}
		case engineErr != "":
			b.metrics.InboundErrors.Add(1)
			b.logger.Warn("inbound: engine reported an error",
				slog.String("correlationId", correlationID),
				slog.String("agent", ev.Agent),
				slog.String("engineError", engineErr),
			)
			return &gateway.Reply{Text: engineErrPrefix + engineErr, IsError: true}
		default:
			b.brk.RecordSuccess()
			b.metrics.InboundReplies.Add(1)
			return &gateway.Reply{Text: text}
		}
	}
}

// ToolFactory returns the redis_bridge tool factory. The factory yields
// nil for agents outside the bridged set. The tool is the explicit opt-in
// path: it skips the breaker, limiter and auto-repair, and surfaces
// timeouts and engine errors to its caller instead of wrapping them.
func (b *Bridge) ToolFactory() gateway.ToolFactory {
	return func(agentID string) *gateway.Tool {
		if !b.cfg.Bridged(agentID) {
			return nil
		}
		return &gateway.Tool{
			Name:        "redis_bridge",
			Description: "Send a message to the conversational engine and return its reply.",
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				message, _ := args["message"].(string)
				if strings.TrimSpace(message) == "" {
					return "", fmt.Errorf("redis_bridge: message must be a non-empty string")
				}

				correlationID := uuid.NewString()
				text, engineErr, err := b.exchange(ctx, correlationID, &gateway.Event{
					Agent: agentID,
					From:  "proxy",
					Body:  message,
				})
				if errors.Is(err, errTimeout) {
					return "", fmt.Errorf("redis_bridge: engine did not respond within %ds", b.cfg.TimeoutSeconds)
				}
				if err != nil {
					return "", fmt.Errorf("redis_bridge: %w", err)
				}
				if engineErr != "" {
					return "", fmt.Errorf("redis_bridge: engine error: %s", engineErr)
				}
				return text, nil
			},
		}
	}
}

// exchange performs one request/response round trip: append the entry to
// the inbound stream, block on the rendezvous key, parse what comes back.
// It returns the reply text, the engine's error field when present, or an
// error: a wrapped errTimeout when the engine never responded, anything
// else for a broker failure.
func (b *Bridge) exchange(ctx context.Context, correlationID string, ev *gateway.Event) (text, engineErr string, err error) {
	fields := entryFields(correlationID, ev)

	if err := b.sup.Client().XAdd(ctx, &redis.XAddArgs{
		Stream: broker.StreamInbound,
		Values: fields,
	}).Err(); err != nil {
		return "", "", fmt.Errorf("inbound: append request: %w", err)
	}

	timeout := time.Duration(b.cfg.TimeoutSeconds) * time.Second
	res, err := b.sup.Blocking().BLPop(ctx, timeout, broker.ResponseKey(correlationID)).Result()
	if err == redis.Nil {
		return "", "", fmt.Errorf("%w after %s", errTimeout, timeout)
	}
	if err != nil {
		return "", "", fmt.Errorf("inbound: rendezvous pop: %w", err)
	}
	// BLPOP yields [key, value].
	if len(res) != 2 {
		return "", "", fmt.Errorf("inbound: unexpected rendezvous shape (%d elements)", len(res))
	}

	var er engineReply
	if jsonErr := json.Unmarshal([]byte(res[1]), &er); jsonErr != nil {
		// Raw string responses are valid; treat the payload as the text.
		return res[1], "", nil
	}
	return er.Text, er.Error, nil
}

// entryFields builds the inbound entry. Every value is a string; optional
// sender context is included only when the host provided it.
func entryFields(correlationID string, ev *gateway.Event) map[string]any {
	sessionKey := ev.SessionKey
	if sessionKey == "" {
		sessionKey = ev.Channel + ":" + ev.AccountID + ":" + ev.From
	}

	fields := map[string]any{
		"correlationId":   correlationID,
		"message":         ev.Body,
		"from":            ev.From,
		"agent":           ev.Agent,
		"channel":         ev.Channel,
		"accountId":       ev.AccountID,
		"sessionKey":      sessionKey,
		"timestamp":       strconv.FormatInt(time.Now().UnixMilli(), 10),
		"protocolVersion": protocolVersion,
	}
	if ev.SenderName != "" {
		fields["senderName"] = ev.SenderName
	}
	if ev.SenderUsername != "" {
		fields["senderUsername"] = ev.SenderUsername
	}
	if ev.SenderID != "" {
		fields["senderId"] = ev.SenderID
	}
	if ev.Transcript != "" {
		fields["transcript"] = ev.Transcript
	}
	return fields
}

// isHeartbeat reports whether body is a gateway keep-alive.
func isHeartbeat(body string) bool {
	for _, marker := range heartbeatMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}
