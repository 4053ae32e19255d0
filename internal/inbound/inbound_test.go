package inbound_test

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/clawdbot/redis-bridge/internal/breaker"
	"github.com/clawdbot/redis-bridge/internal/broker"
	"github.com/clawdbot/redis-bridge/internal/config"
	"github.com/clawdbot/redis-bridge/internal/gateway"
	"github.com/clawdbot/redis-bridge/internal/inbound"
	"github.com/clawdbot/redis-bridge/internal/metrics"
	"github.com/clawdbot/redis-bridge/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	mr      *miniredis.Miniredis
	sup     *broker.Supervisor
	cfg     *config.Config
	brk     *breaker.Breaker
	limiter *ratelimit.Limiter
	m       *metrics.Metrics
	bridge  *inbound.Bridge
}

// newFixture wires a Bridge to a fresh miniredis with agent "eng-1"
// bridged and a short rendezvous timeout.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)

	sup, err := broker.New("redis://"+mr.Addr(), testLogger(),
		broker.WithRepairWindow(100*time.Millisecond, 20*time.Millisecond),
		broker.WithPingTimeout(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(sup.Close)

	cfg := &config.Config{
		Agents:         []string{"eng-1"},
		TimeoutSeconds: 5,
	}
	brk := breaker.New(5, 15*time.Second)
	limiter := ratelimit.New(60, 20)
	m := metrics.New()

	return &fixture{
		mr:      mr,
		sup:     sup,
		cfg:     cfg,
		brk:     brk,
		limiter: limiter,
		m:       m,
		bridge:  inbound.New(cfg, sup, brk, limiter, nil, m, testLogger()),
	}
}

// respond watches the inbound stream for the next entry and pushes payload
// onto its rendezvous key, returning the entry's fields on a channel.
func (f *fixture) respond(t *testing.T, payload string) <-chan map[string]any {
	t.Helper()
	out := make(chan map[string]any, 1)
	client := f.sup.Client()
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			entries, err := client.XRange(context.Background(), broker.StreamInbound, "-", "+").Result()
			if err == nil && len(entries) > 0 {
				fields := entries[0].Values
				id, _ := fields["correlationId"].(string)
				client.LPush(context.Background(), broker.ResponseKey(id), payload)
				out <- fields
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		close(out)
	}()
	return out
}

func event(agent, body string) *gateway.Event {
	return &gateway.Event{
		Agent:     agent,
		From:      "user-7",
		Channel:   "telegram",
		AccountID: "acct-1",
		Body:      body,
	}
}

// ---------------------------------------------------------------------------
// Hook routing
// ---------------------------------------------------------------------------

func TestHook_IgnoresUnbridgedAgent(t *testing.T) {
	f := newFixture(t)

	if reply := f.bridge.Hook()(context.Background(), event("other", "Bonjour")); reply != nil {
		t.Errorf("reply = %+v for unbridged agent, want nil", reply)
	}
	if n, _ := f.sup.Client().XLen(context.Background(), broker.StreamInbound).Result(); n != 0 {
		t.Errorf("stream length = %d, want 0", n)
	}
}

func TestHook_HeartbeatShortCircuits(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{"HEARTBEAT_OK", "Read HEARTBEAT.md", "please Read HEARTBEAT.md now"} {
		reply := f.bridge.Hook()(context.Background(), event("eng-1", body))
		if reply == nil || reply.Text != "HEARTBEAT_OK" || reply.IsError {
			t.Errorf("body %q: reply = %+v, want HEARTBEAT_OK", body, reply)
		}
	}
	if n, _ := f.sup.Client().XLen(context.Background(), broker.StreamInbound).Result(); n != 0 {
		t.Errorf("stream length = %d after heartbeats, want 0", n)
	}
	if global, perAgent := f.limiter.Stats(); global != 0 || len(perAgent) != 0 {
		t.Errorf("limiter stats = %d/%v after heartbeats, want empty", global, perAgent)
	}
}

// ---------------------------------------------------------------------------
// Hook round trip
// ---------------------------------------------------------------------------

func TestHook_HappyPath(t *testing.T) {
	f := newFixture(t)
	fields := f.respond(t, `{"text":"Salut"}`)

	reply := f.bridge.Hook()(context.Background(), event("eng-1", "Bonjour"))

	if reply == nil || reply.Text != "Salut" || reply.IsError {
		t.Fatalf("reply = %+v, want {Salut false}", reply)
	}
	if f.brk.Failures() != 0 || f.brk.State() != breaker.StateClosed {
		t.Errorf("breaker = %v/%d, want closed/0", f.brk.State(), f.brk.Failures())
	}

	entry := <-fields
	if entry == nil {
		t.Fatal("no inbound entry was appended")
	}
	for field, want := range map[string]string{
		"message":         "Bonjour",
		"agent":           "eng-1",
		"from":            "user-7",
		"channel":         "telegram",
		"accountId":       "acct-1",
		"sessionKey":      "telegram:acct-1:user-7",
		"protocolVersion": "1",
	} {
		if got, _ := entry[field].(string); got != want {
			t.Errorf("entry[%q] = %q, want %q", field, got, want)
		}
	}
	if id, _ := entry["correlationId"].(string); len(id) != 36 {
		t.Errorf("correlationId = %q, want a v4 UUID", id)
	}
	ts, _ := entry["timestamp"].(string)
	if ms, err := strconv.ParseInt(ts, 10, 64); err != nil || ms <= 0 {
		t.Errorf("timestamp = %q, want decimal milliseconds", ts)
	}
}

func TestHook_RawStringResponse(t *testing.T) {
	f := newFixture(t)
	f.respond(t, "plain engine text")

	reply := f.bridge.Hook()(context.Background(), event("eng-1", "Bonjour"))

	if reply == nil || reply.Text != "plain engine text" || reply.IsError {
		t.Errorf("reply = %+v, want raw payload as text", reply)
	}
}

func TestHook_EngineError(t *testing.T) {
	f := newFixture(t)
	f.respond(t, `{"text":"","error":"model exploded"}`)

	reply := f.bridge.Hook()(context.Background(), event("eng-1", "Bonjour"))

	if reply == nil || reply.Text != "Engine error: model exploded" || !reply.IsError {
		t.Errorf("reply = %+v, want engine error surfaced", reply)
	}
	if f.brk.Failures() != 0 {
		t.Errorf("breaker failures = %d after engine error, want 0", f.brk.Failures())
	}
}

func TestHook_Timeout(t *testing.T) {
	f := newFixture(t)
	f.cfg.TimeoutSeconds = 1

	start := time.Now()
	reply := f.bridge.Hook()(context.Background(), event("eng-1", "Bonjour"))

	if reply == nil || !reply.IsError {
		t.Fatalf("reply = %+v, want an error reply", reply)
	}
	if reply.Text != "The engine did not respond in time. Please try again." {
		t.Errorf("reply text = %q", reply.Text)
	}
	if f.brk.Failures() != 1 {
		t.Errorf("breaker failures = %d, want 1", f.brk.Failures())
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("hook returned after %v, want it to wait out the timeout", elapsed)
	}
}

// ---------------------------------------------------------------------------
// Hook guards
// ---------------------------------------------------------------------------

func TestHook_RateLimitDenial(t *testing.T) {
	f := newFixture(t)
	f.limiter = ratelimit.New(60, 1)
	f.bridge = inbound.New(f.cfg, f.sup, f.brk, f.limiter, nil, f.m, testLogger())
	f.respond(t, `{"text":"ok"}`)

	if reply := f.bridge.Hook()(context.Background(), event("eng-1", "première")); reply == nil || reply.IsError {
		t.Fatalf("first request: reply = %+v, want success", reply)
	}

	reply := f.bridge.Hook()(context.Background(), event("eng-1", "deuxième"))
	if reply == nil || !reply.IsError || !strings.Contains(reply.Text, "Limite horaire") {
		t.Errorf("second request: reply = %+v, want a French denial", reply)
	}
	if f.m.RateLimited.Load() != 1 {
		t.Errorf("rate-limited counter = %d, want 1", f.m.RateLimited.Load())
	}
}

func TestHook_BreakerOpenRejects(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.brk.RecordFailure()
	}

	reply := f.bridge.Hook()(context.Background(), event("eng-1", "Bonjour"))

	if reply == nil || !reply.IsError || !strings.Contains(reply.Text, "indisponible") {
		t.Errorf("reply = %+v, want unavailability message", reply)
	}
	if n, _ := f.sup.Client().XLen(context.Background(), broker.StreamInbound).Result(); n != 0 {
		t.Errorf("stream length = %d with open breaker, want 0", n)
	}
}

func TestHook_HalfOpenLetsProbeThrough(t *testing.T) {
	f := newFixture(t)
	f.brk = breaker.New(5, time.Millisecond)
	f.bridge = inbound.New(f.cfg, f.sup, f.brk, f.limiter, nil, f.m, testLogger())
	for i := 0; i < 5; i++ {
		f.brk.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)
	if f.brk.State() != breaker.StateHalfOpen {
		t.Fatalf("breaker = %v, want half-open", f.brk.State())
	}
	f.respond(t, `{"text":"recovered"}`)

	reply := f.bridge.Hook()(context.Background(), event("eng-1", "Bonjour"))

	if reply == nil || reply.Text != "recovered" || reply.IsError {
		t.Fatalf("reply = %+v, want the probe to succeed", reply)
	}
	if f.brk.State() != breaker.StateClosed {
		t.Errorf("breaker = %v after successful probe, want closed", f.brk.State())
	}
}

func TestHook_BrokerDownRepliesConnectionLost(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	reply := f.bridge.Hook()(context.Background(), event("eng-1", "Bonjour"))

	if reply == nil || !reply.IsError || !strings.Contains(reply.Text, "Connexion au moteur perdue") {
		t.Errorf("reply = %+v, want connection-lost message", reply)
	}
	if f.brk.Failures() != 1 {
		t.Errorf("breaker failures = %d, want 1", f.brk.Failures())
	}
}

func TestHook_AppendFailureIsInternalError(t *testing.T) {
	f := newFixture(t)
	// Occupy the stream key with a plain string: XADD fails with WRONGTYPE
	// while the broker itself stays reachable.
	if err := f.mr.Set(broker.StreamInbound, "occupied"); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	reply := f.bridge.Hook()(context.Background(), event("eng-1", "Bonjour"))

	if reply == nil || !reply.IsError || !strings.Contains(reply.Text, "a rencontré une erreur") {
		t.Fatalf("reply = %+v, want generic error reply", reply)
	}
	if strings.Contains(reply.Text, "did not respond") {
		t.Error("append failure was reported as an engine timeout")
	}
	if f.brk.Failures() != 1 {
		t.Errorf("breaker failures = %d, want 1", f.brk.Failures())
	}
	if errs, timeouts := f.m.InboundErrors.Load(), f.m.InboundTimeouts.Load(); errs != 1 || timeouts != 0 {
		t.Errorf("errors/timeouts = %d/%d, want 1/0", errs, timeouts)
	}
}

func TestHook_ForwardCounterSkipsGatedRequests(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.brk.RecordFailure()
	}

	f.bridge.Hook()(context.Background(), event("eng-1", "Bonjour"))
	if n := f.m.InboundRequests.Load(); n != 0 {
		t.Errorf("forwarded counter = %d after breaker rejection, want 0", n)
	}

	f.brk.RecordSuccess()
	f.respond(t, `{"text":"ok"}`)
	f.bridge.Hook()(context.Background(), event("eng-1", "Bonjour"))
	if n := f.m.InboundRequests.Load(); n != 1 {
		t.Errorf("forwarded counter = %d after forwarded request, want 1", n)
	}
}

func TestHook_PanicYieldsErrorReply(t *testing.T) {
	f := newFixture(t)
	// A nil supervisor makes the readiness check panic; the hook must
	// still return a reply.
	b := inbound.New(f.cfg, nil, f.brk, f.limiter, nil, f.m, testLogger())

	reply := b.Hook()(context.Background(), event("eng-1", "Bonjour"))

	if reply == nil || !reply.IsError || !strings.Contains(reply.Text, "a rencontré une erreur") {
		t.Errorf("reply = %+v, want generic error reply", reply)
	}
	if f.brk.Failures() != 1 {
		t.Errorf("breaker failures = %d after panic, want 1", f.brk.Failures())
	}
}

// ---------------------------------------------------------------------------
// Tool
// ---------------------------------------------------------------------------

func TestToolFactory_NilForUnbridgedAgent(t *testing.T) {
	f := newFixture(t)

	if tool := f.bridge.ToolFactory()("other"); tool != nil {
		t.Errorf("factory returned %+v for unbridged agent, want nil", tool)
	}
	if tool := f.bridge.ToolFactory()("eng-1"); tool == nil || tool.Name != "redis_bridge" {
		t.Errorf("factory returned %+v for bridged agent", tool)
	}
}

func TestTool_RejectsEmptyMessage(t *testing.T) {
	f := newFixture(t)
	tool := f.bridge.ToolFactory()("eng-1")

	for _, args := range []map[string]any{
		{},
		{"message": ""},
		{"message": "   "},
		{"message": 42},
	} {
		if _, err := tool.Run(context.Background(), args); err == nil {
			t.Errorf("Run(%v) accepted an invalid message", args)
		}
	}
}

func TestTool_RoundTrip(t *testing.T) {
	f := newFixture(t)
	fields := f.respond(t, `{"text":"tool says hi"}`)
	tool := f.bridge.ToolFactory()("eng-1")

	got, err := tool.Run(context.Background(), map[string]any{"message": "ping"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "tool says hi" {
		t.Errorf("Run = %q, want engine text", got)
	}

	entry := <-fields
	if from, _ := entry["from"].(string); from != "proxy" {
		t.Errorf("entry from = %q, want proxy", from)
	}
	if agent, _ := entry["agent"].(string); agent != "eng-1" {
		t.Errorf("entry agent = %q, want eng-1", agent)
	}
}

func TestTool_SurfacesEngineError(t *testing.T) {
	f := newFixture(t)
	f.respond(t, `{"error":"bad prompt"}`)
	tool := f.bridge.ToolFactory()("eng-1")

	_, err := tool.Run(context.Background(), map[string]any{"message": "ping"})
	if err == nil || !strings.Contains(err.Error(), "bad prompt") {
		t.Errorf("Run error = %v, want engine error surfaced", err)
	}
}

func TestTool_SurfacesBrokerError(t *testing.T) {
	f := newFixture(t)
	if err := f.mr.Set(broker.StreamInbound, "occupied"); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	tool := f.bridge.ToolFactory()("eng-1")

	_, err := tool.Run(context.Background(), map[string]any{"message": "ping"})
	if err == nil {
		t.Fatal("Run succeeded with a broken stream key")
	}
	if strings.Contains(err.Error(), "did not respond") {
		t.Errorf("Run error = %v, want a broker failure, not a timeout", err)
	}
}

func TestTool_SurfacesTimeout(t *testing.T) {
	f := newFixture(t)
	f.cfg.TimeoutSeconds = 1
	tool := f.bridge.ToolFactory()("eng-1")

	_, err := tool.Run(context.Background(), map[string]any{"message": "ping"})
	if err == nil || !strings.Contains(err.Error(), "did not respond") {
		t.Errorf("Run error = %v, want timeout surfaced", err)
	}
	if f.brk.Failures() != 0 {
		t.Errorf("breaker failures = %d, want 0 (tool skips the breaker)", f.brk.Failures())
	}
}
