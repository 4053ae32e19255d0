package bridge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/clawdbot/redis-bridge/internal/bridge"
	"github.com/clawdbot/redis-bridge/internal/config"
	"github.com/clawdbot/redis-bridge/internal/gateway"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHost records what the plugin registers.
type fakeHost struct {
	hooks    []string
	tools    int
	services []gateway.Service
}

func (h *fakeHost) RegisterHook(event string, priority int, _ gateway.Hook) {
	h.hooks = append(h.hooks, fmt.Sprintf("%s@%d", event, priority))
}

func (h *fakeHost) RegisterTool(gateway.ToolFactory) { h.tools++ }

func (h *fakeHost) RegisterService(s gateway.Service) {
	h.services = append(h.services, s)
}

// noopRunner satisfies gateway.Runner without doing anything.
type noopRunner struct{}

func (noopRunner) Send(context.Context, string, string, string, string) error { return nil }

func testConfig(redisAddr string) *config.Config {
	return &config.Config{
		Agents:         []string{"eng-1"},
		RedisURL:       "redis://" + redisAddr,
		TimeoutSeconds: 5,
		ConsumerGroup:  "test-group",
		ConsumerName:   "test-consumer",
		HealthAddr:     "127.0.0.1:0",
	}
}

// startedPlugin builds, registers and starts a plugin against miniredis.
func startedPlugin(t *testing.T) (*bridge.Plugin, *fakeHost) {
	t.Helper()
	mr := miniredis.RunT(t)

	p, err := bridge.New(testConfig(mr.Addr()), noopRunner{}, testLogger())
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}

	host := &fakeHost{}
	p.Register(host)
	if len(host.services) != 1 {
		t.Fatalf("services registered = %d, want 1", len(host.services))
	}
	if err := host.services[0].Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, host
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegister_InstallsHookToolAndService(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := bridge.New(testConfig(mr.Addr()), noopRunner{}, testLogger())
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}

	host := &fakeHost{}
	p.Register(host)

	if len(host.hooks) != 1 || host.hooks[0] != "before_reply@100" {
		t.Errorf("hooks = %v, want [before_reply@100]", host.hooks)
	}
	if host.tools != 1 {
		t.Errorf("tools = %d, want 1", host.tools)
	}
	if len(host.services) != 1 {
		t.Errorf("services = %d, want 1", len(host.services))
	}
}

func TestRegister_InertWithoutAgents(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr.Addr())
	cfg.Agents = nil

	p, err := bridge.New(cfg, noopRunner{}, testLogger())
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}

	host := &fakeHost{}
	p.Register(host)

	if len(host.hooks) != 0 || host.tools != 0 || len(host.services) != 0 {
		t.Errorf("inactive plugin registered hooks=%v tools=%d services=%d",
			host.hooks, host.tools, len(host.services))
	}
}

func TestNew_RejectsBadRedisURL(t *testing.T) {
	cfg := testConfig("localhost:6379")
	cfg.RedisURL = "://nope"

	if _, err := bridge.New(cfg, noopRunner{}, testLogger()); err == nil {
		t.Error("New accepted an unparseable redis URL")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle and endpoints
// ---------------------------------------------------------------------------

func TestStart_FailsWhenBrokerUnreachable(t *testing.T) {
	cfg := testConfig("127.0.0.1:1") // nothing listens there
	p, err := bridge.New(cfg, noopRunner{}, testLogger())
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // fail fast instead of waiting out the connect budget
	if err := p.Start(ctx); err == nil {
		t.Error("Start succeeded with an unreachable broker")
		p.Stop()
	}
}

func TestHealthz_ReportsReady(t *testing.T) {
	p, _ := startedPlugin(t)

	resp, err := http.Get("http://" + p.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Broker  bool   `json:"broker"`
		Breaker string `json:"breaker"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Broker || body.Breaker != "closed" {
		t.Errorf("healthz = %+v, want broker ready and breaker closed", body)
	}
}

func TestMetrics_ServesPrometheusText(t *testing.T) {
	p, _ := startedPlugin(t)

	resp, err := http.Get("http://" + p.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"bridge_inbound_requests_total",
		"bridge_outbound_acks_total",
		"bridge_broker_ready 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestStop_IsCleanAfterStart(t *testing.T) {
	p, host := startedPlugin(t)

	host.services[0].Stop()

	// The HTTP listener must be gone.
	if _, err := http.Get("http://" + p.Addr() + "/healthz"); err == nil {
		t.Error("healthz still reachable after Stop")
	}
}
