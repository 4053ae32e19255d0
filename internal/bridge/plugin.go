// Package bridge assembles the plugin: it owns every component, registers
// the hook, the tool and itself as a background service with the host, and
// serves the operational HTTP endpoints.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clawdbot/redis-bridge/internal/breaker"
	"github.com/clawdbot/redis-bridge/internal/broker"
	"github.com/clawdbot/redis-bridge/internal/config"
	"github.com/clawdbot/redis-bridge/internal/deadletter"
	"github.com/clawdbot/redis-bridge/internal/gateway"
	"github.com/clawdbot/redis-bridge/internal/inbound"
	"github.com/clawdbot/redis-bridge/internal/metrics"
	"github.com/clawdbot/redis-bridge/internal/outbound"
	"github.com/clawdbot/redis-bridge/internal/publisher"
	"github.com/clawdbot/redis-bridge/internal/ratelimit"
)

const (
	// hookEvent and hookPriority place the bridge hook early in the host's
	// before-reply chain.
	hookEvent    = "before_reply"
	hookPriority = 100

	// breakerThreshold and breakerCooldown shape the circuit breaker.
	breakerThreshold = 5
	breakerCooldown  = 15 * time.Second

	// readyProbeInterval is how often the broker-readiness gauge is
	// refreshed.
	readyProbeInterval = 15 * time.Second

	// httpShutdownTimeout bounds the HTTP server drain on Stop.
	httpShutdownTimeout = 5 * time.Second
)

// Plugin is the assembled bridge. Create one with New, hand it to the host
// with Register; the host then drives it through the Service interface.
type Plugin struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	sup     *broker.Supervisor
	brk     *breaker.Breaker
	limiter *ratelimit.Limiter
	alerter *ratelimit.Alerter
	archive *deadletter.Archive
	in      *inbound.Bridge
	worker  *outbound.Worker

	httpSrv  *http.Server
	listener net.Listener

	probeCancel context.CancelFunc
	probeDone   chan struct{}
}

// New builds the plugin from its configuration. runner is the delivery CLI
// (or a fake in tests); the caller resolves the binary once at startup.
func New(cfg *config.Config, runner gateway.Runner, logger *slog.Logger) (*Plugin, error) {
	sup, err := broker.New(cfg.RedisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	var archive *deadletter.Archive
	if cfg.DeadLetterDB != "" {
		archive, err = deadletter.Open(cfg.DeadLetterDB)
		if err != nil {
			sup.Close()
			return nil, fmt.Errorf("bridge: %w", err)
		}
	}

	m := metrics.New()
	brk := breaker.New(breakerThreshold, breakerCooldown)
	limiter := ratelimit.New(cfg.RateLimit.GlobalPerHour, cfg.RateLimit.AgentPerHour)
	alerter := ratelimit.NewAlerter(
		cfg.RateLimit.AlertChatID,
		cfg.RateLimit.AlertChannel,
		time.Duration(cfg.RateLimit.AlertCooldownSeconds)*time.Second,
		runner,
		logger,
	)
	pub := publisher.New(cfg.Publisher.URL, cfg.Publisher.Token, cfg.Publisher.PublicURL, logger)

	return &Plugin{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		sup:     sup,
		brk:     brk,
		limiter: limiter,
		alerter: alerter,
		archive: archive,
		in:      inbound.New(cfg, sup, brk, limiter, alerter, m, logger),
		worker:  outbound.New(sup, cfg.ConsumerGroup, cfg.ConsumerName, runner, pub, archive, m, logger),
	}, nil
}

// Register installs the hook, the tool factory and the plugin's background
// service with the host. With no bridged agents configured the plugin stays
// registered but inert: nothing is installed and no service runs.
func (p *Plugin) Register(host gateway.Host) {
	if !p.cfg.Active() {
		p.logger.Info("bridge: no agents configured, plugin inactive")
		return
	}

	host.RegisterHook(hookEvent, hookPriority, p.in.Hook())
	host.RegisterTool(p.in.ToolFactory())
	host.RegisterService(p)

	p.logger.Info("bridge: registered",
		slog.Any("agents", p.cfg.Agents),
		slog.String("group", p.cfg.ConsumerGroup),
		slog.String("consumer", p.cfg.ConsumerName),
	)
}

// Start implements gateway.Service: verify the broker, launch the outbound
// worker, the readiness probe and the operational HTTP server. Any failure
// aborts the start with everything already launched torn down.
func (p *Plugin) Start(ctx context.Context) error {
	if err := p.sup.Connect(ctx); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	p.metrics.BrokerReady.Store(1)

	if err := p.worker.Start(ctx); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	if err := p.startHTTP(); err != nil {
		p.worker.Stop()
		return fmt.Errorf("bridge: %w", err)
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	p.probeCancel = cancel
	p.probeDone = make(chan struct{})
	go p.probeLoop(probeCtx)

	return nil
}

// Stop implements gateway.Service.
func (p *Plugin) Stop() {
	if p.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		_ = p.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if p.probeCancel != nil {
		p.probeCancel()
		<-p.probeDone
	}
	p.worker.Stop()
	if p.archive != nil {
		_ = p.archive.Close()
	}
	p.sup.Close()
	p.logger.Info("bridge: stopped")
}

// Addr returns the operational HTTP listen address, or "" before Start.
func (p *Plugin) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// startHTTP binds the health/metrics server. Binding eagerly (instead of
// inside ListenAndServe) surfaces an occupied port as a Start error.
func (p *Plugin) startHTTP() error {
	ln, err := net.Listen("tcp", p.cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", p.cfg.HealthAddr, err)
	}
	p.listener = ln

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", p.handleHealthz)
	r.Method(http.MethodGet, "/metrics", p.metrics.Handler())

	p.httpSrv = &http.Server{Handler: r}
	go func() {
		if err := p.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("bridge: http server failed", slog.String("error", err.Error()))
		}
	}()

	p.logger.Info("bridge: operational endpoints up",
		slog.String("addr", ln.Addr().String()),
	)
	return nil
}

// handleHealthz reports liveness plus the current broker and breaker state.
// Readiness is re-derived on every request, never read from a cache.
func (p *Plugin) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ready := p.sup.Ready(r.Context())

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"broker":  ready,
		"breaker": p.brk.State().String(),
	})
}

// probeLoop refreshes the broker-readiness gauge until its context ends.
func (p *Plugin) probeLoop(ctx context.Context) {
	defer close(p.probeDone)

	ticker := time.NewTicker(readyProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.sup.Ready(ctx) {
				p.metrics.BrokerReady.Store(1)
			} else {
				p.metrics.BrokerReady.Store(0)
			}
		}
	}
}
