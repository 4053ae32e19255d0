// Command bridge runs the Redis bridge as a standalone process. It loads a
// YAML configuration file, connects to the broker, starts the outbound
// delivery worker, exposes /healthz and /metrics, and shuts down gracefully
// on SIGTERM or SIGINT.
//
// The inbound hook and the redis_bridge tool are only reachable when the
// plugin is embedded in a gateway host; the standalone binary covers
// deployments where the gateway runs elsewhere and only outbound delivery
// happens on this machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clawdbot/redis-bridge/internal/bridge"
	"github.com/clawdbot/redis-bridge/internal/config"
	"github.com/clawdbot/redis-bridge/internal/gateway"
)

func main() {
	configPath := flag.String("config", "/etc/clawdbot/bridge.yaml", "path to the bridge YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Any("agents", cfg.Agents),
		slog.String("redis_url", cfg.RedisURL),
		slog.String("health_addr", cfg.HealthAddr),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resolve the delivery CLI once; every outbound chunk and every rate
	// limit alert goes through it.
	binary := gateway.ResolveBinary(ctx, logger)
	runner := gateway.NewCLI(binary, logger)
	logger.Info("delivery CLI resolved", slog.String("binary", binary))

	plugin, err := bridge.New(cfg, runner, logger)
	if err != nil {
		logger.Error("failed to build plugin", slog.Any("error", err))
		os.Exit(1)
	}

	if err := plugin.Start(ctx); err != nil {
		logger.Error("failed to start plugin", slog.Any("error", err))
		os.Exit(1)
	}

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	plugin.Stop()
	logger.Info("bridge exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
