// Package config provides YAML configuration loading and validation for
// the bridge plugin. Configuration is read from an optional YAML file,
// then overridden by environment variables: a deployment that sets only
// REDIS_BRIDGE_AGENTS and REDIS_URL needs no file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Defaults for optional settings.
const (
	DefaultRedisURL       = "redis://localhost:6379"
	DefaultTimeoutSeconds = 120
	DefaultConsumerGroup  = "clawdbot-bridge"
	DefaultAlertChannel   = "telegram"
	DefaultLogLevel       = "info"
	DefaultHealthAddr     = "127.0.0.1:9600"
)

// Config is the top-level configuration structure for the bridge plugin.
type Config struct {
	// Agents lists the agent ids routed through the engine. An empty list
	// leaves the plugin registered but inactive.
	Agents []string `yaml:"agents"`

	// RedisURL is the broker address (e.g. "redis://localhost:6379").
	RedisURL string `yaml:"redis_url"`

	// TimeoutSeconds is how long the inbound hook waits for an engine
	// response on the rendezvous key. Defaults to 120.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// ConsumerGroup and ConsumerName identify this worker on the outbound
	// stream. ConsumerName defaults to "clawdbot-<pid>".
	ConsumerGroup string `yaml:"consumer_group"`
	ConsumerName  string `yaml:"consumer_name"`

	// Publisher configures the optional external content publisher. An
	// empty URL disables oversize publishing.
	Publisher PublisherConfig `yaml:"publisher"`

	// RateLimit configures the sliding-window limiter and its alerting.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// DeadLetterDB is the path of the SQLite dead-letter archive. Empty
	// disables archiving.
	DeadLetterDB string `yaml:"dead_letter_db"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz and /metrics HTTP
	// server. Defaults to "127.0.0.1:9600" when omitted.
	HealthAddr string `yaml:"health_addr"`
}

// PublisherConfig configures the external content publisher.
type PublisherConfig struct {
	// URL is the publisher's base URL. Empty disables publishing.
	URL string `yaml:"url"`
	// Token is the bearer token presented on publish requests.
	Token string `yaml:"token"`
	// PublicURL, when set, is used as the base of the links included in
	// summaries instead of the URL the publisher returns.
	PublicURL string `yaml:"public_url"`
}

// RateLimitConfig configures the request budgets and limit alerting.
type RateLimitConfig struct {
	// GlobalPerHour is the hourly budget across all agents. Defaults to 60.
	GlobalPerHour int `yaml:"global_per_hour"`
	// AgentPerHour is the hourly budget per agent. Defaults to 20.
	AgentPerHour int `yaml:"agent_per_hour"`
	// AlertChatID is the operator chat alerted when a limit fires. Empty
	// disables alerting.
	AlertChatID string `yaml:"alert_chat_id"`
	// AlertChannel is the channel alerts are delivered on. Defaults to
	// "telegram".
	AlertChannel string `yaml:"alert_channel"`
	// AlertCooldownSeconds is the minimum spacing between alerts.
	// Defaults to 300.
	AlertCooldownSeconds int `yaml:"alert_cooldown_seconds"`
}

// validLogLevels is the authoritative set of accepted log levels.
var validLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// Load reads the configuration file at path (skipped when path is empty or
// the file does not exist), applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Env-only deployment; proceed with the zero config.
		case err != nil:
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays environment variables onto cfg. Env wins over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_BRIDGE_AGENTS"); v != "" {
		cfg.Agents = splitAgents(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("CONTENT_PUBLISHER_URL"); v != "" {
		cfg.Publisher.URL = v
	}
	if v := os.Getenv("CONTENT_PUBLISHER_TOKEN"); v != "" {
		cfg.Publisher.Token = v
	}
	if v := os.Getenv("CONTENT_PUBLISHER_PUBLIC_URL"); v != "" {
		cfg.Publisher.PublicURL = v
	}
	if n, ok := envInt("RATE_LIMIT_GLOBAL_PER_HOUR"); ok {
		cfg.RateLimit.GlobalPerHour = n
	}
	if n, ok := envInt("RATE_LIMIT_AGENT_PER_HOUR"); ok {
		cfg.RateLimit.AgentPerHour = n
	}
	if v := os.Getenv("RATE_LIMIT_ALERT_CHAT_ID"); v != "" {
		cfg.RateLimit.AlertChatID = v
	}
	if n, ok := envInt("RATE_LIMIT_ALERT_COOLDOWN"); ok {
		cfg.RateLimit.AlertCooldownSeconds = n
	}
}

// envInt reads an integer environment variable. Unset or unparseable
// values are ignored.
func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// splitAgents parses a comma-separated agent list, dropping empty items.
func splitAgents(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyDefaults fills in zero-value optional fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.RedisURL == "" {
		cfg.RedisURL = DefaultRedisURL
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = DefaultConsumerGroup
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = fmt.Sprintf("clawdbot-%d", os.Getpid())
	}
	if cfg.RateLimit.GlobalPerHour <= 0 {
		cfg.RateLimit.GlobalPerHour = 60
	}
	if cfg.RateLimit.AgentPerHour <= 0 {
		cfg.RateLimit.AgentPerHour = 20
	}
	if cfg.RateLimit.AlertChannel == "" {
		cfg.RateLimit.AlertChannel = DefaultAlertChannel
	}
	if cfg.RateLimit.AlertCooldownSeconds <= 0 {
		cfg.RateLimit.AlertCooldownSeconds = 300
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = DefaultHealthAddr
	}
}

// validate checks that the resolved configuration is usable.
func validate(cfg *Config) error {
	if _, err := redis.ParseURL(cfg.RedisURL); err != nil {
		return fmt.Errorf("invalid redis_url %q: %w", cfg.RedisURL, err)
	}
	if _, ok := validLogLevels[cfg.LogLevel]; !ok {
		return fmt.Errorf("invalid log_level %q: must be one of debug, info, warn, error", cfg.LogLevel)
	}
	for _, agent := range cfg.Agents {
		if strings.TrimSpace(agent) == "" {
			return errors.New("agents must not contain empty ids")
		}
	}
	if cfg.Publisher.URL != "" && !strings.HasPrefix(cfg.Publisher.URL, "http://") && !strings.HasPrefix(cfg.Publisher.URL, "https://") {
		return fmt.Errorf("invalid publisher url %q: must be http(s)", cfg.Publisher.URL)
	}
	return nil
}

// Bridged reports whether agentID is routed through the engine.
func (c *Config) Bridged(agentID string) bool {
	for _, a := range c.Agents {
		if a == agentID {
			return true
		}
	}
	return false
}

// Active reports whether the plugin has any bridged agents at all.
func (c *Config) Active() bool {
	return len(c.Agents) > 0
}
