package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	// PreferredBinary is probed first when resolving the delivery CLI.
	PreferredBinary = "openclaw"
	// FallbackBinary is used when the preferred binary is absent or broken.
	FallbackBinary = "clawdbot"

	// probeTimeout bounds the "--version" probe at startup.
	probeTimeout = 5 * time.Second
	// sendTimeout bounds a single delivery invocation.
	sendTimeout = 30 * time.Second
)

// Runner delivers one message to one target through the gateway. It is the
// seam the outbound worker and the rate-limit alerter depend on; tests
// substitute fakes.
type Runner interface {
	// Send delivers message to target on channel. accountID selects the
	// gateway account when non-empty.
	Send(ctx context.Context, channel, target, message, accountID string) error
}

// CLI invokes the gateway's delivery CLI as a child process. Create one
// with NewCLI.
type CLI struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// ResolveBinary probes PreferredBinary with "--version" and returns its
// name on success, falling back to FallbackBinary when the probe fails or
// exceeds its timeout.
func ResolveBinary(ctx context.Context, logger *slog.Logger) string {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := exec.CommandContext(probeCtx, PreferredBinary, "--version").Run(); err != nil {
		logger.Info("gateway: preferred CLI unavailable, using fallback",
			slog.String("preferred", PreferredBinary),
			slog.String("fallback", FallbackBinary),
			slog.String("error", err.Error()),
		)
		return FallbackBinary
	}
	return PreferredBinary
}

// NewCLI creates a CLI for the given binary name or path.
func NewCLI(binary string, logger *slog.Logger) *CLI {
	return &CLI{
		binary:  binary,
		timeout: sendTimeout,
		logger:  logger,
	}
}

// Send implements Runner by invoking
//
//	<binary> message send --channel <channel> --target <target> --message <message> [--account <accountID>]
//
// with a 30 second budget. A non-zero exit status is returned as an error
// that includes the command's combined output.
func (c *CLI) Send(ctx context.Context, channel, target, message, accountID string) error {
	args := []string{"message", "send",
		"--channel", channel,
		"--target", target,
		"--message", message,
	}
	if accountID != "" {
		args = append(args, "--account", accountID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := exec.CommandContext(sendCtx, c.binary, args...).CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			return fmt.Errorf("gateway: %s message send: %w", c.binary, err)
		}
		return fmt.Errorf("gateway: %s message send: %w: %s", c.binary, err, detail)
	}
	return nil
}
