package gateway_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/clawdbot/redis-bridge/internal/gateway"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeScript creates an executable shell script in a temp dir and returns
// its path. Used to stand in for the delivery CLI binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-cli")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSend_Success(t *testing.T) {
	bin := writeScript(t, "exit 0")
	cli := gateway.NewCLI(bin, discardLogger())

	if err := cli.Send(context.Background(), "telegram", "12345", "hello", ""); err != nil {
		t.Errorf("Send: %v", err)
	}
}

func TestSend_ArgumentsForwarded(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	bin := writeScript(t, `printf '%s\n' "$@" > `+out)
	cli := gateway.NewCLI(bin, discardLogger())

	if err := cli.Send(context.Background(), "discord", "user-9", "bonjour", "acct-1"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	got := strings.Split(strings.TrimSpace(string(data)), "\n")
	want := []string{
		"message", "send",
		"--channel", "discord",
		"--target", "user-9",
		"--message", "bonjour",
		"--account", "acct-1",
	}
	if len(got) != len(want) {
		t.Fatalf("argv = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSend_OmitsAccountWhenEmpty(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	bin := writeScript(t, `printf '%s\n' "$@" > `+out)
	cli := gateway.NewCLI(bin, discardLogger())

	if err := cli.Send(context.Background(), "telegram", "42", "hi", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	data, _ := os.ReadFile(out)
	if strings.Contains(string(data), "--account") {
		t.Errorf("argv contains --account for empty accountID: %q", string(data))
	}
}

func TestSend_NonZeroExit_ReturnsErrorWithOutput(t *testing.T) {
	bin := writeScript(t, `echo "delivery refused" >&2; exit 3`)
	cli := gateway.NewCLI(bin, discardLogger())

	err := cli.Send(context.Background(), "telegram", "42", "hi", "")
	if err == nil {
		t.Fatal("Send returned nil for failing CLI")
	}
	if !strings.Contains(err.Error(), "delivery refused") {
		t.Errorf("error %q does not include CLI output", err)
	}
}

// ---------------------------------------------------------------------------
// ResolveBinary
// ---------------------------------------------------------------------------

func TestResolveBinary_FallsBackWhenPreferredMissing(t *testing.T) {
	// Run with an empty PATH so the openclaw probe cannot succeed.
	t.Setenv("PATH", t.TempDir())

	got := gateway.ResolveBinary(context.Background(), discardLogger())
	if got != gateway.FallbackBinary {
		t.Errorf("ResolveBinary = %q, want %q", got, gateway.FallbackBinary)
	}
}

func TestResolveBinary_PrefersOpenclawWhenProbeSucceeds(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures require a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, gateway.PreferredBinary)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake openclaw: %v", err)
	}
	t.Setenv("PATH", dir)

	got := gateway.ResolveBinary(context.Background(), discardLogger())
	if got != gateway.PreferredBinary {
		t.Errorf("ResolveBinary = %q, want %q", got, gateway.PreferredBinary)
	}
}
