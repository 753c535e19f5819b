package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// Probe verifies the container runtime is reachable. The host cannot
// run any group without it, so callers treat failure as fatal.
func Probe(ctx context.Context, runtime string) error {
	if _, err := exec.LookPath(runtime); err != nil {
		return fmt.Errorf("container runtime %q not found in PATH: %w", runtime, err)
	}
	cmd := exec.CommandContext(ctx, runtime, "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s info failed (is the daemon running?): %w", runtime, err)
	}
	return nil
}

// ReapOrphans stops containers left over from a previous host process,
// identified by the reserved name prefix. Returns how many were
// stopped.
func ReapOrphans(ctx context.Context, runtime, namePrefix string) (int, error) {
	out, err := exec.CommandContext(ctx, runtime,
		"ps", "--filter", "name="+namePrefix, "--format", "{{.Names}}").Output()
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}

	reaped := 0
	for _, name := range strings.Fields(string(out)) {
		// The ps name filter matches substrings; keep only our own.
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		slog.Info("stopping orphan container", "container", name)
		if err := exec.CommandContext(ctx, runtime, "stop", name).Run(); err != nil {
			slog.Warn("orphan stop failed", "container", name, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}
