package credentials

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.Bytes(), nil
}

// WithOnePassword registers an "op" template function that reads secret
// references such as "op://vault/whatsapp/token" with the 1Password CLI.
// A nil runner executes the real `op` binary.
func WithOnePassword(run CommandRunner) ResolverOption {
	if run == nil {
		run = execRunner
	}
	return WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, "op://") {
			return "", fmt.Errorf("op reference %q must start with op://", ref)
		}
		out, err := run(ctx, "op", "read", "--no-newline", ref)
		if err != nil {
			return "", fmt.Errorf("op read %q: %w", ref, err)
		}
		return strings.TrimSpace(string(out)), nil
	})
}
