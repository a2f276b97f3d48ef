package process

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner runs a short-lived command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Output runs name with args and returns its combined output. The error
// carries the trimmed output when the command fails.
func Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return out, nil
}
