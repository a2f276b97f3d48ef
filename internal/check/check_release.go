//go:build !debug

package check

import (
	"fmt"
	"log/slog"
)

// Assert logs a failed assertion in release builds. The orchestrator is the
// first process on the device and must keep running.
func Assert(cond bool, msg string) {
	if !cond {
		slog.Error("assertion failed", "msg", msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		slog.Error("assertion failed", "msg", fmt.Sprintf(format, args...))
	}
}
