package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const pidPollInterval = 100 * time.Millisecond

// procComm reads the command name of pid. Overridden in tests.
var procComm = func(pid int) (string, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func writePIDFile(path string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d in %s", pid, path)
	}
	return pid, nil
}

func removePIDIfMatches(path string, pid int) {
	existing, err := readPIDFile(path)
	if err != nil || existing != pid {
		return
	}
	_ = os.Remove(path)
}

// stopFromPIDFile stops a daemon left behind by a previous orchestrator. The
// pid is only signalled when its command name still matches binary, so a
// recycled pid is never killed.
func stopFromPIDFile(ctx context.Context, path, binary string, grace time.Duration) error {
	pid, err := readPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		_ = os.Remove(path)
		return nil
	}

	if running, err := isProcessRunning(pid); err != nil || !running {
		_ = os.Remove(path)
		return nil
	}
	if !matchesBinary(pid, binary) {
		_ = os.Remove(path)
		return nil
	}

	slog.Info("stopping stale daemon", "component", "process", "pid", pid, "binary", binary)
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			_ = os.Remove(path)
			return nil
		}
		return err
	}
	if err := waitProcessExit(ctx, pid, grace); err == nil {
		_ = os.Remove(path)
		return nil
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	if err := waitProcessExit(context.WithoutCancel(ctx), pid, stopForce); err != nil {
		return err
	}
	_ = os.Remove(path)
	return nil
}

// matchesBinary compares against /proc/<pid>/comm, which the kernel
// truncates to 15 bytes.
func matchesBinary(pid int, binary string) bool {
	comm, err := procComm(pid)
	if err != nil {
		return false
	}
	want := binary
	if len(want) > 15 {
		want = want[:15]
	}
	return comm == want
}

func isProcessRunning(pid int) (bool, error) {
	err := unix.Kill(pid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		return true, nil
	}
	if errors.Is(err, unix.ESRCH) {
		return false, nil
	}
	return false, err
}

func waitProcessExit(ctx context.Context, pid int, timeout time.Duration) error {
	ticker := time.NewTicker(pidPollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		running, err := isProcessRunning(pid)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("process %d did not exit within %s", pid, timeout)
		case <-ticker.C:
		}
	}
}
