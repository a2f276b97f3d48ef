// Package process supervises external daemons (wpa_supplicant, hostapd,
// dnsmasq, the DHCP client). Each daemon is a Process handle with Start, Stop
// and Running; Stop returns only once the process has exited.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"palpable/internal/logging"

	"golang.org/x/sys/unix"
)

const (
	defaultStartupGrace = 300 * time.Millisecond
	defaultStopGrace    = 5 * time.Second
	stopForce           = 2 * time.Second
	pipeWaitDelay       = 2 * time.Second
	maxTailLogBytes     = 4 * 1024
)

var lookPath = exec.LookPath

// Spec describes a daemon to run in the foreground.
type Spec struct {
	Name   string
	Binary string
	Args   []string
	// PIDDir holds <Name>.pid so a restarted orchestrator can stop daemons
	// left behind by a previous instance.
	PIDDir string
	// LogPath receives stdout and stderr through a rotating writer. Empty
	// discards output.
	LogPath string
	// StartupGrace is how long the process must stay alive for Start to
	// succeed.
	StartupGrace time.Duration
	// StopGrace is how long to wait after SIGTERM before SIGKILL.
	StopGrace time.Duration
}

// Process is a handle on one supervised daemon.
type Process struct {
	spec Spec
	log  *slog.Logger

	op sync.Mutex // serializes Start and Stop

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// New returns a stopped handle for spec.
func New(spec Spec) *Process {
	if spec.StartupGrace <= 0 {
		spec.StartupGrace = defaultStartupGrace
	}
	if spec.StopGrace <= 0 {
		spec.StopGrace = defaultStopGrace
	}
	return &Process{
		spec: spec,
		log:  slog.With("component", "process", "name", spec.Name),
	}
}

// Name returns the daemon name.
func (p *Process) Name() string {
	return p.spec.Name
}

// Running reports whether the process started by this handle is alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// PID returns the pid of the running process, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Start launches the daemon. A stale instance recorded in the pid file is
// stopped first. Start fails if the process exits within the startup grace
// period. Starting a running handle is a no-op.
func (p *Process) Start(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()

	if p.Running() {
		return nil
	}

	bin, err := p.resolveBinary()
	if err != nil {
		return err
	}

	pidPath := p.pidPath()
	if pidPath != "" {
		if err := stopFromPIDFile(ctx, pidPath, filepath.Base(bin), p.spec.StopGrace); err != nil {
			return fmt.Errorf("stop stale %s: %w", p.spec.Name, err)
		}
	}

	var out io.WriteCloser
	cmd := exec.Command(bin, p.spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeWaitDelay
	if p.spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(p.spec.LogPath), 0o755); err != nil {
			return fmt.Errorf("create log dir for %s: %w", p.spec.Name, err)
		}
		out = logging.RotatingFile(p.spec.LogPath)
		cmd.Stdout = out
		cmd.Stderr = out
	}

	p.log.Info("starting", "binary", bin, "args", strings.Join(p.spec.Args, " "))
	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}

	pid := cmd.Process.Pid
	if pidPath != "" {
		if err := writePIDFile(pidPath, pid); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			if out != nil {
				_ = out.Close()
			}
			return fmt.Errorf("write %s pid file: %w", p.spec.Name, err)
		}
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.cmd, p.done, p.err = cmd, done, nil
	p.mu.Unlock()
	go p.reap(cmd, out, pidPath, done)

	timer := time.NewTimer(p.spec.StartupGrace)
	defer timer.Stop()
	select {
	case <-done:
		msg := fmt.Sprintf("%s exited during startup (pid %d)", p.spec.Name, pid)
		if exitErr := p.exitErr(); exitErr != nil {
			msg += ": " + exitErr.Error()
		}
		if logs := tailLog(p.spec.LogPath, maxTailLogBytes); logs != "" {
			msg += "\n" + logs
		}
		return errors.New(msg)
	case <-ctx.Done():
		p.stopLocked(context.WithoutCancel(ctx))
		return ctx.Err()
	case <-timer.C:
	}

	p.log.Info("started", "pid", pid)
	return nil
}

// Stop terminates the daemon with SIGTERM, escalating to SIGKILL after the
// stop grace period, and returns once the process has exited. Cancelling ctx
// skips the grace period but still waits for the kill to take effect.
func (p *Process) Stop(ctx context.Context) error {
	p.op.Lock()
	defer p.op.Unlock()

	if err := p.stopLocked(ctx); err != nil {
		return err
	}
	if pidPath := p.pidPath(); pidPath != "" {
		bin, err := p.resolveBinary()
		if err != nil {
			return nil
		}
		return stopFromPIDFile(ctx, pidPath, filepath.Base(bin), p.spec.StopGrace)
	}
	return nil
}

func (p *Process) stopLocked(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || done == nil {
		return nil
	}

	select {
	case <-done:
		p.clear(cmd)
		return nil
	default:
	}

	pid := cmd.Process.Pid
	p.log.Info("stopping", "pid", pid)
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s: %w", p.spec.Name, err)
	}

	grace := time.NewTimer(p.spec.StopGrace)
	defer grace.Stop()
	select {
	case <-done:
		p.clear(cmd)
		p.log.Info("stopped", "pid", pid)
		return nil
	case <-grace.C:
		p.log.Warn("did not exit after SIGTERM, killing", "pid", pid, "grace", p.spec.StopGrace)
	case <-ctx.Done():
		p.log.Warn("stop cancelled, killing", "pid", pid)
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %s: %w", p.spec.Name, err)
	}
	force := time.NewTimer(stopForce)
	defer force.Stop()
	select {
	case <-done:
		p.clear(cmd)
		p.log.Info("killed", "pid", pid)
		return nil
	case <-force.C:
		return fmt.Errorf("%s (pid %d) did not exit after SIGKILL", p.spec.Name, pid)
	}
}

func (p *Process) reap(cmd *exec.Cmd, out io.Closer, pidPath string, done chan struct{}) {
	err := cmd.Wait()
	if out != nil {
		_ = out.Close()
	}
	pid := cmd.Process.Pid
	if pidPath != "" {
		removePIDIfMatches(pidPath, pid)
	}

	p.mu.Lock()
	if p.cmd == cmd {
		p.err = err
	}
	p.mu.Unlock()
	close(done)

	if err == nil {
		p.log.Info("process exited", "pid", pid)
		return
	}
	p.log.Warn("process exited with error", "pid", pid, "err", err)
}

func (p *Process) clear(cmd *exec.Cmd) {
	p.mu.Lock()
	if p.cmd == cmd {
		p.cmd, p.done = nil, nil
	}
	p.mu.Unlock()
}

func (p *Process) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) resolveBinary() (string, error) {
	bin := strings.TrimSpace(p.spec.Binary)
	if bin == "" {
		return "", fmt.Errorf("%s: binary is required", p.spec.Name)
	}
	if filepath.IsAbs(bin) {
		return bin, nil
	}
	path, err := lookPath(bin)
	if err != nil {
		return "", fmt.Errorf("resolve %s binary: %w", p.spec.Name, err)
	}
	return path, nil
}

func (p *Process) pidPath() string {
	if p.spec.PIDDir == "" {
		return ""
	}
	return filepath.Join(p.spec.PIDDir, sanitizeName(p.spec.Name)+".pid")
}

func sanitizeName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "daemon"
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func tailLog(path string, maxBytes int) string {
	if path == "" || maxBytes <= 0 {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) <= maxBytes {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(string(data[len(data)-maxBytes:]))
}
