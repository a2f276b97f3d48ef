// Package systemd talks to the service manager: readiness notification,
// starting the device agent unit and rebooting through logind.
package systemd

import (
	"context"
	"fmt"
	"log/slog"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/login1"
)

// Host is the systemd-managed host the orchestrator runs on.
type Host struct{}

func New() *Host {
	return &Host{}
}

// Ready tells systemd the orchestrator finished starting. Outside systemd it
// is a no-op.
func (h *Host) Ready() {
	notify(sddaemon.SdNotifyReady)
}

// Stopping tells systemd the orchestrator is shutting down.
func (h *Host) Stopping() {
	notify(sddaemon.SdNotifyStopping)
}

// Status sets the free-form unit status shown by systemctl.
func (h *Host) Status(msg string) {
	notify("STATUS=" + msg)
}

func notify(state string) {
	sent, err := sddaemon.SdNotify(false, state)
	if err != nil {
		slog.Error("Failed to notify systemd.", "state", state, "err", err)
		return
	}
	if !sent {
		slog.Debug("Not running under systemd, notification skipped.", "state", state)
	}
}

// StartUnit starts unit and waits for the job to finish.
func (h *Host) StartUnit(ctx context.Context, unit string) error {
	conn, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("start %s: %w", unit, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("start %s: job %s", unit, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("start %s: %w", unit, ctx.Err())
	}
}

// Reboot asks logind to reboot the machine.
func (h *Host) Reboot(context.Context) error {
	conn, err := login1.New()
	if err != nil {
		return fmt.Errorf("connect to logind: %w", err)
	}
	defer conn.Close()
	conn.Reboot(false)
	return nil
}
