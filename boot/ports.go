package boot

import (
	"context"

	"palpable"
	"palpable/connectivity"
)

// SettingsLoader reads the device settings.
type SettingsLoader interface {
	Load() palpable.DeviceSettings
}

// Connectivity is the connectivity manager as seen by the orchestrator.
type Connectivity interface {
	BringUp(ctx context.Context, s palpable.DeviceSettings) (connectivity.Status, error)
	CheckLink(ctx context.Context) error
	Online() bool
	Status() connectivity.Status
	Shutdown(ctx context.Context) error
}

// Portal is the captive portal server.
type Portal interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Beacon advertises the device over Bluetooth LE.
type Beacon interface {
	Start(ctx context.Context, name, deviceID string) error
	Stop() error
}

// Worker is a background loop that runs until ctx is cancelled.
type Worker interface {
	Run(ctx context.Context)
}

// Updater is the update checker. Trigger requests an immediate check.
type Updater interface {
	Worker
	Trigger()
}

// Claims reports the claim state of the device.
type Claims interface {
	Session(ctx context.Context) (palpable.ClaimSession, error)
}

// Host is the init system: readiness, the agent unit, and reboot.
type Host interface {
	Ready()
	Stopping()
	Status(msg string)
	StartUnit(ctx context.Context, unit string) error
	Reboot(ctx context.Context) error
}
