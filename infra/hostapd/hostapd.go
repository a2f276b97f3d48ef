// Package hostapd runs the access-point daemon.
package hostapd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"palpable/connectivity"
	"palpable/infra/process"
	"palpable/internal/fsutil"
)

// hostapd fails fast on driver errors, but only after probing the radio.
const startupGrace = 1500 * time.Millisecond

// Config locates the binary and files of the daemon.
type Config struct {
	Interface string
	Binary    string
	RunDir    string
	LogDir    string
}

// AccessPoint implements connectivity.AccessPoint with an open network.
type AccessPoint struct {
	cfg  Config
	proc *process.Process
}

var _ connectivity.AccessPoint = (*AccessPoint)(nil)

func New(cfg Config) *AccessPoint {
	if cfg.Binary == "" {
		cfg.Binary = "hostapd"
	}
	ap := &AccessPoint{cfg: cfg}
	var logPath string
	if cfg.LogDir != "" {
		logPath = filepath.Join(cfg.LogDir, "hostapd.log")
	}
	ap.proc = process.New(process.Spec{
		Name:         "hostapd",
		Binary:       cfg.Binary,
		Args:         []string{ap.configPath()},
		PIDDir:       cfg.RunDir,
		LogPath:      logPath,
		StartupGrace: startupGrace,
	})
	return ap
}

func (a *AccessPoint) configPath() string {
	return filepath.Join(a.cfg.RunDir, "hostapd.conf")
}

// Start writes hostapd.conf and launches the daemon. Starting a running
// access point is a no-op.
func (a *AccessPoint) Start(ctx context.Context, cfg connectivity.APConfig) error {
	if a.proc.Running() {
		return nil
	}
	data, err := Render(a.cfg.Interface, cfg)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(a.configPath(), data, 0o644); err != nil {
		return fmt.Errorf("write hostapd config: %w", err)
	}
	return a.proc.Start(ctx)
}

func (a *AccessPoint) Stop(ctx context.Context) error {
	return a.proc.Stop(ctx)
}

func (a *AccessPoint) Running() bool {
	return a.proc.Running()
}

// Render produces hostapd.conf for an open 2.4 GHz network.
func Render(iface string, cfg connectivity.APConfig) ([]byte, error) {
	if iface == "" {
		return nil, errors.New("interface is required")
	}
	if cfg.SSID == "" || len(cfg.SSID) > 32 || strings.ContainsAny(cfg.SSID, "\r\n") {
		return nil, fmt.Errorf("invalid access point ssid %q", cfg.SSID)
	}
	channel := cfg.Channel
	if channel < 1 || channel > 14 {
		channel = 6
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "interface=%s\n", iface)
	b.WriteString("driver=nl80211\n")
	fmt.Fprintf(&b, "ssid=%s\n", cfg.SSID)
	b.WriteString("hw_mode=g\n")
	fmt.Fprintf(&b, "channel=%d\n", channel)
	if cfg.Country != "" {
		fmt.Fprintf(&b, "country_code=%s\n", cfg.Country)
		b.WriteString("ieee80211d=1\n")
	}
	b.WriteString("auth_algs=1\n")
	b.WriteString("wmm_enabled=1\n")
	b.WriteString("ignore_broadcast_ssid=0\n")
	return b.Bytes(), nil
}
