// Package wpa runs wpa_supplicant for station mode and reads its state
// through wpa_cli.
package wpa

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"palpable/connectivity"
	"palpable/infra/process"
	"palpable/internal/fsutil"
)

const (
	minPassphrase = 8
	maxPassphrase = 63
)

// Config locates the binaries and files of the supplicant.
type Config struct {
	Interface  string
	Supplicant string // wpa_supplicant binary
	CLI        string // wpa_cli binary
	RunDir     string // config file, control socket and pid file
	LogDir     string
}

// Client implements connectivity.WifiClient.
type Client struct {
	cfg  Config
	proc *process.Process
	run  process.Runner
}

var _ connectivity.WifiClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithRunner replaces the command runner used for wpa_cli.
func WithRunner(r process.Runner) Option {
	return func(c *Client) { c.run = r }
}

// New creates a stopped Client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Supplicant == "" {
		cfg.Supplicant = "wpa_supplicant"
	}
	if cfg.CLI == "" {
		cfg.CLI = "wpa_cli"
	}
	c := &Client{cfg: cfg, run: process.Output}
	var logPath string
	if cfg.LogDir != "" {
		logPath = filepath.Join(cfg.LogDir, "wpa_supplicant.log")
	}
	c.proc = process.New(process.Spec{
		Name:    "wpa_supplicant",
		Binary:  cfg.Supplicant,
		Args:    []string{"-i", cfg.Interface, "-c", c.configPath(), "-D", "nl80211,wext"},
		PIDDir:  cfg.RunDir,
		LogPath: logPath,
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) configPath() string {
	return filepath.Join(c.cfg.RunDir, "wpa_supplicant.conf")
}

func (c *Client) ctrlDir() string {
	return filepath.Join(c.cfg.RunDir, "wpa_supplicant")
}

// Start writes the network configuration and launches the supplicant.
func (c *Client) Start(ctx context.Context, cfg connectivity.ClientConfig) error {
	data, err := Render(cfg, c.ctrlDir())
	if err != nil {
		return err
	}
	// The file holds the passphrase.
	if err := fsutil.WriteFileAtomic(c.configPath(), data, 0o600); err != nil {
		return fmt.Errorf("write supplicant config: %w", err)
	}
	return c.proc.Start(ctx)
}

// Stop terminates the supplicant and waits for it to exit.
func (c *Client) Stop(ctx context.Context) error {
	return c.proc.Stop(ctx)
}

// Running reports whether the supplicant process is alive.
func (c *Client) Running() bool {
	return c.proc.Running()
}

// Associated asks wpa_cli for the supplicant state.
func (c *Client) Associated(ctx context.Context) (bool, error) {
	if !c.proc.Running() {
		return false, errors.New("wpa_supplicant not running")
	}
	out, err := c.run(ctx, c.cfg.CLI, "-p", c.ctrlDir(), "-i", c.cfg.Interface, "status")
	if err != nil {
		return false, err
	}
	return ParseStatus(out)["wpa_state"] == "COMPLETED", nil
}

// Render produces a wpa_supplicant.conf for one network. The SSID is written
// in hex so any byte sequence is safe; an empty password selects an open
// network.
func Render(cfg connectivity.ClientConfig, ctrlDir string) ([]byte, error) {
	if cfg.SSID == "" {
		return nil, errors.New("ssid is required")
	}
	if strings.ContainsAny(cfg.Password, "\r\n") {
		return nil, errors.New("password contains a line break")
	}
	if n := len(cfg.Password); n != 0 && (n < minPassphrase || n > maxPassphrase) {
		return nil, fmt.Errorf("password must be %d-%d characters", minPassphrase, maxPassphrase)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "ctrl_interface=DIR=%s\n", ctrlDir)
	b.WriteString("update_config=0\n")
	if cfg.Country != "" {
		fmt.Fprintf(&b, "country=%s\n", cfg.Country)
	}
	b.WriteString("\nnetwork={\n")
	fmt.Fprintf(&b, "\tssid=%s\n", hex.EncodeToString([]byte(cfg.SSID)))
	b.WriteString("\tscan_ssid=1\n")
	if cfg.Password == "" {
		b.WriteString("\tkey_mgmt=NONE\n")
	} else {
		b.WriteString("\tkey_mgmt=WPA-PSK\n")
		fmt.Fprintf(&b, "\tpsk=\"%s\"\n", cfg.Password)
	}
	b.WriteString("}\n")
	return b.Bytes(), nil
}

// ParseStatus parses the key=value lines of `wpa_cli status`.
func ParseStatus(out []byte) map[string]string {
	status := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		status[key] = value
	}
	return status
}
