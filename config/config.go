// Package config holds the orchestrator runtime configuration.
//
// Config is stored at /etc/palpable/boot.yaml. It describes the device image
// (interface names, daemon binaries, endpoints, time budgets) and is not
// edited by users; user-facing settings live in the settings file on the boot
// partition.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the image installs the runtime config.
const DefaultPath = "/etc/palpable/boot.yaml"

type PortalConfig struct {
	Listen string `yaml:"listen"`
	// UIDir overrides the embedded UI with files from disk.
	UIDir string `yaml:"ui_dir,omitempty"`
}

type RegistryConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

type AccessPointConfig struct {
	Address   string        `yaml:"address"` // CIDR of the device on the AP network
	Channel   int           `yaml:"channel"`
	DHCPStart string        `yaml:"dhcp_start"`
	DHCPEnd   string        `yaml:"dhcp_end"`
	Lease     time.Duration `yaml:"lease"`
}

type WifiConfig struct {
	AssociationTimeout time.Duration `yaml:"association_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	LinkCheckInterval  time.Duration `yaml:"link_check_interval"`
}

type UpdatesConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type NTPConfig struct {
	Pool     string        `yaml:"pool"`
	Interval time.Duration `yaml:"interval"`
}

type AgentConfig struct {
	Unit string `yaml:"unit"`
}

type BluetoothConfig struct {
	Enabled bool `yaml:"enabled"`
}

// BinariesConfig names the external daemons and tools.
type BinariesConfig struct {
	WPASupplicant string `yaml:"wpa_supplicant"`
	WPACLI        string `yaml:"wpa_cli"`
	Hostapd       string `yaml:"hostapd"`
	Dnsmasq       string `yaml:"dnsmasq"`
	DHCPClient    string `yaml:"dhcp_client"`
	IW            string `yaml:"iw"`
}

// Config is the orchestrator runtime configuration.
type Config struct {
	Interface    string `yaml:"interface"`
	SettingsPath string `yaml:"settings_path"`
	VersionPath  string `yaml:"version_path"`
	StateDir     string `yaml:"state_dir"`
	RunDir       string `yaml:"run_dir"`
	LogDir       string `yaml:"log_dir,omitempty"`

	Portal      PortalConfig      `yaml:"portal"`
	Registry    RegistryConfig    `yaml:"registry"`
	AccessPoint AccessPointConfig `yaml:"access_point"`
	Wifi        WifiConfig        `yaml:"wifi"`
	Updates     UpdatesConfig     `yaml:"updates"`
	NTP         NTPConfig         `yaml:"ntp"`
	Agent       AgentConfig       `yaml:"agent"`
	Bluetooth   BluetoothConfig   `yaml:"bluetooth"`
	Binaries    BinariesConfig    `yaml:"binaries"`
}

// Default returns the configuration of a stock image.
func Default() Config {
	return Config{
		Interface:    "wlan0",
		SettingsPath: "/boot/palpable.txt",
		VersionPath:  "/opt/palpable/version.txt",
		StateDir:     "/var/lib/palpable",
		RunDir:       "/run/palpable",
		LogDir:       "/var/log/palpable",
		Portal: PortalConfig{
			Listen: ":80",
		},
		Registry: RegistryConfig{
			URL:     "https://api.palpable.dev",
			Timeout: 15 * time.Second,
		},
		AccessPoint: AccessPointConfig{
			Address:   "192.168.4.1/24",
			Channel:   6,
			DHCPStart: "192.168.4.10",
			DHCPEnd:   "192.168.4.100",
			Lease:     12 * time.Hour,
		},
		Wifi: WifiConfig{
			AssociationTimeout: 30 * time.Second,
			PollInterval:       time.Second,
			LinkCheckInterval:  15 * time.Second,
		},
		Updates: UpdatesConfig{Interval: time.Hour},
		NTP:     NTPConfig{Pool: "pool.ntp.org", Interval: 10 * time.Minute},
		Agent:   AgentConfig{Unit: "palpable-agent.service"},
		Bluetooth: BluetoothConfig{
			Enabled: true,
		},
		Binaries: BinariesConfig{
			WPASupplicant: "wpa_supplicant",
			WPACLI:        "wpa_cli",
			Hostapd:       "hostapd",
			Dnsmasq:       "dnsmasq",
			DHCPClient:    "udhcpc",
			IW:            "iw",
		},
	}
}

// Load reads the config file at path over the defaults. A missing file
// returns the defaults (not an error).
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault is Load for the orchestrator process: an unreadable or
// invalid file yields the defaults together with the error, which the caller
// logs before carrying on.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Validate checks the configuration for values the orchestrator cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Interface == "" {
		errs = append(errs, errors.New("interface is required"))
	}
	if c.SettingsPath == "" {
		errs = append(errs, errors.New("settings_path is required"))
	}
	if c.StateDir == "" || c.RunDir == "" {
		errs = append(errs, errors.New("state_dir and run_dir are required"))
	}
	if c.Portal.Listen == "" {
		errs = append(errs, errors.New("portal.listen is required"))
	}

	prefix, err := c.APPrefix()
	if err != nil {
		errs = append(errs, err)
	} else {
		for name, raw := range map[string]string{"dhcp_start": c.AccessPoint.DHCPStart, "dhcp_end": c.AccessPoint.DHCPEnd} {
			addr, err := netip.ParseAddr(raw)
			if err != nil || !prefix.Contains(addr) {
				errs = append(errs, fmt.Errorf("access_point.%s %q is not inside %s", name, raw, prefix.Masked()))
			}
		}
	}
	if c.AccessPoint.Channel < 1 || c.AccessPoint.Channel > 14 {
		errs = append(errs, fmt.Errorf("access_point.channel %d out of range 1-14", c.AccessPoint.Channel))
	}

	for name, d := range map[string]time.Duration{
		"wifi.association_timeout": c.Wifi.AssociationTimeout,
		"wifi.poll_interval":       c.Wifi.PollInterval,
		"wifi.link_check_interval": c.Wifi.LinkCheckInterval,
		"updates.interval":         c.Updates.Interval,
		"ntp.interval":             c.NTP.Interval,
		"registry.timeout":         c.Registry.Timeout,
		"access_point.lease":       c.AccessPoint.Lease,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// APPrefix returns the device address and prefix length on the AP network.
func (c Config) APPrefix() (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(c.AccessPoint.Address)
	if err != nil || !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("access_point.address %q must be an IPv4 CIDR", c.AccessPoint.Address)
	}
	return prefix, nil
}
