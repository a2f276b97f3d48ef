package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "boot.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Interface != "wlan0" || cfg.Wifi.AssociationTimeout != 30*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.yaml")
	data := `
interface: wlan1
wifi:
  association_timeout: 45s
access_point:
  address: 10.42.0.1/24
  dhcp_start: 10.42.0.20
  dhcp_end: 10.42.0.60
registry:
  url: https://registry.example
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Interface != "wlan1" {
		t.Errorf("Interface = %q, want wlan1", cfg.Interface)
	}
	if cfg.Wifi.AssociationTimeout != 45*time.Second {
		t.Errorf("AssociationTimeout = %v, want 45s", cfg.Wifi.AssociationTimeout)
	}
	// Unset nested keys keep defaults.
	if cfg.Wifi.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Wifi.PollInterval)
	}
	p, err := cfg.APPrefix()
	if err != nil || p.Addr().String() != "10.42.0.1" || p.Bits() != 24 {
		t.Errorf("APPrefix = %v, %v", p, err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.yaml")
	if err := os.WriteFile(path, []byte("interface: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadOrDefault_InvalidFallsBack(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("interface: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("interface: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{bad, invalid} {
		cfg, err := LoadOrDefault(path)
		if err == nil {
			t.Errorf("LoadOrDefault(%s) err = nil, want the load error", filepath.Base(path))
		}
		if cfg.Interface != Default().Interface || cfg.Portal.Listen != Default().Portal.Listen {
			t.Errorf("LoadOrDefault(%s) = %+v, want defaults", filepath.Base(path), cfg)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty interface", func(c *Config) { c.Interface = "" }, "interface is required"},
		{"bad ap address", func(c *Config) { c.AccessPoint.Address = "192.168.4.1" }, "must be an IPv4 CIDR"},
		{"dhcp outside prefix", func(c *Config) { c.AccessPoint.DHCPEnd = "10.0.0.1" }, "dhcp_end"},
		{"bad channel", func(c *Config) { c.AccessPoint.Channel = 40 }, "channel"},
		{"zero timeout", func(c *Config) { c.Wifi.AssociationTimeout = 0 }, "wifi.association_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}
