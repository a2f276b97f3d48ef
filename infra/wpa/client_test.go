package wpa

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"palpable/connectivity"
)

func TestRender(t *testing.T) {
	data, err := Render(connectivity.ClientConfig{SSID: "Home Net", Password: `pa"ss word`, Country: "DE"}, "/run/palpable/wpa_supplicant")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	conf := string(data)
	for _, want := range []string{
		"ctrl_interface=DIR=/run/palpable/wpa_supplicant\n",
		"country=DE\n",
		"\tssid=486f6d65204e6574\n",
		"\tkey_mgmt=WPA-PSK\n",
		"\tpsk=\"pa\"ss word\"\n",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("config missing %q:\n%s", want, conf)
		}
	}
}

func TestRender_OpenNetwork(t *testing.T) {
	data, err := Render(connectivity.ClientConfig{SSID: "Cafe"}, "/tmp/ctrl")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(string(data), "key_mgmt=NONE") || strings.Contains(string(data), "psk=") {
		t.Errorf("open network config:\n%s", data)
	}
}

func TestRender_Rejects(t *testing.T) {
	tests := map[string]connectivity.ClientConfig{
		"no ssid":        {Password: "password1"},
		"short password": {SSID: "x", Password: "short"},
		"long password":  {SSID: "x", Password: strings.Repeat("a", 64)},
		"line break":     {SSID: "x", Password: "password\nnetwork={"},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Render(cfg, "/tmp/ctrl"); err == nil {
				t.Error("Render succeeded, want error")
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	out := []byte("bssid=aa:bb:cc:dd:ee:ff\nfreq=2437\nssid=Home\nid=0\nmode=station\nwpa_state=COMPLETED\nip_address=192.168.1.23\n")
	st := ParseStatus(out)
	if st["wpa_state"] != "COMPLETED" {
		t.Errorf("wpa_state = %q, want COMPLETED", st["wpa_state"])
	}
	if st["ssid"] != "Home" {
		t.Errorf("ssid = %q, want Home", st["ssid"])
	}
	if len(ParseStatus([]byte("Failed to connect to non-global ctrl_ifname"))) != 0 {
		t.Error("error output parsed as status")
	}
}

func TestStart_WritesPrivateConfig(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Interface: "wlan0", Supplicant: "definitely-not-wpa-supplicant", RunDir: dir})

	err := c.Start(context.Background(), connectivity.ClientConfig{SSID: "Home", Password: "hunter2hunter2"})
	if err == nil {
		t.Fatal("Start succeeded with a missing binary")
	}
	info, err := os.Stat(filepath.Join(dir, "wpa_supplicant.conf"))
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config mode = %o, want 600", perm)
	}
	if c.Running() {
		t.Error("Running() = true after failed start")
	}
}

func TestAssociated_NotRunning(t *testing.T) {
	called := false
	c := New(Config{Interface: "wlan0", RunDir: t.TempDir()}, WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		called = true
		return []byte("wpa_state=COMPLETED\n"), nil
	}))
	ok, err := c.Associated(context.Background())
	if ok || err == nil {
		t.Errorf("Associated() = %v, %v, want false with error", ok, err)
	}
	if called {
		t.Error("wpa_cli called without a running supplicant")
	}
}
