package palpable

import (
	"encoding/json"
	"net"
	"strings"
	"testing"
)

func TestSanitizeDeviceName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Device!! ", "MyDevice"},
		{"kitchen-pi-2", "kitchen-pi-2"},
		{"", DefaultDeviceName},
		{"   ", DefaultDeviceName},
		{"!!!__***", DefaultDeviceName},
		{"héllo wörld", "hllowrld"},
		{strings.Repeat("a", 80), strings.Repeat("a", 63)},
		{strings.Repeat("a!", 70), strings.Repeat("a", 63)},
	}
	for _, tt := range tests {
		if got := SanitizeDeviceName(tt.in); got != tt.want {
			t.Errorf("SanitizeDeviceName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeCountry(t *testing.T) {
	tests := map[string]string{"de": "DE", " gb ": "GB", "USA": "US", "1A": "US", "": "US"}
	for in, want := range tests {
		if got := NormalizeCountry(in); got != want {
			t.Errorf("NormalizeCountry(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAPSSID_Deterministic(t *testing.T) {
	mac, err := net.ParseMAC("b8:27:eb:12:ab:cd")
	if err != nil {
		t.Fatal(err)
	}
	first := APSSID(mac)
	if first != "Palpable-ABCD" {
		t.Fatalf("APSSID = %q, want Palpable-ABCD", first)
	}
	for range 10 {
		if got := APSSID(mac); got != first {
			t.Fatalf("APSSID not stable: %q then %q", first, got)
		}
	}

	other, _ := net.ParseMAC("b8:27:eb:12:00:0f")
	if got := APSSID(other); got != "Palpable-000F" {
		t.Errorf("APSSID = %q, want Palpable-000F", got)
	}
}

func TestDeviceIDFromMAC(t *testing.T) {
	mac, _ := net.ParseMAC("B8:27:EB:12:AB:CD")
	if got := DeviceIDFromMAC(mac); got != "b827eb12abcd" {
		t.Errorf("DeviceIDFromMAC = %q, want b827eb12abcd", got)
	}
}

func TestValidClaimCode(t *testing.T) {
	valid := []string{"000000", "123456", "999999"}
	invalid := []string{"", "12345", "1234567", "12a456", " 12345", "١٢٣٤٥٦", "12345\n"}
	for _, c := range valid {
		if !ValidClaimCode(c) {
			t.Errorf("ValidClaimCode(%q) = false, want true", c)
		}
	}
	for _, c := range invalid {
		if ValidClaimCode(c) {
			t.Errorf("ValidClaimCode(%q) = true, want false", c)
		}
	}
}

func TestConnectivityTransitions(t *testing.T) {
	legal := []struct{ from, to ConnectivityState }{
		{Unconfigured, ConnectingClient},
		{Unconfigured, APMode},
		{ConnectingClient, ClientConnected},
		{ConnectingClient, ClientFailed},
		{ClientFailed, APMode},
		{APMode, ConnectingClient},
		{ClientConnected, ClientFailed},
		{ClientConnected, ConnectingClient},
		{APMode, Unconfigured},
	}
	for _, tt := range legal {
		if got := tt.from.Transition(tt.to); got != tt.to {
			t.Errorf("%s -> %s = %s, want %s", tt.from, tt.to, got, tt.to)
		}
	}

	illegal := []struct{ from, to ConnectivityState }{
		{APMode, ClientConnected},
		{ClientConnected, APMode},
		{Unconfigured, ClientConnected},
		{ConnectingClient, APMode},
	}
	for _, tt := range illegal {
		if tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s allowed, want rejected", tt.from, tt.to)
		}
	}
}

func TestConnectivityState_JSON(t *testing.T) {
	data, err := json.Marshal(APMode)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"ap_mode"` {
		t.Fatalf("marshal = %s", data)
	}
	var s ConnectivityState
	if err := json.Unmarshal([]byte(`"client_connected"`), &s); err != nil {
		t.Fatal(err)
	}
	if s != ClientConnected {
		t.Errorf("unmarshal = %s, want client_connected", s)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestNormalizeScan(t *testing.T) {
	in := []Network{
		{SSID: "home", Signal: 40},
		{SSID: "", Signal: 99},
		{SSID: "cafe", Signal: 70},
		{SSID: "home", Signal: 82},
		{SSID: "attic", Signal: 70},
		{SSID: "loud", Signal: 130},
	}
	got := NormalizeScan(in)
	want := []Network{{"loud", 100}, {"home", 82}, {"attic", 70}, {"cafe", 70}}
	if len(got) != len(want) {
		t.Fatalf("NormalizeScan = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NormalizeScan[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if out := NormalizeScan(nil); out == nil || len(out) != 0 {
		t.Errorf("NormalizeScan(nil) = %#v, want empty non-nil slice", out)
	}
}

func TestSignalPercent(t *testing.T) {
	tests := map[float64]int{-110: 0, -100: 0, -75: 50, -50: 100, -20: 100}
	for dbm, want := range tests {
		if got := SignalPercent(dbm); got != want {
			t.Errorf("SignalPercent(%v) = %d, want %d", dbm, got, want)
		}
	}
}

func TestNewUpdateInfo(t *testing.T) {
	if info := NewUpdateInfo("1.2.0", "1.3.0"); !info.UpdateAvailable {
		t.Error("different versions should report update available")
	}
	if info := NewUpdateInfo("1.3.0", "1.2.0"); !info.UpdateAvailable {
		t.Error("downgrade should report update available")
	}
	if info := NewUpdateInfo("1.3.0", "1.3.0"); info.UpdateAvailable {
		t.Error("identical versions should be up to date")
	}
	if info := NewUpdateInfo("1.3.0", ""); info.UpdateAvailable {
		t.Error("unknown latest version should not report update")
	}
}

func TestDeviceSettings_Normalize(t *testing.T) {
	s := DeviceSettings{DeviceName: "My Device!! ", WifiCountry: "de"}.Normalize()
	if s.DeviceName != "MyDevice" || s.WifiCountry != "DE" || s.Timezone != DefaultTimezone {
		t.Errorf("Normalize = %+v", s)
	}
}
