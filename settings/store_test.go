package settings

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"palpable"
)

func TestParse(t *testing.T) {
	in := `# comment
WIFI_SSID = Home Net
WIFI_PASSWORD="s3cret pass"

WIFI_COUNTRY=gb
DEVICE_NAME=My Device!!
TIMEZONE=Europe/London
IP_ADDRESS=192.168.1.50
FUTURE_KEY=whatever
not a pair
`
	s, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := palpable.DeviceSettings{
		WifiSSID:     "Home Net",
		WifiPassword: "s3cret pass",
		WifiCountry:  "GB",
		DeviceName:   "MyDevice",
		Timezone:     "Europe/London",
		StaticIP:     netip.MustParseAddr("192.168.1.50"),
	}
	if s != want {
		t.Errorf("Parse = %+v, want %+v", s, want)
	}
}

func TestParse_Defaults(t *testing.T) {
	s, err := Parse(strings.NewReader("WIFI_SSID=\nIP_ADDRESS=not-an-ip\nDEVICE_NAME=***\n"))
	if err != nil {
		t.Fatal(err)
	}
	if s != palpable.DefaultSettings() {
		t.Errorf("Parse = %+v, want defaults", s)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	in := palpable.DeviceSettings{
		WifiSSID:     " padded ",
		WifiPassword: `"quoted"`,
		WifiCountry:  "US",
		DeviceName:   "kitchen",
		Timezone:     "UTC",
	}
	out, err := Parse(strings.NewReader(string(Format(in))))
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestFormat_StripsNewlines(t *testing.T) {
	data := string(Format(palpable.DeviceSettings{WifiSSID: "evil\nDEVICE_NAME=pwned"}))
	if strings.Count(data, "DEVICE_NAME=") != 1 {
		t.Errorf("newline injected a key:\n%s", data)
	}
}

func TestStore_LoadMissingFile(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "palpable.txt"))
	if got := st.Load(); got != palpable.DefaultSettings() {
		t.Errorf("Load = %+v, want defaults", got)
	}
}

func TestStore_LoadUnreadable(t *testing.T) {
	dir := t.TempDir()
	// A directory in place of the file cannot be read as settings.
	path := filepath.Join(dir, "palpable.txt")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
	st := NewStore(path)
	if got := st.Load(); got != palpable.DefaultSettings() {
		t.Errorf("Load = %+v, want defaults", got)
	}
}

func TestStore_SaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot", "palpable.txt")
	st := NewStore(path)

	next := palpable.DefaultSettings().WithCredentials("office", "hunter22")
	if err := st.Save(next); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := st.Current(); got.WifiSSID != "office" {
		t.Errorf("Current().WifiSSID = %q, want office", got.WifiSSID)
	}

	reloaded := NewStore(path).Load()
	if reloaded != next {
		t.Errorf("reloaded = %+v, want %+v", reloaded, next)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != filePerm {
		t.Errorf("perm = %v, want %v", info.Mode().Perm(), os.FileMode(filePerm))
	}
}

func TestStore_DeviceInfo(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "palpable.txt"))
	if err := st.Save(palpable.DeviceSettings{WifiSSID: "office", DeviceName: "lab"}); err != nil {
		t.Fatal(err)
	}

	client := st.DeviceInfo(NetworkFacts{
		DeviceID: "b827eb12abcd", Version: "1.0.0", IP: "10.0.0.7",
		MAC: "b8:27:eb:12:ab:cd", Mode: palpable.ModeClient, SSID: "Palpable-ABCD",
	})
	if client.WifiSSID != "office" || client.DeviceName != "lab" || client.WifiMode != palpable.ModeClient {
		t.Errorf("client info = %+v", client)
	}

	hotspot := st.DeviceInfo(NetworkFacts{Mode: palpable.ModeHotspot, SSID: "Palpable-ABCD"})
	if hotspot.WifiSSID != "Palpable-ABCD" {
		t.Errorf("hotspot ssid = %q, want Palpable-ABCD", hotspot.WifiSSID)
	}
}
