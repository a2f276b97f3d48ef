package settings

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"

	"palpable"
)

// Keys of the on-disk key=value file.
const (
	KeyWifiSSID     = "WIFI_SSID"
	KeyWifiPassword = "WIFI_PASSWORD"
	KeyWifiCountry  = "WIFI_COUNTRY"
	KeyDeviceName   = "DEVICE_NAME"
	KeyTimezone     = "TIMEZONE"
	KeyIPAddress    = "IP_ADDRESS"
)

// Parse reads the key=value format. Blank lines and lines starting with '#'
// are skipped, keys and values are trimmed, unknown keys and lines without
// '=' are ignored. Missing keys keep their defaults.
func Parse(r io.Reader) (palpable.DeviceSettings, error) {
	s := palpable.DefaultSettings()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			slog.Debug("settings: skipping malformed line", "line", lineNo)
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		switch key {
		case KeyWifiSSID:
			s.WifiSSID = value
		case KeyWifiPassword:
			s.WifiPassword = value
		case KeyWifiCountry:
			s.WifiCountry = value
		case KeyDeviceName:
			s.DeviceName = value
		case KeyTimezone:
			s.Timezone = value
		case KeyIPAddress:
			s.StaticIP = netip.Addr{}
			if value == "" {
				continue
			}
			addr, err := netip.ParseAddr(value)
			if err != nil || !addr.Is4() {
				slog.Warn("settings: ignoring invalid static IP", "value", value)
				continue
			}
			s.StaticIP = addr
		}
	}
	if err := sc.Err(); err != nil {
		return palpable.DefaultSettings(), fmt.Errorf("scan settings: %w", err)
	}
	return s.Normalize(), nil
}

// Format renders settings in the key=value format read by Parse.
func Format(s palpable.DeviceSettings) []byte {
	var buf bytes.Buffer
	buf.WriteString("# Palpable device settings\n")
	writeKV(&buf, KeyWifiSSID, s.WifiSSID)
	writeKV(&buf, KeyWifiPassword, s.WifiPassword)
	writeKV(&buf, KeyWifiCountry, s.WifiCountry)
	writeKV(&buf, KeyDeviceName, s.DeviceName)
	writeKV(&buf, KeyTimezone, s.Timezone)
	ip := ""
	if s.StaticIP.IsValid() {
		ip = s.StaticIP.String()
	}
	writeKV(&buf, KeyIPAddress, ip)
	return buf.Bytes()
}

func writeKV(buf *bytes.Buffer, key, value string) {
	// Values are single-line; a newline would inject a second key.
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	if value != strings.TrimSpace(value) || unquote(value) != value {
		value = `"` + value + `"`
	}
	buf.WriteString(key)
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte('\n')
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
