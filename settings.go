package palpable

import (
	"net/netip"
	"strings"
)

const (
	DefaultDeviceName  = "palpable"
	DefaultWifiCountry = "US"
	DefaultTimezone    = "UTC"

	maxDeviceNameLen = 63
)

// DeviceSettings is the persisted, user-facing device configuration.
// Values are immutable once loaded; callers replace the whole value.
type DeviceSettings struct {
	WifiSSID     string
	WifiPassword string
	WifiCountry  string
	DeviceName   string
	Timezone     string
	StaticIP     netip.Addr // zero when DHCP is used
}

// DefaultSettings returns the settings of an unprovisioned device.
func DefaultSettings() DeviceSettings {
	return DeviceSettings{
		WifiCountry: DefaultWifiCountry,
		DeviceName:  DefaultDeviceName,
		Timezone:    DefaultTimezone,
	}
}

// HasWifi reports whether client credentials are configured.
func (s DeviceSettings) HasWifi() bool {
	return s.WifiSSID != ""
}

// WithCredentials returns a copy of s with new Wi-Fi credentials.
func (s DeviceSettings) WithCredentials(ssid, password string) DeviceSettings {
	s.WifiSSID = ssid
	s.WifiPassword = password
	return s
}

// Normalize fills defaults and sanitizes fields.
func (s DeviceSettings) Normalize() DeviceSettings {
	s.DeviceName = SanitizeDeviceName(s.DeviceName)
	s.WifiCountry = NormalizeCountry(s.WifiCountry)
	if strings.TrimSpace(s.Timezone) == "" {
		s.Timezone = DefaultTimezone
	}
	if s.StaticIP.IsValid() && !s.StaticIP.Is4() {
		s.StaticIP = netip.Addr{}
	}
	return s
}

// SanitizeDeviceName keeps only [A-Za-z0-9-] and truncates to 63 characters.
// Empty or all-invalid input yields the default name.
func SanitizeDeviceName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
		if b.Len() == maxDeviceNameLen {
			break
		}
	}
	out := b.String()
	if out == "" {
		return DefaultDeviceName
	}
	return out
}

// NormalizeCountry returns an upper-cased ISO 3166 alpha-2 code, or the
// default when the input is not two letters.
func NormalizeCountry(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 {
		return DefaultWifiCountry
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return DefaultWifiCountry
		}
	}
	return code
}
