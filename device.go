package palpable

import (
	"encoding/hex"
	"net"
	"strings"
)

const apSSIDPrefix = "Palpable-"

// DeviceInfo is the snapshot served at /api/device-info. Field names are
// consumed by the portal UI and must not change.
type DeviceInfo struct {
	DeviceID   string   `json:"deviceId"`
	DeviceName string   `json:"deviceName"`
	Version    string   `json:"version"`
	IP         string   `json:"ip"`
	MAC        string   `json:"mac"`
	WifiMode   WifiMode `json:"wifiMode"`
	WifiSSID   string   `json:"wifiSsid"`
}

// APSSID derives the access-point SSID from the Wi-Fi hardware address:
// "Palpable-" followed by the last four hex digits, upper-cased.
func APSSID(mac net.HardwareAddr) string {
	h := strings.ToUpper(hex.EncodeToString(mac))
	if len(h) < 4 {
		h = strings.Repeat("0", 4-len(h)) + h
	}
	return apSSIDPrefix + h[len(h)-4:]
}

// DeviceIDFromMAC derives the immutable device identifier from the Wi-Fi
// hardware address.
func DeviceIDFromMAC(mac net.HardwareAddr) string {
	return hex.EncodeToString(mac)
}
