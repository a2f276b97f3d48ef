package palpable

import (
	"cmp"
	"slices"
	"strings"
)

// Network is one entry of a scan result.
type Network struct {
	SSID   string `json:"ssid"`
	Signal int    `json:"signal"` // percent, 0-100
}

// SignalPercent maps an RSSI in dBm onto 0-100 (-100 dBm and below is 0,
// -50 dBm and above is 100).
func SignalPercent(dbm float64) int {
	switch {
	case dbm <= -100:
		return 0
	case dbm >= -50:
		return 100
	default:
		return int(2 * (dbm + 100))
	}
}

// NormalizeScan drops hidden networks, keeps the strongest entry per SSID and
// orders the result by descending signal, then SSID.
func NormalizeScan(in []Network) []Network {
	best := make(map[string]int, len(in))
	for _, n := range in {
		ssid := strings.TrimSpace(n.SSID)
		if ssid == "" {
			continue
		}
		sig := min(max(n.Signal, 0), 100)
		if cur, ok := best[ssid]; !ok || sig > cur {
			best[ssid] = sig
		}
	}
	out := make([]Network, 0, len(best))
	for ssid, sig := range best {
		out = append(out, Network{SSID: ssid, Signal: sig})
	}
	slices.SortFunc(out, func(a, b Network) int {
		if c := cmp.Compare(b.Signal, a.Signal); c != 0 {
			return c
		}
		return cmp.Compare(a.SSID, b.SSID)
	})
	return out
}
