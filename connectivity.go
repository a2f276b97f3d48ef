package palpable

import (
	"encoding/json"
	"fmt"
	"strings"

	"palpable/internal/check"
)

// ConnectivityState is the Wi-Fi mode of the device. Exactly one value holds
// at a time; ConnectivityManager owns all transitions.
type ConnectivityState uint8

const (
	Unconfigured ConnectivityState = iota
	ConnectingClient
	ClientConnected
	ClientFailed
	APMode
)

func (s ConnectivityState) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case ConnectingClient:
		return "connecting_client"
	case ClientConnected:
		return "client_connected"
	case ClientFailed:
		return "client_failed"
	case APMode:
		return "ap_mode"
	default:
		return "unknown"
	}
}

// CanTransition reports whether s -> to is a legal transition. Any state may
// return to Unconfigured when the manager shuts down.
func (s ConnectivityState) CanTransition(to ConnectivityState) bool {
	if to == Unconfigured {
		return true
	}
	switch s {
	case Unconfigured:
		return to == ConnectingClient || to == APMode
	case ConnectingClient:
		return to == ClientConnected || to == ClientFailed
	case ClientConnected:
		return to == ConnectingClient || to == ClientFailed
	case ClientFailed:
		return to == APMode || to == ConnectingClient
	case APMode:
		return to == ConnectingClient
	}
	return false
}

// Transition returns to when the transition is legal and s otherwise.
func (s ConnectivityState) Transition(to ConnectivityState) ConnectivityState {
	ok := s.CanTransition(to)
	check.Assertf(ok, "connectivity transition: %s -> %s", s, to)
	if !ok {
		return s
	}
	return to
}

// WifiMode is the coarse mode reported to the portal UI.
func (s ConnectivityState) WifiMode() WifiMode {
	if s == ClientConnected {
		return ModeClient
	}
	return ModeHotspot
}

func (s ConnectivityState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ConnectivityState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for c := Unconfigured; c <= APMode; c++ {
		if c.String() == strings.TrimSpace(raw) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("invalid connectivity state: %q", raw)
}

// WifiMode is the value of the "wifiMode" device-info field.
type WifiMode string

const (
	ModeHotspot WifiMode = "hotspot"
	ModeClient  WifiMode = "client"
	// ModeNone is reported when the wireless interface is unusable.
	ModeNone WifiMode = "none"
)
