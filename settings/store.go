// Package settings owns the persisted device settings file on the boot
// partition. It is the only writer of that file.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"palpable"
	"palpable/internal/fsutil"
)

const filePerm = 0o600

// NetworkFacts are live values observed by the connectivity manager.
type NetworkFacts struct {
	DeviceID string
	Version  string
	IP       string
	MAC      string
	Mode     palpable.WifiMode
	// SSID is the advertised access-point SSID while in hotspot mode.
	SSID string
}

// Store loads and saves DeviceSettings.
type Store struct {
	path string

	mu      sync.RWMutex
	current palpable.DeviceSettings
}

// NewStore creates a store for the settings file at path.
func NewStore(path string) *Store {
	return &Store{path: path, current: palpable.DefaultSettings()}
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings file. A missing, unreadable or malformed file
// yields defaults; Load never fails.
func (s *Store) Load() palpable.DeviceSettings {
	log := slog.With("component", "settings", "path", s.path)

	loaded := palpable.DefaultSettings()
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("settings file not found, using defaults")
	case err != nil:
		log.Warn("read settings failed, using defaults", "err", err)
	default:
		parsed, perr := Parse(bytes.NewReader(data))
		if perr != nil {
			log.Warn("parse settings failed, using defaults", "err", perr)
		} else {
			loaded = parsed
		}
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	log.Debug("settings loaded", "ssid", loaded.WifiSSID, "device_name", loaded.DeviceName)
	return loaded
}

// Save atomically persists settings and makes them current.
func (s *Store) Save(next palpable.DeviceSettings) error {
	next = next.Normalize()
	if err := fsutil.WriteFileAtomic(s.path, Format(next), filePerm); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	slog.Info("Settings saved.", "component", "settings", "ssid", next.WifiSSID)
	return nil
}

// Current returns the last loaded or saved settings.
func (s *Store) Current() palpable.DeviceSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// DeviceInfo combines the current settings with live network facts.
func (s *Store) DeviceInfo(facts NetworkFacts) palpable.DeviceInfo {
	cur := s.Current()
	ssid := facts.SSID
	if facts.Mode == palpable.ModeClient {
		ssid = cur.WifiSSID
	}
	return palpable.DeviceInfo{
		DeviceID:   facts.DeviceID,
		DeviceName: cur.DeviceName,
		Version:    facts.Version,
		IP:         facts.IP,
		MAC:        facts.MAC,
		WifiMode:   facts.Mode,
		WifiSSID:   ssid,
	}
}
