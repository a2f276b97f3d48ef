// Package update polls the registry for the published bootstrap version and
// reports whether it differs from the installed one. Installing is left to
// the installer, which watches the marker file written here.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"palpable"
	"palpable/internal/fsutil"
)

const (
	DefaultInterval = time.Hour
	checkTimeout    = 15 * time.Second
	// UnknownVersion is reported when the version file is missing.
	UnknownVersion = "unknown"
)

// VersionSource returns the latest published version.
type VersionSource interface {
	LatestVersion(ctx context.Context) (string, error)
}

// Checker runs version checks in the background.
type Checker struct {
	source      VersionSource
	versionPath string
	markerPath  string
	interval    time.Duration
	online      func() bool
	clock       palpable.Clock
	trigger     chan struct{}

	mu   sync.RWMutex
	info palpable.UpdateInfo

	log *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

func WithInterval(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMarker sets the path of the update-available marker file.
func WithMarker(path string) Option {
	return func(c *Checker) { c.markerPath = path }
}

// WithOnline skips checks while the device has no client link.
func WithOnline(online func() bool) Option {
	return func(c *Checker) { c.online = online }
}

func WithClock(clock palpable.Clock) Option {
	return func(c *Checker) { c.clock = clock }
}

func New(source VersionSource, versionPath string, opts ...Option) *Checker {
	c := &Checker{
		source:      source,
		versionPath: versionPath,
		interval:    DefaultInterval,
		online:      func() bool { return true },
		clock:       palpable.SystemClock{},
		trigger:     make(chan struct{}, 1),
		log:         slog.With("component", "update"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.info = palpable.UpdateInfo{CurrentVersion: c.CurrentVersion()}
	return c
}

// CurrentVersion reads the installed version. A missing or empty file yields
// UnknownVersion.
func (c *Checker) CurrentVersion() string {
	data, err := os.ReadFile(c.versionPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("Failed to read version file.", "path", c.versionPath, "err", err)
		}
		return UnknownVersion
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return UnknownVersion
	}
	return v
}

// Status returns the result of the latest check.
func (c *Checker) Status() palpable.UpdateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Trigger requests a check soon, for example right after the device comes
// online. It never blocks.
func (c *Checker) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run checks immediately and then every interval until ctx is done. Failed
// checks wait for the next tick; there is no retry loop.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
		c.runOnce(ctx)
	}
}

func (c *Checker) runOnce(ctx context.Context) {
	if !c.online() {
		c.log.Debug("Offline, skipping update check.")
		return
	}
	if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("Update check failed.", "err", err)
	}
}

// Check compares the installed version with the published one. On error the
// previous result is kept and the error recorded.
func (c *Checker) Check(ctx context.Context) (palpable.UpdateInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	current := c.CurrentVersion()
	latest, err := c.source.LatestVersion(ctx)
	now := c.clock.Now().UTC()

	c.mu.Lock()
	if err != nil {
		prev := c.info
		info := palpable.NewUpdateInfo(current, prev.LatestVersion)
		info.CheckedAt = now
		info.Error = err.Error()
		c.info = info
		c.mu.Unlock()
		return info, err
	}
	info := palpable.NewUpdateInfo(current, latest)
	info.CheckedAt = now
	changed := info.UpdateAvailable != c.info.UpdateAvailable || info.LatestVersion != c.info.LatestVersion
	c.info = info
	c.mu.Unlock()

	if changed {
		c.log.Info("Update status changed.", "current", current, "latest", latest, "available", info.UpdateAvailable)
	}
	if err := c.syncMarker(info); err != nil {
		c.log.Error("Failed to update marker file.", "path", c.markerPath, "err", err)
	}
	return info, nil
}

// syncMarker writes the latest version to the marker file when an update is
// available and removes it otherwise.
func (c *Checker) syncMarker(info palpable.UpdateInfo) error {
	if c.markerPath == "" {
		return nil
	}
	if !info.UpdateAvailable {
		if err := os.Remove(c.markerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := fsutil.WriteFileAtomic(c.markerPath, []byte(info.LatestVersion+"\n"), 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}
