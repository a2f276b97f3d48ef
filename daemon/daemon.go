// Package daemon wires the production components of the boot orchestrator
// and runs it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"

	"palpable"
	"palpable/boot"
	"palpable/claim"
	"palpable/config"
	"palpable/connectivity"
	"palpable/infra/beacon"
	"palpable/infra/dhcp"
	"palpable/infra/dnsmasq"
	"palpable/infra/hostapd"
	"palpable/infra/iw"
	"palpable/infra/netif"
	"palpable/infra/registry"
	"palpable/infra/sqlite"
	"palpable/infra/systemd"
	"palpable/infra/wpa"
	"palpable/internal/clocksync"
	"palpable/internal/telemetry"
	"palpable/portal"
	"palpable/settings"
	"palpable/update"
)

const (
	claimDBName = "claim.db"
	markerName  = "update-available"
	// connectGrace is added to the association window for the portal's
	// connect request to cover queueing and AP teardown.
	connectGrace = 15 * time.Second
)

// Run builds every component from cfg and blocks until ctx is cancelled or
// a reboot is requested.
func Run(ctx context.Context, cfg config.Config) error {
	log := slog.With("component", "daemon")
	cfg = prepareDirs(cfg, log)

	provider := telemetry.NewProvider()
	otel.SetTracerProvider(provider)
	defer func() {
		if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to flush telemetry.", "err", err)
		}
	}()

	link := netif.New(cfg.Interface)
	deviceID := deviceIdentity(link.HardwareAddr, netif.AnyHardwareAddr)
	if deviceID == "" {
		log.Error("No hardware address found, claiming disabled.")
	}

	conn, err := newConnectivity(cfg, link)
	if err != nil {
		log.Error("Invalid access point network, using defaults.", "err", err)
		cfg.AccessPoint = config.Default().AccessPoint
		if conn, err = newConnectivity(cfg, link); err != nil {
			return err
		}
	}
	store := settings.NewStore(cfg.SettingsPath)
	host := systemd.New()

	var orch *boot.Orchestrator
	portalOpts := []portal.Option{
		portal.WithListen(cfg.Portal.Listen),
		portal.WithUIDir(cfg.Portal.UIDir),
		portal.WithDeviceID(deviceID),
		portal.WithConnectTimeout(cfg.Wifi.AssociationTimeout + connectGrace),
		portal.WithReboot(func() { orch.RequestReboot() }),
	}
	bootOpts := []boot.Option{
		boot.WithHost(host),
		boot.WithTracer(telemetry.Tracer(provider)),
		boot.WithDeviceID(deviceID),
		boot.WithAgentUnit(cfg.Agent.Unit),
		boot.WithLinkCheckInterval(cfg.Wifi.LinkCheckInterval),
	}

	clock := clocksync.NewChecker(palpable.SystemClock{},
		clocksync.WithPool(cfg.NTP.Pool),
		clocksync.WithInterval(cfg.NTP.Interval),
		clocksync.WithOnline(conn.Online),
	)
	portalOpts = append(portalOpts, portal.WithClock(clock))
	bootOpts = append(bootOpts, boot.WithWorker(clock))

	reg, err := registry.New(cfg.Registry.URL, cfg.Registry.Timeout, registry.WithToken(cfg.Registry.Token))
	if err != nil {
		log.Error("Registry client unavailable, claiming and update checks disabled.", "err", err)
	} else {
		updater := update.New(reg, cfg.VersionPath,
			update.WithInterval(cfg.Updates.Interval),
			update.WithMarker(filepath.Join(cfg.StateDir, markerName)),
			update.WithOnline(conn.Online),
		)
		portalOpts = append(portalOpts, portal.WithUpdates(updater))
		bootOpts = append(bootOpts, boot.WithUpdater(updater))

		if deviceID != "" {
			claimStore, closeStore := openClaimStore(filepath.Join(cfg.StateDir, claimDBName))
			defer closeStore()
			wf := claim.New(reg, claimStore, deviceID,
				claim.WithTimeout(cfg.Registry.Timeout),
				claim.OnClaimed(func(s palpable.ClaimSession) { orch.NotifyClaimed(s) }),
			)
			portalOpts = append(portalOpts, portal.WithClaim(wf))
			bootOpts = append(bootOpts, boot.WithClaims(wf))
		}
	}

	if cfg.Bluetooth.Enabled {
		bootOpts = append(bootOpts, boot.WithBeacon(beacon.New()))
	}

	srv := portal.New(conn, store, portalOpts...)
	orch = boot.New(store, conn, srv, bootOpts...)

	log.Info("Starting boot orchestrator.", "interface", cfg.Interface, "device_id", deviceID)
	return orch.Run(ctx)
}

func newConnectivity(cfg config.Config, link *netif.Link) (*connectivity.Manager, error) {
	prefix, err := cfg.APPrefix()
	if err != nil {
		return nil, err
	}
	start, err := netip.ParseAddr(cfg.AccessPoint.DHCPStart)
	if err != nil {
		return nil, fmt.Errorf("access_point.dhcp_start: %w", err)
	}
	end, err := netip.ParseAddr(cfg.AccessPoint.DHCPEnd)
	if err != nil {
		return nil, fmt.Errorf("access_point.dhcp_end: %w", err)
	}

	bins := cfg.Binaries
	return connectivity.New(link,
		connectivity.WithWifiClient(wpa.New(wpa.Config{
			Interface:  cfg.Interface,
			Supplicant: bins.WPASupplicant,
			CLI:        bins.WPACLI,
			RunDir:     cfg.RunDir,
			LogDir:     cfg.LogDir,
		})),
		connectivity.WithAddressClient(dhcp.New(dhcp.Config{
			Interface: cfg.Interface,
			Binary:    bins.DHCPClient,
			RunDir:    cfg.RunDir,
			LogDir:    cfg.LogDir,
		})),
		connectivity.WithAccessPoint(hostapd.New(hostapd.Config{
			Interface: cfg.Interface,
			Binary:    bins.Hostapd,
			RunDir:    cfg.RunDir,
			LogDir:    cfg.LogDir,
		})),
		connectivity.WithDHCPServer(dnsmasq.New(dnsmasq.Config{
			Interface: cfg.Interface,
			Binary:    bins.Dnsmasq,
			RunDir:    cfg.RunDir,
			LogDir:    cfg.LogDir,
			Lease:     cfg.AccessPoint.Lease,
		})),
		connectivity.WithScanner(iw.New(cfg.Interface, bins.IW)),
		connectivity.WithAccessPointNetwork(prefix, start, end, cfg.AccessPoint.Channel),
		connectivity.WithPortalURL(portalURL(prefix.Addr(), cfg.Portal.Listen)),
		connectivity.WithTimeouts(cfg.Wifi.AssociationTimeout, cfg.Wifi.PollInterval),
	), nil
}

// portalURL is the captive-portal URL advertised to AP clients for a portal
// listening on listen.
func portalURL(addr netip.Addr, listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" || port == "80" {
		return "http://" + addr.String() + "/"
	}
	return "http://" + net.JoinHostPort(addr.String(), port) + "/"
}

// prepareDirs creates the runtime directories. One that cannot be created is
// replaced by a directory under the temp dir, or dropped for logs, so the
// device still boots into a recoverable mode.
func prepareDirs(cfg config.Config, log *slog.Logger) config.Config {
	tmp := filepath.Join(os.TempDir(), "palpable")
	cfg.StateDir = usableDir(cfg.StateDir, filepath.Join(tmp, "state"), log)
	cfg.RunDir = usableDir(cfg.RunDir, filepath.Join(tmp, "run"), log)
	cfg.LogDir = usableDir(cfg.LogDir, "", log)
	return cfg
}

func usableDir(dir, fallback string, log *slog.Logger) string {
	if dir == "" {
		return ""
	}
	err := os.MkdirAll(dir, 0o755)
	if err == nil {
		return dir
	}
	if fallback == "" {
		log.Error("Failed to create directory, disabling it.", "dir", dir, "err", err)
		return ""
	}
	if ferr := os.MkdirAll(fallback, 0o755); ferr != nil {
		log.Error("Failed to create directory.", "dir", dir, "err", err, "fallback_err", ferr)
		return dir
	}
	log.Error("Failed to create directory, using fallback.", "dir", dir, "fallback", fallback, "err", err)
	return fallback
}

// openClaimStore opens the SQLite claim store and falls back to memory when
// the state directory is unusable.
func openClaimStore(path string) (claim.Store, func()) {
	db, err := sqlite.Open(path)
	if err != nil {
		slog.Warn("Claim store unavailable, claims will not survive a reboot.", "component", "daemon", "path", path, "err", err)
		return claim.NewMemoryStore(), func() {}
	}
	return db, func() {
		if err := db.Close(); err != nil {
			slog.Warn("Failed to close claim store.", "component", "daemon", "err", err)
		}
	}
}

// deviceIdentity derives the device ID from the wireless MAC, or from any
// physical interface when Wi-Fi is missing. It returns "" when neither has a
// hardware address.
func deviceIdentity(primary, fallback func() (net.HardwareAddr, error)) string {
	mac, err := primary()
	if err == nil {
		return palpable.DeviceIDFromMAC(mac)
	}
	if !errors.Is(err, palpable.ErrWirelessUnavailable) {
		slog.Warn("Failed to read wireless hardware address.", "component", "daemon", "err", err)
	}
	mac, err = fallback()
	if err != nil {
		return ""
	}
	return palpable.DeviceIDFromMAC(mac)
}
