package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"palpable"
	"palpable/internal/check"
)

// BringUp performs the boot-time connectivity decision: a client attempt when
// settings carry an SSID, AP mode otherwise or when the attempt fails. It
// returns ErrWirelessUnavailable when the interface is missing, leaving the
// manager Unconfigured and the rest of the device running.
func (m *Manager) BringUp(ctx context.Context, s palpable.DeviceSettings) (Status, error) {
	ctx, end, err := m.begin(ctx)
	if err != nil {
		return m.Status(), err
	}
	defer end()

	if m.State() != palpable.Unconfigured {
		return m.Status(), nil
	}
	if err := m.identify(); err != nil {
		return m.Status(), err
	}
	m.setCountry(s.WifiCountry)

	if !s.HasWifi() {
		m.log.Info("No Wi-Fi credentials configured, starting access point.")
		err := m.enterAccessPoint(ctx)
		return m.Status(), err
	}

	if err := m.connect(ctx, clientConfig(s), s.StaticIP); err != nil {
		m.log.Warn("Client connection failed, falling back to access point.", "ssid", s.WifiSSID, "err", err)
		return m.Status(), m.fallback(ctx, err)
	}
	return m.Status(), nil
}

// Connect switches to client mode with new credentials, typically received
// through the captive portal. On failure the device returns to AP mode and the
// association error is returned. Connect queues behind a running transition
// and fails with ErrTransitionBusy when ctx ends before its turn.
func (m *Manager) Connect(ctx context.Context, s palpable.DeviceSettings) (Status, error) {
	ctx, end, err := m.begin(ctx)
	if errors.Is(err, ErrClosed) {
		return m.Status(), err
	}
	if err != nil {
		return m.Status(), errors.Join(palpable.ErrTransitionBusy, err)
	}
	defer end()

	if err := m.identify(); err != nil {
		return m.Status(), err
	}
	if !s.HasWifi() {
		return m.Status(), &palpable.ValidationError{Field: "ssid", Message: "ssid is required"}
	}
	m.setCountry(s.WifiCountry)

	if err := m.connect(ctx, clientConfig(s), s.StaticIP); err != nil {
		m.log.Warn("Client connection failed, returning to access point.", "ssid", s.WifiSSID, "err", err)
		return m.Status(), m.fallback(ctx, err)
	}
	return m.Status(), nil
}

// EnterAccessPoint stops any client link and starts the access point with the
// regulatory country of s.
func (m *Manager) EnterAccessPoint(ctx context.Context, s palpable.DeviceSettings) (Status, error) {
	ctx, end, err := m.begin(ctx)
	if err != nil {
		return m.Status(), err
	}
	defer end()

	if err := m.identify(); err != nil {
		return m.Status(), err
	}
	m.setCountry(s.WifiCountry)
	switch m.State() {
	case palpable.APMode:
		return m.Status(), nil
	case palpable.ConnectingClient, palpable.ClientConnected:
		m.setState(palpable.ClientFailed)
	}
	err = m.enterAccessPoint(ctx)
	return m.Status(), err
}

// Shutdown stops every daemon the manager started and flushes the interface.
// A running transition is cancelled and Shutdown waits for it to give up the
// slot, so nothing it starts outlives Shutdown. Transitions requested
// afterwards fail with ErrClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stopLife()

	var errs []error
	if err := m.acquire(ctx); err == nil {
		defer m.release()
	} else {
		// The cancelled transition only runs teardown from here on; give it the
		// cleanup window before stopping daemons under it.
		m.log.Warn("Transition still running during shutdown, waiting for it to stop.")
		var cancel context.CancelFunc
		ctx, cancel = cleanupContext(ctx, cleanupTimeout)
		defer cancel()
		if err := m.acquire(ctx); err == nil {
			defer m.release()
		} else {
			errs = append(errs, errors.New("transition did not stop"))
		}
	}

	errs = append(errs, m.stopClient(ctx), m.stopAccessPoint(ctx))
	m.setState(palpable.Unconfigured)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown connectivity: %w", err)
	}
	return nil
}

// fallback enters AP mode after a failed client attempt. The AP start gets a
// fresh context when ctx has already expired, but not after Shutdown.
func (m *Manager) fallback(ctx context.Context, cause error) error {
	if m.isClosed() {
		return errors.Join(cause, ErrClosed)
	}
	apCtx, cancel := m.detach(ctx, apStartTimeout)
	defer cancel()
	if err := m.enterAccessPoint(apCtx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (m *Manager) setCountry(country string) {
	m.mu.Lock()
	m.country = country
	m.mu.Unlock()
}

// identify reads the hardware address once and derives the AP SSID.
func (m *Manager) identify() error {
	m.mu.RLock()
	known := len(m.mac) > 0
	m.mu.RUnlock()
	if known {
		return nil
	}

	mac, err := m.link.HardwareAddr()
	if err != nil {
		m.mu.Lock()
		m.unavailable = true
		m.lastErr = err.Error()
		m.mu.Unlock()
		m.log.Error("Wireless interface unavailable.", "err", err)
		if errors.Is(err, palpable.ErrWirelessUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", palpable.ErrWirelessUnavailable, err)
	}

	m.mu.Lock()
	m.mac = mac
	m.apSSID = palpable.APSSID(mac)
	m.unavailable = false
	m.lastErr = ""
	m.mu.Unlock()
	return nil
}

// connect runs one client attempt bounded by the association window, which
// also covers stopping the access point. On failure the state is ClientFailed
// before the client stack is torn down.
func (m *Manager) connect(ctx context.Context, cfg ClientConfig, static netip.Addr) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.mu.Lock()
	m.clientCfg = cfg
	m.staticIP = static
	m.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, m.assocTimeout)
	defer cancel()
	m.setState(palpable.ConnectingClient)

	if err := m.stopAccessPoint(attemptCtx); err != nil {
		m.setState(palpable.ClientFailed)
		m.setError(err)
		return err
	}

	ip, err := m.startClient(attemptCtx, cfg, static)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", palpable.ErrAssociationTimeout, m.assocTimeout)
		}
		m.setState(palpable.ClientFailed)
		m.setError(err)
		cleanupCtx, cleanupCancel := cleanupContext(ctx, cleanupTimeout)
		defer cleanupCancel()
		if stopErr := m.stopClient(cleanupCtx); stopErr != nil {
			m.log.Warn("Failed to stop client stack.", "err", stopErr)
		}
		return err
	}

	m.setState(palpable.ClientConnected)
	m.mu.Lock()
	m.ip = ip
	m.lastErr = ""
	m.mu.Unlock()
	m.log.Info("Connected to Wi-Fi network.", "ssid", cfg.SSID, "ip", ip)
	return nil
}

func (m *Manager) startClient(ctx context.Context, cfg ClientConfig, static netip.Addr) (netip.Addr, error) {
	check.Assert(m.ap == nil || !m.ap.Running(), "access point running while starting client")

	if m.client == nil {
		return netip.Addr{}, errors.New("wifi client not configured")
	}
	if err := m.client.Start(ctx, cfg); err != nil {
		return netip.Addr{}, fmt.Errorf("start wifi client: %w", err)
	}
	err := m.waitFor(ctx, func(ctx context.Context) (bool, error) {
		return m.client.Associated(ctx)
	})
	if err != nil {
		return netip.Addr{}, fmt.Errorf("wait for association with %q: %w", cfg.SSID, err)
	}

	if static.IsValid() {
		if err := m.link.Assign(netip.PrefixFrom(static, 24)); err != nil {
			return netip.Addr{}, fmt.Errorf("assign static address: %w", err)
		}
		if err := m.link.SetDefaultRoute(gatewayFor(static)); err != nil {
			return netip.Addr{}, fmt.Errorf("set default route: %w", err)
		}
	} else {
		if m.lease == nil {
			return netip.Addr{}, errors.New("dhcp client not configured")
		}
		if err := m.lease.Start(ctx); err != nil {
			return netip.Addr{}, fmt.Errorf("start dhcp client: %w", err)
		}
	}

	var ip netip.Addr
	err = m.waitFor(ctx, func(context.Context) (bool, error) {
		addr, err := m.link.IPv4()
		if err != nil {
			return false, err
		}
		ip = addr
		return addr.IsValid(), nil
	})
	if err != nil {
		return netip.Addr{}, fmt.Errorf("wait for address: %w", err)
	}
	return ip, nil
}

// enterAccessPoint stops the client stack, refreshes the scan cache while the
// radio is idle and starts DHCP/DNS and hostapd.
func (m *Manager) enterAccessPoint(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.stopClient(ctx); err != nil {
		m.setError(err)
		return err
	}
	if m.State() == palpable.ClientConnected {
		m.setState(palpable.ClientFailed)
	}

	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	m.refreshScan(scanCtx)
	cancel()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.startAccessPoint(ctx); err != nil {
		cleanupCtx, cleanupCancel := cleanupContext(ctx, cleanupTimeout)
		defer cleanupCancel()
		if stopErr := m.stopAccessPoint(cleanupCtx); stopErr != nil {
			m.log.Warn("Failed to stop access point stack.", "err", stopErr)
		}
		m.setError(err)
		m.log.Error("Failed to start access point.", "err", err)
		return err
	}

	m.setState(palpable.APMode)
	m.mu.Lock()
	m.ip = m.apPrefix.Addr()
	ssid := m.apSSID
	m.mu.Unlock()
	m.log.Info("Access point started.", "ssid", ssid, "ip", m.apPrefix.Addr())
	return nil
}

func (m *Manager) startAccessPoint(ctx context.Context) error {
	check.Assert(m.client == nil || !m.client.Running(), "wifi client running while starting access point")

	if m.ap == nil || m.dhcp == nil {
		return errors.New("access point not configured")
	}
	if err := m.link.Assign(m.apPrefix); err != nil {
		return fmt.Errorf("assign access point address: %w", err)
	}
	err := m.dhcp.Start(ctx, DHCPConfig{
		Address:    m.apPrefix.Addr(),
		RangeStart: m.dhcpStart,
		RangeEnd:   m.dhcpEnd,
		Netmask:    m.apPrefix.Masked(),
		PortalURL:  m.portalURL,
	})
	if err != nil {
		return fmt.Errorf("start dhcp server: %w", err)
	}
	if err := m.ap.Start(ctx, m.apConfig()); err != nil {
		return fmt.Errorf("start access point: %w", err)
	}
	return nil
}

func (m *Manager) apConfig() APConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return APConfig{SSID: m.apSSID, Country: m.country, Channel: m.channel}
}

// stopClient stops the lease client and the supplicant and flushes the
// interface. It fails unless both are verified stopped.
func (m *Manager) stopClient(ctx context.Context) error {
	var errs []error
	if m.lease != nil {
		if err := m.lease.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop dhcp client: %w", err))
		}
	}
	if m.client != nil {
		if err := m.client.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop wifi client: %w", err))
		}
	}
	if err := m.link.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush interface: %w", err))
	}
	if m.client != nil && m.client.Running() || m.lease != nil && m.lease.Running() {
		errs = append(errs, errors.New("client stack still running after stop"))
	}
	return errors.Join(errs...)
}

// stopAccessPoint stops hostapd and the DHCP/DNS server and flushes the
// interface. It fails unless both are verified stopped.
func (m *Manager) stopAccessPoint(ctx context.Context) error {
	var errs []error
	if m.ap != nil {
		if err := m.ap.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop access point: %w", err))
		}
	}
	if m.dhcp != nil {
		if err := m.dhcp.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop dhcp server: %w", err))
		}
	}
	if err := m.link.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush interface: %w", err))
	}
	if m.ap != nil && m.ap.Running() || m.dhcp != nil && m.dhcp.Running() {
		errs = append(errs, errors.New("access point stack still running after stop"))
	}
	return errors.Join(errs...)
}

// waitFor polls cond until it reports true or ctx is done. Errors from cond
// are transient while the daemon settles.
func (m *Manager) waitFor(ctx context.Context, cond func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := cond(ctx)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
			m.log.Debug("Condition check failed.", "err", err)
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func clientConfig(s palpable.DeviceSettings) ClientConfig {
	return ClientConfig{SSID: s.WifiSSID, Password: s.WifiPassword, Country: s.WifiCountry}
}

// gatewayFor assumes the router is .1 on the static address's /24.
func gatewayFor(addr netip.Addr) netip.Addr {
	b := addr.As4()
	b[3] = 1
	return netip.AddrFrom4(b)
}
