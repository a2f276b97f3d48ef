package connectivity

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"palpable"
)

// Scan lists nearby networks. In client mode every call runs a live scan and
// an empty result is returned as is. While a transition is running, or when a
// scan fails or comes back empty with the radio serving the access point, the
// last cached result is returned. Scan never fails; an empty list means
// nothing is known.
func (m *Manager) Scan(ctx context.Context) []palpable.Network {
	if m.scanner == nil {
		return m.cachedScan()
	}
	ctx, end, ok := m.tryBegin(ctx)
	if !ok {
		return m.cachedScan()
	}
	defer end()

	nets, err := m.scanOnce(ctx)
	if err != nil {
		return m.cachedScan()
	}
	if len(nets) == 0 && m.State() == palpable.APMode {
		// Many drivers return nothing rather than an error while hosting the
		// access point.
		return m.cachedScan()
	}
	return nets
}

func (m *Manager) refreshScan(ctx context.Context) {
	if m.scanner == nil {
		return
	}
	_, _ = m.scanOnce(ctx)
}

// scanOnce runs a live scan. A non-empty result replaces the cache.
func (m *Manager) scanOnce(ctx context.Context) ([]palpable.Network, error) {
	nets, err := m.scanner.Scan(ctx)
	if err != nil {
		m.log.Debug("Wi-Fi scan failed.", "err", err)
		return nil, err
	}
	nets = palpable.NormalizeScan(nets)
	if len(nets) == 0 {
		return []palpable.Network{}, nil
	}
	m.mu.Lock()
	m.lastScan = nets
	m.mu.Unlock()
	return slices.Clone(nets), nil
}

func (m *Manager) cachedScan() []palpable.Network {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastScan == nil {
		return []palpable.Network{}
	}
	return slices.Clone(m.lastScan)
}

// CheckLink is the link watchdog. A dropped client link is retried once with
// the stored credentials before falling back to the access point; a crashed
// access-point daemon is restarted. CheckLink is skipped while a transition
// is running.
func (m *Manager) CheckLink(ctx context.Context) error {
	ctx, end, ok := m.tryBegin(ctx)
	if !ok {
		return nil
	}
	defer end()

	switch m.State() {
	case palpable.ClientConnected:
		return m.checkClient(ctx)
	case palpable.APMode:
		return m.checkAccessPoint(ctx)
	default:
		return nil
	}
}

func (m *Manager) checkClient(ctx context.Context) error {
	reason := m.clientLinkProblem(ctx)
	if reason == "" {
		return nil
	}
	m.log.Warn("Client link lost, reconnecting.", "reason", reason)

	m.mu.RLock()
	cfg, static := m.clientCfg, m.staticIP
	m.mu.RUnlock()

	m.setState(palpable.ClientFailed)
	if err := m.stopClient(ctx); err != nil {
		m.log.Warn("Failed to stop client stack.", "err", err)
	}
	if err := m.connect(ctx, cfg, static); err != nil {
		m.log.Warn("Reconnect failed, falling back to access point.", "err", err)
		return m.fallback(ctx, err)
	}
	return nil
}

func (m *Manager) clientLinkProblem(ctx context.Context) string {
	if m.client == nil || !m.client.Running() {
		return "wifi client exited"
	}
	if m.lease != nil && !m.staticLink() && !m.lease.Running() {
		return "dhcp client exited"
	}
	associated, err := m.client.Associated(ctx)
	if err != nil {
		return fmt.Sprintf("association status: %v", err)
	}
	if !associated {
		return "not associated"
	}
	ip, err := m.link.IPv4()
	if err != nil {
		return fmt.Sprintf("read address: %v", err)
	}
	if !ip.IsValid() {
		return "address lost"
	}
	m.mu.Lock()
	m.ip = ip
	m.mu.Unlock()
	return ""
}

func (m *Manager) staticLink() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.staticIP.IsValid()
}

func (m *Manager) checkAccessPoint(ctx context.Context) error {
	if m.ap.Running() && m.dhcp.Running() {
		return nil
	}
	m.log.Warn("Access point daemon exited, restarting.",
		"hostapd_running", m.ap.Running(), "dhcp_running", m.dhcp.Running())

	if err := m.startAccessPoint(ctx); err != nil {
		m.setError(err)
		return errors.Join(errors.New("restart access point"), err)
	}
	return nil
}
