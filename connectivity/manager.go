// Package connectivity owns the Wi-Fi mode of the device: station mode
// against a configured network, or a self-hosted access point with a captive
// DHCP/DNS server. It decides when to start and stop the external daemons and
// what configuration to hand them.
//
// Client start order: AP stack stopped and verified → supplicant → lease or
// static address. AP start order: client stack stopped and verified → address
// → DHCP/DNS → hostapd. The two stacks are never up at the same time.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"palpable"
)

const (
	defaultAssociationTimeout = 30 * time.Second
	defaultPollInterval       = time.Second
	// cleanupTimeout bounds teardown that runs after the caller's context
	// has been cancelled.
	cleanupTimeout = 20 * time.Second
	// apStartTimeout bounds the fallback into AP mode.
	apStartTimeout = 20 * time.Second
	scanTimeout    = 10 * time.Second
)

var defaultAPPrefix = netip.MustParsePrefix("192.168.4.1/24")

// ErrClosed is returned by transitions requested after Shutdown.
var ErrClosed = errors.New("connectivity manager shut down")

// Status is a snapshot of the manager.
type Status struct {
	State  palpable.ConnectivityState `json:"state"`
	IP     string                     `json:"ip,omitempty"`
	MAC    string                     `json:"mac,omitempty"`
	SSID   string                     `json:"ssid,omitempty"`
	APSSID string                     `json:"apSsid,omitempty"`
	// Unavailable is set when the wireless interface is missing or broken.
	Unavailable bool   `json:"unavailable,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Mode is the wifiMode value for the portal.
func (s Status) Mode() palpable.WifiMode {
	if s.Unavailable {
		return palpable.ModeNone
	}
	return s.State.WifiMode()
}

// Manager is the connectivity state machine. At most one transition runs at
// a time; state reads never wait for a transition.
type Manager struct {
	client  WifiClient
	lease   AddressClient
	ap      AccessPoint
	dhcp    DHCPServer
	link    Link
	scanner Scanner

	apPrefix     netip.Prefix
	dhcpStart    netip.Addr
	dhcpEnd      netip.Addr
	channel      int
	portalURL    string
	assocTimeout time.Duration
	pollInterval time.Duration

	// sem is the single transition slot.
	sem chan struct{}
	// life is cancelled by Shutdown; every transition context derives from it.
	life     context.Context
	stopLife context.CancelFunc

	mu          sync.RWMutex
	state       palpable.ConnectivityState
	ip          netip.Addr
	mac         net.HardwareAddr
	apSSID      string
	clientCfg   ClientConfig
	country     string
	staticIP    netip.Addr
	unavailable bool
	lastErr     string
	lastScan    []palpable.Network
	closed      bool

	log *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithWifiClient injects the station-mode supplicant.
func WithWifiClient(c WifiClient) Option {
	return func(m *Manager) { m.client = c }
}

// WithAddressClient injects the DHCP lease client.
func WithAddressClient(c AddressClient) Option {
	return func(m *Manager) { m.lease = c }
}

// WithAccessPoint injects the access-point daemon.
func WithAccessPoint(ap AccessPoint) Option {
	return func(m *Manager) { m.ap = ap }
}

// WithDHCPServer injects the DHCP/DNS server.
func WithDHCPServer(d DHCPServer) Option {
	return func(m *Manager) { m.dhcp = d }
}

// WithScanner injects the network scanner.
func WithScanner(s Scanner) Option {
	return func(m *Manager) { m.scanner = s }
}

// WithAccessPointNetwork sets the device address on the AP network, the DHCP
// range handed to clients and the radio channel.
func WithAccessPointNetwork(prefix netip.Prefix, start, end netip.Addr, channel int) Option {
	return func(m *Manager) {
		m.apPrefix = prefix
		m.dhcpStart = start
		m.dhcpEnd = end
		if channel > 0 {
			m.channel = channel
		}
	}
}

// WithTimeouts sets the association window and the status poll interval.
func WithTimeouts(association, poll time.Duration) Option {
	return func(m *Manager) {
		if association > 0 {
			m.assocTimeout = association
		}
		if poll > 0 {
			m.pollInterval = poll
		}
	}
}

// WithPortalURL sets the captive-portal URL advertised to AP clients.
func WithPortalURL(url string) Option {
	return func(m *Manager) { m.portalURL = url }
}

// New creates a Manager in the Unconfigured state.
func New(link Link, opts ...Option) *Manager {
	m := &Manager{
		link:         link,
		apPrefix:     defaultAPPrefix,
		dhcpStart:    netip.MustParseAddr("192.168.4.10"),
		dhcpEnd:      netip.MustParseAddr("192.168.4.100"),
		channel:      6,
		assocTimeout: defaultAssociationTimeout,
		pollInterval: defaultPollInterval,
		sem:          make(chan struct{}, 1),
		state:        palpable.Unconfigured,
		log:          slog.With("component", "connectivity"),
	}
	m.life, m.stopLife = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	if m.portalURL == "" {
		m.portalURL = "http://" + m.apPrefix.Addr().String() + "/"
	}
	return m
}

// State returns the current connectivity state.
func (m *Manager) State() palpable.ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online reports whether the device has a client link.
func (m *Manager) Online() bool {
	return m.State() == palpable.ClientConnected
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		State:       m.state,
		APSSID:      m.apSSID,
		Unavailable: m.unavailable,
		Error:       m.lastErr,
	}
	if m.ip.IsValid() {
		st.IP = m.ip.String()
	}
	if len(m.mac) > 0 {
		st.MAC = m.mac.String()
	}
	switch m.state {
	case palpable.APMode:
		st.SSID = m.apSSID
	case palpable.ConnectingClient, palpable.ClientConnected, palpable.ClientFailed:
		st.SSID = m.clientCfg.SSID
	}
	return st
}

// HardwareAddr returns the wireless hardware address once known.
func (m *Manager) HardwareAddr() net.HardwareAddr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mac
}

func (m *Manager) setState(to palpable.ConnectivityState) {
	m.mu.Lock()
	if m.closed && to != palpable.Unconfigured {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = from.Transition(to)
	if m.state != palpable.ClientConnected && m.state != palpable.APMode {
		m.ip = netip.Addr{}
	}
	now := m.state
	m.mu.Unlock()
	if from != now {
		m.log.Info("Connectivity state changed.", "from", from, "to", now)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.lastErr = ""
		return
	}
	m.lastErr = err.Error()
}

// acquire takes the transition slot, waiting until ctx is done.
func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryAcquire takes the transition slot only when it is free.
func (m *Manager) tryAcquire() bool {
	select {
	case m.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// begin takes the transition slot, waiting until ctx is done. The returned
// context is also cancelled by Shutdown; end releases the slot.
func (m *Manager) begin(ctx context.Context) (context.Context, func(), error) {
	if err := m.acquire(ctx); err != nil {
		return nil, nil, err
	}
	return m.enter(ctx)
}

// tryBegin is begin without waiting for a running transition.
func (m *Manager) tryBegin(ctx context.Context) (context.Context, func(), bool) {
	if !m.tryAcquire() {
		return nil, nil, false
	}
	opCtx, end, err := m.enter(ctx)
	return opCtx, end, err == nil
}

func (m *Manager) enter(ctx context.Context) (context.Context, func(), error) {
	if m.isClosed() {
		m.release()
		return nil, nil, ErrClosed
	}
	opCtx, cancel := m.bind(ctx)
	return opCtx, func() {
		cancel()
		m.release()
	}, nil
}

// bind derives a context from ctx that Shutdown also cancels.
func (m *Manager) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *Manager) release() {
	<-m.sem
}

// cleanupContext returns a context for teardown that survives cancellation
// of ctx.
func cleanupContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// detach is cleanupContext for work that starts daemons: Shutdown still
// cancels it.
func (m *Manager) detach(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := cleanupContext(ctx, d)
	stop := context.AfterFunc(m.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
