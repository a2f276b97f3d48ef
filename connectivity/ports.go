package connectivity

import (
	"context"
	"net"
	"net/netip"

	"palpable"
)

// ClientConfig is handed to the Wi-Fi client daemon.
type ClientConfig struct {
	SSID     string
	Password string
	Country  string
}

// WifiClient runs the station-mode supplicant.
type WifiClient interface {
	Start(ctx context.Context, cfg ClientConfig) error
	// Associated reports whether the supplicant has completed association.
	Associated(ctx context.Context) (bool, error)
	Stop(ctx context.Context) error
	Running() bool
}

// AddressClient obtains a DHCP lease for the client link.
type AddressClient interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// APConfig is handed to the access-point daemon.
type APConfig struct {
	SSID    string
	Country string
	Channel int
}

// AccessPoint runs the access-point daemon.
type AccessPoint interface {
	Start(ctx context.Context, cfg APConfig) error
	Stop(ctx context.Context) error
	Running() bool
}

// DHCPConfig is handed to the DHCP/DNS server for the AP network. All DNS
// names resolve to Address.
type DHCPConfig struct {
	Address    netip.Addr
	RangeStart netip.Addr
	RangeEnd   netip.Addr
	Netmask    netip.Prefix
	PortalURL  string
}

// DHCPServer runs the DHCP/DNS server for AP clients.
type DHCPServer interface {
	Start(ctx context.Context, cfg DHCPConfig) error
	Stop(ctx context.Context) error
	Running() bool
}

// Link reads and configures the wireless interface.
type Link interface {
	// HardwareAddr fails with palpable.ErrWirelessUnavailable when the
	// interface does not exist.
	HardwareAddr() (net.HardwareAddr, error)
	// IPv4 returns the first IPv4 address on the interface, or the zero Addr.
	IPv4() (netip.Addr, error)
	Assign(prefix netip.Prefix) error
	SetDefaultRoute(gw netip.Addr) error
	Flush() error
}

// Scanner lists nearby networks.
type Scanner interface {
	Scan(ctx context.Context) ([]palpable.Network, error)
}
