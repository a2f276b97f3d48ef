//go:build !linux

package netif

import (
	"fmt"
	"net"
	"net/netip"

	"palpable"
)

func (l *Link) unsupported() error {
	return fmt.Errorf("%w: interface %q: netlink requires linux", palpable.ErrWirelessUnavailable, l.name)
}

func (l *Link) HardwareAddr() (net.HardwareAddr, error) { return nil, l.unsupported() }

func (l *Link) IPv4() (netip.Addr, error) { return netip.Addr{}, l.unsupported() }

func (l *Link) Assign(netip.Prefix) error { return l.unsupported() }

func (l *Link) SetDefaultRoute(netip.Addr) error { return l.unsupported() }

func (l *Link) Flush() error { return nil }

func AnyHardwareAddr() (net.HardwareAddr, error) {
	return nil, fmt.Errorf("%w: netlink requires linux", palpable.ErrWirelessUnavailable)
}
