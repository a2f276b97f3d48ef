// Package netif reads and configures the wireless interface over netlink.
package netif

import (
	"net"
	"net/netip"

	"palpable/connectivity"
)

// Link implements connectivity.Link for one named interface.
type Link struct {
	name string
}

var _ connectivity.Link = (*Link)(nil)

func New(name string) *Link {
	return &Link{name: name}
}

// Name returns the interface name.
func (l *Link) Name() string {
	return l.name
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
