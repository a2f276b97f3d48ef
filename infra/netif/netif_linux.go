//go:build linux

package netif

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"palpable"
)

func (l *Link) link() (netlink.Link, error) {
	link, err := netlink.LinkByName(l.name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil, fmt.Errorf("%w: interface %q not found", palpable.ErrWirelessUnavailable, l.name)
		}
		return nil, fmt.Errorf("find interface %q: %w", l.name, err)
	}
	return link, nil
}

// HardwareAddr returns the MAC address of the interface.
func (l *Link) HardwareAddr() (net.HardwareAddr, error) {
	link, err := l.link()
	if err != nil {
		return nil, err
	}
	mac := link.Attrs().HardwareAddr
	if len(mac) == 0 {
		return nil, fmt.Errorf("%w: interface %q has no hardware address", palpable.ErrWirelessUnavailable, l.name)
	}
	return mac, nil
}

// IPv4 returns the first global IPv4 address, or the zero Addr.
func (l *Link) IPv4() (netip.Addr, error) {
	link, err := l.link()
	if err != nil {
		return netip.Addr{}, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list addresses on %s: %w", l.name, err)
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() && !ip.IsLinkLocalUnicast() {
			return ip, nil
		}
	}
	return netip.Addr{}, nil
}

// Assign brings the interface up and makes prefix its only IPv4 address.
func (l *Link) Assign(prefix netip.Prefix) error {
	if !prefix.Addr().Is4() {
		return fmt.Errorf("address %s is not IPv4", prefix)
	}
	link, err := l.link()
	if err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", l.name, err)
	}
	if err := l.flushExcept(link, prefix); err != nil {
		return err
	}
	addr := &netlink.Addr{IPNet: prefixToIPNet(prefix)}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("set address %s on %s: %w", prefix, l.name, err)
	}
	return nil
}

// SetDefaultRoute routes all IPv4 traffic through gw on this interface.
func (l *Link) SetDefaultRoute(gw netip.Addr) error {
	link, err := l.link()
	if err != nil {
		return err
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       prefixToIPNet(netip.PrefixFrom(netip.IPv4Unspecified(), 0)),
		Gw:        gw.AsSlice(),
	}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("set default route via %s: %w", gw, err)
	}
	return nil
}

// Flush removes every IPv4 address from the interface. A missing interface
// has nothing to flush.
func (l *Link) Flush() error {
	link, err := l.link()
	if err != nil {
		if errors.Is(err, palpable.ErrWirelessUnavailable) {
			return nil
		}
		return err
	}
	return l.flushExcept(link, netip.Prefix{})
}

func (l *Link) flushExcept(link netlink.Link, keep netip.Prefix) error {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list addresses on %s: %w", l.name, err)
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ones, _ := a.Mask.Size()
		if keep.IsValid() && netip.PrefixFrom(ip.Unmap(), ones) == keep {
			continue
		}
		if err := netlink.AddrDel(link, &a); err != nil && !errors.Is(err, unix.EADDRNOTAVAIL) {
			return fmt.Errorf("remove address %s from %s: %w", a.IPNet, l.name, err)
		}
	}
	return nil
}

// AnyHardwareAddr returns the MAC of the first physical interface by name,
// skipping loopback and virtual links. It identifies the device when the
// wireless interface is missing.
func AnyHardwareAddr() (net.HardwareAddr, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var best netlink.Link
	for _, link := range links {
		attrs := link.Attrs()
		if link.Type() != "device" || attrs.Flags&net.FlagLoopback != 0 || len(attrs.HardwareAddr) != 6 {
			continue
		}
		if best == nil || attrs.Name < best.Attrs().Name {
			best = link
		}
	}
	if best == nil {
		return nil, errors.New("no interface with a hardware address")
	}
	return best.Attrs().HardwareAddr, nil
}
