package netif

import (
	"errors"
	"net/netip"
	"testing"

	"palpable"
)

func TestMissingInterfaceIsUnavailable(t *testing.T) {
	l := New("palpable-missing0")
	if _, err := l.HardwareAddr(); !errors.Is(err, palpable.ErrWirelessUnavailable) {
		t.Errorf("HardwareAddr err = %v, want ErrWirelessUnavailable", err)
	}
	if err := l.Flush(); err != nil {
		t.Errorf("Flush on missing interface = %v, want nil", err)
	}
}

func TestPrefixToIPNet(t *testing.T) {
	n := prefixToIPNet(netip.MustParsePrefix("192.168.4.1/24"))
	if n.String() != "192.168.4.1/24" {
		t.Errorf("prefixToIPNet = %s, want 192.168.4.1/24", n)
	}
	ones, bits := n.Mask.Size()
	if ones != 24 || bits != 32 {
		t.Errorf("mask = %d/%d, want 24/32", ones, bits)
	}
}
