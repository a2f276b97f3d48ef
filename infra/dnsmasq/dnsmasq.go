// Package dnsmasq runs the DHCP and DNS server for the access-point network.
// Every DNS name resolves to the device so client OSes detect the captive
// portal.
package dnsmasq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"palpable/connectivity"
	"palpable/infra/process"
	"palpable/internal/fsutil"
)

const defaultLease = 12 * time.Hour

// Config locates the binary and files of the daemon.
type Config struct {
	Interface string
	Binary    string
	RunDir    string
	LogDir    string
	Lease     time.Duration
}

// Server implements connectivity.DHCPServer.
type Server struct {
	cfg  Config
	proc *process.Process
}

var _ connectivity.DHCPServer = (*Server)(nil)

func New(cfg Config) *Server {
	if cfg.Binary == "" {
		cfg.Binary = "dnsmasq"
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	s := &Server{cfg: cfg}
	var logPath string
	if cfg.LogDir != "" {
		logPath = filepath.Join(cfg.LogDir, "dnsmasq.log")
	}
	s.proc = process.New(process.Spec{
		Name:   "dnsmasq",
		Binary: cfg.Binary,
		Args: []string{
			"--keep-in-foreground",
			"--log-facility=-",
			"--conf-file=" + s.configPath(),
		},
		PIDDir:  cfg.RunDir,
		LogPath: logPath,
	})
	return s
}

func (s *Server) configPath() string {
	return filepath.Join(s.cfg.RunDir, "dnsmasq.conf")
}

// Start writes dnsmasq.conf and launches the daemon. Starting a running
// server is a no-op.
func (s *Server) Start(ctx context.Context, cfg connectivity.DHCPConfig) error {
	if s.proc.Running() {
		return nil
	}
	data, err := Render(s.cfg.Interface, s.cfg.RunDir, s.cfg.Lease, cfg)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.configPath(), data, 0o644); err != nil {
		return fmt.Errorf("write dnsmasq config: %w", err)
	}
	return s.proc.Start(ctx)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.proc.Stop(ctx)
}

func (s *Server) Running() bool {
	return s.proc.Running()
}

// Render produces dnsmasq.conf. Clients get the device as router and DNS
// server, and the portal URL through DHCP option 114 (RFC 8910).
func Render(iface, runDir string, lease time.Duration, cfg connectivity.DHCPConfig) ([]byte, error) {
	if iface == "" {
		return nil, errors.New("interface is required")
	}
	if !cfg.Address.Is4() || !cfg.RangeStart.Is4() || !cfg.RangeEnd.Is4() {
		return nil, errors.New("dhcp addresses must be IPv4")
	}
	if cfg.RangeEnd.Less(cfg.RangeStart) {
		return nil, fmt.Errorf("dhcp range %s-%s is reversed", cfg.RangeStart, cfg.RangeEnd)
	}
	bits := cfg.Netmask.Bits()
	if bits <= 0 {
		bits = 24
	}
	mask := net.IP(net.CIDRMask(bits, 32)).String()
	addr := cfg.Address.String()

	var b bytes.Buffer
	fmt.Fprintf(&b, "interface=%s\n", iface)
	b.WriteString("bind-interfaces\n")
	fmt.Fprintf(&b, "listen-address=%s\n", addr)
	b.WriteString("no-resolv\n")
	b.WriteString("no-hosts\n")
	b.WriteString("dhcp-authoritative\n")
	fmt.Fprintf(&b, "dhcp-range=%s,%s,%s,%s\n", cfg.RangeStart, cfg.RangeEnd, mask, leaseString(lease))
	fmt.Fprintf(&b, "dhcp-option=3,%s\n", addr)
	fmt.Fprintf(&b, "dhcp-option=6,%s\n", addr)
	if cfg.PortalURL != "" {
		fmt.Fprintf(&b, "dhcp-option=114,\"%s\"\n", cfg.PortalURL)
	}
	fmt.Fprintf(&b, "address=/#/%s\n", addr)
	if runDir != "" {
		fmt.Fprintf(&b, "dhcp-leasefile=%s\n", filepath.Join(runDir, "dnsmasq.leases"))
	}
	return b.Bytes(), nil
}

// leaseString formats d in the largest whole unit dnsmasq accepts.
func leaseString(d time.Duration) string {
	switch {
	case d <= 0:
		d = defaultLease
	case d < 2*time.Minute:
		// dnsmasq refuses leases under two minutes.
		return "2m"
	}
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%d", d/time.Second)
	}
}
