// Package dhcp runs the DHCP client for station mode.
package dhcp

import (
	"context"
	"path/filepath"

	"palpable/connectivity"
	"palpable/infra/process"
)

// Config locates the client binary.
type Config struct {
	Interface string
	Binary    string
	RunDir    string
	LogDir    string
}

// Client implements connectivity.AddressClient with busybox udhcpc in the
// foreground. The udhcpc script applies the lease to the interface.
type Client struct {
	proc *process.Process
}

var _ connectivity.AddressClient = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Binary == "" {
		cfg.Binary = "udhcpc"
	}
	var logPath string
	if cfg.LogDir != "" {
		logPath = filepath.Join(cfg.LogDir, "udhcpc.log")
	}
	return &Client{proc: process.New(process.Spec{
		Name:   "udhcpc",
		Binary: cfg.Binary,
		// -f stay in foreground, -R release the lease on exit, -t/-T
		// discover retries; the manager bounds the overall wait.
		Args:    []string{"-f", "-R", "-i", cfg.Interface, "-t", "10", "-T", "2"},
		PIDDir:  cfg.RunDir,
		LogPath: logPath,
	})}
}

func (c *Client) Start(ctx context.Context) error {
	return c.proc.Start(ctx)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.proc.Stop(ctx)
}

func (c *Client) Running() bool {
	return c.proc.Running()
}
