package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"palpable"
	"palpable/cmd/palpable-boot/ui"
	"palpable/infra/netif"
	"palpable/infra/registry"
	"palpable/update"
)

type health struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Clock  *struct {
		Phase    string `json:"phase"`
		OffsetMS int64  `json:"offsetMs"`
	} `json:"clock"`
	ConnectError string `json:"connectError"`
}

func statusCmd(opts *options) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show device and connectivity status from the running orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := clientFor(opts, url)
			if err != nil {
				return err
			}
			out, err := renderStatus(cmd.Context(), client)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Portal base URL (default derived from portal.listen)")
	return cmd
}

func renderStatus(ctx context.Context, c *portalClient) (string, error) {
	var info palpable.DeviceInfo
	if err := c.get(ctx, "/api/device-info", &info); err != nil {
		return "", err
	}
	var h health
	if err := c.get(ctx, "/health", &h); err != nil {
		return "", err
	}
	var upd palpable.UpdateInfo
	if err := c.get(ctx, "/api/update", &upd); err != nil {
		return "", err
	}

	pairs := []ui.Pair{
		ui.KV("Device", info.DeviceName),
		ui.KV("Device ID", info.DeviceID),
		ui.KV("Version", info.Version),
		ui.KV("Wi-Fi", ui.Mode(string(info.WifiMode))),
		ui.KV("State", h.State),
		ui.KV("SSID", info.WifiSSID),
		ui.KV("IP", info.IP),
		ui.KV("MAC", info.MAC),
	}
	if h.ConnectError != "" {
		pairs = append(pairs, ui.KV("Last error", ui.ErrorStyle.Render(h.ConnectError)))
	}
	if h.Clock != nil {
		pairs = append(pairs, ui.KV("Clock", fmt.Sprintf("%s (%s)", h.Clock.Phase, time.Duration(h.Clock.OffsetMS)*time.Millisecond)))
	}
	switch {
	case upd.Error != "":
		pairs = append(pairs, ui.KV("Update", ui.WarnMsg("check failed: %s", upd.Error)))
	case upd.UpdateAvailable:
		pairs = append(pairs, ui.KV("Update", ui.WarnMsg("%s available", upd.LatestVersion)))
	case upd.LatestVersion != "":
		pairs = append(pairs, ui.KV("Update", ui.SuccessMsg("up to date")))
	}
	return ui.KeyValues("  ", pairs...), nil
}

func scanCmd(opts *options) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby Wi-Fi networks seen by the orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := clientFor(opts, url)
			if err != nil {
				return err
			}
			var nets []palpable.Network
			if err := client.get(cmd.Context(), "/api/wifi/scan", &nets); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderScan(nets))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Portal base URL (default derived from portal.listen)")
	return cmd
}

func renderScan(nets []palpable.Network) string {
	if len(nets) == 0 {
		return ui.WarnMsg("No networks found. Enter the network name manually in the portal.")
	}
	rows := make([][]string, 0, len(nets))
	for _, n := range nets {
		rows = append(rows, []string{n.SSID, ui.Signal(n.Signal)})
	}
	return ui.Table([]string{"SSID", "SIGNAL"}, rows)
}

func checkUpdateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-update",
		Short: "Compare the installed version with the published one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := registry.New(cfg.Registry.URL, cfg.Registry.Timeout, registry.WithToken(cfg.Registry.Token))
			if err != nil {
				return err
			}
			checker := update.New(reg, cfg.VersionPath,
				update.WithMarker(filepath.Join(cfg.StateDir, "update-available")))
			info, err := checker.Check(cmd.Context())
			if err != nil {
				return fmt.Errorf("check for update: %w", err)
			}
			w := cmd.OutOrStdout()
			if info.UpdateAvailable {
				fmt.Fprintln(w, ui.WarnMsg("Update available: %s -> %s", info.CurrentVersion, info.LatestVersion))
				return nil
			}
			fmt.Fprintln(w, ui.SuccessMsg("Up to date (%s)", info.CurrentVersion))
			return nil
		},
	}
}

func ssidCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ssid",
		Short: "Print the access-point SSID and device ID derived from the Wi-Fi MAC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			mac, err := netif.New(cfg.Interface).HardwareAddr()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.KeyValues("",
				ui.KV("SSID", palpable.APSSID(mac)),
				ui.KV("Device ID", palpable.DeviceIDFromMAC(mac)),
				ui.KV("MAC", mac.String()),
			))
			return nil
		},
	}
}

func clientFor(opts *options, url string) (*portalClient, error) {
	if url != "" {
		return newPortalClient(url), nil
	}
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	return newPortalClient(portalBase(cfg.Portal.Listen)), nil
}
