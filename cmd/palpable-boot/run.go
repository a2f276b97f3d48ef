package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"palpable/config"
	"palpable/daemon"
	"palpable/internal/buildinfo"
	"palpable/internal/logging"
)

func runCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Boot the device and serve the provisioning portal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The orchestrator must come up no matter what the config says.
			cfg, cfgErr := config.LoadOrDefault(opts.configPath)
			if err := logging.Configure(opts.level(), logFile(cfg)); err != nil {
				slog.Warn("Failed to configure logging.", "err", err)
			}
			slog.Info("palpable-boot starting.", "version", buildinfo.Version, "config", opts.configPath)
			if cfgErr != nil {
				slog.Error("Invalid config, continuing with defaults.", "config", opts.configPath, "err", cfgErr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}
}
