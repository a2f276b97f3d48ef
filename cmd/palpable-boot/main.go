package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"palpable/cmd/palpable-boot/ui"
	"palpable/config"
	"palpable/internal/buildinfo"
	"palpable/internal/logging"
)

const logFileName = "palpable-boot.log"

func main() {
	if err := logging.Configure(logging.LevelInfo, ""); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	ui.ConfigureColor()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	debug      bool
}

func (o *options) level() string {
	if o.debug {
		return logging.LevelDebug
	}
	return logging.LevelInfo
}

func (o *options) load() (config.Config, error) {
	return config.Load(o.configPath)
}

func rootCmd() *cobra.Command {
	opts := &options{}
	run := runCmd(opts)

	root := &cobra.Command{
		Use:           "palpable-boot",
		Short:         "Palpable device boot orchestrator",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return logging.Configure(opts.level(), "")
		},
		// Without a subcommand the orchestrator runs, which is what the
		// systemd unit invokes.
		RunE: run.RunE,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "Runtime config file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(run)
	root.AddCommand(statusCmd(opts))
	root.AddCommand(scanCmd(opts))
	root.AddCommand(checkUpdateCmd(opts))
	root.AddCommand(ssidCmd(opts))
	return root
}

func logFile(cfg config.Config) string {
	if cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(cfg.LogDir, logFileName)
}
