// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/usbview/internal/config"
	"firestige.xyz/usbview/internal/filter"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/internal/plugin"
	"firestige.xyz/usbview/plugins"
)

// app holds what every subcommand needs once the root command has run.
type app struct {
	configFile string
	logLevel   string

	loader   *config.Loader
	cfg      *config.Config
	registry *plugin.Registry
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "usbview",
		Short: "usbview - USB bus capture, decoding and analysis",
		Long: `usbview captures raw frames from a USB capture backend, decodes them into
typed USB packets (SOF, tokens, data, handshakes), and stores them for
filtering, statistics and export.

Features:
  - Pluggable backends: built-in demo and replay, external Go plugins
  - Bounded packet store with live recording to .upv files
  - Address/endpoint and packet type filters
  - Export to pcap (LINKTYPE_USB_2_0) for other analyzers
  - Live feed over HTTP/WebSocket, Prometheus metrics, Kafka publishing`,
		Version:           "0.1.0",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.init,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "",
		"config file path (defaults and USBVIEW_* env vars when empty)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"override log level (trace/debug/info/warn/error)")

	rootCmd.AddCommand(newBackendsCmd(a))
	rootCmd.AddCommand(newCaptureCmd(a))
	rootCmd.AddCommand(newReadCmd(a))
	rootCmd.AddCommand(newExportCmd(a))
	rootCmd.AddCommand(newStatsCmd(a))
	return rootCmd
}

// Execute runs the root command. This is called by main.main().
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// init loads configuration, sets up logging and fills the backend registry.
func (a *app) init(cmd *cobra.Command, args []string) error {
	loader, err := config.NewLoader(a.configFile)
	if err != nil {
		return err
	}
	cfg, err := loader.Config()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := log.Init(&cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	a.loader, a.cfg = loader, cfg

	a.registry = plugin.NewRegistry()
	if err := plugins.Register(a.registry, cfg.Plugins.Builtin); err != nil {
		return fmt.Errorf("failed to register built-in backends: %w", err)
	}
	if err := plugin.NewLoader(cfg.Plugins.LoaderConfig, a.registry).Load(); err != nil {
		// The registry stays usable without the failed plugins.
		log.GetLogger().WithError(err).Warn("some backends are unavailable")
	}
	return nil
}

// filterFlags are the packet selection flags shared by the file commands.
type filterFlags struct {
	addr    string
	exclude string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "*",
		`address filter: "*", "5", "5:2", "5:2in", "*:0"`)
	cmd.Flags().StringVar(&f.exclude, "exclude", "",
		"comma separated packet types to hide (e.g. SOF,Nak)")
}

func (f *filterFlags) spec() (filter.Spec, error) {
	return filter.ParseSpec(f.exclude, f.addr)
}
