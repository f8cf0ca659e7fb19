package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"firestige.xyz/usbview/internal/config"
	"firestige.xyz/usbview/internal/feed"
	"firestige.xyz/usbview/internal/filter"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/internal/metrics"
	"firestige.xyz/usbview/internal/persist"
	"firestige.xyz/usbview/internal/session"
	"firestige.xyz/usbview/internal/sink/console"
	"firestige.xyz/usbview/internal/sink/kafka"
	"firestige.xyz/usbview/internal/stats"
	"firestige.xyz/usbview/internal/store"
)

type captureFlags struct {
	backend  string
	device   string
	set      []string
	record   string
	appendTo bool
	pcap     string
	duration time.Duration
	serve    string
	print    bool
}

func newCaptureCmd(a *app) *cobra.Command {
	f := &captureFlags{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture and decode USB traffic from a backend",
		Long: `Open a device on a capture backend and decode its frames until the
backend ends the capture, --duration elapses, or the process is interrupted.

Backend options come from capture.options in the config file and can be
overridden with --set key=value; they are validated against the backend's
option schema (see "usbview backends") before the device is opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCapture(cmd, f)
		},
	}
	cmd.Flags().StringVarP(&f.backend, "backend", "b", "", "backend name (overrides capture.backend)")
	cmd.Flags().StringVarP(&f.device, "device", "d", "", "device id (overrides capture.device)")
	cmd.Flags().StringArrayVar(&f.set, "set", nil, "backend option as key=value, repeatable")
	cmd.Flags().StringVarP(&f.record, "record", "w", "", "record every packet to a .upv file")
	cmd.Flags().BoolVar(&f.appendTo, "append", false, "append to an existing recording")
	cmd.Flags().StringVar(&f.pcap, "pcap", "", "export retained packets to a pcap file when done")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "stop after this long (0 = until done or interrupted)")
	cmd.Flags().StringVar(&f.serve, "serve", "", "serve the live feed on this address")
	cmd.Flags().BoolVarP(&f.print, "print", "p", false, "print packets as they are captured")
	return cmd
}

// applyFlags overlays command line flags on the loaded configuration.
func (f *captureFlags) applyFlags(cfg *config.Config) error {
	if f.backend != "" {
		cfg.Capture.Backend = f.backend
	}
	if f.device != "" {
		cfg.Capture.Device = f.device
	}
	if len(f.set) > 0 {
		opts := make(map[string]any, len(cfg.Capture.Options)+len(f.set))
		for k, v := range cfg.Capture.Options {
			opts[k] = v
		}
		for _, kv := range f.set {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return fmt.Errorf("invalid --set %q, expected key=value", kv)
			}
			opts[strings.TrimSpace(k)] = v
		}
		cfg.Capture.Options = opts
	}
	if f.record != "" {
		cfg.Record.Path = f.record
		cfg.Record.Append = f.appendTo
	}
	if f.serve != "" {
		cfg.Feed.Enabled = true
		cfg.Feed.Addr = f.serve
	}
	if f.print {
		cfg.Sinks.Console.Enabled = true
	}
	return nil
}

// closer collects teardown steps and runs them in reverse order.
type closer []func() error

func (c *closer) add(fn func() error) { *c = append(*c, fn) }

func (c closer) close() error {
	var errs error
	for i := len(c) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, c[i]())
	}
	return errs
}

func (a *app) runCapture(cmd *cobra.Command, f *captureFlags) (err error) {
	cfg := a.cfg
	if err := f.applyFlags(cfg); err != nil {
		return err
	}
	logger := log.GetLogger().WithField("component", "capture")

	b, err := a.registry.Get(cfg.Capture.Backend)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(cfg.Capture.MaxDisplayCount)
	st.Attach(metrics.PacketSink{})

	var teardown closer
	defer func() { err = multierr.Append(err, teardown.close()) }()

	var rec *persist.Recorder
	if cfg.Record.Path != "" {
		if cfg.Record.Append {
			rec, err = persist.OpenAppend(cfg.Record.Path)
		} else {
			rec, err = persist.Create(cfg.Record.Path, cfg.Capture.MaxDisplayCount)
		}
		if err != nil {
			return err
		}
		st.Attach(rec)
		teardown.add(rec.Close)
	}
	if cfg.Sinks.Console.Enabled {
		cs, err := console.New(cfg.Sinks.Console, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		st.Attach(cs)
		teardown.add(cs.Close)
	}
	if cfg.Sinks.Kafka.Enabled {
		ks, err := kafka.New(cfg.Sinks.Kafka)
		if err != nil {
			return err
		}
		st.Attach(ks)
		teardown.add(ks.Close)
	}
	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := ms.Start(sigCtx); err != nil {
			return err
		}
		teardown.add(func() error { return ms.Stop(context.Background()) })
	}

	sess := session.New(b, st, cfg.SessionConfig())
	sess.Subscribe(func(ev session.StateEvent) {
		l := logger.WithField("state", string(ev.State))
		if ev.Reason != nil {
			l.WithError(ev.Reason).Warn("capture state changed")
			return
		}
		l.Info("capture state changed")
	})

	var fs *feed.Server
	if cfg.Feed.Enabled {
		fs = feed.NewServer(cfg.Feed, st, stats.NewAggregator(st, stats.DefaultBucket))
		fs.Attach(sess)
		st.Attach(fs)
		if err := fs.Start(sigCtx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "live feed on http://%s\n", fs.Addr())
		teardown.add(func() error { return fs.Stop(context.Background()) })
	}

	a.loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.WithError(err).Warn("config reload rejected")
			return
		}
		if next.Capture.MaxDisplayCount != st.MaxDisplay() {
			st.SetMaxDisplay(next.Capture.MaxDisplayCount)
			logger.WithField("max_display_count", next.Capture.MaxDisplayCount).Info("display limit updated")
		}
	})

	runCtx := sigCtx
	if f.duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(sigCtx, f.duration)
		defer cancel()
	}

	if err := sess.Start(runCtx); err != nil {
		return err
	}
	select {
	case <-sess.Done():
	case <-runCtx.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Capture.StopGrace+time.Second)
	defer cancel()
	reason := sess.Stop(stopCtx)
	if reason == nil {
		_, reason = sess.State()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "captured %d packets (%d retained)\n", st.Total(), st.Len())
	if rec != nil {
		fmt.Fprintf(out, "recorded %d packets to %s\n", rec.Written(), rec.Path())
	}
	if f.pcap != "" {
		n, err := persist.ExportPcap(f.pcap, st.Query(filter.Spec{}, store.Range{}))
		if err != nil {
			return multierr.Append(reason, err)
		}
		fmt.Fprintf(out, "exported %d packets to %s\n", n, f.pcap)
	}

	if fs != nil && sigCtx.Err() == nil && !errors.Is(reason, context.Canceled) {
		fmt.Fprintln(out, "capture finished, feed still serving; interrupt to exit")
		<-sigCtx.Done()
	}
	return reason
}
