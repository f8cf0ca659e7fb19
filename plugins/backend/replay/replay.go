// Package replay implements a backend that plays a recorded capture file back
// as raw frames, so a recording can be filtered and decoded like a live bus.
package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/internal/persist"
	"firestige.xyz/usbview/pkg/backend"
)

const Name = "replay"

const (
	OptRealtime = "realtime"
	OptSpeedup  = "speedup"
)

// Config is decoded from the plugins.builtin.replay section.
type Config struct {
	// Dir is searched for recordings when listing devices.
	Dir     string `mapstructure:"dir"`
	Pattern string `mapstructure:"pattern"`
}

func DefaultConfig() Config {
	return Config{Dir: ".", Pattern: "*.upv"}
}

func DecodeConfig(raw map[string]any) (Config, error) {
	cfg := DefaultConfig()
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("replay backend config: %w", err)
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return cfg, fmt.Errorf("replay backend config: pattern %q: %w", cfg.Pattern, err)
	}
	return cfg, nil
}

type Backend struct {
	cfg Config
}

func New(cfg Config) *Backend { return &Backend{cfg: cfg} }

func NewBackend() backend.Backend { return New(DefaultConfig()) }

func (b *Backend) Name() string { return Name }

// Devices lists the recordings in the configured directory. Any other path
// can still be opened directly.
func (b *Backend) Devices(ctx context.Context) ([]backend.Device, error) {
	matches, err := filepath.Glob(filepath.Join(b.cfg.Dir, b.cfg.Pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	out := make([]backend.Device, 0, len(matches))
	for _, m := range matches {
		out = append(out, backend.Device{ID: m, Name: filepath.Base(m), Backend: Name})
	}
	return out, nil
}

func (b *Backend) Schema() ([]backend.Option, error) {
	return []backend.Option{
		{Key: OptRealtime, Label: "Reproduce recorded timing", Type: backend.Bool(), Value: backend.BoolValue(false)},
		{Key: OptSpeedup, Label: "Playback speed factor", Type: backend.IntRange(1, 1000), Value: backend.IntValue(1)},
	}, nil
}

func (b *Backend) Open(ctx context.Context, deviceID string, opts backend.Options) (backend.Handle, error) {
	path := deviceID
	if !filepath.IsAbs(path) {
		if _, err := os.Stat(path); err != nil {
			path = filepath.Join(b.cfg.Dir, deviceID)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	scanCtx, cancel := context.WithCancel(context.Background())
	return &handle{
		path:     path,
		f:        f,
		realtime: opts.Bool(OptRealtime),
		speedup:  max(opts.Int(OptSpeedup), 1),
		ctx:      scanCtx,
		cancel:   cancel,
		logger:   log.GetLogger().WithField("backend", Name).WithField("file", path),
	}, nil
}

type handle struct {
	path     string
	f        *os.File
	realtime bool
	speedup  int

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	logger    log.Logger
}

func (h *handle) Start(fn backend.FrameFunc) (int, error) {
	var (
		prev  time.Duration
		first = true
	)
	_, st, err := persist.Scan(h.ctx, h.f, func(p core.Packet) error {
		if h.realtime && !first {
			if err := h.sleep((p.Timestamp - prev) / time.Duration(h.speedup)); err != nil {
				return err
			}
		}
		first = false
		prev = p.Timestamp
		fn(p.Timestamp, Encode(p))
		return nil
	})
	if st.Skipped() > 0 {
		h.logger.Warnf("%d of %d records could not be replayed", st.Skipped(), st.Total)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return 1, err
	}
	return backend.StopNormal, nil
}

func (h *handle) sleep(d time.Duration) error {
	if d <= 0 {
		return h.ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.ctx.Done():
		return h.ctx.Err()
	case <-t.C:
		return nil
	}
}

func (h *handle) Stop() { h.cancel() }

func (h *handle) Close() error {
	h.cancel()
	var err error
	h.closeOnce.Do(func() { err = h.f.Close() })
	return err
}

// Encode rebuilds the raw frame a recorded packet was decoded from. An
// Incomplete packet declares one byte more than it holds so it decodes as
// Incomplete again.
func Encode(p core.Packet) []byte {
	body := p.Payload()
	if p.PID == backend.FrameContinuation && p.Type == core.TypeUnknown {
		return backend.EncodeContinuation(body)
	}
	declared := len(body)
	if p.Type == core.TypeIncomplete {
		declared++
	}
	return backend.EncodeFrame(p.PID, p.Speed, p.Flags.Has(core.FlagHardwareError), declared, body)
}
