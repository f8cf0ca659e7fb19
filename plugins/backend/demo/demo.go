// Package demo implements a synthetic capture backend. It generates a
// plausible stream of SOF, control and bulk transactions without hardware.
package demo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/pkg/backend"
)

const Name = "demo"

// Option keys
const (
	OptFrames           = "frames"
	OptInterval         = "interval_us"
	OptSpeed            = "speed"
	OptInjectIncomplete = "inject_incomplete"
	OptRealtime         = "realtime"
)

// Config is the static configuration of the backend, decoded from the
// plugins.builtin.demo section.
type Config struct {
	Devices int    `mapstructure:"devices"`
	Seed    uint64 `mapstructure:"seed"`
	Address uint8  `mapstructure:"address"`
}

func DefaultConfig() Config {
	return Config{Devices: 1, Seed: 1, Address: 5}
}

// DecodeConfig decodes raw configuration over the defaults.
func DecodeConfig(raw map[string]any) (Config, error) {
	cfg := DefaultConfig()
	if len(raw) == 0 {
		return cfg, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(raw); err != nil {
		return cfg, fmt.Errorf("demo backend config: %w", err)
	}
	if cfg.Devices < 1 {
		cfg.Devices = 1
	}
	if cfg.Address == 0 || cfg.Address > 127 {
		return cfg, fmt.Errorf("demo backend config: address %d out of range [1, 127]", cfg.Address)
	}
	return cfg, nil
}

// Backend is the demo backend.
type Backend struct {
	cfg    Config
	script []backend.Frame
}

type BackendOption func(*Backend)

// WithFrames replaces the generator with a fixed list of frames.
func WithFrames(frames ...backend.Frame) BackendOption {
	return func(b *Backend) { b.script = frames }
}

func New(cfg Config, opts ...BackendOption) *Backend {
	b := &Backend{cfg: cfg}
	for _, o := range opts {
		o(b)
	}
	return b
}

// NewBackend is the Factory of the demo backend with default configuration.
func NewBackend() backend.Backend {
	return New(DefaultConfig())
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Devices(ctx context.Context) ([]backend.Device, error) {
	out := make([]backend.Device, b.cfg.Devices)
	for i := range out {
		out[i] = backend.Device{
			ID:      fmt.Sprintf("demo%d", i),
			Name:    fmt.Sprintf("Synthetic USB bus %d", i),
			Backend: Name,
		}
	}
	return out, nil
}

func (b *Backend) Schema() ([]backend.Option, error) {
	return []backend.Option{
		{Key: OptFrames, Label: "Frames to generate (0 = until stopped)", Type: backend.IntRange(0, 10_000_000), Value: backend.IntValue(0)},
		{Key: OptInterval, Label: "Microseconds between frames", Type: backend.IntRange(1, 1_000_000), Value: backend.IntValue(125)},
		{Key: OptSpeed, Label: "Bus speed", Type: backend.Choice("unknown", "low", "full", "high"), Value: backend.ChoiceValue("high")},
		{Key: OptInjectIncomplete, Label: "Inject incomplete packets", Type: backend.Bool(), Value: backend.BoolValue(false)},
		{Key: OptRealtime, Label: "Pace delivery in real time", Type: backend.Bool(), Value: backend.BoolValue(true)},
	}, nil
}

func (b *Backend) Open(ctx context.Context, deviceID string, opts backend.Options) (backend.Handle, error) {
	devices, _ := b.Devices(ctx)
	found := false
	for _, d := range devices {
		if d.ID == deviceID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("no device %q", deviceID)
	}
	speed, err := core.ParseSpeed(opts.Choice(OptSpeed))
	if err != nil {
		return nil, err
	}

	h := &handle{
		limit:    opts.Int(OptFrames),
		interval: time.Duration(opts.Int(OptInterval)) * time.Microsecond,
		realtime: opts.Bool(OptRealtime),
		stop:     make(chan struct{}),
		script:   b.script,
	}
	if b.script == nil {
		h.gen = newGenerator(b.cfg, speed, opts.Bool(OptInjectIncomplete))
	}
	return h, nil
}

type handle struct {
	limit    int
	interval time.Duration
	realtime bool
	script   []backend.Frame
	gen      *generator

	stop     chan struct{}
	stopOnce sync.Once
	closed   bool
	mu       sync.Mutex
}

func (h *handle) Start(fn backend.FrameFunc) (int, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return 1, fmt.Errorf("device closed")
	}

	if h.script != nil {
		for _, f := range h.script {
			select {
			case <-h.stop:
				return backend.StopNormal, nil
			default:
			}
			fn(f.Timestamp, f.Data)
		}
		return backend.StopNormal, nil
	}

	var ticker *time.Ticker
	if h.realtime {
		ticker = time.NewTicker(h.interval)
		defer ticker.Stop()
	}
	var ts time.Duration
	for n := 0; h.limit == 0 || n < h.limit; n++ {
		if ticker != nil {
			select {
			case <-h.stop:
				return backend.StopNormal, nil
			case <-ticker.C:
			}
		} else {
			select {
			case <-h.stop:
				return backend.StopNormal, nil
			default:
			}
		}
		fn(ts, h.gen.next())
		ts += h.interval
	}
	return backend.StopNormal, nil
}

func (h *handle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *handle) Close() error {
	h.Stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
