// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/core/decoder"
	"firestige.xyz/usbview/internal/feed"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/internal/plugin"
	"firestige.xyz/usbview/internal/session"
	"firestige.xyz/usbview/internal/sink/console"
	"firestige.xyz/usbview/internal/sink/kafka"
	"firestige.xyz/usbview/internal/store"
)

// Config represents the top-level configuration.
// Maps to the `usbview:` root key in YAML.
type Config struct {
	Log     log.Config    `mapstructure:"log"`
	Capture CaptureConfig `mapstructure:"capture"`
	Decoder DecoderConfig `mapstructure:"decoder"`
	Plugins PluginsConfig `mapstructure:"plugins"`
	Record  RecordConfig  `mapstructure:"record"`
	Sinks   SinksConfig   `mapstructure:"sinks"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Feed    feed.Config   `mapstructure:"feed"`
}

// ─── Capture ───

// CaptureConfig selects the backend and device of a capture.
type CaptureConfig struct {
	Backend         string         `mapstructure:"backend"`
	Device          string         `mapstructure:"device"`
	Options         map[string]any `mapstructure:"options"` // validated against the backend schema at open
	MaxDisplayCount int            `mapstructure:"max_display_count"`
	UnknownSpeed    string         `mapstructure:"unknown_speed"` // unknown / low / full / high / super
	StopGrace       time.Duration  `mapstructure:"stop_grace"`
}

// DecoderConfig contains decoder settings.
type DecoderConfig struct {
	VerifyCRC bool `mapstructure:"verify_crc"`
}

// ─── Plugins ───

// PluginsConfig configures backend loading. Builtin holds per-backend
// configuration of the compiled-in backends, keyed by backend name.
type PluginsConfig struct {
	plugin.LoaderConfig `mapstructure:",squash"`
	Builtin             map[string]map[string]any `mapstructure:"builtin"`
}

// ─── Outputs ───

// RecordConfig enables streaming every captured packet to a file.
type RecordConfig struct {
	Path   string `mapstructure:"path"`
	Append bool   `mapstructure:"append"`
}

// SinksConfig holds the packet sinks attached to the store.
type SinksConfig struct {
	Console console.Config `mapstructure:"console"`
	Kafka   kafka.Config   `mapstructure:"kafka"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Derived settings ───

// DecoderSettings returns the decoder configuration of a session.
func (cfg *Config) DecoderSettings() decoder.Config {
	speed, _ := core.ParseSpeed(cfg.Capture.UnknownSpeed)
	return decoder.Config{UnknownSpeedAs: speed, VerifyCRC: cfg.Decoder.VerifyCRC}
}

// SessionConfig returns the session configuration of a capture.
func (cfg *Config) SessionConfig() session.Config {
	return session.Config{
		Device:    cfg.Capture.Device,
		Options:   cfg.Capture.Options,
		StopGrace: cfg.Capture.StopGrace,
		Decoder:   cfg.DecoderSettings(),
	}
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `usbview: ...`.
type configRoot struct {
	Usbview Config `mapstructure:"usbview"`
}

// Loader reads the configuration and can watch its file for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader reads the configuration file at path. An empty path uses
// defaults and environment variables only.
// Env vars use the USBVIEW_ prefix (e.g., USBVIEW_LOG_LEVEL).
func NewLoader(path string) (*Loader, error) {
	v := viper.New()

	// Environment variable overrides.
	// The `usbview.` key prefix maps to `USBVIEW_` in env vars via the key
	// replacer (e.g., key "usbview.capture.backend" → env "USBVIEW_CAPTURE_BACKEND").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return &Loader{v: v, path: path}, nil
}

// Load loads configuration from file.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

// Config decodes and validates the current configuration.
func (l *Loader) Config() (*Config, error) {
	var root configRoot
	if err := l.v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Usbview

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Watch calls fn with the reloaded configuration every time the file
// changes. A reload that fails validation is passed as an error and the
// previous configuration stays in effect.
func (l *Loader) Watch(fn func(*Config, error)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		log.GetLogger().WithField("file", e.Name).Info("config file changed")
		fn(l.Config())
	})
	l.v.WatchConfig()
}

// setDefaults sets default values for configuration.
// All keys use "usbview." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("usbview.log.level", "info")
	v.SetDefault("usbview.log.format", log.FormatPattern)
	v.SetDefault("usbview.log.pattern", log.DefaultPattern)
	v.SetDefault("usbview.log.time", log.DefaultTime)
	v.SetDefault("usbview.log.colors", false)
	v.SetDefault("usbview.log.file.filename", "")
	v.SetDefault("usbview.log.file.max_size", 100)
	v.SetDefault("usbview.log.file.max_backups", 5)
	v.SetDefault("usbview.log.file.max_age", 30)
	v.SetDefault("usbview.log.file.compress", true)

	// Capture defaults
	v.SetDefault("usbview.capture.backend", "demo")
	v.SetDefault("usbview.capture.device", "demo0")
	v.SetDefault("usbview.capture.max_display_count", store.DefaultMaxDisplay)
	v.SetDefault("usbview.capture.unknown_speed", "unknown")
	v.SetDefault("usbview.capture.stop_grace", session.DefaultStopGrace)
	v.SetDefault("usbview.decoder.verify_crc", false)

	// Plugin defaults
	v.SetDefault("usbview.plugins.mode", string(plugin.StaticMode))
	v.SetDefault("usbview.plugins.path", "./plugins")
	v.SetDefault("usbview.plugins.patterns", plugin.DefaultPatterns)

	// Record defaults
	v.SetDefault("usbview.record.path", "")
	v.SetDefault("usbview.record.append", false)

	// Sink defaults
	cc := console.DefaultConfig()
	v.SetDefault("usbview.sinks.console.enabled", false)
	v.SetDefault("usbview.sinks.console.format", cc.Format)
	v.SetDefault("usbview.sinks.console.payload", cc.Payload)
	kc := kafka.DefaultConfig()
	v.SetDefault("usbview.sinks.kafka.enabled", false)
	v.SetDefault("usbview.sinks.kafka.brokers", []string{})
	v.SetDefault("usbview.sinks.kafka.topic", "usbview.packets")
	v.SetDefault("usbview.sinks.kafka.batch_size", kc.BatchSize)
	v.SetDefault("usbview.sinks.kafka.batch_timeout", kc.BatchTimeout)
	v.SetDefault("usbview.sinks.kafka.compression", kc.Compression)
	v.SetDefault("usbview.sinks.kafka.max_attempts", kc.MaxAttempts)
	v.SetDefault("usbview.sinks.kafka.queue_size", kc.QueueSize)
	v.SetDefault("usbview.sinks.kafka.payload", kc.Payload)

	// Metrics defaults
	v.SetDefault("usbview.metrics.enabled", false)
	v.SetDefault("usbview.metrics.listen", ":9091")
	v.SetDefault("usbview.metrics.path", "/metrics")

	// Feed defaults
	fc := feed.DefaultConfig()
	v.SetDefault("usbview.feed.enabled", false)
	v.SetDefault("usbview.feed.addr", fc.Addr)
	v.SetDefault("usbview.feed.send_buffer", fc.SendBuffer)
	v.SetDefault("usbview.feed.max_limit", fc.MaxLimit)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case log.FormatPattern, log.FormatPrefixed, log.FormatJSON:
	default:
		return invalid("invalid log format: %s (must be pattern/prefixed/json)", cfg.Log.Format)
	}

	// ── Capture validation ──
	if cfg.Capture.MaxDisplayCount < 1 {
		return invalid("capture.max_display_count must be at least 1, got %d", cfg.Capture.MaxDisplayCount)
	}
	if _, err := core.ParseSpeed(cfg.Capture.UnknownSpeed); err != nil {
		return invalid("capture.unknown_speed: %v", err)
	}
	if cfg.Capture.StopGrace <= 0 {
		cfg.Capture.StopGrace = session.DefaultStopGrace
	}
	opts, err := cast.ToStringMapE(cfg.Capture.Options)
	if err != nil {
		return invalid("capture.options: %v", err)
	}
	cfg.Capture.Options = opts

	// ── Plugins validation ──
	switch cfg.Plugins.Mode {
	case plugin.StaticMode, plugin.DynamicMode:
	default:
		return invalid("invalid plugins.mode: %s (must be static/dynamic)", cfg.Plugins.Mode)
	}
	if len(cfg.Plugins.Patterns) == 0 {
		cfg.Plugins.Patterns = plugin.DefaultPatterns
	}

	// ── Outputs validation ──
	if cfg.Record.Append && cfg.Record.Path == "" {
		return invalid("record.append requires record.path")
	}
	if cfg.Sinks.Console.Enabled {
		if err := cfg.Sinks.Console.Validate(); err != nil {
			return invalid("sinks.console: %v", err)
		}
	}
	if cfg.Sinks.Kafka.Enabled {
		if err := cfg.Sinks.Kafka.Validate(); err != nil {
			return invalid("sinks.kafka: %v", err)
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Feed.Enabled && cfg.Feed.Addr == "" {
		return invalid("feed.addr is required when feed.enabled=true")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}
