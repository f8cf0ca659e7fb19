package plugin

import (
	"fmt"
	"path/filepath"
	"plugin"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/pkg/backend"
)

type LoadMode string

const (
	DynamicMode LoadMode = "dynamic" // load .so files with the plugin package
	StaticMode  LoadMode = "static"  // only backends compiled into the binary
)

var DefaultPatterns = []string{"*.so"}

type LoaderConfig struct {
	Mode     LoadMode `mapstructure:"mode"`
	Path     string   `mapstructure:"path"`     // directory to load plugins from in DynamicMode
	Patterns []string `mapstructure:"patterns"` // file patterns to match plugins in DynamicMode
}

// symbols is the part of *plugin.Plugin the loader needs.
type symbols interface {
	Lookup(name string) (plugin.Symbol, error)
}

type openFunc func(path string) (symbols, error)

func openPlugin(path string) (symbols, error) {
	return plugin.Open(path)
}

type Loader struct {
	config   LoaderConfig
	registry *Registry
	open     openFunc
	logger   log.Logger
}

func NewLoader(config LoaderConfig, registry *Registry) *Loader {
	if len(config.Patterns) == 0 {
		config.Patterns = DefaultPatterns
	}
	return &Loader{
		config:   config,
		registry: registry,
		open:     openPlugin,
		logger:   log.GetLogger().WithField("component", "loader"),
	}
}

// Load brings the registry to a usable state. In dynamic mode each plugin
// file is loaded independently: a failing file is logged and skipped. Every
// backend's schema is then queried and backends whose schema fails are
// removed. All failures are returned combined; the registry is usable either
// way.
func (l *Loader) Load() error {
	var errs error
	if l.config.Mode == DynamicMode {
		errs = multierr.Append(errs, l.loadDynamicPlugins())
	}
	errs = multierr.Append(errs, l.validateSchemas())
	l.logger.WithField("backends", strings.Join(l.registry.Names(), ",")).Info("backends available")
	return errs
}

func (l *Loader) validateSchemas() error {
	var errs error
	for _, b := range l.registry.List() {
		if _, err := b.Schema(); err != nil {
			err = core.NewOptionQueryError(b.Name(), err)
			l.logger.WithError(err).Warn("backend removed")
			l.registry.remove(b.Name())
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (l *Loader) loadDynamicPlugins() error {
	files, err := l.discoverPluginFiles()
	if err != nil {
		return fmt.Errorf("failed to discover plugin files: %w", err)
	}
	if len(files) == 0 {
		l.logger.WithField("path", l.config.Path).Warn("no plugin files found")
		return nil
	}

	var errs error
	for _, file := range files {
		if err := l.loadPlugin(file); err != nil {
			l.logger.WithError(err).WithField("file", file).Error("plugin skipped")
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (l *Loader) discoverPluginFiles() ([]string, error) {
	seen := make(map[string]bool)
	files := make([]string, 0)

	for _, pattern := range l.config.Patterns {
		fullPattern := filepath.Join(l.config.Path, pattern)
		matches, err := filepath.Glob(fullPattern)
		if err != nil {
			return nil, fmt.Errorf("failed to match pattern %s: %w", fullPattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func (l *Loader) loadPlugin(file string) error {
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))

	p, err := l.open(file)
	if err != nil {
		return core.NewBackendLoadError(name, err)
	}
	sym, err := p.Lookup(backend.Symbol)
	if err != nil {
		return core.NewBackendSymbolError(name, err)
	}
	factory, err := asFactory(sym)
	if err != nil {
		return core.NewBackendSymbolError(name, err)
	}

	b := factory()
	if b == nil {
		return core.NewBackendSymbolError(name, fmt.Errorf("%s returned nil", backend.Symbol))
	}
	if err := l.registry.add(b, file); err != nil {
		return core.NewBackendLoadError(b.Name(), err)
	}
	l.logger.WithFields(map[string]interface{}{"backend": b.Name(), "file": file}).Info("plugin loaded")
	return nil
}

// asFactory accepts NewBackend exported either as a function or as a
// variable holding one.
func asFactory(sym plugin.Symbol) (backend.Factory, error) {
	switch f := sym.(type) {
	case func() backend.Backend:
		return f, nil
	case backend.Factory:
		return f, nil
	case *func() backend.Backend:
		if f != nil && *f != nil {
			return *f, nil
		}
	case *backend.Factory:
		if f != nil && *f != nil {
			return *f, nil
		}
	}
	return nil, fmt.Errorf("%s has type %T, want func() backend.Backend", backend.Symbol, sym)
}
