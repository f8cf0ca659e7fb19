// Package plugins registers all built-in backends.
package plugins

import (
	"go.uber.org/multierr"

	"firestige.xyz/usbview/internal/plugin"
	"firestige.xyz/usbview/plugins/backend/demo"
	"firestige.xyz/usbview/plugins/backend/replay"
)

// Register adds the built-in backends to r. builtin holds the raw
// configuration of each backend, keyed by backend name.
func Register(r *plugin.Registry, builtin map[string]map[string]any) error {
	var errs error

	demoCfg, err := demo.DecodeConfig(builtin[demo.Name])
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		errs = multierr.Append(errs, r.Register(demo.New(demoCfg)))
	}

	replayCfg, err := replay.DecodeConfig(builtin[replay.Name])
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		errs = multierr.Append(errs, r.Register(replay.New(replayCfg)))
	}

	// More backends will be registered here as they are implemented
	return errs
}
