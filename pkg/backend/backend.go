// Package backend defines the contract capture backends implement.
//
// Built-in backends register at compile time. External backends are Go
// plugins that export a NewBackend symbol of type Factory; they are loaded by
// internal/plugin.
package backend

import (
	"context"
	"time"
)

// Symbol is the name an external backend plugin must export.
const Symbol = "NewBackend"

// Factory constructs a backend. External plugins export one under Symbol.
type Factory func() Backend

// Stop codes returned by Handle.Start. Any nonzero code is abnormal and is
// reported verbatim.
const (
	StopNormal = 0
)

// Device describes one capture device a backend can open.
type Device struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Backend string `json:"backend" yaml:"backend"`
}

// FrameFunc receives one raw frame. It runs on the capture goroutine; data is
// only valid for the duration of the call.
type FrameFunc func(ts time.Duration, data []byte)

// Backend gives access to one capture technology.
type Backend interface {
	// Name is the display name used in registry lookups and error reports.
	Name() string
	Devices(ctx context.Context) ([]Device, error)
	// Schema lists the options Open accepts, with their defaults.
	Schema() ([]Option, error)
	Open(ctx context.Context, deviceID string, opts Options) (Handle, error)
}

// Handle is an opened device.
type Handle interface {
	// Start delivers frames to fn until Stop is called or the device
	// terminates, then returns the stop code.
	Start(fn FrameFunc) (code int, err error)
	// Stop makes a running Start return. It is idempotent and safe to call
	// from any goroutine, before or after Start.
	Stop()
	// Close releases the device.
	Close() error
}
