// Package core defines sentinel and typed errors.
package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// branch with errors.Is.
var (
	// Backend lifecycle errors
	ErrBackendLoad     = errors.New("usbview: backend load failed")
	ErrBackendSymbol   = errors.New("usbview: backend symbol resolution failed")
	ErrOptionQuery     = errors.New("usbview: backend option query failed")
	ErrDeviceOpen      = errors.New("usbview: device open failed")
	ErrCaptureStop     = errors.New("usbview: capture stopped abnormally")
	ErrBackendNotFound = errors.New("usbview: backend not found")
	ErrBackendExists   = errors.New("usbview: backend already registered")

	// Session errors
	ErrInvalidState        = errors.New("usbview: invalid session state")
	ErrInvalidOption       = errors.New("usbview: invalid capture option")
	ErrClearWhileCapturing = errors.New("usbview: cannot clear store while capturing")

	// Persistence errors
	ErrPersistenceRead  = errors.New("usbview: persistence read failed")
	ErrPersistenceWrite = errors.New("usbview: persistence write failed")
	ErrBadHeader        = errors.New("usbview: not a usbview capture file")
	ErrUnsupportedFile  = errors.New("usbview: unsupported capture file version")

	// Configuration errors
	ErrConfigInvalid = errors.New("usbview: invalid configuration")
)

// BackendError reports a failure tied to one backend. Kind is one of
// ErrBackendLoad, ErrBackendSymbol, ErrOptionQuery or ErrDeviceOpen.
type BackendError struct {
	Kind    error
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	var what string
	switch e.Kind {
	case ErrBackendLoad:
		what = "fail to load"
	case ErrBackendSymbol:
		what = "fail to resolve functions in"
	case ErrOptionQuery:
		what = "fail to get option in"
	case ErrDeviceOpen:
		what = "fail to open device in"
	default:
		what = "backend failure in"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s", what, e.Backend)
	}
	return fmt.Sprintf("%s %s: %v", what, e.Backend, e.Err)
}

func (e *BackendError) Unwrap() []error { return []error{e.Kind, e.Err} }

func NewBackendLoadError(backend string, err error) error {
	return &BackendError{Kind: ErrBackendLoad, Backend: backend, Err: err}
}

func NewBackendSymbolError(backend string, err error) error {
	return &BackendError{Kind: ErrBackendSymbol, Backend: backend, Err: err}
}

func NewOptionQueryError(backend string, err error) error {
	return &BackendError{Kind: ErrOptionQuery, Backend: backend, Err: err}
}

func NewDeviceOpenError(backend string, err error) error {
	return &BackendError{Kind: ErrDeviceOpen, Backend: backend, Err: err}
}

// CaptureStopError reports an abnormal end of capture: a nonzero stop code
// from the backend, a backend failure, or a stop that exceeded its grace period.
type CaptureStopError struct {
	Backend string
	Code    int
	Forced  bool
	Grace   time.Duration
	Err     error
}

func (e *CaptureStopError) Error() string {
	switch {
	case e.Forced:
		return fmt.Sprintf("forced stop of %s: capture did not exit within %s", e.Backend, e.Grace)
	case e.Err != nil:
		return fmt.Sprintf("stop code %d from %s: %v", e.Code, e.Backend, e.Err)
	default:
		return fmt.Sprintf("stop code %d from %s", e.Code, e.Backend)
	}
}

func (e *CaptureStopError) Unwrap() []error { return []error{ErrCaptureStop, e.Err} }

// PersistenceReadError reports records that were present in a file but could
// not be decoded. The readable records are still returned alongside it.
type PersistenceReadError struct {
	Path    string
	Skipped int
	Err     error
}

func (e *PersistenceReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("read %s: %d records skipped: %v", e.Path, e.Skipped, e.Err)
	}
	return fmt.Sprintf("read %s: %d records skipped", e.Path, e.Skipped)
}

func (e *PersistenceReadError) Unwrap() []error { return []error{ErrPersistenceRead, e.Err} }

// PersistenceWriteError reports one failed record write. Capture continues.
type PersistenceWriteError struct {
	Path string
	Err  error
}

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *PersistenceWriteError) Unwrap() []error { return []error{ErrPersistenceWrite, e.Err} }
