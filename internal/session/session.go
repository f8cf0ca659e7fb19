// Package session runs one capture: it opens a backend device, feeds its
// frames through the decoder into the store on a single goroutine, and
// tears everything down exactly once however the capture ends.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/core/decoder"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/internal/metrics"
	"firestige.xyz/usbview/internal/store"
	"firestige.xyz/usbview/pkg/backend"
)

const DefaultStopGrace = 2 * time.Second

// Config configures one session.
type Config struct {
	Device    string
	Options   map[string]any // raw values, resolved against the backend schema
	StopGrace time.Duration
	Decoder   decoder.Config
}

// Stats are the frame counters of a session.
type Stats struct {
	Frames     uint64 `json:"frames"`
	Bytes      uint64 `json:"bytes"`
	LateFrames uint64 `json:"late_frames"`
	Packets    uint64 `json:"packets"`
}

// Session is a single capture from Idle to Stopped. It is not restartable;
// create a new Session for the next capture.
type Session struct {
	id      string
	cfg     Config
	backend backend.Backend
	store   *store.Store

	mu            sync.Mutex // guards the fields below
	state         State
	reason        error
	handle        backend.Handle
	stopRequested bool
	done          chan struct{}

	closeOnce sync.Once
	closeErr  error
	wg        conc.WaitGroup

	// frameMu is the frame gate. The decoder and store writes happen only
	// while holding it, and never after gateClosed is set.
	frameMu    sync.Mutex
	gateClosed bool
	dec        *decoder.Decoder

	subMu  sync.RWMutex
	subs   map[int]func(StateEvent)
	subSeq int

	frames  atomic.Uint64
	bytes   atomic.Uint64
	late    atomic.Uint64
	packets atomic.Uint64

	logger log.Logger
}

// New creates an idle session capturing from b into st.
func New(b backend.Backend, st *store.Store, cfg Config) *Session {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		cfg:     cfg,
		backend: b,
		store:   st,
		state:   StateIdle,
		done:    make(chan struct{}),
		dec:     decoder.New(cfg.Decoder),
		subs:    make(map[int]func(StateEvent)),
		logger: log.GetLogger().WithFields(map[string]interface{}{
			"session": id,
			"backend": b.Name(),
		}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Backend() string { return s.backend.Name() }

func (s *Session) Store() *store.Store { return s.store }

// State returns the current state and, once stopped, the stop reason.
func (s *Session) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// Done is closed once the session reaches StateStopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Stats() Stats {
	return Stats{
		Frames:     s.frames.Load(),
		Bytes:      s.bytes.Load(),
		LateFrames: s.late.Load(),
		Packets:    s.packets.Load(),
	}
}

// Subscribe registers fn for state events. fn runs on the goroutine causing
// the transition and must not block or call back into the session.
func (s *Session) Subscribe(fn func(StateEvent)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Session) publish(ev StateEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.subs {
		fn(ev)
	}
}

// setState must be called with mu held. The returned event is published
// after mu is released.
func (s *Session) setState(state State, reason error) StateEvent {
	s.logger.WithFields(map[string]interface{}{"from": s.state, "to": state}).Debug("state changed")
	s.state = state
	s.reason = reason
	return StateEvent{
		Session: s.id,
		Backend: s.backend.Name(),
		State:   state,
		Reason:  reason,
		Time:    time.Now(),
	}
}

// Start opens the device and launches the capture goroutine. It is valid
// only from StateIdle. A failure moves the session to StateStopped with the
// error as reason.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", core.ErrInvalidState, state)
	}
	ev := s.setState(StateOpening, nil)
	s.mu.Unlock()
	s.publish(ev)
	metrics.SessionsActive.Inc()

	h, err := s.open(ctx)
	if err != nil {
		s.logger.WithError(err).Error("capture failed to start")
		s.toStopped(err, metrics.OutcomeFailed)
		return err
	}

	s.mu.Lock()
	if s.stopRequested || s.state != StateOpening {
		// Stop arrived while the device was opening.
		s.mu.Unlock()
		closeErr := h.Close()
		s.toStopped(closeErr, metrics.OutcomeNormal)
		return closeErr
	}
	s.handle = h
	s.store.SetCapturing(true)
	ev = s.setState(StateCapturing, nil)
	s.mu.Unlock()
	s.publish(ev)

	s.logger.WithField("device", s.cfg.Device).Info("capture started")
	s.wg.Go(func() { s.run(h) })
	return nil
}

func (s *Session) open(ctx context.Context) (backend.Handle, error) {
	name := s.backend.Name()
	schema, err := s.backend.Schema()
	if err != nil {
		return nil, core.NewOptionQueryError(name, err)
	}
	opts, err := backend.Resolve(schema, s.cfg.Options)
	if err != nil {
		return nil, err
	}
	h, err := s.backend.Open(ctx, s.cfg.Device, opts)
	if err != nil {
		return nil, core.NewDeviceOpenError(name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, multierr.Append(core.NewDeviceOpenError(name, err), h.Close())
	}
	return h, nil
}

// run is the capture goroutine, the only writer of the store while the
// session is capturing.
func (s *Session) run(h backend.Handle) {
	var code int
	var err error
	var pc panics.Catcher
	pc.Try(func() { code, err = h.Start(s.onFrame) })
	if r := pc.Recovered(); r != nil {
		code, err = -1, r.AsError()
		s.logger.WithField("stack", string(r.Stack)).Error("backend panicked during capture")
	}

	s.mu.Lock()
	if s.state == StateCapturing {
		ev := s.setState(StateStopping, nil)
		s.mu.Unlock()
		s.publish(ev)
	} else {
		s.mu.Unlock()
	}

	s.closeGate()
	closeErr := s.closeHandle()

	var reason error
	outcome := metrics.OutcomeNormal
	if code != backend.StopNormal || err != nil {
		reason = &core.CaptureStopError{Backend: s.backend.Name(), Code: code, Err: err}
		outcome = metrics.OutcomeAbnormal
	}
	s.toStopped(multierr.Append(reason, closeErr), outcome)
}

func (s *Session) onFrame(ts time.Duration, data []byte) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if s.gateClosed {
		s.late.Add(1)
		metrics.LateFramesTotal.WithLabelValues(s.backend.Name()).Inc()
		return
	}
	s.frames.Add(1)
	s.bytes.Add(uint64(len(data)))
	metrics.FramesTotal.WithLabelValues(s.backend.Name()).Inc()
	metrics.FrameBytesTotal.WithLabelValues(s.backend.Name()).Add(float64(len(data)))

	s.append(s.dec.Decode(ts, data))
}

// append must be called with frameMu held.
func (s *Session) append(pkts []core.Packet) {
	for _, p := range pkts {
		s.store.Append(p)
	}
	s.packets.Add(uint64(len(pkts)))
}

// closeGate flushes the decoder and refuses every later frame. It is a
// no-op the second time.
func (s *Session) closeGate() {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if s.gateClosed {
		return
	}
	s.gateClosed = true
	s.append(s.dec.Flush())
}

func (s *Session) closeHandle() error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	s.closeOnce.Do(func() { s.closeErr = h.Close() })
	return s.closeErr
}

// toStopped performs the final transition once. It reports whether this
// call made it.
func (s *Session) toStopped(reason error, outcome string) bool {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return false
	}
	ev := s.setState(StateStopped, reason)
	s.store.SetCapturing(false)
	s.mu.Unlock()
	defer close(s.done)

	metrics.SessionsActive.Dec()
	metrics.CaptureStopsTotal.WithLabelValues(s.backend.Name(), outcome).Inc()
	entry := s.logger.WithField("frames", s.frames.Load()).WithField("packets", s.packets.Load())
	if reason != nil {
		entry.WithError(reason).Warn("capture stopped")
	} else {
		entry.Info("capture stopped")
	}
	s.publish(ev)
	return true
}

// Stop ends the capture and returns once the backend handle is released and
// no further frame can be decoded. It is a no-op from StateIdle and
// StateStopped. If the backend does not return within the grace period, or
// ctx ends first, the stop is forced: the frame gate closes, the handle is
// closed, and the session stops with a forced CaptureStopError.
//
// The returned error is the stop reason when this call stopped the session.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateStopped:
		s.mu.Unlock()
		return nil
	case StateOpening:
		s.stopRequested = true
		s.mu.Unlock()
	case StateCapturing:
		ev := s.setState(StateStopping, nil)
		h := s.handle
		s.mu.Unlock()
		s.publish(ev)
		s.logger.Info("stopping capture")
		h.Stop()
	default:
		s.mu.Unlock()
	}

	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-s.done:
		_, reason := s.State()
		return reason
	case <-timer.C:
		return s.forceStop(nil)
	case <-ctx.Done():
		return s.forceStop(ctx.Err())
	}
}

func (s *Session) forceStop(cause error) error {
	s.closeGate()
	closeErr := s.closeHandle()
	reason := multierr.Append(&core.CaptureStopError{
		Backend: s.backend.Name(),
		Forced:  true,
		Grace:   s.cfg.StopGrace,
		Err:     cause,
	}, closeErr)
	if !s.toStopped(reason, metrics.OutcomeForced) {
		// The capture goroutine finished in the meantime.
		_, reason = s.State()
	}
	return reason
}

// Wait blocks until the session stops or ctx ends, and returns the stop
// reason.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		_, reason := s.State()
		return reason
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join waits for the capture goroutine to exit. After a forced stop it may
// not return until the backend gives up its thread.
func (s *Session) Join() {
	s.wg.Wait()
}
