// Package console implements a store sink that prints packets, one per line,
// for following a capture from a terminal.
package console

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/internal/metrics"
	"firestige.xyz/usbview/internal/sink"
)

const Name = "console"

// Config represents console sink configuration.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Format  string `mapstructure:"format"`  // "json" or "text", default "text"
	Payload string `mapstructure:"payload"` // hex, array or text
}

func DefaultConfig() Config {
	return Config{Format: "text", Payload: string(core.FormatHex)}
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Format != "json" && c.Format != "text" {
		return fmt.Errorf("invalid format %q, must be json or text", c.Format)
	}
	if c.Payload == "" {
		c.Payload = string(core.FormatHex)
	}
	if _, err := core.ParsePayloadFormat(c.Payload); err != nil {
		return err
	}
	return nil
}

// Sink writes packets to a writer.
type Sink struct {
	format  string
	payload core.PayloadFormat

	mu  sync.Mutex
	out io.Writer
	buf []byte

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// New creates a sink writing to out, or to stdout when out is nil.
func New(cfg Config, out io.Writer) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stdout
	}
	return &Sink{
		format:  cfg.Format,
		payload: core.PayloadFormat(cfg.Payload),
		out:     out,
	}, nil
}

func (s *Sink) Consume(p core.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = s.buf[:0]
	if s.format == "json" {
		b, err := json.Marshal(sink.NewRecord(p, s.payload))
		if err != nil {
			s.fail(err)
			return
		}
		s.buf = append(s.buf, b...)
	} else {
		s.buf = fmt.Appendf(s.buf, "%s %-10s %-6s addr=%-3d ep=%-6s len=%-4d %s",
			core.FormatTimestamp(p.Timestamp), p.Type, core.PIDName(p.PID),
			p.Address, p.Endpoint, p.Length, p.Info())
		if p.Length > 0 {
			s.buf = append(s.buf, "  "...)
			s.buf = append(s.buf, core.FormatPayload(p.Payload(), s.payload)...)
		}
	}
	s.buf = append(s.buf, '\n')

	if _, err := s.out.Write(s.buf); err != nil {
		s.fail(err)
		return
	}
	s.reportedCount.Add(1)
}

func (s *Sink) fail(err error) {
	if s.errorCount.Add(1) == 1 {
		log.GetLogger().WithField("sink", Name).WithError(err).Warn("console write failed")
	}
	metrics.SinkErrorsTotal.WithLabelValues(Name).Inc()
}

// Reported returns the number of packets written.
func (s *Sink) Reported() uint64 { return s.reportedCount.Load() }

// Errors returns the number of packets that could not be written.
func (s *Sink) Errors() uint64 { return s.errorCount.Load() }

// Close logs the totals. The writer is not closed.
func (s *Sink) Close() error {
	log.GetLogger().WithField("sink", Name).
		WithField("total_reported", s.reportedCount.Load()).
		WithField("total_errors", s.errorCount.Load()).
		Info("console sink stopped")
	return nil
}
