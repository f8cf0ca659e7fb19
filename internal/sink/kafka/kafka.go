// Package kafka implements a store sink publishing packets to Kafka.
// Sends JSON records with batching, compression, and retry support.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/sourcegraph/conc"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/internal/metrics"
	"firestige.xyz/usbview/internal/sink"
)

const Name = "kafka"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
	defaultQueueSize    = 4096
)

// Config represents kafka sink configuration.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`       // required
	Topic        string        `mapstructure:"topic"`         // required
	BatchSize    int           `mapstructure:"batch_size"`    // optional, default 100
	BatchTimeout time.Duration `mapstructure:"batch_timeout"` // optional, default 100ms
	Compression  string        `mapstructure:"compression"`   // optional: none|gzip|snappy|lz4, default snappy
	MaxAttempts  int           `mapstructure:"max_attempts"`  // optional, default 3
	QueueSize    int           `mapstructure:"queue_size"`    // optional, default 4096
	Payload      string        `mapstructure:"payload"`       // optional: hex|array|text, default hex
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
		QueueSize:    defaultQueueSize,
		Payload:      string(core.FormatHex),
	}
}

// Validate checks required fields and fills in defaults.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Payload == "" {
		c.Payload = string(core.FormatHex)
	}
	if _, err := core.ParsePayloadFormat(c.Payload); err != nil {
		return err
	}
	_, err := codec(c.Compression)
	return err
}

func codec(name string) (compress.Codec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("invalid compression type: %s", name)
	}
}

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes packets. Consume never blocks the capture goroutine: packets
// are queued and written by a background publisher; a full queue drops the
// packet and counts it as an error.
type Sink struct {
	cfg     Config
	payload core.PayloadFormat
	writer  messageWriter

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	wg     conc.WaitGroup

	// Statistics
	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
	droppedCount  atomic.Uint64

	logger log.Logger
}

// New creates a sink with a kafka-go writer.
func New(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, _ := codec(cfg.Compression)
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{}, // packets of one endpoint stay in order on one partition
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		CompressionCodec: c,
	})
	return newSink(cfg, w), nil
}

func newSink(cfg Config, w messageWriter) *Sink {
	s := &Sink{
		cfg:     cfg,
		payload: core.PayloadFormat(cfg.Payload),
		writer:  w,
		queue:   make(chan kafka.Message, cfg.QueueSize),
		logger:  log.GetLogger().WithField("sink", Name).WithField("topic", cfg.Topic),
	}
	s.wg.Go(s.publish)
	s.logger.WithFields(map[string]interface{}{
		"brokers":       cfg.Brokers,
		"batch_size":    cfg.BatchSize,
		"batch_timeout": cfg.BatchTimeout,
		"compression":   cfg.Compression,
	}).Info("kafka sink started")
	return s
}

// Consume queues p for publishing.
func (s *Sink) Consume(p core.Packet) {
	msg, err := s.message(p)
	if err != nil {
		s.fail(1, fmt.Errorf("serialize packet failed: %w", err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.droppedCount.Add(1)
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.droppedCount.Add(1)
		metrics.SinkErrorsTotal.WithLabelValues(Name).Inc()
	}
}

func (s *Sink) message(p core.Packet) (kafka.Message, error) {
	value, err := json.Marshal(sink.NewRecord(p, s.payload))
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   fmt.Appendf(nil, "%d:%d", p.Address, p.Endpoint.Number()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(p.Type.String())},
			{Key: "speed", Value: []byte(p.Speed.String())},
		},
	}, nil
}

// publish drains the queue in batches until it is closed.
func (s *Sink) publish() {
	batch := make([]kafka.Message, 0, s.cfg.BatchSize)
	for msg := range s.queue {
		batch = append(batch[:0], msg)
	fill:
		for len(batch) < s.cfg.BatchSize {
			select {
			case m, ok := <-s.queue:
				if !ok {
					break fill
				}
				batch = append(batch, m)
			default:
				break fill
			}
		}
		if err := s.writer.WriteMessages(context.Background(), batch...); err != nil {
			s.fail(len(batch), fmt.Errorf("kafka write failed: %w", err))
			continue
		}
		s.reportedCount.Add(uint64(len(batch)))
	}
}

func (s *Sink) fail(n int, err error) {
	if s.errorCount.Add(uint64(n)) == uint64(n) {
		// Only the first failure is logged; the rest show up in metrics.
		s.logger.WithError(err).Error("kafka sink error")
	}
	metrics.SinkErrorsTotal.WithLabelValues(Name).Add(float64(n))
}

func (s *Sink) Reported() uint64 { return s.reportedCount.Load() }

func (s *Sink) Errors() uint64 { return s.errorCount.Load() }

// Dropped returns the packets discarded because the queue was full or the
// sink was closed.
func (s *Sink) Dropped() uint64 { return s.droppedCount.Load() }

// Close flushes queued packets and closes the writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	err := s.writer.Close()
	if err != nil {
		s.logger.WithError(err).Error("error closing kafka writer")
	}
	s.logger.WithFields(map[string]interface{}{
		"total_reported": s.reportedCount.Load(),
		"total_errors":   s.errorCount.Load(),
		"total_dropped":  s.droppedCount.Load(),
	}).Info("kafka sink stopped")
	return err
}
