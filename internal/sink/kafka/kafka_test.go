package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/sink"
)

type fakeWriter struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	batches int
	err     error
	block   chan struct{}
	closed  bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches++
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Brokers = []string{"localhost:9092"}
	cfg.Topic = "usb-packets"
	return cfg
}

func packet(id uint64) core.Packet {
	return core.Packet{
		ID:       id,
		Type:     core.TypeIn,
		PID:      core.PIDIn,
		Speed:    core.SpeedFull,
		Address:  5,
		Endpoint: core.NewEndpoint(2, core.DirIn),
		Length:   2,
	}.WithPayload([]byte{0x85, 0x58})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid minimal config", mutate: func(*Config) {}},
		{name: "missing brokers", mutate: func(c *Config) { c.Brokers = nil }, wantErr: true},
		{name: "missing topic", mutate: func(c *Config) { c.Topic = "" }, wantErr: true},
		{name: "gzip", mutate: func(c *Config) { c.Compression = "gzip" }},
		{name: "no compression", mutate: func(c *Config) { c.Compression = "none" }},
		{name: "invalid compression", mutate: func(c *Config) { c.Compression = "invalid" }, wantErr: true},
		{name: "invalid payload", mutate: func(c *Config) { c.Payload = "octal" }, wantErr: true},
		{name: "zero sizes get defaults", mutate: func(c *Config) { c.BatchSize, c.QueueSize = 0, 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Positive(t, cfg.BatchSize)
			assert.Positive(t, cfg.QueueSize)
		})
	}
}

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(testConfig(), w)
	for i := range 10 {
		s.Consume(packet(uint64(i + 1)))
	}
	require.NoError(t, s.Close())

	assert.True(t, w.closed)
	require.Len(t, w.msgs, 10)
	assert.EqualValues(t, 10, s.Reported())
	assert.Equal(t, "5:2", string(w.msgs[0].Key))
	assert.Equal(t, "In", string(w.msgs[0].Headers[0].Value))

	var r sink.Record
	require.NoError(t, json.Unmarshal(w.msgs[9].Value, &r))
	assert.EqualValues(t, 10, r.ID)
	assert.Equal(t, "85 58", r.Payload)
}

func TestConsumeDoesNotBlockWhenQueueFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 2
	cfg.BatchSize = 1
	s := newSink(cfg, w)

	done := make(chan struct{})
	go func() {
		for i := range 50 {
			s.Consume(packet(uint64(i + 1)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume blocked")
	}
	close(w.block)
	require.NoError(t, s.Close())

	assert.Positive(t, s.Dropped())
	assert.EqualValues(t, 50, s.Reported()+s.Dropped())
}

func TestWriteErrorsCounted(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	s := newSink(testConfig(), w)
	s.Consume(packet(1))
	s.Consume(packet(2))
	require.NoError(t, s.Close())

	assert.EqualValues(t, 0, s.Reported())
	assert.EqualValues(t, 2, s.Errors())
}

func TestConsumeAfterClose(t *testing.T) {
	s := newSink(testConfig(), &fakeWriter{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	s.Consume(packet(1))
	assert.EqualValues(t, 1, s.Dropped())
}
