package console

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/sink"
)

func dataPacket() core.Packet {
	return core.Packet{
		ID:        3,
		Timestamp: 2*time.Second + 5*time.Microsecond,
		Type:      core.TypeData,
		PID:       core.PIDData0,
		Address:   5,
		Endpoint:  core.NewEndpoint(1, core.DirIn),
		Length:    4,
	}.WithPayload([]byte{0xDE, 0xAD, 0x12, 0x34})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty uses defaults", cfg: Config{}},
		{name: "json", cfg: Config{Format: "json", Payload: "array"}},
		{name: "invalid format", cfg: Config{Format: "xml"}, wantErr: true},
		{name: "invalid payload", cfg: Config{Payload: "base64"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, tt.cfg.Format)
			assert.NotEmpty(t, tt.cfg.Payload)
		})
	}
}

func TestTextOutput(t *testing.T) {
	var out bytes.Buffer
	s, err := New(Config{Format: "text", Payload: "text"}, &out)
	require.NoError(t, err)

	s.Consume(dataPacket())
	s.Consume(core.Packet{ID: 4, Type: core.TypeAck, PID: core.PIDAck})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "2.000005 Data"))
	assert.Contains(t, lines[0], "DATA0")
	assert.True(t, strings.HasSuffix(lines[0], "DEAD1234"))
	assert.Contains(t, lines[1], "ACK")
	assert.EqualValues(t, 2, s.Reported())
}

func TestJSONOutput(t *testing.T) {
	var out bytes.Buffer
	s, err := New(Config{Format: "json"}, &out)
	require.NoError(t, err)

	s.Consume(dataPacket())
	var r sink.Record
	require.NoError(t, json.Unmarshal(out.Bytes(), &r))
	assert.EqualValues(t, 3, r.ID)
	assert.Equal(t, "DE AD 12 34", r.Payload)
	assert.Equal(t, "IN", r.Direction)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteFailureCounted(t *testing.T) {
	s, err := New(DefaultConfig(), failingWriter{})
	require.NoError(t, err)
	s.Consume(dataPacket())
	s.Consume(dataPacket())
	assert.EqualValues(t, 0, s.Reported())
	assert.EqualValues(t, 2, s.Errors())
	assert.NoError(t, s.Close())
}
