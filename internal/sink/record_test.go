package sink

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/usbview/internal/core"
)

func TestNewRecord(t *testing.T) {
	p := core.Packet{
		ID:        7,
		Timestamp: 1500 * time.Millisecond,
		Type:      core.TypeData,
		PID:       core.PIDData1,
		Toggle:    1,
		Speed:     core.SpeedHigh,
		Address:   5,
		Endpoint:  core.NewEndpoint(1, core.DirIn),
		Flags:     core.FlagRetry | core.FlagCRC,
		Length:    4,
	}.WithPayload([]byte{0x01, 0x02, 0xAA, 0xBB})

	r := NewRecord(p, core.FormatHex)
	assert.Equal(t, "1.500000", r.Timestamp)
	assert.EqualValues(t, 1_500_000, r.TimestampUS)
	assert.Equal(t, "Data", r.Type)
	assert.Equal(t, "DATA1", r.PID)
	assert.Equal(t, "IN", r.Direction)
	assert.Equal(t, []string{"retry", "crc"}, r.Flags)
	assert.Equal(t, "01 02 AA BB", r.Payload)
	require.NotNil(t, r.Toggle)
	assert.EqualValues(t, 1, *r.Toggle)
	assert.Nil(t, r.FrameNumber)

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"toggle":1`)
	assert.NotContains(t, string(b), "frame_number")
}

func TestNewRecordSOF(t *testing.T) {
	p := core.Packet{ID: 1, Type: core.TypeSOF, PID: core.PIDSOF, FrameNumber: 0}
	r := NewRecord(p, core.FormatText)
	require.NotNil(t, r.FrameNumber)
	assert.Zero(t, *r.FrameNumber)
	assert.Nil(t, r.Toggle)
	assert.Empty(t, r.Flags)
	assert.Empty(t, r.Payload)
}
