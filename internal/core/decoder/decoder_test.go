package decoder

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/pkg/backend"
)

func token(pid byte, addr, ep uint8) []byte {
	return backend.EncodeFrame(pid, core.SpeedFull, false, 2, backend.TokenBody(addr, ep))
}

func sof(frame uint16) []byte {
	return backend.EncodeFrame(core.PIDSOF, core.SpeedFull, false, 2, backend.SOFBody(frame))
}

func data(pid byte, payload []byte) []byte {
	body := backend.DataBody(payload)
	return backend.EncodeFrame(pid, core.SpeedFull, false, len(body), body)
}

func handshake(pid byte) []byte {
	return backend.EncodeFrame(pid, core.SpeedFull, false, 0, nil)
}

// feed decodes frames 1µs apart and collects every emitted packet.
func feed(d *Decoder, frames ...[]byte) []core.Packet {
	var out []core.Packet
	for i, f := range frames {
		out = append(out, d.Decode(time.Duration(i+1)*time.Microsecond, f)...)
	}
	return out
}

func types(pkts []core.Packet) []core.PacketType {
	out := make([]core.PacketType, len(pkts))
	for i, p := range pkts {
		out[i] = p.Type
	}
	return out
}

func TestDecodeTransaction(t *testing.T) {
	d := New(Config{})
	pkts := feed(d,
		sof(100),
		token(core.PIDOut, 5, 2),
		data(core.PIDData0, []byte{1, 2, 3, 4}),
		handshake(core.PIDAck),
	)

	require.Len(t, pkts, 4)
	assert.Equal(t, []core.PacketType{core.TypeSOF, core.TypeOut, core.TypeData, core.TypeAck}, types(pkts))
	assert.Equal(t, uint16(100), pkts[0].FrameNumber)

	for _, p := range pkts[1:] {
		assert.Equal(t, uint8(5), p.Address)
		assert.Equal(t, uint8(2), p.Endpoint.Number())
		assert.Equal(t, core.DirOut, p.Endpoint.Direction())
		assert.False(t, p.Flags.Has(core.FlagWild))
	}
	assert.Equal(t, 6, pkts[2].Length)
	assert.Equal(t, backend.DataBody([]byte{1, 2, 3, 4}), pkts[2].Payload())
	assert.Equal(t, "DATA0 4 bytes", pkts[2].Info())
}

func TestDecodeInTokenDirection(t *testing.T) {
	d := New(Config{})
	pkts := feed(d, token(core.PIDIn, 3, 1), data(core.PIDData1, []byte{9}), handshake(core.PIDAck))

	require.Len(t, pkts, 3)
	assert.Equal(t, core.TypeIn, pkts[0].Type)
	assert.Equal(t, core.DirIn, pkts[1].Endpoint.Direction())
	assert.Equal(t, uint8(1), pkts[1].Toggle)
}

func TestDecodeRetryAfterAck(t *testing.T) {
	d := New(Config{})
	pkts := feed(d,
		token(core.PIDOut, 5, 2), data(core.PIDData0, []byte{1}), handshake(core.PIDAck),
		token(core.PIDOut, 5, 2), data(core.PIDData0, []byte{1}), handshake(core.PIDAck),
	)

	require.Len(t, pkts, 6)
	assert.False(t, pkts[1].Flags.Has(core.FlagRetry))
	assert.True(t, pkts[4].Flags.Has(core.FlagRetry))
	assert.Contains(t, pkts[4].Info(), "retry")
}

func TestDecodeNakDoesNotCommitToggle(t *testing.T) {
	d := New(Config{})
	pkts := feed(d,
		token(core.PIDOut, 5, 2), data(core.PIDData0, []byte{1}), handshake(core.PIDAck),
		token(core.PIDOut, 5, 2), data(core.PIDData1, []byte{2}), handshake(core.PIDNak),
		token(core.PIDOut, 5, 2), data(core.PIDData1, []byte{2}), handshake(core.PIDAck),
	)

	require.Len(t, pkts, 9)
	assert.Equal(t, core.TypeNak, pkts[5].Type)
	assert.False(t, pkts[7].Flags.Has(core.FlagRetry), "DATA1 after NAK is not a retry of an acknowledged packet")
}

func TestDecodeSetupResetsToggle(t *testing.T) {
	d := New(Config{})
	pkts := feed(d,
		token(core.PIDSetup, 1, 0), data(core.PIDData0, make([]byte, 8)), handshake(core.PIDAck),
		token(core.PIDSetup, 1, 0), data(core.PIDData0, make([]byte, 8)), handshake(core.PIDAck),
	)

	require.Len(t, pkts, 6)
	assert.Equal(t, core.TypeSetup, pkts[3].Type)
	assert.False(t, pkts[4].Flags.Has(core.FlagRetry))
}

func TestDecodeIncompleteBeforeSOF(t *testing.T) {
	d := New(Config{})
	body := bytes.Repeat([]byte{0xAB}, 40)

	first := d.Decode(1*time.Microsecond, sof(1))
	require.Len(t, first, 1)

	second := d.Decode(2*time.Microsecond, backend.EncodeFrame(core.PIDData0, core.SpeedFull, false, 64, body))
	assert.Empty(t, second, "a short packet stays pending until a boundary")

	third := d.Decode(3*time.Microsecond, sof(2))
	require.Len(t, third, 2)
	assert.Equal(t, core.TypeIncomplete, third[0].Type)
	assert.Equal(t, 40, third[0].Length)
	assert.Equal(t, 2*time.Microsecond, third[0].Timestamp)
	assert.Equal(t, body, third[0].Payload())
	assert.Equal(t, core.TypeSOF, third[1].Type)
	assert.Equal(t, uint16(2), third[1].FrameNumber)
}

func TestDecodeContinuationCompletesPacket(t *testing.T) {
	d := New(Config{})
	body := backend.DataBody([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	pkts := feed(d,
		token(core.PIDIn, 7, 1),
		backend.EncodeFrame(core.PIDData1, core.SpeedHigh, false, len(body), body[:4]),
		backend.EncodeContinuation(body[4:]),
		handshake(core.PIDAck),
	)

	require.Len(t, pkts, 3)
	assert.Equal(t, core.TypeData, pkts[1].Type)
	assert.Equal(t, len(body), pkts[1].Length)
	assert.Equal(t, body, pkts[1].Payload())
	assert.Equal(t, 2*time.Microsecond, pkts[1].Timestamp, "packet keeps the timestamp of its first frame")
	assert.Equal(t, uint8(7), pkts[1].Address)
}

func TestDecodeIncompleteDoesNotPairWithAck(t *testing.T) {
	d := New(Config{})
	pkts := feed(d,
		token(core.PIDOut, 2, 1),
		backend.EncodeFrame(core.PIDData0, core.SpeedFull, false, 20, []byte{1, 2}),
		handshake(core.PIDAck),
		token(core.PIDOut, 2, 1),
		data(core.PIDData0, []byte{1}),
	)

	require.Len(t, pkts, 5)
	assert.Equal(t, core.TypeIncomplete, pkts[1].Type)
	assert.Equal(t, uint8(2), pkts[1].Address)
	assert.Equal(t, core.TypeAck, pkts[2].Type)
	assert.False(t, pkts[4].Flags.Has(core.FlagRetry))
}

func TestFlushEmitsPending(t *testing.T) {
	d := New(Config{})
	assert.Empty(t, d.Decode(0, backend.EncodeFrame(core.PIDData1, core.SpeedFull, false, 64, []byte{1, 2, 3})))

	pkts := d.Flush()
	require.Len(t, pkts, 1)
	assert.Equal(t, core.TypeIncomplete, pkts[0].Type)
	assert.Equal(t, 3, pkts[0].Length)
	assert.Empty(t, d.Flush())
}

func TestDecodeUnknownIdentifiers(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"bad check nibble", backend.EncodeFrame(0x12, core.SpeedFull, false, 1, []byte{0xFF})},
		{"reserved pid", backend.EncodeFrame(0xF0, core.SpeedFull, false, 0, nil)},
		{"split", backend.EncodeFrame(core.PIDSplit, core.SpeedHigh, false, 3, []byte{1, 2, 3})},
		{"short frame", []byte{core.PIDAck, 0}},
		{"empty frame", nil},
		{"stray continuation", backend.EncodeContinuation([]byte{1})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkts := New(Config{}).Decode(0, tt.frame)
			require.Len(t, pkts, 1)
			assert.Equal(t, core.TypeUnknown, pkts[0].Type)
		})
	}
}

func TestDecodeWildHandshake(t *testing.T) {
	pkts := New(Config{}).Decode(0, handshake(core.PIDAck))
	require.Len(t, pkts, 1)
	assert.Equal(t, core.TypeAck, pkts[0].Type)
	assert.True(t, pkts[0].Flags.Has(core.FlagWild))
	assert.Equal(t, "ACK, wild packet", pkts[0].Info())
}

func TestDecodeIsoAndError(t *testing.T) {
	d := New(Config{})
	pkts := feed(d,
		token(core.PIDIn, 4, 3),
		data(core.PIDData2, []byte{1, 2}),
		backend.EncodeFrame(core.PIDErr, core.SpeedHigh, false, 0, nil),
		backend.EncodeFrame(core.PIDData0, core.SpeedHigh, true, 3, []byte{1, 2, 3}),
	)

	require.Len(t, pkts, 4)
	assert.Equal(t, core.TypeIso, pkts[1].Type)
	assert.Equal(t, uint8(2), pkts[1].Toggle)
	assert.Equal(t, core.TypeError, pkts[2].Type)
	assert.Equal(t, core.TypeError, pkts[3].Type)
	assert.True(t, pkts[3].Flags.Has(core.FlagHardwareError))
}

func TestDecodeClampsTimestamps(t *testing.T) {
	d := New(Config{})
	a := d.Decode(100*time.Microsecond, sof(1))
	b := d.Decode(50*time.Microsecond, sof(2))
	c := d.Decode(1500*time.Nanosecond+200*time.Microsecond, sof(3))

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	require.Len(t, c, 1)
	assert.Equal(t, 100*time.Microsecond, b[0].Timestamp)
	assert.Equal(t, 201*time.Microsecond, c[0].Timestamp)
}

func TestDecodeUnknownSpeedMapping(t *testing.T) {
	d := New(Config{UnknownSpeedAs: core.SpeedHigh})
	pkts := d.Decode(0, backend.EncodeFrame(core.PIDAck, core.SpeedUnknown, false, 0, nil))
	require.Len(t, pkts, 1)
	assert.Equal(t, core.SpeedHigh, pkts[0].Speed)

	pkts = d.Decode(0, backend.EncodeFrame(core.PIDAck, core.SpeedLow, false, 0, nil))
	require.Len(t, pkts, 1)
	assert.Equal(t, core.SpeedLow, pkts[0].Speed)
}

func TestDecodeVerifyCRC(t *testing.T) {
	d := New(Config{VerifyCRC: true})

	good := d.Decode(0, token(core.PIDIn, 9, 4))
	require.Len(t, good, 1)
	assert.Equal(t, core.TypeIn, good[0].Type)

	bad := token(core.PIDIn, 9, 4)
	bad[len(bad)-1] ^= 0x80 // flip a CRC5 bit
	pkts := d.Decode(0, bad)
	require.Len(t, pkts, 1)
	assert.Equal(t, core.TypeError, pkts[0].Type)
	assert.True(t, pkts[0].Flags.Has(core.FlagCRC))

	corrupt := data(core.PIDData0, []byte{1, 2, 3})
	corrupt[backend.FrameHeaderLen] ^= 0xFF
	pkts = d.Decode(0, corrupt)
	require.Len(t, pkts, 1)
	assert.Equal(t, core.TypeError, pkts[0].Type)
}

func TestResetClearsState(t *testing.T) {
	d := New(Config{})
	feed(d, token(core.PIDOut, 5, 2), backend.EncodeFrame(core.PIDData0, core.SpeedFull, false, 10, nil))
	d.Reset()

	assert.Empty(t, d.Flush())
	pkts := d.Decode(0, handshake(core.PIDAck))
	require.Len(t, pkts, 1)
	assert.True(t, pkts[0].Flags.Has(core.FlagWild))
}

func BenchmarkDecodeTransaction(b *testing.B) {
	d := New(Config{})
	frames := [][]byte{
		token(core.PIDOut, 5, 2),
		data(core.PIDData0, make([]byte, 64)),
		handshake(core.PIDAck),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, f := range frames {
			d.Decode(time.Duration(i), f)
		}
	}
}
