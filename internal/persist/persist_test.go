package persist

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/usbview/internal/core"
)

func samplePackets(n int) []core.Packet {
	out := make([]core.Packet, 0, n)
	for i := 0; i < n; i++ {
		p := core.Packet{
			ID:        uint64(i + 1),
			Timestamp: time.Duration(i*125) * time.Microsecond,
			Speed:     core.SpeedHigh,
		}
		switch i % 4 {
		case 0:
			p.Type, p.PID, p.FrameNumber = core.TypeSOF, core.PIDSOF, uint16(i%2048)
		case 1:
			p.Type, p.PID, p.Address, p.Endpoint = core.TypeIn, core.PIDIn, 5, core.NewEndpoint(2, core.DirIn)
		case 2:
			p.Type, p.PID, p.Address, p.Endpoint, p.Toggle = core.TypeData, core.PIDData1, 5, core.NewEndpoint(2, core.DirIn), 1
			p.Length = 6
			p = p.WithPayload([]byte{1, 2, 3, byte(i), 0xAA, 0xBB})
		default:
			p.Type, p.PID, p.Address, p.Endpoint, p.Flags = core.TypeAck, core.PIDAck, 5, core.NewEndpoint(2, core.DirIn), core.FlagRetry
		}
		out = append(out, p)
	}
	return out
}

func record(t *testing.T, path string, packets []core.Packet) {
	t.Helper()
	r, err := Create(path, 1000)
	require.NoError(t, err)
	for _, p := range packets {
		require.NoError(t, r.Write(p))
	}
	require.NoError(t, r.Close())
	assert.Equal(t, uint64(len(packets)), r.Written())
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.upv")
	want := samplePackets(50)
	record(t, path, want)

	res, err := Read(context.Background(), path)
	require.NoError(t, err)
	assert.NoError(t, res.Warning())
	assert.Equal(t, 50, res.Total)
	assert.Equal(t, 50, res.Parsed)
	assert.Equal(t, uint32(1000), res.Header.MaxDisplay)
	assert.Equal(t, want, res.Packets)
}

func TestTruncatedLastRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.upv")
	record(t, path, samplePackets(10))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	res, err := Read(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, res.Packets, 9)
	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 9, res.Parsed)
	assert.Equal(t, 1, res.Skipped())

	var rerr *core.PersistenceReadError
	require.ErrorAs(t, res.Warning(), &rerr)
	assert.Equal(t, 1, rerr.Skipped)
	assert.ErrorIs(t, res.Warning(), core.ErrPersistenceRead)
}

func TestMalformedRecordIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Header{Version: Version}.marshal())
	pkts := samplePackets(3)
	buf.Write(AppendRecord(nil, pkts[0]))
	buf.Write([]byte{2, 0x18, 0x7F}) // type 127 is out of range
	buf.Write(AppendRecord(nil, pkts[2]))

	var got []core.Packet
	_, st, err := Scan(context.Background(), &buf, func(p core.Packet) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Parsed: 2}, st)
	assert.Equal(t, []core.Packet{pkts[0], pkts[2]}, got)
}

func TestUnknownFieldsAreIgnored(t *testing.T) {
	p := samplePackets(3)[2]
	body := marshalPacket(nil, p)
	body = append(body, 0xA8, 0x01, 0x05) // field 21, varint 5

	got, err := unmarshalPacket(body)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.upv")
	require.NoError(t, os.WriteFile(path, []byte("PCAPxxxxxxxxxxxx"), 0o644))

	_, err := Read(context.Background(), path)
	assert.ErrorIs(t, err, core.ErrBadHeader)
	assert.ErrorIs(t, err, core.ErrPersistenceRead)

	future := Header{Version: Version + 1}.marshal()
	require.NoError(t, os.WriteFile(path, future, 0o644))
	_, err = Read(context.Background(), path)
	assert.ErrorIs(t, err, core.ErrUnsupportedFile)
}

func TestReadCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.upv")
	record(t, path, samplePackets(5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Read(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAppendTruncatesTornRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.upv")
	pkts := samplePackets(8)
	record(t, path, pkts[:5])

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	torn := AppendRecord(nil, pkts[5])
	_, err = f.Write(torn[:len(torn)-2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := OpenAppend(path)
	require.NoError(t, err)
	for _, p := range pkts[5:] {
		require.NoError(t, r.Write(p))
	}
	require.NoError(t, r.Close())

	res, err := Read(context.Background(), path)
	require.NoError(t, err)
	assert.NoError(t, res.Warning())
	assert.Equal(t, pkts, res.Packets)
}

func TestWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.upv")
	r, err := Create(path, 10)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	err = r.Write(samplePackets(1)[0])
	assert.ErrorIs(t, err, core.ErrPersistenceWrite)
	assert.True(t, errors.Is(err, os.ErrClosed))
	assert.Equal(t, uint64(1), r.Failed())
}

func TestWriteAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.upv")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	want := samplePackets(20)

	n, err := WriteAll(context.Background(), path, Header{MaxDisplay: 20}, slices.Values(want))
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	res, err := Read(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, want, res.Packets)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file is renamed into place")
}

func TestWriteAllCancelledKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.upv")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WriteAll(ctx, path, Header{}, slices.Values(samplePackets(5)))
	assert.ErrorIs(t, err, context.Canceled)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWritePcap(t *testing.T) {
	var buf bytes.Buffer
	pkts := samplePackets(4)
	n, err := WritePcap(&buf, slices.Values(pkts))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	raw := buf.Bytes()
	assert.Equal(t, []byte{0x20, 0x01, 0, 0}, raw[20:24], "LINKTYPE_USB_2_0")

	r, err := pcapgo.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	for _, p := range pkts {
		data, ci, err := r.ReadPacketData()
		require.NoError(t, err)
		assert.Equal(t, append([]byte{p.PID}, p.Payload()...), data)
		assert.Equal(t, p.Timestamp, ci.Timestamp.Sub(pcapEpoch))
	}
}

func TestExportPcap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcap")
	n, err := ExportPcap(path, slices.Values(samplePackets(3)))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(24))
}
