package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/usbview/internal/core"
)

const (
	// LinkTypeUSB20 is LINKTYPE_USB_2_0: one USB packet per record starting
	// at the PID byte.
	LinkTypeUSB20 = 288

	pcapMagic   = 0xa1b2c3d4
	pcapSnapLen = 65535
)

// pcapEpoch anchors session-relative timestamps in exported files.
var pcapEpoch = time.Unix(0, 0).UTC()

// writePcapHeader writes the classic pcap global header. layers.LinkType is
// eight bits wide in gopacket, too narrow for LINKTYPE_USB_2_0, so the header
// is written here and pcapgo writes the records.
func writePcapHeader(w io.Writer) error {
	var b [24]byte
	binary.LittleEndian.PutUint32(b[0:], pcapMagic)
	binary.LittleEndian.PutUint16(b[4:], 2)
	binary.LittleEndian.PutUint16(b[6:], 4)
	binary.LittleEndian.PutUint32(b[16:], pcapSnapLen)
	binary.LittleEndian.PutUint32(b[20:], LinkTypeUSB20)
	_, err := w.Write(b[:])
	return err
}

// WritePcap writes packets to w as a pcap stream. Each record holds the PID
// byte followed by the packet body.
func WritePcap(w io.Writer, packets iter.Seq[core.Packet]) (int, error) {
	if err := writePcapHeader(w); err != nil {
		return 0, err
	}
	pw := pcapgo.NewWriter(w)
	n := 0
	var data []byte
	for p := range packets {
		data = append(data[:0], p.PID)
		data = p.AppendPayload(data)
		ci := gopacket.CaptureInfo{
			Timestamp:     pcapEpoch.Add(p.Timestamp),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := pw.WritePacket(ci, data); err != nil {
			return n, fmt.Errorf("write packet %d: %w", p.ID, err)
		}
		n++
	}
	return n, nil
}

// ExportPcap writes packets to a pcap file at path.
func ExportPcap(path string, packets iter.Seq[core.Packet]) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, &core.PersistenceWriteError{Path: path, Err: err}
	}
	w := bufio.NewWriter(f)
	n, err := WritePcap(w, packets)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, &core.PersistenceWriteError{Path: path, Err: err}
	}
	return n, nil
}
