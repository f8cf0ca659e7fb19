package core

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Packet is one decoded protocol-level transfer unit. It is immutable once
// created; the payload is only reachable through copies.
type Packet struct {
	ID          uint64
	Timestamp   time.Duration // Microsecond resolution
	Type        PacketType
	PID         byte
	Toggle      uint8 // 0/1 for DATA0/DATA1, 2 for DATA2, 3 for MDATA
	Speed       Speed
	Address     uint8
	Endpoint    Endpoint
	FrameNumber uint16 // SOF only
	Flags       Flags
	Length      int // Body bytes actually received

	payload []byte
}

// WithPayload returns a copy of p holding its own copy of b.
func (p Packet) WithPayload(b []byte) Packet {
	if len(b) == 0 {
		p.payload = nil
	} else {
		p.payload = bytes.Clone(b)
	}
	return p
}

// Payload returns a copy of the packet body.
func (p Packet) Payload() []byte {
	return bytes.Clone(p.payload)
}

// AppendPayload appends the packet body to dst.
func (p Packet) AppendPayload(dst []byte) []byte {
	return append(dst, p.payload...)
}

// Info renders the human readable summary. It is derived from the other
// fields and never stored.
func (p Packet) Info() string {
	var b strings.Builder
	switch p.Type {
	case TypeSOF:
		fmt.Fprintf(&b, "Frame %d", p.FrameNumber)
	case TypeSetup, TypeIn, TypeOut, TypePing:
		fmt.Fprintf(&b, "%s Addr %d EP %d", PIDName(p.PID), p.Address, p.Endpoint.Number())
	case TypeData, TypeIso:
		fmt.Fprintf(&b, "%s %d bytes", PIDName(p.PID), dataLen(p.Length))
		if p.Flags.Has(FlagRetry) {
			b.WriteString(", retry")
		}
	case TypeAck, TypeNak, TypeStall:
		b.WriteString(PIDName(p.PID))
	case TypeError:
		switch {
		case p.Flags.Has(FlagHardwareError):
			fmt.Fprintf(&b, "%s, hardware error", PIDName(p.PID))
		case p.Flags.Has(FlagCRC):
			fmt.Fprintf(&b, "%s, CRC error", PIDName(p.PID))
		default:
			b.WriteString(PIDName(p.PID))
		}
	case TypeIncomplete:
		fmt.Fprintf(&b, "%s incomplete, %d bytes received", PIDName(p.PID), p.Length)
	default:
		if p.PID == 0x00 {
			b.WriteString("stray continuation")
		} else {
			b.WriteString(PIDName(p.PID))
		}
	}
	if p.Flags.Has(FlagWild) {
		b.WriteString(", wild packet")
	}
	return b.String()
}

func (p Packet) String() string {
	return fmt.Sprintf("#%d %s %s addr=%d ep=%s len=%d %s",
		p.ID, FormatTimestamp(p.Timestamp), p.Type, p.Address, p.Endpoint, p.Length, p.Info())
}

// dataLen strips the CRC16 trailer from a data body length.
func dataLen(n int) int {
	if n < 2 {
		return 0
	}
	return n - 2
}

// FormatTimestamp renders a capture offset as seconds.microseconds.
func FormatTimestamp(ts time.Duration) string {
	us := ts.Microseconds()
	return fmt.Sprintf("%d.%06d", us/1_000_000, us%1_000_000)
}
