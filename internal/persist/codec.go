// Package persist reads and writes capture files.
//
// A file is a fixed header followed by length-prefixed records:
//
//	"UPVR" | version u16 | reserved u16 | max display count u32   (little endian)
//	varint(len) | body                                            (repeated)
//
// Record bodies use protobuf wire encoding, so readers skip fields they do
// not know and writers may omit zero fields.
package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/usbview/internal/core"
)

const (
	Magic   = "UPVR"
	Version = 1

	HeaderLen = 12

	// maxRecordLen bounds a record body. A larger length prefix means the
	// framing is lost.
	maxRecordLen = 1 << 20
)

// Record body field numbers.
const (
	fieldID          protowire.Number = 1
	fieldTimestamp   protowire.Number = 2
	fieldType        protowire.Number = 3
	fieldPID         protowire.Number = 4
	fieldAddress     protowire.Number = 5
	fieldEndpoint    protowire.Number = 6
	fieldLength      protowire.Number = 7
	fieldPayload     protowire.Number = 8
	fieldSpeed       protowire.Number = 9
	fieldToggle      protowire.Number = 10
	fieldFlags       protowire.Number = 11
	fieldFrameNumber protowire.Number = 12
)

var errMalformed = errors.New("malformed record")

// Header is the file header.
type Header struct {
	Version    uint16
	MaxDisplay uint32
}

func (h Header) marshal() []byte {
	b := make([]byte, HeaderLen)
	copy(b, Magic)
	binary.LittleEndian.PutUint16(b[4:], h.Version)
	binary.LittleEndian.PutUint32(b[8:], h.MaxDisplay)
	return b
}

func readHeader(r io.Reader) (Header, error) {
	var b [HeaderLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, core.ErrBadHeader
		}
		return Header{}, err
	}
	if string(b[:4]) != Magic {
		return Header{}, core.ErrBadHeader
	}
	h := Header{
		Version:    binary.LittleEndian.Uint16(b[4:]),
		MaxDisplay: binary.LittleEndian.Uint32(b[8:]),
	}
	if h.Version == 0 || h.Version > Version {
		return h, fmt.Errorf("%w: version %d", core.ErrUnsupportedFile, h.Version)
	}
	return h, nil
}

// AppendRecord appends the framed record for p to dst.
func AppendRecord(dst []byte, p core.Packet) []byte {
	body := marshalPacket(nil, p)
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

func marshalPacket(b []byte, p core.Packet) []byte {
	varint := func(n protowire.Number, v uint64) {
		if v != 0 {
			b = protowire.AppendTag(b, n, protowire.VarintType)
			b = protowire.AppendVarint(b, v)
		}
	}
	varint(fieldID, p.ID)
	varint(fieldTimestamp, uint64(p.Timestamp.Microseconds()))
	varint(fieldType, uint64(p.Type))
	varint(fieldPID, uint64(p.PID))
	varint(fieldAddress, uint64(p.Address))
	varint(fieldEndpoint, uint64(p.Endpoint))
	varint(fieldLength, uint64(p.Length))
	if payload := p.AppendPayload(nil); len(payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	varint(fieldSpeed, uint64(p.Speed))
	varint(fieldToggle, uint64(p.Toggle))
	varint(fieldFlags, uint64(p.Flags))
	varint(fieldFrameNumber, uint64(p.FrameNumber))
	return b
}

func unmarshalPacket(b []byte) (core.Packet, error) {
	var p core.Packet
	var payload []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return core.Packet{}, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return core.Packet{}, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			payload = v
			b = b[n:]
		case num >= fieldID && num <= fieldFrameNumber && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return core.Packet{}, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			if err := setField(&p, num, v); err != nil {
				return core.Packet{}, err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return core.Packet{}, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if p.ID == 0 {
		return core.Packet{}, fmt.Errorf("%w: missing id", errMalformed)
	}
	return p.WithPayload(payload), nil
}

func setField(p *core.Packet, num protowire.Number, v uint64) error {
	bounded := func(max uint64) error {
		if v > max {
			return fmt.Errorf("%w: field %d value %d out of range", errMalformed, num, v)
		}
		return nil
	}
	switch num {
	case fieldID:
		p.ID = v
	case fieldTimestamp:
		if err := bounded(uint64(1<<63-1) / uint64(time.Microsecond)); err != nil {
			return err
		}
		p.Timestamp = time.Duration(v) * time.Microsecond
	case fieldType:
		if err := bounded(uint64(core.NumPacketTypes - 1)); err != nil {
			return err
		}
		p.Type = core.PacketType(v)
	case fieldPID:
		if err := bounded(0xFF); err != nil {
			return err
		}
		p.PID = byte(v)
	case fieldAddress:
		if err := bounded(127); err != nil {
			return err
		}
		p.Address = uint8(v)
	case fieldEndpoint:
		if err := bounded(0xFF); err != nil {
			return err
		}
		p.Endpoint = core.Endpoint(v)
	case fieldLength:
		if err := bounded(maxRecordLen); err != nil {
			return err
		}
		p.Length = int(v)
	case fieldSpeed:
		if err := bounded(uint64(core.SpeedSuper)); err != nil {
			return err
		}
		p.Speed = core.Speed(v)
	case fieldToggle:
		if err := bounded(3); err != nil {
			return err
		}
		p.Toggle = uint8(v)
	case fieldFlags:
		if err := bounded(0xFF); err != nil {
			return err
		}
		p.Flags = core.Flags(v)
	case fieldFrameNumber:
		if err := bounded(0x7FF); err != nil {
			return err
		}
		p.FrameNumber = uint16(v)
	}
	return nil
}
