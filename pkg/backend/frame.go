package backend

import (
	"encoding/binary"
	"time"

	"firestige.xyz/usbview/internal/core"
)

// Raw frame layout delivered through FrameFunc:
//
//	offset 0     identifier: USB PID byte, or FrameContinuation
//	offset 1     flags: bits 0-2 speed, bit 3 hardware error
//	offset 2..3  declared body length, little endian
//	offset 4..   body bytes
//
// A frame whose body is shorter than its declared length leaves the packet
// pending; continuation frames append to it.
const (
	FrameHeaderLen     = 4
	FrameContinuation  = 0x00
	FrameSpeedMask     = 0x07
	FrameFlagHardError = 0x08
)

// Frame is a raw frame with its capture offset, used by scripted sources.
type Frame struct {
	Timestamp time.Duration
	Data      []byte
}

// EncodeFrame builds a raw frame. declared may exceed len(body).
func EncodeFrame(pid byte, speed core.Speed, hwErr bool, declared int, body []byte) []byte {
	flags := byte(speed) & FrameSpeedMask
	if hwErr {
		flags |= FrameFlagHardError
	}
	out := make([]byte, FrameHeaderLen, FrameHeaderLen+len(body))
	out[0] = pid
	out[1] = flags
	binary.LittleEndian.PutUint16(out[2:], uint16(declared))
	return append(out, body...)
}

// EncodeContinuation builds a chunk extending the pending packet.
func EncodeContinuation(body []byte) []byte {
	return EncodeFrame(FrameContinuation, core.SpeedUnknown, false, len(body), body)
}

// TokenBody encodes the address, endpoint and CRC5 of a token packet.
func TokenBody(addr, ep uint8) []byte {
	v := uint16(addr&0x7F) | uint16(ep&0x0F)<<7
	v |= uint16(CRC5(v, 11)) << 11
	return binary.LittleEndian.AppendUint16(nil, v)
}

// SOFBody encodes an 11-bit frame number and its CRC5.
func SOFBody(frame uint16) []byte {
	v := frame & 0x7FF
	v |= uint16(CRC5(v, 11)) << 11
	return binary.LittleEndian.AppendUint16(nil, v)
}

// DataBody appends the CRC16 trailer to payload.
func DataBody(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	out = append(out, payload...)
	return binary.LittleEndian.AppendUint16(out, CRC16(payload))
}

// CRC5 computes the USB token CRC over the low n bits of v, LSB first.
func CRC5(v uint16, n int) uint8 {
	crc := uint8(0x1F)
	for i := 0; i < n; i++ {
		bit := uint8(v>>i) & 1
		if (crc&1)^bit != 0 {
			crc = crc>>1 ^ 0x14
		} else {
			crc >>= 1
		}
	}
	return ^crc & 0x1F
}

// CRC16 computes the USB data packet CRC.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}
