// Package core defines the USB packet model with zero external dependencies.
package core

import (
	"fmt"
	"strings"
)

// PacketType is the decoded classification of a packet.
type PacketType uint8

const (
	TypeSOF PacketType = iota
	TypeSetup
	TypeIn
	TypeOut
	TypeData
	TypeAck
	TypeNak
	TypeStall
	TypePing
	TypeIso
	TypeError
	TypeIncomplete
	TypeUnknown
)

// NumPacketTypes is the number of PacketType values, usable as an array length.
const NumPacketTypes = int(TypeUnknown) + 1

var packetTypeNames = [NumPacketTypes]string{
	"SOF", "Setup", "In", "Out", "Data", "Ack", "Nak", "Stall", "Ping", "Iso", "Error", "Incomplete", "Unknown",
}

func (t PacketType) String() string {
	if int(t) < NumPacketTypes {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("PacketType(%d)", t)
}

// ParsePacketType resolves a type name case-insensitively.
func ParsePacketType(name string) (PacketType, error) {
	for i, n := range packetTypeNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return PacketType(i), nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown packet type %q", name)
}

// USB 2.0 packet identifiers as they appear on the wire (check nibble included).
const (
	PIDOut   byte = 0xE1
	PIDIn    byte = 0x69
	PIDSOF   byte = 0xA5
	PIDSetup byte = 0x2D
	PIDData0 byte = 0xC3
	PIDData1 byte = 0x4B
	PIDData2 byte = 0x87
	PIDMData byte = 0x0F
	PIDAck   byte = 0xD2
	PIDNak   byte = 0x5A
	PIDStall byte = 0x1E
	PIDNyet  byte = 0x96
	PIDErr   byte = 0x3C // PRE on full speed, ERR on high speed
	PIDSplit byte = 0x78
	PIDPing  byte = 0xB4
)

// PIDValid reports whether the upper nibble of pid is the complement of the lower one.
func PIDValid(pid byte) bool {
	return pid>>4 == ^pid&0x0F
}

// PIDName returns the mnemonic for a wire PID.
func PIDName(pid byte) string {
	switch pid {
	case PIDOut:
		return "OUT"
	case PIDIn:
		return "IN"
	case PIDSOF:
		return "SOF"
	case PIDSetup:
		return "SETUP"
	case PIDData0:
		return "DATA0"
	case PIDData1:
		return "DATA1"
	case PIDData2:
		return "DATA2"
	case PIDMData:
		return "MDATA"
	case PIDAck:
		return "ACK"
	case PIDNak:
		return "NAK"
	case PIDStall:
		return "STALL"
	case PIDNyet:
		return "NYET"
	case PIDErr:
		return "ERR"
	case PIDSplit:
		return "SPLIT"
	case PIDPing:
		return "PING"
	default:
		return fmt.Sprintf("PID 0x%02X", pid)
	}
}

// Speed is the bus speed a frame was captured at.
type Speed uint8

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedUnknown:
		return "Unknown Speed"
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "Super Speed"
	default:
		return fmt.Sprintf("Speed(%d)", s)
	}
}

// ParseSpeed accepts unknown, low, full, high or super.
func ParseSpeed(s string) (Speed, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unknown", "":
		return SpeedUnknown, nil
	case "low":
		return SpeedLow, nil
	case "full":
		return SpeedFull, nil
	case "high":
		return SpeedHigh, nil
	case "super":
		return SpeedSuper, nil
	}
	return SpeedUnknown, fmt.Errorf("unknown speed %q (must be unknown/low/full/high/super)", s)
}

// Direction of an endpoint, encoded like bit 7 of a USB endpoint address.
type Direction uint8

const (
	DirOut Direction = 0x00
	DirIn  Direction = 0x80
)

func (d Direction) String() string {
	if d == DirIn {
		return "IN"
	}
	return "OUT"
}

// Endpoint holds the endpoint number in bits 0-3 and the direction in bit 7.
type Endpoint uint8

// NewEndpoint builds an Endpoint; num is masked to 4 bits.
func NewEndpoint(num uint8, dir Direction) Endpoint {
	return Endpoint(num&0x0F) | Endpoint(dir&DirIn)
}

func (e Endpoint) Number() uint8 { return uint8(e) & 0x0F }

func (e Endpoint) Direction() Direction { return Direction(e) & DirIn }

func (e Endpoint) String() string {
	return fmt.Sprintf("%d %s", e.Number(), e.Direction())
}

// Flags annotate a packet with decoder observations.
type Flags uint8

const (
	// FlagRetry marks a data packet repeating the last acknowledged toggle.
	FlagRetry Flags = 1 << iota
	// FlagHardwareError marks a frame the capture hardware reported as damaged.
	FlagHardwareError
	// FlagWild marks a data or handshake packet with no preceding token.
	FlagWild
	// FlagCRC marks a packet whose CRC did not verify.
	FlagCRC
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }
