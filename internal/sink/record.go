// Package sink holds the wire representation shared by packet consumers
// outside the store: the console and kafka sinks and the live feed.
package sink

import (
	"firestige.xyz/usbview/internal/core"
)

// Record is the JSON form of a packet.
type Record struct {
	ID          uint64   `json:"id"`
	Timestamp   string   `json:"timestamp"`
	TimestampUS int64    `json:"timestamp_us"`
	Type        string   `json:"type"`
	PID         string   `json:"pid"`
	Speed       string   `json:"speed"`
	Address     uint8    `json:"address"`
	Endpoint    uint8    `json:"endpoint"`
	Direction   string   `json:"direction"`
	FrameNumber *uint16  `json:"frame_number,omitempty"`
	Toggle      *uint8   `json:"toggle,omitempty"`
	Length      int      `json:"length"`
	Flags       []string `json:"flags,omitempty"`
	Info        string   `json:"info"`
	Payload     string   `json:"payload,omitempty"`
}

// NewRecord converts p, rendering its payload in format f.
func NewRecord(p core.Packet, f core.PayloadFormat) Record {
	r := Record{
		ID:          p.ID,
		Timestamp:   core.FormatTimestamp(p.Timestamp),
		TimestampUS: p.Timestamp.Microseconds(),
		Type:        p.Type.String(),
		PID:         core.PIDName(p.PID),
		Speed:       p.Speed.String(),
		Address:     p.Address,
		Endpoint:    p.Endpoint.Number(),
		Direction:   p.Endpoint.Direction().String(),
		Length:      p.Length,
		Flags:       FlagNames(p.Flags),
		Info:        p.Info(),
		Payload:     core.FormatPayload(p.Payload(), f),
	}
	switch p.Type {
	case core.TypeSOF:
		fn := p.FrameNumber
		r.FrameNumber = &fn
	case core.TypeData, core.TypeIso:
		t := p.Toggle
		r.Toggle = &t
	}
	return r
}

// FlagNames lists the set flags in bit order.
func FlagNames(f core.Flags) []string {
	var out []string
	if f.Has(core.FlagRetry) {
		out = append(out, "retry")
	}
	if f.Has(core.FlagHardwareError) {
		out = append(out, "hardware_error")
	}
	if f.Has(core.FlagWild) {
		out = append(out, "wild")
	}
	if f.Has(core.FlagCRC) {
		out = append(out, "crc")
	}
	return out
}
