// Package decoder turns raw backend frames into typed USB packets.
package decoder

import (
	"encoding/binary"
	"time"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/pkg/backend"
)

// Config contains decoder configuration.
type Config struct {
	UnknownSpeedAs core.Speed // Speed assigned to frames that report none
	VerifyCRC      bool       // Downgrade packets with a bad CRC5/CRC16 to Error
}

// endpointKey identifies one endpoint on one device for toggle tracking.
type endpointKey struct {
	addr uint8
	ep   core.Endpoint
}

// transaction is the token that opened the current transaction. Data and
// handshake packets inherit its address and endpoint.
type transaction struct {
	valid bool
	pid   byte
	addr  uint8
	ep    core.Endpoint
}

// Decoder is a stateful frame classifier for one session. It is not safe for
// concurrent use; frames must be fed in delivery order.
//
// Decode never fails: malformed input is classified as Unknown, Error or
// Incomplete so one bad frame cannot abort a session. Packet IDs are left
// zero; the store numbers packets as they are appended.
type Decoder struct {
	cfg    Config
	lastTS time.Duration

	txn     transaction
	acked   map[endpointKey]uint8 // last acknowledged toggle per endpoint
	unacked *pendingData          // data packet waiting for its handshake
	pending *pendingPacket        // packet whose body is still arriving
}

type pendingData struct {
	key    endpointKey
	toggle uint8
}

// New creates a decoder.
func New(cfg Config) *Decoder {
	return &Decoder{
		cfg:   cfg,
		acked: make(map[endpointKey]uint8),
	}
}

// Decode classifies one frame. It returns zero packets while a packet body is
// still incomplete, and two when a new frame closes a pending packet.
func (d *Decoder) Decode(ts time.Duration, data []byte) []core.Packet {
	ts = d.clamp(ts)

	if d.pending != nil && len(data) > 0 && data[0] == backend.FrameContinuation {
		if p, done := d.extend(data); done {
			return []core.Packet{p}
		}
		return nil
	}

	// Any packet start is a boundary on a serial bus: whatever is pending
	// ends here, short of its declared length.
	var out []core.Packet
	if p, ok := d.flushPending(); ok {
		out = append(out, p)
	}
	if p, ok := d.start(ts, data); ok {
		out = append(out, p)
	}
	return out
}

// Flush closes a pending packet at session stop.
func (d *Decoder) Flush() []core.Packet {
	if p, ok := d.flushPending(); ok {
		return []core.Packet{p}
	}
	return nil
}

// Reset drops all session state.
func (d *Decoder) Reset() {
	d.lastTS = 0
	d.txn = transaction{}
	d.acked = make(map[endpointKey]uint8)
	d.unacked = nil
	d.pending = nil
}

// clamp keeps timestamps non-decreasing and truncates them to microseconds.
func (d *Decoder) clamp(ts time.Duration) time.Duration {
	ts = ts.Truncate(time.Microsecond)
	if ts < d.lastTS {
		return d.lastTS
	}
	d.lastTS = ts
	return ts
}

func (d *Decoder) speed(flags byte) core.Speed {
	s := core.Speed(flags & backend.FrameSpeedMask)
	if s == core.SpeedUnknown || s > core.SpeedSuper {
		return d.cfg.UnknownSpeedAs
	}
	return s
}

func (d *Decoder) start(ts time.Duration, data []byte) (core.Packet, bool) {
	if len(data) < backend.FrameHeaderLen {
		p := core.Packet{Timestamp: ts, Type: core.TypeUnknown, Speed: d.cfg.UnknownSpeedAs}
		if len(data) > 0 {
			p.PID = data[0]
			p.Length = len(data) - 1
			p = p.WithPayload(data[1:])
		}
		return p, true
	}

	pid := data[0]
	flags := data[1]
	declared := int(binary.LittleEndian.Uint16(data[2:4]))
	body := data[backend.FrameHeaderLen:]
	hdr := header{ts: ts, pid: pid, speed: d.speed(flags), hwErr: flags&backend.FrameFlagHardError != 0}

	if pid == backend.FrameContinuation || !core.PIDValid(pid) {
		p := hdr.packet(core.TypeUnknown, body)
		if pid == backend.FrameContinuation {
			p.Flags |= core.FlagWild
		}
		return p, true
	}

	if len(body) < declared {
		d.pending = newPendingPacket(hdr, declared, body)
		return core.Packet{}, false
	}
	return d.classify(hdr, body[:declared]), true
}

// header carries what the first frame of a packet says about it.
type header struct {
	ts    time.Duration
	pid   byte
	speed core.Speed
	hwErr bool
}

func (h header) packet(t core.PacketType, body []byte) core.Packet {
	p := core.Packet{
		Timestamp: h.ts,
		Type:      t,
		PID:       h.pid,
		Speed:     h.speed,
		Length:    len(body),
	}
	return p.WithPayload(body)
}

// classify turns a complete packet body into a Packet, updating transaction
// and toggle state.
func (d *Decoder) classify(h header, body []byte) core.Packet {
	if h.hwErr {
		p := h.packet(core.TypeError, body)
		p.Flags |= core.FlagHardwareError
		d.inheritTxn(&p)
		return p
	}

	switch h.pid {
	case core.PIDSOF:
		return d.sof(h, body)
	case core.PIDSetup, core.PIDIn, core.PIDOut, core.PIDPing:
		return d.token(h, body)
	case core.PIDData0, core.PIDData1, core.PIDData2, core.PIDMData:
		return d.data(h, body)
	case core.PIDAck, core.PIDNyet:
		return d.handshake(h, body, true)
	case core.PIDNak, core.PIDStall:
		return d.handshake(h, body, false)
	case core.PIDErr:
		p := h.packet(core.TypeError, body)
		d.inheritTxn(&p)
		return p
	default:
		// SPLIT and reserved identifiers
		return h.packet(core.TypeUnknown, body)
	}
}

func (d *Decoder) sof(h header, body []byte) core.Packet {
	d.txn = transaction{}
	d.unacked = nil
	if len(body) < 2 {
		return h.packet(core.TypeUnknown, body)
	}
	v := binary.LittleEndian.Uint16(body)
	p := h.packet(core.TypeSOF, body)
	p.FrameNumber = v & 0x7FF
	if d.cfg.VerifyCRC && backend.CRC5(v&0x7FF, 11) != uint8(v>>11) {
		p.Type = core.TypeError
		p.Flags |= core.FlagCRC
	}
	return p
}

func (d *Decoder) token(h header, body []byte) core.Packet {
	d.unacked = nil
	if len(body) < 2 {
		d.txn = transaction{}
		return h.packet(core.TypeUnknown, body)
	}
	v := binary.LittleEndian.Uint16(body)
	addr := uint8(v & 0x7F)
	dir := core.DirOut
	if h.pid == core.PIDIn {
		dir = core.DirIn
	}
	ep := core.NewEndpoint(uint8(v>>7)&0x0F, dir)

	var t core.PacketType
	switch h.pid {
	case core.PIDSetup:
		t = core.TypeSetup
	case core.PIDIn:
		t = core.TypeIn
	case core.PIDOut:
		t = core.TypeOut
	default:
		t = core.TypePing
	}
	p := h.packet(t, body)
	p.Address = addr
	p.Endpoint = ep

	if d.cfg.VerifyCRC && backend.CRC5(v&0x7FF, 11) != uint8(v>>11) {
		p.Type = core.TypeError
		p.Flags |= core.FlagCRC
		d.txn = transaction{}
		return p
	}

	d.txn = transaction{valid: true, pid: h.pid, addr: addr, ep: ep}
	if h.pid == core.PIDSetup {
		// SETUP resets both directions of the control endpoint to DATA0.
		delete(d.acked, endpointKey{addr, core.NewEndpoint(ep.Number(), core.DirIn)})
		delete(d.acked, endpointKey{addr, core.NewEndpoint(ep.Number(), core.DirOut)})
	}
	return p
}

func (d *Decoder) data(h header, body []byte) core.Packet {
	t := core.TypeData
	var toggle uint8
	switch h.pid {
	case core.PIDData1:
		toggle = 1
	case core.PIDData2:
		t, toggle = core.TypeIso, 2
	case core.PIDMData:
		t, toggle = core.TypeIso, 3
	}
	p := h.packet(t, body)
	p.Toggle = toggle
	d.attachTxn(&p)
	d.unacked = nil

	if d.cfg.VerifyCRC && !dataCRCValid(body) {
		p.Type = core.TypeError
		p.Flags |= core.FlagCRC
		return p
	}
	if t != core.TypeData || !d.txn.valid {
		return p
	}

	key := endpointKey{d.txn.addr, d.txn.ep}
	if last, ok := d.acked[key]; ok && last == toggle {
		p.Flags |= core.FlagRetry
	}
	d.unacked = &pendingData{key: key, toggle: toggle}
	return p
}

// handshake closes the transaction. An accepting handshake commits the toggle
// of the data packet it answers.
func (d *Decoder) handshake(h header, body []byte, accepted bool) core.Packet {
	t := core.TypeUnknown // NYET has no type of its own
	switch h.pid {
	case core.PIDAck:
		t = core.TypeAck
	case core.PIDNak:
		t = core.TypeNak
	case core.PIDStall:
		t = core.TypeStall
	}
	p := h.packet(t, body)
	d.attachTxn(&p)
	if accepted && d.unacked != nil {
		d.acked[d.unacked.key] = d.unacked.toggle
	}
	d.unacked = nil
	// The transaction is over; a retry needs a new token.
	d.txn = transaction{}
	return p
}

// attachTxn copies the current transaction's address and endpoint onto p, or
// marks it wild when no token precedes it.
func (d *Decoder) attachTxn(p *core.Packet) {
	if !d.txn.valid {
		p.Flags |= core.FlagWild
		return
	}
	p.Address = d.txn.addr
	p.Endpoint = d.txn.ep
}

// inheritTxn is attachTxn without the wild marker, for packets that are
// already reported as damaged.
func (d *Decoder) inheritTxn(p *core.Packet) {
	if d.txn.valid {
		p.Address = d.txn.addr
		p.Endpoint = d.txn.ep
	}
}

func dataCRCValid(body []byte) bool {
	if len(body) < 2 {
		return false
	}
	n := len(body) - 2
	return backend.CRC16(body[:n]) == binary.LittleEndian.Uint16(body[n:])
}
