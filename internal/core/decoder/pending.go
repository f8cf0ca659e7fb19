package decoder

import (
	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/pkg/backend"
)

// pendingPacket is the rolling buffer of a packet whose declared body has not
// fully arrived. It keeps the header of its first frame, including the
// timestamp, so the packet holds its place in the sequence.
type pendingPacket struct {
	hdr      header
	declared int
	buf      []byte
}

func newPendingPacket(h header, declared int, body []byte) *pendingPacket {
	buf := make([]byte, len(body), declared)
	copy(buf, body)
	return &pendingPacket{hdr: h, declared: declared, buf: buf}
}

// extend appends a continuation chunk. Bytes beyond the declared length are
// dropped.
func (d *Decoder) extend(data []byte) (core.Packet, bool) {
	chunk := data[min(len(data), backend.FrameHeaderLen):]
	pp := d.pending
	if room := pp.declared - len(pp.buf); len(chunk) > room {
		chunk = chunk[:room]
	}
	pp.buf = append(pp.buf, chunk...)
	if len(pp.buf) < pp.declared {
		return core.Packet{}, false
	}
	d.pending = nil
	return d.classify(pp.hdr, pp.buf), true
}

// flushPending emits the pending packet as Incomplete with the bytes received
// so far.
//
// An Incomplete data packet never becomes the data awaiting a handshake, and
// it does not revise pairings made before it: a following ACK commits nothing.
func (d *Decoder) flushPending() (core.Packet, bool) {
	pp := d.pending
	if pp == nil {
		return core.Packet{}, false
	}
	d.pending = nil

	p := pp.hdr.packet(core.TypeIncomplete, pp.buf)
	if pp.hdr.hwErr {
		p.Flags |= core.FlagHardwareError
	}
	switch pp.hdr.pid {
	case core.PIDData0, core.PIDData1, core.PIDData2, core.PIDMData:
		d.inheritTxn(&p)
	case core.PIDSOF, core.PIDSetup, core.PIDIn, core.PIDOut, core.PIDPing:
		// The token never became readable; the transaction it opened is unknown.
		d.txn = transaction{}
	}
	d.unacked = nil
	return p, true
}
