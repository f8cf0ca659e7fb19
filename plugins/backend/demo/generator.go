package demo

import (
	"math/rand/v2"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/pkg/backend"
)

// getDescriptor is the setup packet of GET_DESCRIPTOR(device, 18 bytes).
var getDescriptor = []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}

// generator produces frames one (micro)frame at a time: an SOF followed by
// the transactions scheduled in that frame.
type generator struct {
	cfg        Config
	speed      core.Speed
	incomplete bool
	rng        *rand.Rand

	frame  uint16
	cycle  int
	toggle [16]uint8
	queue  [][]byte
}

func newGenerator(cfg Config, speed core.Speed, incomplete bool) *generator {
	return &generator{
		cfg:        cfg,
		speed:      speed,
		incomplete: incomplete,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)),
	}
}

func (g *generator) next() []byte {
	if len(g.queue) == 0 {
		g.schedule()
	}
	f := g.queue[0]
	g.queue = g.queue[1:]
	return f
}

func (g *generator) frameOf(pid byte, declared int, body []byte) []byte {
	return backend.EncodeFrame(pid, g.speed, false, declared, body)
}

func (g *generator) token(pid byte, addr, ep uint8) {
	g.queue = append(g.queue, g.frameOf(pid, 2, backend.TokenBody(addr, ep)))
}

func (g *generator) handshake(pid byte) {
	g.queue = append(g.queue, g.frameOf(pid, 0, nil))
}

func (g *generator) data(ep uint8, payload []byte, split bool, truncate bool) {
	pid := core.PIDData0
	if g.toggle[ep] == 1 {
		pid = core.PIDData1
	}
	body := backend.DataBody(payload)
	switch {
	case truncate:
		// Declares the full body but delivers only part of it.
		g.queue = append(g.queue, g.frameOf(pid, len(body), body[:len(body)*5/8]))
	case split:
		half := len(body) / 2
		g.queue = append(g.queue,
			g.frameOf(pid, len(body), body[:half]),
			backend.EncodeContinuation(body[half:]))
	default:
		g.queue = append(g.queue, g.frameOf(pid, len(body), body))
	}
}

func (g *generator) schedule() {
	g.queue = append(g.queue, g.frameOf(core.PIDSOF, 2, backend.SOFBody(g.frame)))
	g.frame = (g.frame + 1) & 0x7FF
	c := g.cycle
	g.cycle++
	addr := g.cfg.Address

	if c%8 == 0 {
		g.token(core.PIDSetup, 0, 0)
		g.toggle[0] = 0
		g.data(0, getDescriptor, false, false)
		g.handshake(core.PIDAck)
	}

	payload := make([]byte, 8+g.rng.IntN(57))
	for i := range payload {
		payload[i] = byte(g.rng.UintN(256))
	}
	g.token(core.PIDIn, addr, 1)
	truncate := g.incomplete && c%10 == 3
	g.data(1, payload, c%7 == 6, truncate)
	if truncate {
		return
	}
	g.handshake(core.PIDAck)
	g.toggle[1] ^= 1

	if c%5 == 4 {
		g.token(core.PIDOut, addr, 2)
		g.data(2, payload[:8], false, false)
		g.handshake(core.PIDNak)
	}
}
