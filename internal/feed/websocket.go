package feed

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/filter"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/internal/metrics"
	"firestige.xyz/usbview/internal/session"
	"firestige.xyz/usbview/internal/sink"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message types sent to clients.
const (
	MessagePacket = "packet"
	MessageState  = "state"
)

// Message is one WebSocket message.
type Message struct {
	Type   string        `json:"type"`
	Packet *sink.Record  `json:"packet,omitempty"`
	State  *StateMessage `json:"state,omitempty"`
}

type StateMessage struct {
	Session string        `json:"session"`
	Backend string        `json:"backend"`
	State   session.State `json:"state"`
	Reason  string        `json:"reason,omitempty"`
	Time    time.Time     `json:"time"`
}

func newStateMessage(ev session.StateEvent) Message {
	return Message{Type: MessageState, State: &StateMessage{
		Session: ev.Session,
		Backend: ev.Backend,
		State:   ev.State,
		Reason:  ev.ReasonText(),
		Time:    ev.Time,
	}}
}

// hub fans packets and state events out to clients.
type hub struct {
	sendBuffer int
	logger     log.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub(sendBuffer int, logger log.Logger) *hub {
	return &hub{sendBuffer: sendBuffer, logger: logger, clients: make(map[*client]struct{})}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.FeedClients.Inc()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		metrics.FeedClients.Dec()
	}
}

func (h *hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *hub) packet(p core.Packet) {
	for _, c := range h.snapshot() {
		c.offer(p)
	}
}

func (h *hub) state(ev session.StateEvent) {
	msg := newStateMessage(ev)
	for _, c := range h.snapshot() {
		c.control(msg)
	}
}

func (h *hub) closeAll() {
	for _, c := range h.snapshot() {
		c.close()
	}
}

// client is one WebSocket connection. Packet messages go through a bounded
// channel and are dropped when it is full; state messages are queued
// without bound and always delivered first.
type client struct {
	conn   *websocket.Conn
	hub    *hub
	spec   filter.Spec
	format core.PayloadFormat

	packets chan core.Packet

	ctrlMu    sync.Mutex
	ctrl      []Message
	ctrlReady chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, h *hub, spec filter.Spec, format core.PayloadFormat) *client {
	return &client{
		conn:      conn,
		hub:       h,
		spec:      spec,
		format:    format,
		packets:   make(chan core.Packet, h.sendBuffer),
		ctrlReady: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// offer queues p if it passes the client's filter. Never blocks.
func (c *client) offer(p core.Packet) {
	if !c.spec.Match(p) {
		return
	}
	select {
	case c.packets <- p:
	default:
		// Buffer full: drop the packet rather than stall the capture goroutine.
		metrics.FeedDroppedTotal.Inc()
	}
}

func (c *client) control(msg Message) {
	c.ctrlMu.Lock()
	c.ctrl = append(c.ctrl, msg)
	c.ctrlMu.Unlock()
	select {
	case c.ctrlReady <- struct{}{}:
	default:
	}
}

func (c *client) takeControl() []Message {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	msgs := c.ctrl
	c.ctrl = nil
	return msgs
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) write(msg Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *client) flushControl() error {
	for _, msg := range c.takeControl() {
		if err := c.write(msg); err != nil {
			return err
		}
	}
	return nil
}

// writeLoop drains the queues and writes to the WebSocket.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.ctrlReady:
			if err := c.flushControl(); err != nil {
				return
			}
		case p := <-c.packets:
			if err := c.flushControl(); err != nil {
				return
			}
			rec := sink.NewRecord(p, c.format)
			if err := c.write(Message{Type: MessagePacket, Packet: &rec}); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.flushControl()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readLoop discards client input until the connection ends.
func (c *client) readLoop() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleWebSocket upgrades the request. The exclude, addr and format query
// parameters select which packets the client receives and how.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	spec, err := parseSpec(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	format, err := parseFormat(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newClient(conn, s.hub, spec, format)
	if sess := s.session(); sess != nil {
		state, reason := sess.State()
		c.control(newStateMessage(session.StateEvent{
			Session: sess.ID(),
			Backend: sess.Backend(),
			State:   state,
			Reason:  reason,
			Time:    time.Now(),
		}))
	}
	s.hub.register(c)
	go c.writeLoop()
	c.readLoop()
}
