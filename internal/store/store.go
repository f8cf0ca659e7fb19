// Package store holds the packets of one capture session.
//
// The store has a single writer (the capture goroutine) and any number of
// readers. Packets live in fixed-size chunks that are only ever appended to;
// after each append the writer publishes an immutable snapshot header, so a
// reader sees a consistent prefix without taking a lock.
package store

import (
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/filter"
	"firestige.xyz/usbview/internal/log"
)

const chunkSize = 4096

// DefaultMaxDisplay is used when New is given a non-positive limit.
const DefaultMaxDisplay = 1_000_000

// Sink receives every appended packet, retained or not. Consume runs on the
// capture goroutine and must not block.
type Sink interface {
	Consume(p core.Packet)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(p core.Packet)

func (f SinkFunc) Consume(p core.Packet) { f(p) }

// Range bounds a query. From is inclusive, To is exclusive and ignored when
// zero. Limit caps the number of yielded packets when positive.
type Range struct {
	From  time.Duration
	To    time.Duration
	Limit int
}

type snapshot struct {
	chunks [][]core.Packet
	n      int
}

func (s *snapshot) at(i int) *core.Packet {
	return &s.chunks[i/chunkSize][i%chunkSize]
}

// Store is a bounded, append-only packet store.
type Store struct {
	mu      sync.Mutex // serializes writers
	chunks  [][]core.Packet
	n       int
	nextID  uint64
	sinkSeq uint64

	snap       atomic.Pointer[snapshot]
	sinks      atomic.Pointer[[]attached]
	maxDisplay atomic.Int64
	total      atomic.Uint64
	overflow   atomic.Uint64
	version    atomic.Uint64
	capturing  atomic.Bool

	logger log.Logger
}

// New creates a store retaining at most maxDisplay packets for queries.
func New(maxDisplay int) *Store {
	s := &Store{
		nextID: 1,
		logger: log.GetLogger().WithField("component", "store"),
	}
	s.SetMaxDisplay(maxDisplay)
	s.snap.Store(&snapshot{})
	s.sinks.Store(&[]attached{})
	return s
}

// SetMaxDisplay changes the retention limit. It affects later appends only;
// packets already retained stay queryable.
func (s *Store) SetMaxDisplay(n int) {
	if n <= 0 {
		n = DefaultMaxDisplay
	}
	if old := s.maxDisplay.Swap(int64(n)); old != 0 && old != int64(n) {
		s.logger.WithFields(map[string]interface{}{"old": old, "new": n}).Info("max display count changed")
	}
}

func (s *Store) MaxDisplay() int { return int(s.maxDisplay.Load()) }

// SetCapturing marks whether a session is writing to the store. Clear is
// refused while it is set.
func (s *Store) SetCapturing(on bool) { s.capturing.Store(on) }

type attached struct {
	id   uint64
	sink Sink
}

// Attach registers a sink and returns a function removing it.
func (s *Store) Attach(sink Sink) (detach func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinkSeq++
	id := s.sinkSeq
	old := *s.sinks.Load()
	next := make([]attached, len(old), len(old)+1)
	copy(next, old)
	next = append(next, attached{id: id, sink: sink})
	s.sinks.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { s.detach(id) })
	}
}

func (s *Store) detach(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := *s.sinks.Load()
	next := make([]attached, 0, len(old))
	for _, a := range old {
		if a.id != id {
			next = append(next, a)
		}
	}
	s.sinks.Store(&next)
}

// Append numbers p, retains it if the display limit allows, and forwards it
// to every attached sink. It returns the numbered packet.
func (s *Store) Append(p core.Packet) core.Packet {
	s.mu.Lock()
	p.ID = s.nextID
	s.nextID++
	if s.n < s.MaxDisplay() {
		s.push(p)
	} else {
		s.overflow.Add(1)
	}
	s.total.Add(1)
	s.version.Add(1)
	s.mu.Unlock()

	for _, a := range *s.sinks.Load() {
		a.sink.Consume(p)
	}
	return p
}

// push must be called with mu held.
func (s *Store) push(p core.Packet) {
	if s.n%chunkSize == 0 && s.n/chunkSize == len(s.chunks) {
		s.chunks = append(s.chunks, make([]core.Packet, chunkSize))
	}
	s.chunks[s.n/chunkSize][s.n%chunkSize] = p
	s.n++
	s.snap.Store(&snapshot{chunks: s.chunks, n: s.n})
}

// Clear drops every packet and restarts numbering at 1.
func (s *Store) Clear() error {
	if s.capturing.Load() {
		return core.ErrClearWhileCapturing
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = nil
	s.n = 0
	s.nextID = 1
	s.total.Store(0)
	s.overflow.Store(0)
	s.version.Add(1)
	s.snap.Store(&snapshot{})
	s.logger.Debug("store cleared")
	return nil
}

// Len is the number of retained packets.
func (s *Store) Len() int { return s.snap.Load().n }

// Total is the number of packets appended since the last Clear.
func (s *Store) Total() uint64 { return s.total.Load() }

// Overflow is the number of packets forwarded to sinks but not retained.
func (s *Store) Overflow() uint64 { return s.overflow.Load() }

// Version changes on every Append and Clear.
func (s *Store) Version() uint64 { return s.version.Load() }

// Get returns the retained packet with the given id.
func (s *Store) Get(id uint64) (core.Packet, bool) {
	snap := s.snap.Load()
	i := sort.Search(snap.n, func(i int) bool { return snap.at(i).ID >= id })
	if i < snap.n && snap.at(i).ID == id {
		return *snap.at(i), true
	}
	return core.Packet{}, false
}

// Query returns the retained packets passing spec within r, in timestamp
// order. The result reflects the store at the time Query is called and can
// be iterated any number of times.
func (s *Store) Query(spec filter.Spec, r Range) iter.Seq[core.Packet] {
	snap := s.snap.Load()
	return func(yield func(core.Packet) bool) {
		start := 0
		if r.From > 0 {
			start = sort.Search(snap.n, func(i int) bool { return snap.at(i).Timestamp >= r.From })
		}
		yielded := 0
		for i := start; i < snap.n; i++ {
			p := snap.at(i)
			if r.To > 0 && p.Timestamp >= r.To {
				return
			}
			if !spec.Match(*p) {
				continue
			}
			if !yield(*p) {
				return
			}
			yielded++
			if r.Limit > 0 && yielded >= r.Limit {
				return
			}
		}
	}
}
