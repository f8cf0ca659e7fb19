// Package stats computes bucketed traffic aggregates from query results.
// It holds no authoritative state: every snapshot is derived from the store
// and cached only until the store changes.
package stats

import (
	"iter"
	"slices"
	"sync"
	"time"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/filter"
	"firestige.xyz/usbview/internal/store"
)

const DefaultBucket = 100 * time.Millisecond

// Source is the read side of the packet store.
type Source interface {
	Query(spec filter.Spec, r store.Range) iter.Seq[core.Packet]
	Version() uint64
}

// Counters hold per-type packet counts and byte totals.
type Counters struct {
	Packets [core.NumPacketTypes]uint64 `json:"-"`
	Bytes   [core.NumPacketTypes]uint64 `json:"-"`
}

func (c *Counters) add(p core.Packet) {
	c.Packets[p.Type]++
	c.Bytes[p.Type] += uint64(p.Length)
}

// TotalPackets sums the counts of every type.
func (c *Counters) TotalPackets() uint64 {
	var n uint64
	for _, v := range c.Packets {
		n += v
	}
	return n
}

// TotalBytes sums the bytes of every type.
func (c *Counters) TotalBytes() uint64 {
	var n uint64
	for _, v := range c.Bytes {
		n += v
	}
	return n
}

// ByType returns the non-zero counters keyed by type name.
func (c *Counters) ByType() map[string]TypeCount {
	out := make(map[string]TypeCount)
	for i := 0; i < core.NumPacketTypes; i++ {
		if c.Packets[i] == 0 {
			continue
		}
		out[core.PacketType(i).String()] = TypeCount{Packets: c.Packets[i], Bytes: c.Bytes[i]}
	}
	return out
}

type TypeCount struct {
	Packets uint64 `json:"packets" yaml:"packets"`
	Bytes   uint64 `json:"bytes" yaml:"bytes"`
}

// Bucket aggregates the packets whose timestamp falls in
// [Start, Start+width).
type Bucket struct {
	Start time.Duration
	Counters
}

// Snapshot is one aggregate result. Buckets are sorted by start and only
// non-empty buckets are present.
type Snapshot struct {
	Version uint64
	Width   time.Duration
	Buckets []Bucket
	Total   Counters
}

// Compute aggregates packets into buckets of the given width.
func Compute(packets iter.Seq[core.Packet], width time.Duration) *Snapshot {
	if width <= 0 {
		width = DefaultBucket
	}
	s := &Snapshot{Width: width}
	index := make(map[time.Duration]int)
	for p := range packets {
		if int(p.Type) >= core.NumPacketTypes {
			continue
		}
		start := p.Timestamp - p.Timestamp%width
		i, ok := index[start]
		if !ok {
			i = len(s.Buckets)
			index[start] = i
			s.Buckets = append(s.Buckets, Bucket{Start: start})
		}
		s.Buckets[i].add(p)
		s.Total.add(p)
	}
	slices.SortFunc(s.Buckets, func(a, b Bucket) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	return s
}

type cacheKey struct {
	version uint64
	spec    filter.Spec
	addr    filter.AddressFilter
	hasAddr bool
	width   time.Duration
}

func keyOf(version uint64, spec filter.Spec, width time.Duration) cacheKey {
	k := cacheKey{version: version, spec: filter.Spec{Exclude: spec.Exclude}, width: width}
	if spec.Address != nil {
		k.addr, k.hasAddr = *spec.Address, true
	}
	return k
}

// Aggregator serves snapshots of a live store. The last result is cached
// until the store version changes.
type Aggregator struct {
	src   Source
	width time.Duration

	mu     sync.Mutex
	key    cacheKey
	cached *Snapshot
}

func NewAggregator(src Source, width time.Duration) *Aggregator {
	if width <= 0 {
		width = DefaultBucket
	}
	return &Aggregator{src: src, width: width}
}

// Snapshot aggregates the packets passing spec. The returned snapshot is
// shared and must not be modified.
func (a *Aggregator) Snapshot(spec filter.Spec) *Snapshot {
	return a.SnapshotWidth(spec, a.width)
}

// SnapshotWidth is Snapshot with an explicit bucket width.
func (a *Aggregator) SnapshotWidth(spec filter.Spec, width time.Duration) *Snapshot {
	if width <= 0 {
		width = a.width
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	version := a.src.Version()
	key := keyOf(version, spec, width)
	if a.cached != nil && a.key == key {
		return a.cached
	}
	s := Compute(a.src.Query(spec, store.Range{}), width)
	s.Version = version
	a.key, a.cached = key, s
	return s
}
