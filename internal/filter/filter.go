// Package filter implements the query-time packet predicate: a packet type
// exclusion mask plus an optional address/endpoint filter.
package filter

import (
	"fmt"
	"strings"

	"firestige.xyz/usbview/internal/core"
)

// TypeMask is a set of excluded packet types, one bit per core.PacketType.
type TypeMask uint16

// Exclude adds types to the mask.
func (m TypeMask) Exclude(types ...core.PacketType) TypeMask {
	for _, t := range types {
		m |= 1 << t
	}
	return m
}

// Excludes reports whether t is masked out.
func (m TypeMask) Excludes(t core.PacketType) bool {
	return m&(1<<t) != 0
}

func (m TypeMask) String() string {
	var names []string
	for i := 0; i < core.NumPacketTypes; i++ {
		if m.Excludes(core.PacketType(i)) {
			names = append(names, core.PacketType(i).String())
		}
	}
	return strings.Join(names, ",")
}

// ParseTypeMask parses a comma separated list of packet type names.
func ParseTypeMask(s string) (TypeMask, error) {
	var m TypeMask
	for _, name := range strings.Split(s, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		t, err := core.ParsePacketType(name)
		if err != nil {
			return 0, err
		}
		m = m.Exclude(t)
	}
	return m, nil
}

// Spec is the filter applied to a store query. The zero value passes
// everything.
type Spec struct {
	Exclude TypeMask
	Address *AddressFilter
}

// Match reports whether p passes the filter.
func (s Spec) Match(p core.Packet) bool {
	if s.Exclude.Excludes(p.Type) {
		return false
	}
	return s.Address == nil || s.Address.Match(p)
}

func (s Spec) String() string {
	addr := "*"
	if s.Address != nil {
		addr = s.Address.String()
	}
	return fmt.Sprintf("exclude=[%s] addr=%s", s.Exclude, addr)
}

// ParseSpec builds a Spec from an exclusion list and an address filter
// expression. An empty or "*" address leaves the address unfiltered.
func ParseSpec(exclude, address string) (Spec, error) {
	m, err := ParseTypeMask(exclude)
	if err != nil {
		return Spec{}, err
	}
	spec := Spec{Exclude: m}
	if a := strings.TrimSpace(address); a != "" && a != "*" {
		f, err := ParseAddressFilter(a)
		if err != nil {
			return Spec{}, err
		}
		spec.Address = &f
	}
	return spec, nil
}
