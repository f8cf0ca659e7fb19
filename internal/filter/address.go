package filter

import (
	"fmt"
	"strconv"
	"strings"

	"firestige.xyz/usbview/internal/core"
)

const (
	maxAddress  = 127
	maxEndpoint = 15
)

// AddressFilter selects packets by device address and endpoint. Each part
// can be a wildcard; the direction is only compared when AnyDirection is
// false.
type AddressFilter struct {
	Address     uint8
	AnyAddress  bool
	Endpoint    uint8
	AnyEndpoint bool

	Direction    core.Direction
	AnyDirection bool
}

// Wildcard returns a filter that matches every packet.
func Wildcard() AddressFilter {
	return AddressFilter{AnyAddress: true, AnyEndpoint: true, AnyDirection: true}
}

// NewAddressFilter matches one endpoint of one device in either direction.
func NewAddressFilter(addr, ep uint8) (AddressFilter, error) {
	if addr > maxAddress {
		return AddressFilter{}, fmt.Errorf("address %d out of range [0, %d]", addr, maxAddress)
	}
	if ep > maxEndpoint {
		return AddressFilter{}, fmt.Errorf("endpoint %d out of range [0, %d]", ep, maxEndpoint)
	}
	return AddressFilter{Address: addr, Endpoint: ep, AnyDirection: true}, nil
}

// IsWildcard reports whether f matches every packet.
func (f AddressFilter) IsWildcard() bool {
	return f.AnyAddress && f.AnyEndpoint && f.AnyDirection
}

// Match reports whether p passes. SOF packets carry no address and only pass
// a full wildcard.
func (f AddressFilter) Match(p core.Packet) bool {
	if f.IsWildcard() {
		return true
	}
	if p.Type == core.TypeSOF {
		return false
	}
	if !f.AnyAddress && p.Address != f.Address {
		return false
	}
	if !f.AnyEndpoint && p.Endpoint.Number() != f.Endpoint {
		return false
	}
	if !f.AnyDirection && p.Endpoint.Direction() != f.Direction {
		return false
	}
	return true
}

func (f AddressFilter) String() string {
	if f.IsWildcard() {
		return "*"
	}
	var b strings.Builder
	if f.AnyAddress {
		b.WriteByte('*')
	} else {
		b.WriteString(strconv.Itoa(int(f.Address)))
	}
	if f.AnyEndpoint && f.AnyDirection {
		return b.String()
	}
	b.WriteByte(':')
	if f.AnyEndpoint {
		b.WriteByte('*')
	} else {
		b.WriteString(strconv.Itoa(int(f.Endpoint)))
	}
	if !f.AnyDirection {
		b.WriteString(strings.ToLower(f.Direction.String()))
	}
	return b.String()
}

// ParseAddressFilter parses "ADDR[:EP[in|out]]". Either number may be "*".
// Examples: "5", "5:2", "5:2in", "*:0", "*".
func ParseAddressFilter(s string) (AddressFilter, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "*" {
		return Wildcard(), nil
	}
	f := AddressFilter{AnyEndpoint: true, AnyDirection: true}

	addrPart, epPart, hasEP := strings.Cut(s, ":")
	if addrPart == "*" {
		f.AnyAddress = true
	} else {
		n, err := parseBounded(addrPart, maxAddress)
		if err != nil {
			return AddressFilter{}, fmt.Errorf("invalid address in %q: %w", s, err)
		}
		f.Address = n
	}
	if !hasEP {
		return f, nil
	}

	switch {
	case strings.HasSuffix(epPart, "in"):
		f.Direction, f.AnyDirection = core.DirIn, false
		epPart = strings.TrimSuffix(epPart, "in")
	case strings.HasSuffix(epPart, "out"):
		f.Direction, f.AnyDirection = core.DirOut, false
		epPart = strings.TrimSuffix(epPart, "out")
	}
	if epPart == "*" {
		return f, nil
	}
	n, err := parseBounded(epPart, maxEndpoint)
	if err != nil {
		return AddressFilter{}, fmt.Errorf("invalid endpoint in %q: %w", s, err)
	}
	f.Endpoint, f.AnyEndpoint = n, false
	return f, nil
}

func parseBounded(s string, max int) (uint8, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 0 || n > max {
		return 0, fmt.Errorf("%d out of range [0, %d]", n, max)
	}
	return uint8(n), nil
}
