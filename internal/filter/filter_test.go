package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/usbview/internal/core"
)

func pkt(t core.PacketType, addr, ep uint8, dir core.Direction) core.Packet {
	return core.Packet{Type: t, Address: addr, Endpoint: core.NewEndpoint(ep, dir)}
}

func TestAddressFilterMatchesOneEndpoint(t *testing.T) {
	f, err := NewAddressFilter(5, 2)
	require.NoError(t, err)

	assert.True(t, f.Match(pkt(core.TypeIn, 5, 2, core.DirIn)))
	assert.True(t, f.Match(pkt(core.TypeData, 5, 2, core.DirOut)))
	assert.False(t, f.Match(pkt(core.TypeIn, 5, 3, core.DirIn)))
	assert.False(t, f.Match(pkt(core.TypeIn, 6, 2, core.DirIn)))
	assert.False(t, f.Match(core.Packet{Type: core.TypeSOF}))
}

func TestWildcardMatchesAll(t *testing.T) {
	f := Wildcard()
	for _, p := range []core.Packet{
		pkt(core.TypeIn, 5, 2, core.DirIn),
		pkt(core.TypeAck, 127, 15, core.DirOut),
		{Type: core.TypeSOF, FrameNumber: 3},
	} {
		assert.True(t, f.Match(p))
	}
}

func TestNewAddressFilterRange(t *testing.T) {
	_, err := NewAddressFilter(128, 0)
	assert.Error(t, err)
	_, err = NewAddressFilter(1, 16)
	assert.Error(t, err)
}

func TestParseAddressFilter(t *testing.T) {
	tests := []struct {
		in   string
		want AddressFilter
		str  string
	}{
		{"*", Wildcard(), "*"},
		{"", Wildcard(), "*"},
		{"5", AddressFilter{Address: 5, AnyEndpoint: true, AnyDirection: true}, "5"},
		{"5:2", AddressFilter{Address: 5, Endpoint: 2, AnyDirection: true}, "5:2"},
		{"5:2in", AddressFilter{Address: 5, Endpoint: 2, Direction: core.DirIn}, "5:2in"},
		{" 5:2OUT ", AddressFilter{Address: 5, Endpoint: 2, Direction: core.DirOut}, "5:2out"},
		{"*:0", AddressFilter{AnyAddress: true, AnyDirection: true}, "*:0"},
		{"3:*in", AddressFilter{Address: 3, AnyEndpoint: true, Direction: core.DirIn}, "3:*in"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddressFilter(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.str, got.String())
		})
	}
}

func TestParseAddressFilterErrors(t *testing.T) {
	for _, in := range []string{"128", "x", "5:16", "5:-1", "5:abc", "5:2up"} {
		_, err := ParseAddressFilter(in)
		assert.Error(t, err, in)
	}
}

func TestDirectionFilter(t *testing.T) {
	f, err := ParseAddressFilter("5:2in")
	require.NoError(t, err)
	assert.True(t, f.Match(pkt(core.TypeData, 5, 2, core.DirIn)))
	assert.False(t, f.Match(pkt(core.TypeData, 5, 2, core.DirOut)))
}

func TestTypeMask(t *testing.T) {
	m, err := ParseTypeMask("sof, nak,Ack")
	require.NoError(t, err)
	assert.True(t, m.Excludes(core.TypeSOF))
	assert.True(t, m.Excludes(core.TypeNak))
	assert.True(t, m.Excludes(core.TypeAck))
	assert.False(t, m.Excludes(core.TypeData))
	assert.Equal(t, "SOF,Ack,Nak", m.String())

	_, err = ParseTypeMask("sof,bulk")
	assert.Error(t, err)

	empty, err := ParseTypeMask("")
	require.NoError(t, err)
	assert.Equal(t, TypeMask(0), empty)
}

func TestSpecMatch(t *testing.T) {
	addr, err := NewAddressFilter(5, 2)
	require.NoError(t, err)
	spec := Spec{Exclude: TypeMask(0).Exclude(core.TypeNak), Address: &addr}

	assert.True(t, spec.Match(pkt(core.TypeData, 5, 2, core.DirIn)))
	assert.False(t, spec.Match(pkt(core.TypeNak, 5, 2, core.DirIn)))
	assert.False(t, spec.Match(pkt(core.TypeData, 4, 2, core.DirIn)))
	assert.True(t, Spec{}.Match(pkt(core.TypeNak, 1, 1, core.DirIn)))
}

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec("SOF", "5:2")
	require.NoError(t, err)
	require.NotNil(t, spec.Address)
	assert.True(t, spec.Exclude.Excludes(core.TypeSOF))
	assert.True(t, spec.Match(pkt(core.TypeData, 5, 2, core.DirIn)))
	assert.False(t, spec.Match(pkt(core.TypeData, 5, 3, core.DirIn)))

	all, err := ParseSpec("", "*")
	require.NoError(t, err)
	assert.Nil(t, all.Address)

	_, err = ParseSpec("", "200")
	assert.Error(t, err)
	_, err = ParseSpec("bogus", "")
	assert.Error(t, err)
}
