package igmp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/wire"
)

var group = netip.MustParseAddr("224.0.0.251")

func TestQuery(t *testing.T) {
	out, err := wire.Build(NewQuery(10*time.Second, netip.IPv4Unspecified()))
	require.NoError(t, err)
	// 0x11, 100 units, checksum, 0.0.0.0
	assert.Equal(t, []byte{0x11, 0x64, 0xee, 0x9b, 0, 0, 0, 0}, out)

	m, err := Parse(out)
	require.NoError(t, err)
	q, ok := m.(MembershipQuery)
	require.True(t, ok)
	assert.True(t, q.IsGeneral())
	assert.Equal(t, 10*time.Second, q.MaxRespTime())
}

func TestV1Query(t *testing.T) {
	out, err := wire.Build(NewQuery(0, netip.IPv4Unspecified()))
	require.NoError(t, err)
	m, err := Parse(out)
	require.NoError(t, err)
	assert.Zero(t, m.(MembershipQuery).MaxRespTime())
}

func TestReportsAndLeave(t *testing.T) {
	tests := []struct {
		b    *Builder
		want Type
	}{
		{NewReportV1(group), TypeMembershipReportV1},
		{NewReportV2(group), TypeMembershipReportV2},
		{NewLeaveGroup(group), TypeLeaveGroup},
		{NewQuery(time.Second, group), TypeMembershipQuery},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			out, err := wire.Build(tt.b)
			require.NoError(t, err)
			m, err := Parse(out)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Type())
			assert.Equal(t, group, m.Group())
			assert.Empty(t, m.Body())

			// gopacket decodes the same message.
			pkt := gopacket.NewPacket(out, layers.LayerTypeIGMP, gopacket.Default)
			l, ok := pkt.Layer(layers.LayerTypeIGMP).(*layers.IGMPv1or2)
			require.True(t, ok)
			assert.Equal(t, layers.IGMPType(tt.want), l.Type)
			assert.Equal(t, m.Checksum(), l.Checksum)
		})
	}
}

func TestQueryTrailingBytes(t *testing.T) {
	// An IGMPv3 query is a v2 query followed by extra fields.
	out, err := wire.Build(NewQuery(time.Second, netip.IPv4Unspecified()), gopacket.Payload([]byte{0, 0, 0, 0}))
	require.NoError(t, err)
	m, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, wire.Range{Start: 8, End: 12}, m.BodyRange())
}

func TestSingleBitFlipRejected(t *testing.T) {
	good, err := wire.Build(NewReportV2(group))
	require.NoError(t, err)
	for i := range good {
		for bit := 0; bit < 8; bit++ {
			buf := append([]byte(nil), good...)
			buf[i] ^= 1 << bit
			_, err := Parse(buf)
			require.ErrorIs(t, err, core.ErrChecksumMismatch, "byte %d bit %d", i, bit)
		}
	}
}

func TestParseRejections(t *testing.T) {
	_, err := Parse([]byte{0x16, 0, 0})
	assert.ErrorIs(t, err, core.ErrBufferTooShort)

	// 0x22 is an IGMPv3 report; checksum of 22 00 dd ff 00 00 00 00 is valid.
	_, err = Parse([]byte{0x22, 0, 0xdd, 0xff, 0, 0, 0, 0})
	assert.ErrorIs(t, err, core.ErrUnrecognizedType)

	_, err = wire.Build(NewReportV2(netip.MustParseAddr("ff02::1")))
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)
}

func TestQueryMaxRespCapped(t *testing.T) {
	out, err := wire.Build(NewQuery(time.Hour, group))
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), out[1])
}
