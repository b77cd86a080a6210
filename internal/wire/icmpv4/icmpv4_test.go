package icmpv4

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	xipv4 "golang.org/x/net/ipv4"

	"firestige.xyz/netcore/internal/checksum"
	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/wire"
)

var (
	src  = netip.MustParseAddr("192.168.1.10")
	dst  = netip.MustParseAddr("192.168.1.1")
	data = []byte("ping payload")
)

func refresh(b []byte) {
	b[2], b[3] = 0, 0
	binary.BigEndian.PutUint16(b[2:4], checksum.Plain(b))
}

func TestEchoRoundTrip(t *testing.T) {
	out, err := wire.Build(NewEchoRequest(wire.NewIDSeq(7, 9)), gopacket.Payload(data))
	require.NoError(t, err)

	m, err := Parse(out, src, dst)
	require.NoError(t, err)
	req, ok := m.(EchoRequest)
	require.True(t, ok, "got %T", m)
	assert.Equal(t, uint16(7), req.IDSeq().ID())
	assert.Equal(t, uint16(9), req.IDSeq().Seq())
	assert.Equal(t, data, req.Body())
	assert.Equal(t, wire.Range{Start: 8, End: 8 + len(data)}, req.BodyRange())

	reply, err := wire.Build(req.Reply(), gopacket.Payload(req.Body()))
	require.NoError(t, err)
	m, err = Parse(reply, dst, src)
	require.NoError(t, err)
	assert.Equal(t, TypeEchoReply, m.Type())
	assert.Equal(t, req.IDSeq(), m.(EchoReply).IDSeq())
}

// echoBodyLens covers empty, odd and multi-kilobyte bodies.
var echoBodyLens = []int{0, 1, 2, 3, 7, 8, 63, 64, 513, 1024, 1025, 1472, 4099}

func TestEchoRoundTripArbitrary(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 8))
	for _, n := range echoBodyLens {
		for _, idSeq := range []wire.IDSeq{
			wire.NewIDSeq(0, 0),
			wire.NewIDSeq(0xffff, 0xffff),
			wire.NewIDSeq(uint16(rng.Uint32()), uint16(rng.Uint32())),
			wire.NewIDSeq(uint16(rng.Uint32()), uint16(rng.Uint32())),
		} {
			t.Run(fmt.Sprintf("len=%d/id=%d/seq=%d", n, idSeq.ID(), idSeq.Seq()), func(t *testing.T) {
				body := make([]byte, n)
				for i := range body {
					body[i] = byte(rng.Uint32())
				}

				out, err := wire.Build(NewEchoRequest(idSeq), gopacket.Payload(body))
				require.NoError(t, err)
				assert.Equal(t, uint16(0), checksum.Plain(out))

				m, err := Parse(out, src, dst)
				require.NoError(t, err)
				req, ok := m.(EchoRequest)
				require.True(t, ok, "got %T", m)
				assert.Equal(t, idSeq, req.IDSeq())
				assert.Equal(t, body, append([]byte{}, req.Body()...))

				reply, err := wire.Build(req.Reply(), gopacket.Payload(req.Body()))
				require.NoError(t, err)
				m, err = Parse(reply, dst, src)
				require.NoError(t, err)
				rep, ok := m.(EchoReply)
				require.True(t, ok, "got %T", m)
				assert.Equal(t, idSeq, rep.IDSeq())
				assert.Equal(t, body, append([]byte{}, rep.Body()...))
			})
		}
	}
}

func TestMatchesXNetEncoding(t *testing.T) {
	want, err := (&icmp.Message{
		Type: xipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: 7, Seq: 9, Data: data},
	}).Marshal(nil)
	require.NoError(t, err)

	got, err := wire.Build(NewEchoRequest(wire.NewIDSeq(7, 9)), gopacket.Payload(data))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGopacketVerifiesChecksum(t *testing.T) {
	out, err := wire.Build(NewDestUnreachable(CodeFragmentationNeeded, 1400), gopacket.Payload(make([]byte, 28)))
	require.NoError(t, err)

	pkt := gopacket.NewPacket(out, layers.LayerTypeICMPv4, gopacket.Default)
	l, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	assert.Equal(t, layers.CreateICMPv4TypeCode(3, 4), l.TypeCode)
	assert.Equal(t, uint16(0), checksum.Plain(out))

	m, err := Parse(out, src, dst)
	require.NoError(t, err)
	du := m.(DestUnreachable)
	assert.Equal(t, uint16(1400), du.NextHopMTU())
	assert.Len(t, du.OriginalPacket(), 28)
}

func TestSingleBitFlipRejected(t *testing.T) {
	good, err := wire.Build(NewEchoRequest(wire.NewIDSeq(1, 1)), gopacket.Payload(data))
	require.NoError(t, err)
	for i := range good {
		for bit := 0; bit < 8; bit++ {
			buf := append([]byte(nil), good...)
			buf[i] ^= 1 << bit
			_, err := Parse(buf, src, dst)
			require.ErrorIs(t, err, core.ErrChecksumMismatch, "byte %d bit %d", i, bit)
		}
	}
}

func TestParseRejections(t *testing.T) {
	mk := func(typ, code uint8, n int) []byte {
		b := make([]byte, n)
		b[0], b[1] = typ, code
		refresh(b)
		return b
	}
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"short", []byte{8, 0}, core.ErrBufferTooShort},
		{"echo truncated", mk(8, 0, 6), core.ErrBufferTooShort},
		{"echo code", mk(8, 3, 8), core.ErrUnrecognizedCode},
		{"unreachable code 16", mk(3, 16, 8), core.ErrUnrecognizedCode},
		{"time exceeded code 2", mk(11, 2, 8), core.ErrUnrecognizedCode},
		{"parameter problem code 3", mk(12, 3, 8), core.ErrUnrecognizedCode},
		{"redirect", mk(5, 0, 8), core.ErrUnrecognizedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.buf, src, dst)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Parse(mk(8, 0, 8), netip.MustParseAddr("fe80::1"), dst)
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)
}

func TestParameterProblemPointer(t *testing.T) {
	out, err := wire.Build(NewParameterProblem(CodePointerIndicatesError, 9), gopacket.Payload(make([]byte, 20)))
	require.NoError(t, err)
	m, err := Parse(out, src, dst)
	require.NoError(t, err)
	pp := m.(ParameterProblem)
	assert.Equal(t, uint8(9), pp.Pointer())
	assert.Equal(t, CodePointerIndicatesError, pp.ProblemCode())

	var em ErrorMessage = pp
	assert.Len(t, em.OriginalPacket(), 20)
}
