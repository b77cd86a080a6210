package icmpv6

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netcore/internal/wire"
)

// Builder serializes one ICMPv6 header in front of the bytes already in the
// buffer. The checksum covers the pseudo-header for src and dst.
type Builder struct {
	src, dst netip.Addr
	typ      Type
	code     uint8
	fixed    [mldFixedLen]byte
	flen     int
}

var _ wire.Serializer = (*Builder)(nil)

func newBuilder(src, dst netip.Addr, typ Type, code uint8, flen int) *Builder {
	return &Builder{src: src, dst: dst, typ: typ, code: code, flen: flen}
}

// NewEchoRequest returns a builder for an Echo Request.
func NewEchoRequest(src, dst netip.Addr, idSeq wire.IDSeq) *Builder {
	b := newBuilder(src, dst, TypeEchoRequest, 0, fixedLen)
	fixed := idSeq.Bytes()
	copy(b.fixed[:], fixed[:])
	return b
}

// NewEchoReply returns a builder for an Echo Reply.
func NewEchoReply(src, dst netip.Addr, idSeq wire.IDSeq) *Builder {
	b := newBuilder(src, dst, TypeEchoReply, 0, fixedLen)
	fixed := idSeq.Bytes()
	copy(b.fixed[:], fixed[:])
	return b
}

// NewDestUnreachable returns a builder for a Destination Unreachable.
func NewDestUnreachable(src, dst netip.Addr, code DestUnreachableCode) *Builder {
	return newBuilder(src, dst, TypeDestUnreachable, uint8(code), fixedLen)
}

// NewPacketTooBig returns a builder for a Packet Too Big reporting mtu.
func NewPacketTooBig(src, dst netip.Addr, mtu uint32) *Builder {
	b := newBuilder(src, dst, TypePacketTooBig, 0, fixedLen)
	binary.BigEndian.PutUint32(b.fixed[:4], mtu)
	return b
}

// NewTimeExceeded returns a builder for a Time Exceeded.
func NewTimeExceeded(src, dst netip.Addr, code TimeExceededCode) *Builder {
	return newBuilder(src, dst, TypeTimeExceeded, uint8(code), fixedLen)
}

// NewParameterProblem returns a builder for a Parameter Problem pointing at
// octet pointer of the original packet.
func NewParameterProblem(src, dst netip.Addr, code ParameterProblemCode, pointer uint32) *Builder {
	b := newBuilder(src, dst, TypeParameterProblem, uint8(code), fixedLen)
	binary.BigEndian.PutUint32(b.fixed[:4], pointer)
	return b
}

func newMLD(src, dst netip.Addr, typ Type, maxResp time.Duration, group netip.Addr) *Builder {
	b := newBuilder(src, dst, typ, 0, mldFixedLen)
	ms := maxResp.Milliseconds()
	if ms > 0xffff {
		ms = 0xffff
	}
	binary.BigEndian.PutUint16(b.fixed[0:2], uint16(ms))
	g := group.As16()
	copy(b.fixed[4:], g[:])
	return b
}

// NewMulticastListenerQuery returns a builder for an MLDv1 query. An
// unspecified group makes it a general query.
func NewMulticastListenerQuery(src, dst netip.Addr, maxResp time.Duration, group netip.Addr) *Builder {
	return newMLD(src, dst, TypeMulticastListenerQuery, maxResp, group)
}

// NewMulticastListenerReport returns a builder for an MLDv1 report for group.
func NewMulticastListenerReport(src, dst netip.Addr, group netip.Addr) *Builder {
	return newMLD(src, dst, TypeMulticastListenerReport, 0, group)
}

// NewMulticastListenerDone returns a builder for an MLDv1 done for group.
func NewMulticastListenerDone(src, dst netip.Addr, group netip.Addr) *Builder {
	return newMLD(src, dst, TypeMulticastListenerDone, 0, group)
}

// Type returns the message type the builder writes.
func (b *Builder) Type() Type { return b.typ }

// HeaderLen returns the bytes the builder prepends.
func (b *Builder) HeaderLen() int { return wire.ICMPBaseLen + b.flen }

// LayerType implements gopacket.SerializableLayer.
func (b *Builder) LayerType() gopacket.LayerType { return layers.LayerTypeICMPv6 }

// SerializeTo implements gopacket.SerializableLayer.
func (b *Builder) SerializeTo(buf gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	return wire.SerializeICMP(family, buf, b.src, b.dst, uint8(b.typ), b.code, b.fixed[:b.flen])
}
