// Package ipv6 parses and serializes the IPv6 fixed header and the extension
// headers a host must walk to reach the upper-layer protocol.
package ipv6

import (
	"encoding/binary"
	"math"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/wire"
)

const (
	// HeaderLen is the size of the fixed header.
	HeaderLen = 40

	nextHopByHop  = 0
	nextDestOpts  = 60
	routerAlertHL = 8

	layer = "ipv6"
)

// Packet is a validated view over an IPv6 packet.
type Packet struct {
	buf         []byte
	next        core.IPProto
	routerAlert bool
	body        wire.Range
}

// Parse validates buf as an IPv6 packet. Hop-by-Hop and Destination Options
// headers are skipped; Proto and Body describe the first other header.
// Bytes past the declared payload length are ignored.
func Parse(buf []byte) (Packet, error) {
	if len(buf) < HeaderLen {
		return Packet{}, wire.Errorf(layer, core.ErrBufferTooShort, "%d bytes", len(buf))
	}
	if v := buf[0] >> 4; v != 6 {
		return Packet{}, wire.Errorf(layer, core.ErrUnsupportedProto, "version %d", v)
	}
	plen := int(binary.BigEndian.Uint16(buf[4:6]))
	if HeaderLen+plen > len(buf) {
		return Packet{}, wire.Errorf(layer, core.ErrLengthMismatch, "payload length %d, have %d", plen, len(buf)-HeaderLen)
	}
	buf = buf[:HeaderLen+plen]

	p := Packet{buf: buf}
	next, off := buf[6], HeaderLen
	for next == nextHopByHop || next == nextDestOpts {
		if len(buf)-off < 8 {
			return Packet{}, wire.Errorf(layer, core.ErrBufferTooShort, "extension header %d at %d", next, off)
		}
		elen := (int(buf[off+1]) + 1) * 8
		if len(buf)-off < elen {
			return Packet{}, wire.Errorf(layer, core.ErrLengthMismatch, "extension header %d claims %d bytes", next, elen)
		}
		if next == nextHopByHop {
			p.routerAlert = hasRouterAlert(buf[off+2 : off+elen])
		}
		next = buf[off]
		off += elen
	}
	p.next = core.IPProto(next)
	p.body = wire.Range{Start: off, End: len(buf)}
	return p, nil
}

// hasRouterAlert walks TLV options looking for the router alert option.
func hasRouterAlert(opts []byte) bool {
	for len(opts) > 0 {
		switch opts[0] {
		case 0: // Pad1
			opts = opts[1:]
			continue
		case 5:
			return true
		}
		if len(opts) < 2 || len(opts) < 2+int(opts[1]) {
			return false
		}
		opts = opts[2+int(opts[1]):]
	}
	return false
}

// Src returns the source address.
func (p Packet) Src() netip.Addr { return netip.AddrFrom16([16]byte(p.buf[8:24])) }

// Dst returns the destination address.
func (p Packet) Dst() netip.Addr { return netip.AddrFrom16([16]byte(p.buf[24:40])) }

// HopLimit returns the hop limit.
func (p Packet) HopLimit() uint8 { return p.buf[7] }

// TrafficClass returns the traffic class.
func (p Packet) TrafficClass() uint8 { return uint8(binary.BigEndian.Uint16(p.buf[0:2]) >> 4) }

// NextHeader returns the upper-layer protocol after any skipped extension
// headers.
func (p Packet) NextHeader() core.IPProto { return p.next }

// RouterAlert reports whether a Hop-by-Hop router alert option was present.
func (p Packet) RouterAlert() bool { return p.routerAlert }

// Body returns the upper-layer payload.
func (p Packet) Body() []byte { return p.buf[p.body.Start:p.body.End] }

// BodyRange locates Body within the parsed buffer.
func (p Packet) BodyRange() wire.Range { return p.body }

// Bytes returns the packet trimmed to its declared length.
func (p Packet) Bytes() []byte { return p.buf }

// Builder prepends an IPv6 header to the bytes already in the buffer. With
// RouterAlert set a Hop-by-Hop header carrying the MLD router alert is
// inserted, as MLD requires.
type Builder struct {
	Src, Dst     netip.Addr
	NextHeader   core.IPProto
	HopLimit     uint8
	TrafficClass uint8
	RouterAlert  bool
}

var _ wire.Serializer = (*Builder)(nil)

// HeaderLen returns the bytes the builder prepends.
func (b *Builder) HeaderLen() int {
	if b.RouterAlert {
		return HeaderLen + routerAlertHL
	}
	return HeaderLen
}

// LayerType implements gopacket.SerializableLayer.
func (b *Builder) LayerType() gopacket.LayerType { return layers.LayerTypeIPv6 }

// SerializeTo implements gopacket.SerializableLayer.
func (b *Builder) SerializeTo(buf gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	if !b.Src.Is6() || !b.Dst.Is6() {
		return wire.Errorf(layer, core.ErrUnsupportedProto, "%s -> %s", b.Src, b.Dst)
	}
	plen := len(buf.Bytes())
	next := uint8(b.NextHeader)
	if b.RouterAlert {
		ext, err := buf.PrependBytes(routerAlertHL)
		if err != nil {
			return err
		}
		// Router alert value 0 (MLD) followed by a two-byte PadN.
		copy(ext, []byte{next, 0, 5, 2, 0, 0, 1, 0})
		next = nextHopByHop
		plen += routerAlertHL
	}
	if plen > math.MaxUint16 {
		return wire.Errorf(layer, core.ErrLengthMismatch, "payload of %d bytes", plen)
	}
	hdr, err := buf.PrependBytes(HeaderLen)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(hdr[0:4], 6<<28|uint32(b.TrafficClass)<<20)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(plen))
	hdr[6] = next
	hdr[7] = b.HopLimit
	src, dst := b.Src.As16(), b.Dst.As16()
	copy(hdr[8:24], src[:])
	copy(hdr[24:40], dst[:])
	return nil
}
