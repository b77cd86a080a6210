// Package ipv4 parses and serializes IPv4 headers.
package ipv4

import (
	"encoding/binary"
	"math"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netcore/internal/checksum"
	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/wire"
)

const (
	// MinHeaderLen is the header size without options.
	MinHeaderLen = 20

	routerAlertLen = 4
	flagMF         = 0x2000
	offsetMask     = 0x1fff

	layer = "ipv4"
)

// Packet is a validated view over an IPv4 datagram.
type Packet struct {
	buf []byte
}

// Parse validates buf as an IPv4 datagram: version, IHL, total length and
// header checksum. Bytes past the total length, such as Ethernet padding,
// are dropped from the view.
func Parse(buf []byte) (Packet, error) {
	if len(buf) < MinHeaderLen {
		return Packet{}, wire.Errorf(layer, core.ErrBufferTooShort, "%d bytes", len(buf))
	}
	if v := buf[0] >> 4; v != 4 {
		return Packet{}, wire.Errorf(layer, core.ErrUnsupportedProto, "version %d", v)
	}
	ihl := int(buf[0]&0x0f) * 4
	if ihl < MinHeaderLen {
		return Packet{}, wire.Errorf(layer, core.ErrLengthMismatch, "header length %d", ihl)
	}
	if len(buf) < ihl {
		return Packet{}, wire.Errorf(layer, core.ErrBufferTooShort, "header length %d, have %d", ihl, len(buf))
	}
	total := int(binary.BigEndian.Uint16(buf[2:4]))
	if total < ihl || total > len(buf) {
		return Packet{}, wire.Errorf(layer, core.ErrLengthMismatch, "total length %d, header %d, have %d", total, ihl, len(buf))
	}
	if checksum.Plain(buf[:ihl]) != 0 {
		return Packet{}, wire.Errorf(layer, core.ErrChecksumMismatch, "carried %#04x", binary.BigEndian.Uint16(buf[10:12]))
	}
	return Packet{buf: buf[:total]}, nil
}

func (p Packet) ihl() int { return int(p.buf[0]&0x0f) * 4 }

// Src returns the source address.
func (p Packet) Src() netip.Addr { return netip.AddrFrom4([4]byte(p.buf[12:16])) }

// Dst returns the destination address.
func (p Packet) Dst() netip.Addr { return netip.AddrFrom4([4]byte(p.buf[16:20])) }

// Proto returns the upper-layer protocol.
func (p Packet) Proto() core.IPProto { return core.IPProto(p.buf[9]) }

// TTL returns the time to live.
func (p Packet) TTL() uint8 { return p.buf[8] }

// TOS returns the type of service byte.
func (p Packet) TOS() uint8 { return p.buf[1] }

// ID returns the identification field.
func (p Packet) ID() uint16 { return binary.BigEndian.Uint16(p.buf[4:6]) }

// IsFragment reports whether the datagram is one piece of a fragmented
// datagram.
func (p Packet) IsFragment() bool {
	f := binary.BigEndian.Uint16(p.buf[6:8])
	return f&flagMF != 0 || f&offsetMask != 0
}

// Options returns the raw header options.
func (p Packet) Options() []byte { return p.buf[MinHeaderLen:p.ihl()] }

// Body returns the payload.
func (p Packet) Body() []byte { return p.buf[p.ihl():] }

// BodyRange locates Body within the parsed buffer.
func (p Packet) BodyRange() wire.Range { return wire.Range{Start: p.ihl(), End: len(p.buf)} }

// Bytes returns the datagram trimmed to its total length.
func (p Packet) Bytes() []byte { return p.buf }

// Builder prepends an IPv4 header. RouterAlert adds the router alert option
// IGMP messages carry.
type Builder struct {
	Src, Dst    netip.Addr
	Proto       core.IPProto
	TTL         uint8
	TOS         uint8
	ID          uint16
	DontFrag    bool
	RouterAlert bool
}

var _ wire.Serializer = (*Builder)(nil)

// HeaderLen returns the bytes the builder prepends.
func (b *Builder) HeaderLen() int {
	if b.RouterAlert {
		return MinHeaderLen + routerAlertLen
	}
	return MinHeaderLen
}

// LayerType implements gopacket.SerializableLayer.
func (b *Builder) LayerType() gopacket.LayerType { return layers.LayerTypeIPv4 }

// SerializeTo implements gopacket.SerializableLayer.
func (b *Builder) SerializeTo(buf gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	if !b.Src.Is4() || !b.Dst.Is4() {
		return wire.Errorf(layer, core.ErrUnsupportedProto, "%s -> %s", b.Src, b.Dst)
	}
	hlen := b.HeaderLen()
	total := hlen + len(buf.Bytes())
	if total > math.MaxUint16 {
		return wire.Errorf(layer, core.ErrLengthMismatch, "datagram of %d bytes", total)
	}
	hdr, err := buf.PrependBytes(hlen)
	if err != nil {
		return err
	}
	hdr[0] = 4<<4 | uint8(hlen/4)
	hdr[1] = b.TOS
	binary.BigEndian.PutUint16(hdr[2:4], uint16(total))
	binary.BigEndian.PutUint16(hdr[4:6], b.ID)
	var flags uint16
	if b.DontFrag {
		flags = 0x4000
	}
	binary.BigEndian.PutUint16(hdr[6:8], flags)
	hdr[8] = b.TTL
	hdr[9] = uint8(b.Proto)
	hdr[10], hdr[11] = 0, 0
	src, dst := b.Src.As4(), b.Dst.As4()
	copy(hdr[12:16], src[:])
	copy(hdr[16:20], dst[:])
	if b.RouterAlert {
		copy(hdr[20:24], []byte{0x94, 0x04, 0x00, 0x00})
	}
	binary.BigEndian.PutUint16(hdr[10:12], checksum.Plain(hdr))
	return nil
}
