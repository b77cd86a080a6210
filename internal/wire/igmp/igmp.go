// Package igmp parses and serializes IGMPv1 and IGMPv2 messages (RFC 2236).
package igmp

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netcore/internal/checksum"
	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/wire"
)

// Type is an IGMP message type.
type Type uint8

const (
	TypeMembershipQuery    Type = 0x11
	TypeMembershipReportV1 Type = 0x12
	TypeMembershipReportV2 Type = 0x16
	TypeLeaveGroup         Type = 0x17
)

func (t Type) String() string {
	switch t {
	case TypeMembershipQuery:
		return "MembershipQuery"
	case TypeMembershipReportV1:
		return "MembershipReportV1"
	case TypeMembershipReportV2:
		return "MembershipReportV2"
	case TypeLeaveGroup:
		return "LeaveGroup"
	default:
		return fmt.Sprintf("Type(%#02x)", uint8(t))
	}
}

const (
	// HeaderLen is the size of every IGMPv1/v2 message.
	HeaderLen = 8

	// MaxRespTimeUnit is the unit of the max response time field.
	MaxRespTimeUnit = 100 * time.Millisecond

	layer = "igmp"
)

// Message is a parsed IGMP message: MembershipQuery, MembershipReportV1,
// MembershipReportV2 or LeaveGroup.
type Message interface {
	Type() Type
	Checksum() uint16
	// Group returns the group address field.
	Group() netip.Addr
	// Body returns any bytes past the 8-byte message, such as the IGMPv3
	// query extension that a v2 host ignores.
	Body() []byte
	BodyRange() wire.Range

	igmp()
}

type header struct{ buf []byte }

func (h header) Checksum() uint16      { return binary.BigEndian.Uint16(h.buf[2:4]) }
func (h header) Group() netip.Addr     { return netip.AddrFrom4([4]byte(h.buf[4:8])) }
func (h header) Body() []byte          { return h.buf[HeaderLen:] }
func (h header) BodyRange() wire.Range { return wire.Range{Start: HeaderLen, End: len(h.buf)} }
func (h header) Bytes() []byte         { return h.buf }

// Parse validates buf as an IGMP message. The checksum covers the whole
// message with no pseudo-header.
func Parse(buf []byte) (Message, error) {
	if len(buf) < HeaderLen {
		return nil, wire.Errorf(layer, core.ErrBufferTooShort, "%d bytes", len(buf))
	}
	if checksum.Plain(buf) != 0 {
		return nil, wire.Errorf(layer, core.ErrChecksumMismatch, "carried %#04x", binary.BigEndian.Uint16(buf[2:4]))
	}
	h := header{buf: buf}
	switch Type(buf[0]) {
	case TypeMembershipQuery:
		return MembershipQuery{h}, nil
	case TypeMembershipReportV1:
		return MembershipReportV1{h}, nil
	case TypeMembershipReportV2:
		return MembershipReportV2{h}, nil
	case TypeLeaveGroup:
		return LeaveGroup{h}, nil
	default:
		return nil, wire.Errorf(layer, core.ErrUnrecognizedType, "type %#02x", buf[0])
	}
}

// MembershipQuery is a general or group-specific query.
type MembershipQuery struct{ header }

func (MembershipQuery) Type() Type { return TypeMembershipQuery }
func (MembershipQuery) igmp()      {}

// MaxRespTime returns the max response time. Zero means the query came
// from an IGMPv1 router.
func (m MembershipQuery) MaxRespTime() time.Duration {
	return time.Duration(m.buf[1]) * MaxRespTimeUnit
}

// IsGeneral reports whether the query asks about every group.
func (m MembershipQuery) IsGeneral() bool { return m.Group().IsUnspecified() }

type MembershipReportV1 struct{ header }

func (MembershipReportV1) Type() Type { return TypeMembershipReportV1 }
func (MembershipReportV1) igmp()      {}

type MembershipReportV2 struct{ header }

func (MembershipReportV2) Type() Type { return TypeMembershipReportV2 }
func (MembershipReportV2) igmp()      {}

type LeaveGroup struct{ header }

func (LeaveGroup) Type() Type { return TypeLeaveGroup }
func (LeaveGroup) igmp()      {}

// Builder serializes an IGMP message in front of the buffer contents.
type Builder struct {
	typ     Type
	maxResp uint8
	group   netip.Addr
}

var _ wire.Serializer = (*Builder)(nil)

// NewQuery returns a builder for a membership query. maxResp is rounded
// down to the 100ms unit and capped at the field maximum.
func NewQuery(maxResp time.Duration, group netip.Addr) *Builder {
	units := maxResp / MaxRespTimeUnit
	if units > math.MaxUint8 {
		units = math.MaxUint8
	}
	return &Builder{typ: TypeMembershipQuery, maxResp: uint8(units), group: group}
}

func NewReportV1(group netip.Addr) *Builder {
	return &Builder{typ: TypeMembershipReportV1, group: group}
}

func NewReportV2(group netip.Addr) *Builder {
	return &Builder{typ: TypeMembershipReportV2, group: group}
}

func NewLeaveGroup(group netip.Addr) *Builder {
	return &Builder{typ: TypeLeaveGroup, group: group}
}

func (b *Builder) Type() Type { return b.typ }

func (b *Builder) HeaderLen() int { return HeaderLen }

func (b *Builder) LayerType() gopacket.LayerType { return layers.LayerTypeIGMP }

func (b *Builder) SerializeTo(buf gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	if !b.group.Is4() {
		return wire.Errorf(layer, core.ErrUnsupportedProto, "group %s", b.group)
	}
	if _, err := buf.PrependBytes(HeaderLen); err != nil {
		return err
	}
	msg := buf.Bytes()
	hdr := msg[:HeaderLen]
	hdr[0] = byte(b.typ)
	hdr[1] = b.maxResp
	hdr[2], hdr[3] = 0, 0
	g := b.group.As4()
	copy(hdr[4:8], g[:])
	binary.BigEndian.PutUint16(hdr[2:4], checksum.Plain(hdr, msg[HeaderLen:]))
	return nil
}
