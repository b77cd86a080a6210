// Package icmpv4 parses and serializes ICMP messages for IPv4 (RFC 792).
package icmpv4

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/wire"
)

// Type is an ICMPv4 message type.
type Type uint8

const (
	TypeEchoReply        Type = 0
	TypeDestUnreachable  Type = 3
	TypeEchoRequest      Type = 8
	TypeTimeExceeded     Type = 11
	TypeParameterProblem Type = 12
)

func (t Type) String() string {
	switch t {
	case TypeEchoReply:
		return "EchoReply"
	case TypeDestUnreachable:
		return "DestUnreachable"
	case TypeEchoRequest:
		return "EchoRequest"
	case TypeTimeExceeded:
		return "TimeExceeded"
	case TypeParameterProblem:
		return "ParameterProblem"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// DestUnreachableCode is the code of a DestUnreachable message.
type DestUnreachableCode uint8

const (
	CodeNetUnreachable          DestUnreachableCode = 0
	CodeHostUnreachable         DestUnreachableCode = 1
	CodeProtoUnreachable        DestUnreachableCode = 2
	CodePortUnreachable         DestUnreachableCode = 3
	CodeFragmentationNeeded     DestUnreachableCode = 4
	CodeSourceRouteFailed       DestUnreachableCode = 5
	CodeNetUnknown              DestUnreachableCode = 6
	CodeHostUnknown             DestUnreachableCode = 7
	CodeSourceHostIsolated      DestUnreachableCode = 8
	CodeNetProhibited           DestUnreachableCode = 9
	CodeHostProhibited          DestUnreachableCode = 10
	CodeNetUnreachableForTOS    DestUnreachableCode = 11
	CodeHostUnreachableForTOS   DestUnreachableCode = 12
	CodeCommAdminProhibited     DestUnreachableCode = 13
	CodeHostPrecedenceViolation DestUnreachableCode = 14
	CodePrecedenceCutoff        DestUnreachableCode = 15
)

// TimeExceededCode is the code of a TimeExceeded message.
type TimeExceededCode uint8

const (
	CodeTTLExceeded            TimeExceededCode = 0
	CodeFragmentReassemblyTime TimeExceededCode = 1
)

// ParameterProblemCode is the code of a ParameterProblem message.
type ParameterProblemCode uint8

const (
	CodePointerIndicatesError ParameterProblemCode = 0
	CodeMissingOption         ParameterProblemCode = 1
	CodeBadLength             ParameterProblemCode = 2
)

const (
	fixedLen  = 4
	headerLen = wire.ICMPBaseLen + fixedLen
)

var family = wire.ICMPFamily{Layer: "icmpv4", Proto: core.ProtoICMPv4}

func layout(typ uint8) (wire.ICMPLayout, bool) {
	switch Type(typ) {
	case TypeEchoReply, TypeEchoRequest:
		return wire.ICMPLayout{HeaderLen: headerLen}, true
	case TypeDestUnreachable:
		return wire.ICMPLayout{HeaderLen: headerLen, MaxCode: uint8(CodePrecedenceCutoff)}, true
	case TypeTimeExceeded:
		return wire.ICMPLayout{HeaderLen: headerLen, MaxCode: uint8(CodeFragmentReassemblyTime)}, true
	case TypeParameterProblem:
		return wire.ICMPLayout{HeaderLen: headerLen, MaxCode: uint8(CodeBadLength)}, true
	default:
		return wire.ICMPLayout{}, false
	}
}

// Message is a parsed ICMPv4 message: EchoRequest, EchoReply,
// DestUnreachable, TimeExceeded or ParameterProblem.
type Message interface {
	Type() Type
	Code() uint8
	Checksum() uint16
	Body() []byte
	BodyRange() wire.Range

	icmpv4()
}

// ErrorMessage is implemented by messages that quote the offending datagram.
type ErrorMessage interface {
	Message
	OriginalPacket() []byte
}

// Parse validates buf as an ICMPv4 message. The checksum covers the message
// alone, so src and dst are only checked to be IPv4 addresses.
func Parse(buf []byte, src, dst netip.Addr) (Message, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, wire.Errorf(family.Layer, core.ErrUnsupportedProto, "%s -> %s", src, dst)
	}
	h, err := wire.ParseICMP(family, buf, src, dst, layout)
	if err != nil {
		return nil, err
	}
	switch Type(h.Type()) {
	case TypeEchoRequest:
		return EchoRequest{h}, nil
	case TypeEchoReply:
		return EchoReply{h}, nil
	case TypeDestUnreachable:
		return DestUnreachable{h}, nil
	case TypeTimeExceeded:
		return TimeExceeded{h}, nil
	case TypeParameterProblem:
		return ParameterProblem{h}, nil
	}
	panic(fmt.Sprintf("icmpv4: no view for type %d", h.Type()))
}

type EchoRequest struct{ wire.ICMPHeader }

func (EchoRequest) Type() Type { return TypeEchoRequest }
func (EchoRequest) icmpv4()    {}

func (m EchoRequest) IDSeq() wire.IDSeq { return wire.IDSeqFrom(m.Fixed()) }

// Reply returns a builder for the matching Echo Reply.
func (m EchoRequest) Reply() *Builder { return NewEchoReply(m.IDSeq()) }

type EchoReply struct{ wire.ICMPHeader }

func (EchoReply) Type() Type { return TypeEchoReply }
func (EchoReply) icmpv4()    {}

func (m EchoReply) IDSeq() wire.IDSeq { return wire.IDSeqFrom(m.Fixed()) }

type DestUnreachable struct{ wire.ICMPHeader }

func (DestUnreachable) Type() Type { return TypeDestUnreachable }
func (DestUnreachable) icmpv4()    {}

func (m DestUnreachable) UnreachableCode() DestUnreachableCode {
	return DestUnreachableCode(m.Code())
}

// NextHopMTU returns the MTU carried by a fragmentation-needed message
// (RFC 1191). It is zero for the other codes.
func (m DestUnreachable) NextHopMTU() uint16 {
	if m.UnreachableCode() != CodeFragmentationNeeded {
		return 0
	}
	return binary.BigEndian.Uint16(m.Fixed()[2:4])
}

func (m DestUnreachable) OriginalPacket() []byte { return m.Body() }

type TimeExceeded struct{ wire.ICMPHeader }

func (TimeExceeded) Type() Type { return TypeTimeExceeded }
func (TimeExceeded) icmpv4()    {}

func (m TimeExceeded) TimeExceededCode() TimeExceededCode { return TimeExceededCode(m.Code()) }

func (m TimeExceeded) OriginalPacket() []byte { return m.Body() }

type ParameterProblem struct{ wire.ICMPHeader }

func (ParameterProblem) Type() Type { return TypeParameterProblem }
func (ParameterProblem) icmpv4()    {}

func (m ParameterProblem) ProblemCode() ParameterProblemCode { return ParameterProblemCode(m.Code()) }

// Pointer returns the offset of the offending octet.
func (m ParameterProblem) Pointer() uint8 { return m.Fixed()[0] }

func (m ParameterProblem) OriginalPacket() []byte { return m.Body() }

// Builder serializes an ICMPv4 header in front of the buffer contents.
type Builder struct {
	typ   Type
	code  uint8
	fixed [fixedLen]byte
}

var _ wire.Serializer = (*Builder)(nil)

func NewEchoRequest(idSeq wire.IDSeq) *Builder {
	return &Builder{typ: TypeEchoRequest, fixed: idSeq.Bytes()}
}

func NewEchoReply(idSeq wire.IDSeq) *Builder {
	return &Builder{typ: TypeEchoReply, fixed: idSeq.Bytes()}
}

// NewDestUnreachable returns a builder for a Destination Unreachable. mtu is
// written only for CodeFragmentationNeeded.
func NewDestUnreachable(code DestUnreachableCode, mtu uint16) *Builder {
	b := &Builder{typ: TypeDestUnreachable, code: uint8(code)}
	if code == CodeFragmentationNeeded {
		binary.BigEndian.PutUint16(b.fixed[2:4], mtu)
	}
	return b
}

func NewTimeExceeded(code TimeExceededCode) *Builder {
	return &Builder{typ: TypeTimeExceeded, code: uint8(code)}
}

func NewParameterProblem(code ParameterProblemCode, pointer uint8) *Builder {
	b := &Builder{typ: TypeParameterProblem, code: uint8(code)}
	b.fixed[0] = pointer
	return b
}

func (b *Builder) Type() Type { return b.typ }

func (b *Builder) HeaderLen() int { return headerLen }

func (b *Builder) LayerType() gopacket.LayerType { return layers.LayerTypeICMPv4 }

func (b *Builder) SerializeTo(buf gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	return wire.SerializeICMP(family, buf, netip.Addr{}, netip.Addr{}, uint8(b.typ), b.code, b.fixed[:])
}
