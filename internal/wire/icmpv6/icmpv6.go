// Package icmpv6 parses and serializes ICMPv6 messages (RFC 4443) and the
// MLDv1 messages carried in ICMPv6 (RFC 2710).
package icmpv6

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/wire"
)

// Type is an ICMPv6 message type.
type Type uint8

const (
	TypeDestUnreachable         Type = 1
	TypePacketTooBig            Type = 2
	TypeTimeExceeded            Type = 3
	TypeParameterProblem        Type = 4
	TypeEchoRequest             Type = 128
	TypeEchoReply               Type = 129
	TypeMulticastListenerQuery  Type = 130
	TypeMulticastListenerReport Type = 131
	TypeMulticastListenerDone   Type = 132
)

func (t Type) String() string {
	switch t {
	case TypeDestUnreachable:
		return "DestUnreachable"
	case TypePacketTooBig:
		return "PacketTooBig"
	case TypeTimeExceeded:
		return "TimeExceeded"
	case TypeParameterProblem:
		return "ParameterProblem"
	case TypeEchoRequest:
		return "EchoRequest"
	case TypeEchoReply:
		return "EchoReply"
	case TypeMulticastListenerQuery:
		return "MulticastListenerQuery"
	case TypeMulticastListenerReport:
		return "MulticastListenerReport"
	case TypeMulticastListenerDone:
		return "MulticastListenerDone"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// DestUnreachableCode is the code of a DestUnreachable message.
type DestUnreachableCode uint8

const (
	CodeNoRoute             DestUnreachableCode = 0
	CodeCommAdminProhibited DestUnreachableCode = 1
	CodeBeyondScope         DestUnreachableCode = 2
	CodeAddrUnreachable     DestUnreachableCode = 3
	CodePortUnreachable     DestUnreachableCode = 4
	CodeSrcAddrFailedPolicy DestUnreachableCode = 5
	CodeRejectRoute         DestUnreachableCode = 6
)

// TimeExceededCode is the code of a TimeExceeded message.
type TimeExceededCode uint8

const (
	CodeHopLimitExceeded       TimeExceededCode = 0
	CodeFragmentReassemblyTime TimeExceededCode = 1
)

// ParameterProblemCode is the code of a ParameterProblem message.
type ParameterProblemCode uint8

const (
	CodeErroneousHeaderField   ParameterProblemCode = 0
	CodeUnrecognizedNextHeader ParameterProblemCode = 1
	CodeUnrecognizedOption     ParameterProblemCode = 2
)

const (
	fixedLen    = 4
	headerLen   = wire.ICMPBaseLen + fixedLen
	mldFixedLen = 20
	mldLen      = wire.ICMPBaseLen + mldFixedLen
)

var family = wire.ICMPFamily{Layer: "icmpv6", Proto: core.ProtoICMPv6, PseudoHeader: true}

// layout is the dispatch table keyed by the type byte.
func layout(typ uint8) (wire.ICMPLayout, bool) {
	switch Type(typ) {
	case TypeDestUnreachable:
		return wire.ICMPLayout{HeaderLen: headerLen, MaxCode: uint8(CodeRejectRoute)}, true
	case TypePacketTooBig, TypeEchoRequest, TypeEchoReply:
		return wire.ICMPLayout{HeaderLen: headerLen}, true
	case TypeTimeExceeded:
		return wire.ICMPLayout{HeaderLen: headerLen, MaxCode: uint8(CodeFragmentReassemblyTime)}, true
	case TypeParameterProblem:
		return wire.ICMPLayout{HeaderLen: headerLen, MaxCode: uint8(CodeUnrecognizedOption)}, true
	case TypeMulticastListenerQuery, TypeMulticastListenerReport, TypeMulticastListenerDone:
		return wire.ICMPLayout{HeaderLen: mldLen}, true
	default:
		return wire.ICMPLayout{}, false
	}
}

// Message is a parsed ICMPv6 message. The concrete type is one of
// DestUnreachable, PacketTooBig, TimeExceeded, ParameterProblem,
// EchoRequest, EchoReply, MulticastListenerQuery, MulticastListenerReport or
// MulticastListenerDone.
type Message interface {
	Type() Type
	Code() uint8
	Checksum() uint16
	// Body returns the bytes after the fixed header, borrowed from the
	// parsed buffer.
	Body() []byte
	// BodyRange locates Body within the parsed buffer.
	BodyRange() wire.Range

	icmpv6()
}

// ErrorMessage is implemented by the error messages whose body is a snippet
// of the packet that caused them.
type ErrorMessage interface {
	Message
	OriginalPacket() []byte
}

// Parse validates buf as an ICMPv6 message sent from src to dst and returns
// the typed view. buf is borrowed, not copied.
func Parse(buf []byte, src, dst netip.Addr) (Message, error) {
	h, err := wire.ParseICMP(family, buf, src, dst, layout)
	if err != nil {
		return nil, err
	}
	switch Type(h.Type()) {
	case TypeDestUnreachable:
		return DestUnreachable{h}, nil
	case TypePacketTooBig:
		return PacketTooBig{h}, nil
	case TypeTimeExceeded:
		return TimeExceeded{h}, nil
	case TypeParameterProblem:
		return ParameterProblem{h}, nil
	case TypeEchoRequest:
		return EchoRequest{h}, nil
	case TypeEchoReply:
		return EchoReply{h}, nil
	case TypeMulticastListenerQuery:
		return MulticastListenerQuery{mldMessage{h}}, nil
	case TypeMulticastListenerReport:
		return MulticastListenerReport{mldMessage{h}}, nil
	case TypeMulticastListenerDone:
		return MulticastListenerDone{mldMessage{h}}, nil
	}
	// layout and the switch above cover the same types.
	panic(fmt.Sprintf("icmpv6: no view for type %d", h.Type()))
}

// EchoRequest is an Echo Request message.
type EchoRequest struct{ wire.ICMPHeader }

func (EchoRequest) Type() Type { return TypeEchoRequest }
func (EchoRequest) icmpv6()    {}

// IDSeq returns the identifier and sequence number.
func (m EchoRequest) IDSeq() wire.IDSeq { return wire.IDSeqFrom(m.Fixed()) }

// Reply returns a builder for the matching Echo Reply from src to dst. The
// body is supplied by the next layer, usually gopacket.Payload(m.Body()).
func (m EchoRequest) Reply(src, dst netip.Addr) *Builder {
	return NewEchoReply(src, dst, m.IDSeq())
}

// EchoReply is an Echo Reply message.
type EchoReply struct{ wire.ICMPHeader }

func (EchoReply) Type() Type { return TypeEchoReply }
func (EchoReply) icmpv6()    {}

// IDSeq returns the identifier and sequence number.
func (m EchoReply) IDSeq() wire.IDSeq { return wire.IDSeqFrom(m.Fixed()) }

// DestUnreachable is a Destination Unreachable message.
type DestUnreachable struct{ wire.ICMPHeader }

func (DestUnreachable) Type() Type { return TypeDestUnreachable }
func (DestUnreachable) icmpv6()    {}

// UnreachableCode returns the typed code.
func (m DestUnreachable) UnreachableCode() DestUnreachableCode {
	return DestUnreachableCode(m.Code())
}

// OriginalPacket returns the invoking packet snippet.
func (m DestUnreachable) OriginalPacket() []byte { return m.Body() }

// PacketTooBig is a Packet Too Big message.
type PacketTooBig struct{ wire.ICMPHeader }

func (PacketTooBig) Type() Type { return TypePacketTooBig }
func (PacketTooBig) icmpv6()    {}

// MTU returns the MTU of the next-hop link.
func (m PacketTooBig) MTU() uint32 { return binary.BigEndian.Uint32(m.Fixed()) }

// OriginalPacket returns the invoking packet snippet.
func (m PacketTooBig) OriginalPacket() []byte { return m.Body() }

// TimeExceeded is a Time Exceeded message.
type TimeExceeded struct{ wire.ICMPHeader }

func (TimeExceeded) Type() Type { return TypeTimeExceeded }
func (TimeExceeded) icmpv6()    {}

// TimeExceededCode returns the typed code.
func (m TimeExceeded) TimeExceededCode() TimeExceededCode { return TimeExceededCode(m.Code()) }

// OriginalPacket returns the invoking packet snippet.
func (m TimeExceeded) OriginalPacket() []byte { return m.Body() }

// ParameterProblem is a Parameter Problem message.
type ParameterProblem struct{ wire.ICMPHeader }

func (ParameterProblem) Type() Type { return TypeParameterProblem }
func (ParameterProblem) icmpv6()    {}

// ProblemCode returns the typed code.
func (m ParameterProblem) ProblemCode() ParameterProblemCode { return ParameterProblemCode(m.Code()) }

// Pointer returns the offset of the offending octet in the original packet.
func (m ParameterProblem) Pointer() uint32 { return binary.BigEndian.Uint32(m.Fixed()) }

// OriginalPacket returns the invoking packet snippet.
func (m ParameterProblem) OriginalPacket() []byte { return m.Body() }
