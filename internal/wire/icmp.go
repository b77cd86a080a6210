package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket"

	"firestige.xyz/netcore/internal/checksum"
	"firestige.xyz/netcore/internal/core"
)

// ICMPBaseLen is the type, code and checksum prefix every ICMP message
// starts with.
const ICMPBaseLen = 4

// ICMPLayout describes the fixed part of one ICMP message type.
type ICMPLayout struct {
	// HeaderLen is the fixed header length including the 4-byte prefix.
	HeaderLen int
	// MaxCode is the largest code defined for the type. Types without codes
	// use zero, which rejects any non-zero code byte.
	MaxCode uint8
}

// ICMPFamily selects the checksum rules of an ICMP flavor.
type ICMPFamily struct {
	Layer string
	Proto core.IPProto
	// PseudoHeader is set when the checksum covers the IP pseudo-header
	// (ICMPv6); ICMPv4 sums the message alone.
	PseudoHeader bool
}

// ICMPHeader is a validated view over an ICMP message. It borrows buf and
// never copies it.
type ICMPHeader struct {
	buf  []byte
	hlen int
}

// Type returns the raw message type byte.
func (h ICMPHeader) Type() uint8 { return h.buf[0] }

// Code returns the raw code byte.
func (h ICMPHeader) Code() uint8 { return h.buf[1] }

// Checksum returns the checksum carried in the header.
func (h ICMPHeader) Checksum() uint16 { return binary.BigEndian.Uint16(h.buf[2:4]) }

// Fixed returns the type-specific fixed header bytes that follow the
// checksum.
func (h ICMPHeader) Fixed() []byte { return h.buf[ICMPBaseLen:h.hlen] }

// Body returns the message body, sliced from the original buffer.
func (h ICMPHeader) Body() []byte { return h.buf[h.hlen:] }

// BodyRange returns the position of the body within the parsed buffer.
func (h ICMPHeader) BodyRange() Range { return Range{Start: h.hlen, End: len(h.buf)} }

// Bytes returns the whole message.
func (h ICMPHeader) Bytes() []byte { return h.buf }

// ParseICMP validates buf as an ICMP message of family f. layout is consulted
// with the type byte once the checksum has been verified; it reports false
// for types the family does not recognize.
//
// Checks run in this order: base header length, checksum, type, fixed
// header length, code.
func ParseICMP(f ICMPFamily, buf []byte, src, dst netip.Addr, layout func(typ uint8) (ICMPLayout, bool)) (ICMPHeader, error) {
	if len(buf) < ICMPBaseLen {
		return ICMPHeader{}, Errorf(f.Layer, core.ErrBufferTooShort, "%d bytes", len(buf))
	}

	var sum uint16
	if f.PseudoHeader {
		var ok bool
		sum, ok = checksum.Compute(src, dst, uint8(f.Proto), len(buf), checksum.Chunks(buf))
		if !ok {
			return ICMPHeader{}, Errorf(f.Layer, core.ErrLengthMismatch, "%d bytes do not fit the pseudo-header", len(buf))
		}
	} else {
		sum = checksum.Plain(buf)
	}
	if sum != 0 {
		return ICMPHeader{}, Errorf(f.Layer, core.ErrChecksumMismatch, "carried %#04x", binary.BigEndian.Uint16(buf[2:4]))
	}

	l, ok := layout(buf[0])
	if !ok {
		return ICMPHeader{}, Errorf(f.Layer, core.ErrUnrecognizedType, "type %d", buf[0])
	}
	if len(buf) < l.HeaderLen {
		return ICMPHeader{}, Errorf(f.Layer, core.ErrBufferTooShort, "type %d needs %d bytes, have %d", buf[0], l.HeaderLen, len(buf))
	}
	if buf[1] > l.MaxCode {
		return ICMPHeader{}, Errorf(f.Layer, core.ErrUnrecognizedCode, "type %d code %d", buf[0], buf[1])
	}
	return ICMPHeader{buf: buf, hlen: l.HeaderLen}, nil
}

// SerializeICMP prepends an ICMP header in front of the bytes already in b
// and fills in the checksum. The checksum field is zero while the sum is
// computed and is written last.
func SerializeICMP(f ICMPFamily, b gopacket.SerializeBuffer, src, dst netip.Addr, typ, code uint8, fixed []byte) error {
	hlen := ICMPBaseLen + len(fixed)
	if _, err := b.PrependBytes(hlen); err != nil {
		return err
	}
	msg := b.Bytes()
	hdr, body := msg[:hlen], msg[hlen:]
	hdr[0] = typ
	hdr[1] = code
	hdr[2], hdr[3] = 0, 0
	copy(hdr[ICMPBaseLen:], fixed)

	var sum uint16
	if f.PseudoHeader {
		var ok bool
		sum, ok = checksum.Compute(src, dst, uint8(f.Proto), len(msg), checksum.Chunks(hdr, body))
		if !ok {
			return Errorf(f.Layer, core.ErrLengthMismatch, "cannot checksum %d bytes from %s to %s", len(msg), src, dst)
		}
	} else {
		sum = checksum.Plain(hdr, body)
	}
	binary.BigEndian.PutUint16(hdr[2:4], sum)
	return nil
}

// IDSeq is the identifier and sequence number pair of an echo message.
type IDSeq struct {
	id  uint16
	seq uint16
}

// NewIDSeq returns an IDSeq.
func NewIDSeq(id, seq uint16) IDSeq { return IDSeq{id: id, seq: seq} }

// ID returns the echo identifier.
func (s IDSeq) ID() uint16 { return s.id }

// Seq returns the echo sequence number.
func (s IDSeq) Seq() uint16 { return s.seq }

// Bytes returns the on-wire form of the pair.
func (s IDSeq) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], s.id)
	binary.BigEndian.PutUint16(b[2:4], s.seq)
	return b
}

// IDSeqFrom reads an IDSeq from the first four bytes of b.
func IDSeqFrom(b []byte) IDSeq {
	return IDSeq{id: binary.BigEndian.Uint16(b[0:2]), seq: binary.BigEndian.Uint16(b[2:4])}
}
