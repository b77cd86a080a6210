// Package checksum implements the Internet checksum (RFC 1071) used by every
// upper-layer codec, including the IPv4 and IPv6 pseudo-headers.
package checksum

import (
	"encoding/binary"
	"iter"
	"math"
	"net/netip"
)

// Checksum accumulates the one's-complement sum of a byte stream. The stream
// may be fed in chunks of any length; odd chunk boundaries are carried over.
// The zero value is ready to use.
type Checksum struct {
	sum uint64
	odd bool
}

// Add feeds b into the running sum.
func (c *Checksum) Add(b []byte) {
	if len(b) == 0 {
		return
	}
	if c.odd {
		// The previous chunk ended on the high byte of a word.
		c.sum += uint64(b[0])
		b = b[1:]
		c.odd = false
	}
	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		c.sum += uint64(b[i])<<8 | uint64(b[i+1])
	}
	if len(b)&1 == 1 {
		c.sum += uint64(b[len(b)-1]) << 8
		c.odd = true
	}
}

// AddUint16 feeds a big-endian 16-bit word. It must only be called on a word
// boundary.
func (c *Checksum) AddUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	c.Add(b[:])
}

// Sum returns the one's complement of the folded sum, ready to be written
// big-endian into a checksum field. A buffer that already carries a correct
// checksum sums to zero.
func (c *Checksum) Sum() uint16 {
	s := c.sum
	for s>>16 != 0 {
		s = s&0xffff + s>>16
	}
	return ^uint16(s)
}

// Plain computes the checksum of the concatenation of chunks, without any
// pseudo-header. It is used for the IPv4 header and for IGMP.
func Plain(chunks ...[]byte) uint16 {
	var c Checksum
	for _, b := range chunks {
		c.Add(b)
	}
	return c.Sum()
}

// Chunks adapts a fixed list of byte slices into a sequence for Compute.
func Chunks(bs ...[]byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, b := range bs {
			if !yield(b) {
				return
			}
		}
	}
}

// Compute returns the transport checksum over the pseudo-header built from
// src, dst, proto and length, followed by chunks. length is the total number
// of bytes the chunks produce.
//
// The second result is false when the addresses are not both IPv4 or both
// IPv6, or when length does not fit the pseudo-header length field (16 bits
// for IPv4, 32 bits for IPv6).
func Compute(src, dst netip.Addr, proto uint8, length int, chunks iter.Seq[[]byte]) (uint16, bool) {
	var c Checksum
	if !addPseudoHeader(&c, src, dst, proto, length) {
		return 0, false
	}
	for b := range chunks {
		c.Add(b)
	}
	return c.Sum(), true
}

func addPseudoHeader(c *Checksum, src, dst netip.Addr, proto uint8, length int) bool {
	if length < 0 {
		return false
	}
	switch {
	case src.Is4() && dst.Is4():
		if length > math.MaxUint16 {
			return false
		}
		s, d := src.As4(), dst.As4()
		c.Add(s[:])
		c.Add(d[:])
		var b [4]byte
		b[1] = proto
		binary.BigEndian.PutUint16(b[2:], uint16(length))
		c.Add(b[:])
	case src.Is6() && dst.Is6():
		if uint64(length) > math.MaxUint32 {
			return false
		}
		s, d := src.As16(), dst.As16()
		c.Add(s[:])
		c.Add(d[:])
		var b [8]byte
		binary.BigEndian.PutUint32(b[:4], uint32(length))
		b[7] = proto
		c.Add(b[:])
	default:
		return false
	}
	return true
}
