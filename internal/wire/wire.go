// Package wire holds the pieces shared by every protocol codec: body ranges,
// typed parse errors, the serializer contract and the ICMP framing used by
// both ICMPv4 and ICMPv6.
//
// Parsing never copies: a parsed message is a view over the caller's buffer
// whose header fields are read in place. Serialization goes through builders
// that implement gopacket.SerializableLayer, so an outer layer can prepend its
// header in front of an inner layer's output without knowing its contents.
package wire

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"

	"firestige.xyz/netcore/internal/core"
)

// Range is a half-open byte range [Start, End) into the buffer a view was
// parsed from.
type Range struct {
	Start int
	End   int
}

// Len returns the number of bytes in the range.
func (r Range) Len() int { return r.End - r.Start }

// Shift returns r moved forward by off bytes. It rebases a range that is
// relative to an inner buffer onto the enclosing one.
func (r Range) Shift(off int) Range {
	return Range{Start: r.Start + off, End: r.End + off}
}

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// ParseError reports why a buffer was rejected. Err is one of the core
// sentinel errors and is reachable through errors.Is.
type ParseError struct {
	Layer  string // e.g. "icmpv6", "ipv4"
	Err    error
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Layer + ": " + e.Err.Error()
	}
	return e.Layer + ": " + e.Err.Error() + ": " + e.Detail
}

func (e *ParseError) Unwrap() error { return e.Err }

// Kind names the sentinel for use as a metric label.
func (e *ParseError) Kind() string {
	switch {
	case errors.Is(e.Err, core.ErrBufferTooShort):
		return "too_short"
	case errors.Is(e.Err, core.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(e.Err, core.ErrUnrecognizedType):
		return "type"
	case errors.Is(e.Err, core.ErrUnrecognizedCode):
		return "code"
	case errors.Is(e.Err, core.ErrLengthMismatch):
		return "length"
	case errors.Is(e.Err, core.ErrUnsupportedProto):
		return "unsupported"
	default:
		return "other"
	}
}

// Errorf builds a ParseError for layer wrapping sentinel.
func Errorf(layer string, sentinel error, format string, args ...any) *ParseError {
	return &ParseError{Layer: layer, Err: sentinel, Detail: fmt.Sprintf(format, args...)}
}

// Serializer is a layer that can be serialized in front of whatever the
// buffer already holds.
type Serializer interface {
	gopacket.SerializableLayer

	// HeaderLen returns the maximum number of bytes the layer prepends. Outer
	// layers use it to reserve room before the body up front.
	HeaderLen() int
}

// HeaderLen sums the header reservations of layers.
func HeaderLen(layers ...Serializer) int {
	n := 0
	for _, l := range layers {
		n += l.HeaderLen()
	}
	return n
}

// NewBuffer returns a serialize buffer with enough prepend room for every
// header in layers and append room for bodyLen bytes.
func NewBuffer(bodyLen int, layers ...Serializer) gopacket.SerializeBuffer {
	return gopacket.NewSerializeBufferExpectedSize(HeaderLen(layers...), bodyLen)
}

// Serialize clears buf and writes layers into it, innermost last, each layer
// prepending its header to the output of the layers after it.
func Serialize(buf gopacket.SerializeBuffer, layers ...gopacket.SerializableLayer) error {
	return gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, layers...)
}

// Build serializes layers into a fresh buffer and returns the bytes.
func Build(layers ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := Serialize(buf, layers...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Chain is a list of layers serialized as one, outermost first. It lets a
// whole IP packet be handed to a link layer as a single Serializer.
type Chain []gopacket.SerializableLayer

var _ Serializer = Chain(nil)

// LayerType returns the type of the outermost layer.
func (c Chain) LayerType() gopacket.LayerType {
	if len(c) == 0 {
		return gopacket.LayerTypePayload
	}
	return c[0].LayerType()
}

// HeaderLen returns the bytes the chain prepends. Raw payloads count their
// full length.
func (c Chain) HeaderLen() int {
	n := 0
	for _, l := range c {
		switch l := l.(type) {
		case Serializer:
			n += l.HeaderLen()
		case gopacket.Payload:
			n += len(l)
		}
	}
	return n
}

// SerializeTo writes the layers innermost first without clearing b.
func (c Chain) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].SerializeTo(b, opts); err != nil {
			return err
		}
		b.PushLayer(c[i].LayerType())
	}
	return nil
}
