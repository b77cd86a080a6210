package icmpv6

import (
	"encoding/binary"
	"net/netip"
	"time"

	"firestige.xyz/netcore/internal/wire"
)

type mldMessage struct{ wire.ICMPHeader }

// MaxRespDelay returns the maximum response delay. It is only meaningful in
// queries; reports and dones carry zero.
func (m mldMessage) MaxRespDelay() time.Duration {
	return time.Duration(binary.BigEndian.Uint16(m.Fixed()[0:2])) * time.Millisecond
}

// Group returns the multicast address. A general query carries the
// unspecified address.
func (m mldMessage) Group() netip.Addr {
	return netip.AddrFrom16([16]byte(m.Fixed()[4:20]))
}

// MulticastListenerQuery is an MLDv1 query.
type MulticastListenerQuery struct{ mldMessage }

func (MulticastListenerQuery) Type() Type { return TypeMulticastListenerQuery }
func (MulticastListenerQuery) icmpv6()    {}

// IsGeneral reports whether the query asks about every group.
func (m MulticastListenerQuery) IsGeneral() bool { return m.Group().IsUnspecified() }

// MulticastListenerReport is an MLDv1 report.
type MulticastListenerReport struct{ mldMessage }

func (MulticastListenerReport) Type() Type { return TypeMulticastListenerReport }
func (MulticastListenerReport) icmpv6()    {}

// MulticastListenerDone is an MLDv1 done message.
type MulticastListenerDone struct{ mldMessage }

func (MulticastListenerDone) Type() Type { return TypeMulticastListenerDone }
func (MulticastListenerDone) icmpv6()    {}
