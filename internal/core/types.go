// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// IPVersion identifies an IP protocol version.
type IPVersion uint8

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

func (v IPVersion) String() string {
	switch v {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("IPVersion(%d)", uint8(v))
	}
}

// VersionOf returns the IP version of addr. Zero is returned for an invalid
// address. IPv4-mapped IPv6 addresses are IPv6.
func VersionOf(addr netip.Addr) IPVersion {
	switch {
	case addr.Is4():
		return IPv4
	case addr.Is6():
		return IPv6
	default:
		return 0
	}
}

// IPProto is an IPv4 protocol number or IPv6 next header value.
type IPProto uint8

const (
	ProtoICMPv4 IPProto = 1
	ProtoIGMP   IPProto = 2
	ProtoTCP    IPProto = 6
	ProtoUDP    IPProto = 17
	ProtoICMPv6 IPProto = 58
)

func (p IPProto) String() string {
	switch p {
	case ProtoICMPv4:
		return "ICMPv4"
	case ProtoIGMP:
		return "IGMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoICMPv6:
		return "ICMPv6"
	default:
		return fmt.Sprintf("IPProto(%d)", uint8(p))
	}
}
