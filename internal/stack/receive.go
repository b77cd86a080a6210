package stack

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/wire"
	"firestige.xyz/netcore/internal/wire/icmpv4"
	"firestige.xyz/netcore/internal/wire/icmpv6"
	wireigmp "firestige.xyz/netcore/internal/wire/igmp"
	"firestige.xyz/netcore/internal/wire/ipv4"
	"firestige.xyz/netcore/internal/wire/ipv6"
)

// Drop reasons used as metric labels.
const (
	reasonParse       = "parse_error"
	reasonNotForUs    = "not_for_us"
	reasonFragment    = "fragment"
	reasonProto       = "unsupported_proto"
	reasonBadSource   = "bad_source"
	reasonReplyFailed = "echo_reply_failed"
)

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

func (s *Stack) receiveIP(dev device.ID, version core.IPVersion, packet []byte) {
	ifc, ok := s.ifaces[dev]
	if !ok {
		return
	}
	switch version {
	case core.IPv4:
		s.receiveIPv4(ifc, packet)
	case core.IPv6:
		s.receiveIPv6(ifc, packet)
	}
}

func (s *Stack) receiveIPv4(ifc *iface, packet []byte) {
	p, err := ipv4.Parse(packet)
	if err != nil {
		s.parseError(ifc, err)
		return
	}
	local, ok := s.acceptIPv4(ifc, p.Dst())
	if !ok {
		s.drop(ifc, reasonNotForUs, core.LabelIPSrc, p.Src(), core.LabelIPDst, p.Dst())
		return
	}
	if p.IsFragment() {
		s.drop(ifc, reasonFragment, core.LabelIPSrc, p.Src(), core.LabelIPDst, p.Dst())
		return
	}

	switch p.Proto() {
	case core.ProtoICMPv4:
		msg, err := icmpv4.Parse(p.Body(), p.Src(), p.Dst())
		if err != nil {
			s.parseError(ifc, err)
			return
		}
		s.receiveICMPv4(ifc, p, local, msg)
	case core.ProtoIGMP:
		msg, err := wireigmp.Parse(p.Body())
		if err != nil {
			s.parseError(ifc, err)
			return
		}
		s.receiveIGMP(ifc, p, msg)
	default:
		s.drop(ifc, reasonProto, core.LabelIPProto, p.Proto(), core.LabelIPSrc, p.Src())
	}
}

// acceptIPv4 reports whether dst is delivered locally and whether it is our
// own unicast address.
func (s *Stack) acceptIPv4(ifc *iface, dst netip.Addr) (unicast, ok bool) {
	switch {
	case dst == allSystemsV4:
		return false, true
	case dst.IsMulticast():
		return false, ifc.igmp.IsJoined(dst)
	case dst == limitedBroadcast:
		return false, true
	}
	prefix, err := s.devices.IPAddrSubnet(ifc.id, core.IPv4)
	if err != nil {
		return false, false
	}
	if dst == prefix.Addr() {
		return true, true
	}
	return false, dst == subnetBroadcast(prefix)
}

func subnetBroadcast(p netip.Prefix) netip.Addr {
	if !p.Addr().Is4() || p.Bits() >= 31 {
		return netip.Addr{}
	}
	a := p.Masked().Addr().As4()
	host := uint32(1)<<(32-p.Bits()) - 1
	for i := 0; i < 4; i++ {
		a[3-i] |= byte(host >> (8 * i))
	}
	return netip.AddrFrom4(a)
}

func (s *Stack) receiveICMPv4(ifc *iface, p ipv4.Packet, local bool, msg icmpv4.Message) {
	switch m := msg.(type) {
	case icmpv4.EchoRequest:
		// Echo requests to broadcast and multicast addresses go unanswered.
		if !local || !unicastSource(p.Src()) {
			return
		}
		s.ipID++
		reply := wire.Chain{
			&ipv4.Builder{Src: p.Dst(), Dst: p.Src(), Proto: core.ProtoICMPv4, TTL: s.cfg.TTL, ID: s.ipID},
			m.Reply(),
			gopacket.Payload(m.Body()),
		}
		s.sendEchoReply(ifc, core.IPv4, p.Src(), reply)
	case icmpv4.EchoReply:
		if s.onEcho != nil {
			s.onEcho(ifc.id, p.Src(), m.IDSeq(), m.Body())
		}
	default:
		s.drops.Debug("icmpv4 message ignored", core.LabelDevice, ifc.id, core.LabelIPSrc, p.Src(), core.LabelICMPType, msg.Type(), core.LabelICMPCode, msg.Code())
	}
}

func (s *Stack) receiveIGMP(ifc *iface, p ipv4.Packet, msg wireigmp.Message) {
	now := s.disp.Now()
	switch m := msg.(type) {
	case wireigmp.MembershipQuery:
		maxResp := m.MaxRespTime()
		if maxResp == 0 && len(ifc.igmp.Groups()) == 0 {
			// No group to answer, so the host returns no action to arm the
			// timer with.
			s.v1RouterPresent(ifc, s.cfg.IGMP.V1RouterPresentTimeout)
		}
		// A v2 group-specific query is addressed to the group itself.
		if !m.IsGeneral() && m.Group() != p.Dst() {
			s.drop(ifc, reasonNotForUs, core.LabelGMPProto, "igmp", core.LabelGMPGroup, m.Group(), core.LabelIPDst, p.Dst())
			return
		}
		s.runIGMP(ifc, ifc.igmp.QueryReceived(m.Group(), maxResp, now))
	case wireigmp.MembershipReportV1:
		ifc.igmp.ReportReceived(m.Group())
	case wireigmp.MembershipReportV2:
		ifc.igmp.ReportReceived(m.Group())
	case wireigmp.LeaveGroup:
		// Only routers act on leaves.
	}
}

func (s *Stack) receiveIPv6(ifc *iface, packet []byte) {
	p, err := ipv6.Parse(packet)
	if err != nil {
		s.parseError(ifc, err)
		return
	}
	local, ok := s.acceptIPv6(ifc, p.Dst())
	if !ok {
		s.drop(ifc, reasonNotForUs, core.LabelIPSrc, p.Src(), core.LabelIPDst, p.Dst())
		return
	}
	if p.NextHeader() != core.ProtoICMPv6 {
		s.drop(ifc, reasonProto, core.LabelIPProto, p.NextHeader(), core.LabelIPSrc, p.Src())
		return
	}
	msg, err := icmpv6.Parse(p.Body(), p.Src(), p.Dst())
	if err != nil {
		s.parseError(ifc, err)
		return
	}

	switch m := msg.(type) {
	case icmpv6.EchoRequest:
		if !local || !unicastSource(p.Src()) {
			return
		}
		reply := wire.Chain{
			&ipv6.Builder{Src: p.Dst(), Dst: p.Src(), NextHeader: core.ProtoICMPv6, HopLimit: s.cfg.TTL},
			m.Reply(p.Dst(), p.Src()),
			gopacket.Payload(m.Body()),
		}
		s.sendEchoReply(ifc, core.IPv6, p.Src(), reply)
	case icmpv6.EchoReply:
		if s.onEcho != nil {
			s.onEcho(ifc.id, p.Src(), m.IDSeq(), m.Body())
		}
	case icmpv6.MulticastListenerQuery:
		// Queries from off-link sources are discarded (RFC 2710 section 5).
		if !p.Src().IsLinkLocalUnicast() {
			s.drop(ifc, reasonBadSource, core.LabelGMPProto, "mld", core.LabelIPSrc, p.Src())
			return
		}
		s.runMLD(ifc, ifc.mld.QueryReceived(m.Group(), m.MaxRespDelay(), s.disp.Now()))
	case icmpv6.MulticastListenerReport:
		if !p.Src().IsLinkLocalUnicast() {
			s.drop(ifc, reasonBadSource, core.LabelGMPProto, "mld", core.LabelIPSrc, p.Src())
			return
		}
		ifc.mld.ReportReceived(m.Group())
	case icmpv6.MulticastListenerDone:
	default:
		s.drops.Debug("icmpv6 message ignored", core.LabelDevice, ifc.id, core.LabelIPSrc, p.Src(), core.LabelICMPType, msg.Type(), core.LabelICMPCode, msg.Code())
	}
}

func (s *Stack) acceptIPv6(ifc *iface, dst netip.Addr) (unicast, ok bool) {
	switch {
	case dst == allNodesV6:
		return false, true
	case dst.IsMulticast():
		return false, ifc.mld.IsJoined(dst)
	}
	prefix, err := s.devices.IPAddrSubnet(ifc.id, core.IPv6)
	if err != nil {
		return false, false
	}
	return dst == prefix.Addr(), dst == prefix.Addr()
}

func unicastSource(a netip.Addr) bool {
	return a.IsValid() && !a.IsUnspecified() && !a.IsMulticast() && a != limitedBroadcast
}

// sendEchoReply sends a reply whose payload aliases the request. A reply that
// cannot be sent is dropped; the requester never learns why.
func (s *Stack) sendEchoReply(ifc *iface, version core.IPVersion, dst netip.Addr, reply wire.Chain) {
	err := s.devices.SendIPFrame(layerContext{s}, ifc.id, dst, reply)
	if err != nil {
		var mtuErr *device.MTUError
		if errors.As(err, &mtuErr) {
			s.drop(ifc, reasonReplyFailed, core.LabelIPDst, dst, "size", mtuErr.Size, "mtu", mtuErr.MTU)
			return
		}
		s.drop(ifc, reasonReplyFailed, core.LabelIPDst, dst, "error", err)
		return
	}
	metrics.EchoRepliesTotal.WithLabelValues(ifc.id.String(), version.String()).Inc()
}

func (s *Stack) parseError(ifc *iface, err error) {
	var pe *wire.ParseError
	if errors.As(err, &pe) {
		metrics.ParseErrorsTotal.WithLabelValues(pe.Layer, pe.Kind()).Inc()
	}
	s.drop(ifc, reasonParse, "error", err)
}

func (s *Stack) drop(ifc *iface, reason string, args ...any) {
	metrics.FramesDroppedTotal.WithLabelValues(ifc.id.String(), reason).Inc()
	s.drops.Debug("packet dropped", append([]any{core.LabelDevice, ifc.id, core.LabelReason, reason}, args...)...)
}
