package stack

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/gmp"
	"firestige.xyz/netcore/internal/gmp/igmp"
	"firestige.xyz/netcore/internal/gmp/mld"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/wire"
	"firestige.xyz/netcore/internal/wire/icmpv4"
	"firestige.xyz/netcore/internal/wire/icmpv6"
	wireigmp "firestige.xyz/netcore/internal/wire/igmp"
	"firestige.xyz/netcore/internal/wire/ipv4"
	"firestige.xyz/netcore/internal/wire/ipv6"
)

// SendEchoRequest sends an ICMP echo request carrying data from the address
// of dev to dst. dst must be on-link. A packet larger than the device MTU is
// not sent and a *device.MTUError is returned.
func (s *Stack) SendEchoRequest(dev device.ID, dst netip.Addr, idSeq wire.IDSeq, data []byte) error {
	if _, err := s.iface(dev); err != nil {
		return err
	}
	version := core.VersionOf(dst)
	if version == 0 {
		return fmt.Errorf("%w: invalid destination %s", core.ErrUnsupportedProto, dst)
	}
	prefix, err := s.devices.IPAddrSubnet(dev, version)
	if err != nil {
		return err
	}
	src := prefix.Addr()

	var req wire.Chain
	switch version {
	case core.IPv4:
		s.ipID++
		req = wire.Chain{
			&ipv4.Builder{Src: src, Dst: dst, Proto: core.ProtoICMPv4, TTL: s.cfg.TTL, ID: s.ipID},
			icmpv4.NewEchoRequest(idSeq),
			gopacket.Payload(data),
		}
	case core.IPv6:
		req = wire.Chain{
			&ipv6.Builder{Src: src, Dst: dst, NextHeader: core.ProtoICMPv6, HopLimit: s.cfg.TTL},
			icmpv6.NewEchoRequest(src, dst, idSeq),
			gopacket.Payload(data),
		}
	}
	return s.devices.SendIPFrame(layerContext{s}, dev, dst, req)
}

// runIGMP realizes the actions of the IGMP host.
func (s *Stack) runIGMP(ifc *iface, actions []igmp.GroupAction) {
	var armed bool
	for _, a := range actions {
		metrics.GMPActionsTotal.WithLabelValues("igmp", a.Kind.String()).Inc()
		switch a.Kind {
		case gmp.ActionSendReport:
			var msg *wireigmp.Builder
			if a.Report.V1RouterPresent {
				msg = wireigmp.NewReportV1(a.Group)
			} else {
				msg = wireigmp.NewReportV2(a.Group)
			}
			// IGMPv1 has no router alert.
			s.sendIGMP(ifc, a.Group, msg, !a.Report.V1RouterPresent)
		case gmp.ActionSendLeave:
			// An IGMPv1 router does not understand leaves (RFC 2236 section 4).
			if ifc.v1Router {
				continue
			}
			s.sendIGMP(ifc, allRoutersV4, wireigmp.NewLeaveGroup(a.Group), true)
		case gmp.ActionSpecific:
			// Every group reports the same querier; one timer covers them.
			if d := a.Specific.ScheduleV1RouterPresentTimer; d > 0 && !armed {
				s.v1RouterPresent(ifc, d)
				armed = true
			}
		}
	}
}

// v1RouterPresent records an IGMPv1 querier on ifc and (re)arms the timer
// that returns the interface to IGMPv2 after timeout.
func (s *Stack) v1RouterPresent(ifc *iface, timeout time.Duration) {
	if !ifc.v1Router {
		slog.Info("igmpv1 router detected", core.LabelDevice, ifc.id)
	}
	ifc.v1Router = true
	ifc.igmp.UpdateProtocolSpecific(func(igmp.State) igmp.State { return igmp.State{V1RouterPresent: true} })
	s.disp.ScheduleTimeout(
		s.disp.Now().Add(timeout),
		TimerID{Kind: TimerIGMPv1RouterPresent, Device: ifc.id},
	)
}

func (s *Stack) v1RouterGone(ifc *iface) {
	ifc.v1Router = false
	igmp.V1RouterPresentTimerExpired(ifc.igmp)
	slog.Info("igmpv1 router present timer expired", core.LabelDevice, ifc.id)
}

func (s *Stack) sendIGMP(ifc *iface, dst netip.Addr, msg *wireigmp.Builder, routerAlert bool) {
	// Hosts without an address yet report from 0.0.0.0.
	src := netip.IPv4Unspecified()
	if prefix, err := s.devices.IPAddrSubnet(ifc.id, core.IPv4); err == nil {
		src = prefix.Addr()
	}
	pkt := wire.Chain{
		&ipv4.Builder{Src: src, Dst: dst, Proto: core.ProtoIGMP, TTL: 1, RouterAlert: routerAlert},
		msg,
	}
	if err := s.devices.SendIPFrame(layerContext{s}, ifc.id, dst, pkt); err != nil {
		s.drops.Warn("send igmp message failed", core.LabelDevice, ifc.id, core.LabelGMPGroup, dst, "type", msg.Type(), "error", err)
	}
}

// runMLD realizes the actions of the MLD host.
func (s *Stack) runMLD(ifc *iface, actions []mld.GroupAction) {
	for _, a := range actions {
		metrics.GMPActionsTotal.WithLabelValues("mld", a.Kind.String()).Inc()
		switch a.Kind {
		case gmp.ActionSendReport:
			s.sendMLD(ifc, a.Group, func(src netip.Addr) *icmpv6.Builder {
				return icmpv6.NewMulticastListenerReport(src, a.Group, a.Group)
			})
		case gmp.ActionSendLeave:
			s.sendMLD(ifc, allRoutersV6, func(src netip.Addr) *icmpv6.Builder {
				return icmpv6.NewMulticastListenerDone(src, allRoutersV6, a.Group)
			})
		}
	}
}

func (s *Stack) sendMLD(ifc *iface, dst netip.Addr, build func(src netip.Addr) *icmpv6.Builder) {
	// MLD messages need a link-local source. Without one the unspecified
	// address is used, as RFC 3590 allows.
	src := netip.IPv6Unspecified()
	if prefix, err := s.devices.IPAddrSubnet(ifc.id, core.IPv6); err == nil && prefix.Addr().IsLinkLocalUnicast() {
		src = prefix.Addr()
	}
	msg := build(src)
	pkt := wire.Chain{
		&ipv6.Builder{Src: src, Dst: dst, NextHeader: core.ProtoICMPv6, HopLimit: 1, RouterAlert: true},
		msg,
	}
	if err := s.devices.SendIPFrame(layerContext{s}, ifc.id, dst, pkt); err != nil {
		s.drops.Warn("send mld message failed", core.LabelDevice, ifc.id, core.LabelGMPGroup, dst, "type", msg.Type(), "error", err)
	}
}
