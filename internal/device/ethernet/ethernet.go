// Package ethernet implements the Ethernet link layer of a device: frame
// encapsulation, the MTU check, next hop hardware address resolution and
// the receive filter.
package ethernet

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device/arp"
	"firestige.xyz/netcore/internal/log"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/wire"
)

// HeaderLen is the length of an untagged Ethernet II header.
const HeaderLen = 14

// Drop reasons used as metric labels.
const (
	reasonMalformed   = "malformed"
	reasonNotForUs    = "not_for_us"
	reasonEtherType   = "unsupported_ethertype"
	reasonVLAN        = "vlan"
	reasonARP         = "malformed_arp"
	reasonARPOverflow = "arp_queue_full"
	reasonARPFailed   = "arp_unresolved"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Context is what a device needs from its owner. All calls happen on the
// owner's thread.
type Context interface {
	SendFrame(frame []byte) error
	ReceiveIP(version core.IPVersion, packet []byte)
	ScheduleARPTimeout(deadline time.Time, id arp.TimerID)
	CancelARPTimeout(id arp.TimerID)
	Now() time.Time
}

// SizeError reports an IP packet larger than the device MTU.
type SizeError struct {
	MTU  int
	Size int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("packet of %d bytes exceeds mtu %d", e.Size, e.MTU)
}

func (e *SizeError) Unwrap() error { return core.ErrMTUExceeded }

// Device is the state of one Ethernet device.
type Device struct {
	name string
	mac  net.HardwareAddr
	mtu  int

	ipv4 netip.Prefix
	ipv6 netip.Prefix

	arp       *arp.Table
	neighbors map[netip.Addr]net.HardwareAddr
	multicast map[[6]byte]int

	drops *log.Limited
}

// New returns a device with hardware address mac. mtu bounds the IP packet
// carried in one frame. name labels logs and metrics.
func New(name string, mac net.HardwareAddr, mtu int, arpCfg arp.Config) *Device {
	return &Device{
		name:      name,
		mac:       append(net.HardwareAddr(nil), mac...),
		mtu:       mtu,
		arp:       arp.NewTable(arpCfg),
		neighbors: make(map[netip.Addr]net.HardwareAddr),
		multicast: make(map[[6]byte]int),
		drops:     log.NewDropLogger("ethernet"),
	}
}

func (d *Device) Name() string          { return d.name }
func (d *Device) MAC() net.HardwareAddr { return d.mac }
func (d *Device) MTU() int              { return d.mtu }

// Addr returns the address and subnet of the given IP version.
func (d *Device) Addr(v core.IPVersion) (netip.Prefix, bool) {
	switch v {
	case core.IPv4:
		return d.ipv4, d.ipv4.IsValid()
	case core.IPv6:
		return d.ipv6, d.ipv6.IsValid()
	}
	return netip.Prefix{}, false
}

// SetAddr replaces the address of the prefix's IP version.
func (d *Device) SetAddr(p netip.Prefix) error {
	switch core.VersionOf(p.Addr()) {
	case core.IPv4:
		d.ipv4 = p
	case core.IPv6:
		d.ipv6 = p
	default:
		return fmt.Errorf("%w: prefix %s", core.ErrUnsupportedProto, p)
	}
	return nil
}

// AddStaticNeighbor binds ip to mac. IPv4 entries go into the ARP table and
// are never replaced by learning.
func (d *Device) AddStaticNeighbor(ip netip.Addr, mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("invalid hardware address %s", mac)
	}
	mac = append(net.HardwareAddr(nil), mac...)
	switch core.VersionOf(ip) {
	case core.IPv4:
		d.arp.AddStatic(ip, mac)
	case core.IPv6:
		d.neighbors[ip] = mac
	default:
		return fmt.Errorf("%w: neighbor %s", core.ErrUnsupportedProto, ip)
	}
	return nil
}

// JoinMulticast makes the receive filter accept frames sent to group's
// link-layer address. Joins are counted; each needs a matching leave.
func (d *Device) JoinMulticast(group netip.Addr) error {
	mac, ok := MulticastMAC(group)
	if !ok {
		return fmt.Errorf("%w: %s is not multicast", core.ErrUnsupportedProto, group)
	}
	d.multicast[[6]byte(mac)]++
	return nil
}

// LeaveMulticast undoes one JoinMulticast.
func (d *Device) LeaveMulticast(group netip.Addr) error {
	mac, ok := MulticastMAC(group)
	if !ok {
		return fmt.Errorf("%w: %s is not multicast", core.ErrUnsupportedProto, group)
	}
	k := [6]byte(mac)
	if d.multicast[k] <= 1 {
		delete(d.multicast, k)
	} else {
		d.multicast[k]--
	}
	return nil
}

// MulticastMAC maps an IP multicast address to its Ethernet group address:
// 01:00:5e plus the low 23 bits for IPv4 (RFC 1112), 33:33 plus the low 32
// bits for IPv6 (RFC 2464).
func MulticastMAC(group netip.Addr) (net.HardwareAddr, bool) {
	if !group.IsMulticast() {
		return nil, false
	}
	if group.Is4() {
		a := group.As4()
		return net.HardwareAddr{0x01, 0x00, 0x5e, a[1] & 0x7f, a[2], a[3]}, true
	}
	a := group.As16()
	return net.HardwareAddr{0x33, 0x33, a[12], a[13], a[14], a[15]}, true
}

// SendIP serializes body and sends it to localAddr, the on-link address of
// the next hop. The packet is checked against the MTU before anything is
// sent; a *SizeError leaves body untouched for the caller. An IPv4
// destination without an ARP entry is queued while the request is
// outstanding.
func (d *Device) SendIP(ctx Context, localAddr netip.Addr, body wire.Serializer) error {
	version := core.VersionOf(localAddr)
	var etherType layers.EthernetType
	switch version {
	case core.IPv4:
		etherType = layers.EthernetTypeIPv4
	case core.IPv6:
		etherType = layers.EthernetTypeIPv6
	default:
		return fmt.Errorf("%w: next hop %s", core.ErrUnsupportedProto, localAddr)
	}

	buf := gopacket.NewSerializeBufferExpectedSize(HeaderLen+body.HeaderLen(), 0)
	if err := body.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		return fmt.Errorf("serialize ip packet: %w", err)
	}
	if size := len(buf.Bytes()); size > d.mtu {
		return &SizeError{MTU: d.mtu, Size: size}
	}

	dst, resolved, err := d.resolve(localAddr)
	if err != nil {
		return err
	}
	if !resolved {
		dst = make(net.HardwareAddr, 6)
	}
	eth := &layers.Ethernet{SrcMAC: d.mac, DstMAC: dst, EthernetType: etherType}
	if err := eth.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		return fmt.Errorf("serialize ethernet header: %w", err)
	}

	if resolved {
		return d.send(ctx, buf.Bytes())
	}
	return d.enqueue(ctx, localAddr, buf.Bytes())
}

// resolve finds the hardware address of an on-link address. resolved is
// false for an IPv4 unicast address that needs ARP.
func (d *Device) resolve(addr netip.Addr) (mac net.HardwareAddr, resolved bool, err error) {
	if mac, ok := MulticastMAC(addr); ok {
		return mac, true, nil
	}
	if addr.Is4() {
		if addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) || d.isSubnetBroadcast(addr) {
			return broadcastMAC, true, nil
		}
		if mac, ok := d.arp.Lookup(addr); ok {
			return mac, true, nil
		}
		if !d.ipv4.IsValid() {
			return nil, false, fmt.Errorf("%w: cannot resolve %s on %s", core.ErrNoAddress, addr, d.name)
		}
		return nil, false, nil
	}
	if mac, ok := d.neighbors[addr]; ok {
		return mac, true, nil
	}
	return nil, false, fmt.Errorf("%w: %s on %s", core.ErrNeighborUnknown, addr, d.name)
}

func (d *Device) isSubnetBroadcast(addr netip.Addr) bool {
	p := d.ipv4
	if !p.IsValid() || p.Bits() >= 31 || !p.Contains(addr) {
		return false
	}
	a := addr.As4()
	host := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	mask := uint32(1)<<(32-p.Bits()) - 1
	return host&mask == mask
}

func (d *Device) enqueue(ctx Context, ip netip.Addr, frame []byte) error {
	started, dropped := d.arp.Enqueue(ip, frame)
	if dropped {
		metrics.FramesDroppedTotal.WithLabelValues(d.name, reasonARPOverflow).Inc()
	}
	if !started {
		return nil
	}
	// The timer drives retransmission, so a failed first request is retried
	// like a lost one.
	ctx.ScheduleARPTimeout(ctx.Now().Add(d.arp.Config().RequestTimeout), arp.TimerID{Addr: ip})
	if err := d.sendARPRequest(ctx, ip); err != nil {
		d.drops.Warn("arp request failed", core.LabelDevice, d.name, core.LabelARPTarget, ip, "error", err)
	}
	return nil
}

func (d *Device) sendARPRequest(ctx Context, target netip.Addr) error {
	frame, err := wire.Build(
		&layers.Ethernet{SrcMAC: d.mac, DstMAC: broadcastMAC, EthernetType: layers.EthernetTypeARP},
		arp.Request(d.mac, d.ipv4.Addr(), target),
	)
	if err != nil {
		return fmt.Errorf("build arp request: %w", err)
	}
	metrics.ARPRequestsTotal.WithLabelValues(d.name).Inc()
	return d.send(ctx, frame)
}

func (d *Device) send(ctx Context, frame []byte) error {
	if err := ctx.SendFrame(frame); err != nil {
		return err
	}
	metrics.FramesSentTotal.WithLabelValues(d.name).Inc()
	return nil
}

// HandleARPTimeout retransmits the request for id or gives up on it.
func (d *Device) HandleARPTimeout(ctx Context, id arp.TimerID) {
	retry, dropped := d.arp.Timeout(id.Addr)
	if retry {
		if err := d.sendARPRequest(ctx, id.Addr); err != nil {
			d.drops.Warn("arp retransmit failed", core.LabelDevice, d.name, core.LabelARPTarget, id.Addr, "error", err)
		}
		ctx.ScheduleARPTimeout(ctx.Now().Add(d.arp.Config().RequestTimeout), id)
		return
	}
	if dropped > 0 {
		metrics.ARPResolutionsTotal.WithLabelValues(d.name, "failed").Inc()
		metrics.FramesDroppedTotal.WithLabelValues(d.name, reasonARPFailed).Add(float64(dropped))
		d.drops.Debug("arp resolution failed", core.LabelDevice, d.name, core.LabelARPTarget, id.Addr, "frames", dropped)
	}
}

// Receive processes one inbound frame. It never fails: malformed or
// unwanted frames are counted and dropped.
func (d *Device) Receive(ctx Context, frame []byte) {
	metrics.FramesReceivedTotal.WithLabelValues(d.name).Inc()

	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		d.drop(reasonMalformed, "error", err, "len", len(frame))
		return
	}
	if !d.accepts(eth.DstMAC) {
		metrics.FramesDroppedTotal.WithLabelValues(d.name, reasonNotForUs).Inc()
		return
	}

	etherType, payload := eth.EthernetType, eth.Payload
	if etherType == layers.EthernetTypeDot1Q {
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			d.drop(reasonMalformed, "error", err)
			return
		}
		// Priority-tagged frames (VLAN 0) belong to the untagged network.
		if tag.VLANIdentifier != 0 {
			d.drop(reasonVLAN, "vlan", tag.VLANIdentifier)
			return
		}
		etherType, payload = tag.Type, tag.Payload
	}

	switch etherType {
	case layers.EthernetTypeARP:
		d.receiveARP(ctx, payload)
	case layers.EthernetTypeIPv4:
		ctx.ReceiveIP(core.IPv4, payload)
	case layers.EthernetTypeIPv6:
		ctx.ReceiveIP(core.IPv6, payload)
	default:
		d.drop(reasonEtherType, core.LabelEtherType, etherType, core.LabelEthSrc, eth.SrcMAC)
	}
}

func (d *Device) accepts(dst net.HardwareAddr) bool {
	if bytes.Equal(dst, d.mac) || bytes.Equal(dst, broadcastMAC) {
		return true
	}
	return d.multicast[[6]byte(dst)] > 0
}

func (d *Device) receiveARP(ctx Context, payload []byte) {
	p, err := arp.Parse(payload)
	if err != nil {
		d.drop(reasonARP, "error", err)
		return
	}
	if p.SenderIP.IsUnspecified() {
		return
	}

	forUs := d.ipv4.IsValid() && p.TargetIP == d.ipv4.Addr()
	if forUs || d.arp.Known(p.SenderIP) {
		frames, resolved := d.arp.Learn(p.SenderIP, p.SenderMAC)
		if resolved {
			ctx.CancelARPTimeout(arp.TimerID{Addr: p.SenderIP})
			metrics.ARPResolutionsTotal.WithLabelValues(d.name, "resolved").Inc()
			slog.Debug("arp resolved", core.LabelDevice, d.name, core.LabelARPTarget, p.SenderIP, "frames", len(frames))
			// A static entry keeps its configured address.
			mac, _ := d.arp.Lookup(p.SenderIP)
			for _, f := range frames {
				copy(f[0:6], mac)
				if err := d.send(ctx, f); err != nil {
					d.drops.Warn("send queued frame failed", core.LabelDevice, d.name, "error", err)
				}
			}
		}
	}

	if forUs && p.Operation == layers.ARPRequest {
		reply, err := wire.Build(
			&layers.Ethernet{SrcMAC: d.mac, DstMAC: p.SenderMAC, EthernetType: layers.EthernetTypeARP},
			arp.Reply(d.mac, d.ipv4.Addr(), p.SenderMAC, p.SenderIP),
		)
		if err != nil {
			d.drops.Warn("build arp reply failed", core.LabelDevice, d.name, "error", err)
			return
		}
		if err := d.send(ctx, reply); err != nil {
			d.drops.Warn("send arp reply failed", core.LabelDevice, d.name, "error", err)
		}
	}
}

func (d *Device) drop(reason string, args ...any) {
	metrics.FramesDroppedTotal.WithLabelValues(d.name, reason).Inc()
	d.drops.Debug("frame dropped", append([]any{core.LabelDevice, d.name, core.LabelReason, reason}, args...)...)
}
