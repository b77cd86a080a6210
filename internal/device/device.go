// Package device owns the devices of a stack. It allocates device ids and
// routes sends, received frames and device timers to the link layer that
// implements each device.
package device

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"slices"
	"time"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device/arp"
	"firestige.xyz/netcore/internal/device/ethernet"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/wire"
)

// Protocol is the link-layer protocol of a device.
type Protocol uint8

const (
	ProtocolEthernet Protocol = 1
)

func (p Protocol) String() string {
	switch p {
	case ProtocolEthernet:
		return "ethernet"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}

// ID identifies a device. The numeric part is unique across protocols
// within one Layer; zero is never allocated.
type ID struct {
	id    uint64
	proto Protocol
}

// Uint64 returns the numeric id.
func (d ID) Uint64() uint64 { return d.id }

func (d ID) Protocol() Protocol { return d.proto }

// IsValid reports whether d was returned by a Layer.
func (d ID) IsValid() bool { return d.id != 0 }

func (d ID) String() string { return fmt.Sprintf("%s%d", d.proto, d.id) }

// Compare orders ids by protocol, then numeric id.
func (d ID) Compare(o ID) int {
	if c := cmp.Compare(d.proto, o.proto); c != 0 {
		return c
	}
	return cmp.Compare(d.id, o.id)
}

// TimerKind discriminates device timers.
type TimerKind uint8

const (
	TimerARPIPv4 TimerKind = 1
)

// TimerID identifies a timer owned by a device's link layer.
type TimerID struct {
	Device ID
	Kind   TimerKind
	ARP    arp.TimerID
}

func (t TimerID) String() string {
	switch t.Kind {
	case TimerARPIPv4:
		return t.Device.String() + "/" + t.ARP.String()
	default:
		return fmt.Sprintf("%s/TimerKind(%d)", t.Device, uint8(t.Kind))
	}
}

// Context is the dispatcher the layer runs in. SendFrame is the only way a
// frame leaves the layer.
type Context interface {
	SendFrame(dev ID, frame []byte) error
	ReceiveIP(dev ID, version core.IPVersion, packet []byte)
	ScheduleTimeout(deadline time.Time, id TimerID)
	CancelTimeout(id TimerID)
	Now() time.Time
}

// MTUError is returned when a packet does not fit the device MTU. Body is
// the serializer that was passed in, unused, so the caller can fragment,
// report or drop it.
type MTUError struct {
	Device ID
	MTU    int
	Size   int
	Body   wire.Serializer
}

func (e *MTUError) Error() string {
	return fmt.Sprintf("device %s: packet of %d bytes exceeds mtu %d", e.Device, e.Size, e.MTU)
}

func (e *MTUError) Unwrap() error { return core.ErrMTUExceeded }

// Layer holds all devices of one stack.
type Layer struct {
	nextID   uint64
	ethernet map[uint64]*ethernet.Device
	arpCfg   arp.Config
}

// NewLayer returns a layer without devices. arpCfg applies to every
// Ethernet device added later.
func NewLayer(arpCfg arp.Config) *Layer {
	return &Layer{
		nextID:   1,
		ethernet: make(map[uint64]*ethernet.Device),
		arpCfg:   arpCfg,
	}
}

func (l *Layer) allocate(proto Protocol) ID {
	id := ID{id: l.nextID, proto: proto}
	l.nextID++
	return id
}

// AddEthernetDevice adds an Ethernet device and returns its id.
func (l *Layer) AddEthernetDevice(mac net.HardwareAddr, mtu int) ID {
	id := l.allocate(ProtocolEthernet)
	l.ethernet[id.id] = ethernet.New(id.String(), mac, mtu, l.arpCfg)
	slog.Info("device added", core.LabelDevice, id, core.LabelEthSrc, mac, "mtu", mtu)
	return id
}

// Devices returns all device ids in order.
func (l *Layer) Devices() []ID {
	ids := make([]ID, 0, len(l.ethernet))
	for _, n := range slices.Sorted(maps.Keys(l.ethernet)) {
		ids = append(ids, ID{id: n, proto: ProtocolEthernet})
	}
	return ids
}

func (l *Layer) lookupEthernet(dev ID) (*ethernet.Device, error) {
	if dev.proto == ProtocolEthernet {
		if d, ok := l.ethernet[dev.id]; ok {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", core.ErrDeviceNotFound, dev)
}

// SendIPFrame sends the IP packet produced by body to localAddr, the
// on-link address of the next hop. If the packet exceeds the MTU a
// *MTUError carrying body is returned and nothing is sent.
func (l *Layer) SendIPFrame(ctx Context, dev ID, localAddr netip.Addr, body wire.Serializer) error {
	switch dev.proto {
	case ProtocolEthernet:
		d, err := l.lookupEthernet(dev)
		if err != nil {
			return err
		}
		err = d.SendIP(ethernetContext{ctx, dev}, localAddr, body)
		var se *ethernet.SizeError
		if errors.As(err, &se) {
			metrics.MTUErrorsTotal.WithLabelValues(dev.String()).Inc()
			return &MTUError{Device: dev, MTU: se.MTU, Size: se.Size, Body: body}
		}
		return err
	default:
		return fmt.Errorf("%w: %s", core.ErrDeviceNotFound, dev)
	}
}

// ReceiveFrame hands an inbound frame to the device's link layer. Frames
// for unknown devices are dropped.
func (l *Layer) ReceiveFrame(ctx Context, dev ID, frame []byte) {
	switch dev.proto {
	case ProtocolEthernet:
		d, err := l.lookupEthernet(dev)
		if err != nil {
			slog.Debug("frame for unknown device dropped", core.LabelDevice, dev)
			return
		}
		d.Receive(ethernetContext{ctx, dev}, frame)
	default:
		slog.Debug("frame for unknown device dropped", core.LabelDevice, dev)
	}
}

// HandleTimeout routes a device timer to its owner. The layer keeps no
// timer state of its own.
func (l *Layer) HandleTimeout(ctx Context, id TimerID) {
	switch id.Kind {
	case TimerARPIPv4:
		d, err := l.lookupEthernet(id.Device)
		if err != nil {
			slog.Debug("timer for unknown device ignored", "timer", id)
			return
		}
		d.HandleARPTimeout(ethernetContext{ctx, id.Device}, id.ARP)
	default:
		slog.Debug("unknown device timer ignored", "timer", id)
	}
}

// IPAddrSubnet returns the address of the given version assigned to dev.
func (l *Layer) IPAddrSubnet(dev ID, version core.IPVersion) (netip.Prefix, error) {
	d, err := l.lookupEthernet(dev)
	if err != nil {
		return netip.Prefix{}, err
	}
	p, ok := d.Addr(version)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("%w: %s has no %s address", core.ErrNoAddress, dev, version)
	}
	return p, nil
}

// SetIPAddrSubnet assigns prefix to dev, replacing the previous address of
// the same IP version.
func (l *Layer) SetIPAddrSubnet(dev ID, prefix netip.Prefix) error {
	d, err := l.lookupEthernet(dev)
	if err != nil {
		return err
	}
	return d.SetAddr(prefix)
}

func (l *Layer) MTU(dev ID) (int, error) {
	d, err := l.lookupEthernet(dev)
	if err != nil {
		return 0, err
	}
	return d.MTU(), nil
}

func (l *Layer) MAC(dev ID) (net.HardwareAddr, error) {
	d, err := l.lookupEthernet(dev)
	if err != nil {
		return nil, err
	}
	return d.MAC(), nil
}

// AddStaticNeighbor binds ip to mac on dev.
func (l *Layer) AddStaticNeighbor(dev ID, ip netip.Addr, mac net.HardwareAddr) error {
	d, err := l.lookupEthernet(dev)
	if err != nil {
		return err
	}
	return d.AddStaticNeighbor(ip, mac)
}

// JoinLinkMulticast opens the receive filter of dev for group.
func (l *Layer) JoinLinkMulticast(dev ID, group netip.Addr) error {
	d, err := l.lookupEthernet(dev)
	if err != nil {
		return err
	}
	return d.JoinMulticast(group)
}

// LeaveLinkMulticast undoes one JoinLinkMulticast.
func (l *Layer) LeaveLinkMulticast(dev ID, group netip.Addr) error {
	d, err := l.lookupEthernet(dev)
	if err != nil {
		return err
	}
	return d.LeaveMulticast(group)
}

// ethernetContext narrows a Context to one Ethernet device.
type ethernetContext struct {
	ctx Context
	dev ID
}

func (c ethernetContext) SendFrame(frame []byte) error { return c.ctx.SendFrame(c.dev, frame) }

func (c ethernetContext) ReceiveIP(version core.IPVersion, packet []byte) {
	c.ctx.ReceiveIP(c.dev, version, packet)
}

func (c ethernetContext) ScheduleARPTimeout(deadline time.Time, id arp.TimerID) {
	c.ctx.ScheduleTimeout(deadline, TimerID{Device: c.dev, Kind: TimerARPIPv4, ARP: id})
}

func (c ethernetContext) CancelARPTimeout(id arp.TimerID) {
	c.ctx.CancelTimeout(TimerID{Device: c.dev, Kind: TimerARPIPv4, ARP: id})
}

func (c ethernetContext) Now() time.Time { return c.ctx.Now() }
