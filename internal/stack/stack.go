// Package stack composes the device layer, the IP receive path and the
// IGMP and MLD membership hosts into one single-threaded protocol engine.
//
// A Stack never blocks and never starts goroutines. The owner feeds it
// frames and expired timers and supplies a Dispatcher for transmission and
// timer registration; every call runs to completion before the next.
package stack

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device"
	"firestige.xyz/netcore/internal/device/arp"
	"firestige.xyz/netcore/internal/gmp"
	"firestige.xyz/netcore/internal/gmp/igmp"
	"firestige.xyz/netcore/internal/gmp/mld"
	"firestige.xyz/netcore/internal/log"
	"firestige.xyz/netcore/internal/metrics"
	"firestige.xyz/netcore/internal/wire"
)

var (
	allSystemsV4 = netip.AddrFrom4([4]byte{224, 0, 0, 1})
	allRoutersV4 = netip.AddrFrom4([4]byte{224, 0, 0, 2})
	allNodesV6   = netip.MustParseAddr("ff02::1")
	allRoutersV6 = netip.MustParseAddr("ff02::2")
)

// Dispatcher is the environment a Stack runs in.
type Dispatcher interface {
	SendFrame(dev device.ID, frame []byte) error
	ScheduleTimeout(deadline time.Time, id TimerID)
	CancelTimeout(id TimerID)
	Now() time.Time
}

// TimerKind discriminates TimerID.
type TimerKind uint8

const (
	TimerDevice TimerKind = iota + 1
	TimerIGMPReport
	TimerIGMPv1RouterPresent
	TimerMLDReport
)

func (k TimerKind) String() string {
	switch k {
	case TimerDevice:
		return "device"
	case TimerIGMPReport:
		return "igmp_report"
	case TimerIGMPv1RouterPresent:
		return "igmp_v1_router_present"
	case TimerMLDReport:
		return "mld_report"
	default:
		return fmt.Sprintf("TimerKind(%d)", uint8(k))
	}
}

// TimerID names every timer a Stack schedules. It is comparable, so a
// dispatcher can key its timer set by it; scheduling an id that is already
// pending replaces the old deadline.
type TimerID struct {
	Kind   TimerKind
	Device device.ID
	Group  netip.Addr     // report timers
	Link   device.TimerID // TimerDevice
}

func (t TimerID) String() string {
	switch t.Kind {
	case TimerDevice:
		return t.Link.String()
	case TimerIGMPReport, TimerMLDReport:
		return fmt.Sprintf("%s/%s/%s", t.Device, t.Kind, t.Group)
	default:
		return fmt.Sprintf("%s/%s", t.Device, t.Kind)
	}
}

// Config holds the protocol policies of a Stack.
type Config struct {
	IGMP igmp.Config
	MLD  mld.Config
	ARP  arp.Config
	// Seed seeds the report delay jitter. Zero picks a random seed.
	Seed uint64
	// TTL is the hop limit of locally originated unicast packets.
	TTL uint8
}

// DefaultConfig returns the RFC defaults.
func DefaultConfig() Config {
	return Config{
		IGMP: igmp.DefaultConfig(),
		MLD:  mld.DefaultConfig(),
		ARP:  arp.DefaultConfig(),
		TTL:  64,
	}
}

// EchoReplyHandler receives echo replies addressed to the stack. data is
// only valid during the call.
type EchoReplyHandler func(dev device.ID, src netip.Addr, idSeq wire.IDSeq, data []byte)

type iface struct {
	id   device.ID
	igmp *igmp.Host
	mld  *mld.Host
	// v1Router is set while an IGMPv1 querier is believed present.
	v1Router bool
}

// Stack is one protocol engine instance.
type Stack struct {
	cfg     Config
	disp    Dispatcher
	devices *device.Layer
	ifaces  map[device.ID]*iface
	rng     *rand.Rand
	ipID    uint16
	onEcho  EchoReplyHandler
	drops   *log.Limited
}

// New returns a Stack without devices.
func New(cfg Config, disp Dispatcher) *Stack {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	if cfg.TTL == 0 {
		cfg.TTL = 64
	}
	return &Stack{
		cfg:     cfg,
		disp:    disp,
		devices: device.NewLayer(cfg.ARP),
		ifaces:  make(map[device.ID]*iface),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		drops:   log.NewDropLogger("stack"),
	}
}

// Devices returns the device layer.
func (s *Stack) Devices() *device.Layer { return s.devices }

// OnEchoReply installs the handler for echo replies.
func (s *Stack) OnEchoReply(h EchoReplyHandler) { s.onEcho = h }

// AddEthernetDevice adds an Ethernet device. It joins the link-scope
// all-systems groups, which are never reported.
func (s *Stack) AddEthernetDevice(mac net.HardwareAddr, mtu int) device.ID {
	id := s.devices.AddEthernetDevice(mac, mtu)
	s.ifaces[id] = &iface{
		id:   id,
		igmp: igmp.NewHost(s.cfg.IGMP, groupTimers{s, id, TimerIGMPReport}, s.rng),
		mld:  mld.NewHost(s.cfg.MLD, groupTimers{s, id, TimerMLDReport}, s.rng),
	}
	// Only a non-multicast address fails here.
	_ = s.devices.JoinLinkMulticast(id, allSystemsV4)
	_ = s.devices.JoinLinkMulticast(id, allNodesV6)
	return id
}

func (s *Stack) iface(dev device.ID) (*iface, error) {
	ifc, ok := s.ifaces[dev]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrDeviceNotFound, dev)
	}
	return ifc, nil
}

// SetAddr assigns an address and subnet to dev.
func (s *Stack) SetAddr(dev device.ID, prefix netip.Prefix) error {
	return s.devices.SetIPAddrSubnet(dev, prefix)
}

// AddStaticNeighbor binds ip to mac on dev.
func (s *Stack) AddStaticNeighbor(dev device.ID, ip netip.Addr, mac net.HardwareAddr) error {
	return s.devices.AddStaticNeighbor(dev, ip, mac)
}

// ReceiveFrame processes one frame received on dev.
func (s *Stack) ReceiveFrame(dev device.ID, frame []byte) {
	s.devices.ReceiveFrame(layerContext{s}, dev, frame)
}

// HandleTimeout processes an expired timer.
func (s *Stack) HandleTimeout(id TimerID) {
	if id.Kind == TimerDevice {
		s.devices.HandleTimeout(layerContext{s}, id.Link)
		return
	}

	ifc, err := s.iface(id.Device)
	if err != nil {
		slog.Debug("timer for unknown device ignored", "timer", id)
		return
	}
	switch id.Kind {
	case TimerIGMPReport:
		s.runIGMP(ifc, ifc.igmp.ReportTimerExpired(id.Group))
	case TimerIGMPv1RouterPresent:
		s.v1RouterGone(ifc)
	case TimerMLDReport:
		s.runMLD(ifc, ifc.mld.ReportTimerExpired(id.Group))
	default:
		slog.Debug("unknown timer ignored", "timer", id)
	}
}

// JoinGroup joins a multicast group on dev, using IGMP for IPv4 groups and
// MLD for IPv6 groups. Joins are counted per group.
func (s *Stack) JoinGroup(dev device.ID, group netip.Addr) error {
	ifc, err := s.iface(dev)
	if err != nil {
		return err
	}
	if !group.IsMulticast() {
		return fmt.Errorf("%w: %s is not a multicast group", core.ErrUnsupportedProto, group)
	}
	if group == allSystemsV4 || group == allNodesV6 {
		return nil
	}

	now := s.disp.Now()
	var joined bool
	var proto string
	if group.Is4() {
		joined, proto = ifc.igmp.JoinGroup(group, now), "igmp"
		if joined && ifc.v1Router {
			ifc.igmp.UpdateProtocolSpecific(func(igmp.State) igmp.State { return igmp.State{V1RouterPresent: true} })
		}
	} else {
		joined, proto = ifc.mld.JoinGroup(group, now), "mld"
	}
	if joined {
		metrics.GMPGroups.WithLabelValues(dev.String(), proto).Inc()
		return s.devices.JoinLinkMulticast(dev, group)
	}
	return nil
}

// LeaveGroup drops one join of group on dev. The last leave ends the
// membership and may send a leave message.
func (s *Stack) LeaveGroup(dev device.ID, group netip.Addr) error {
	ifc, err := s.iface(dev)
	if err != nil {
		return err
	}
	if !group.IsMulticast() {
		return fmt.Errorf("%w: %s is not a multicast group", core.ErrUnsupportedProto, group)
	}
	if group == allSystemsV4 || group == allNodesV6 {
		return nil
	}

	var left bool
	var proto string
	if group.Is4() {
		var actions []igmp.GroupAction
		left, actions = ifc.igmp.LeaveGroup(group)
		proto = "igmp"
		s.runIGMP(ifc, actions)
	} else {
		var actions []mld.GroupAction
		left, actions = ifc.mld.LeaveGroup(group)
		proto = "mld"
		s.runMLD(ifc, actions)
	}
	if left {
		metrics.GMPGroups.WithLabelValues(dev.String(), proto).Dec()
		return s.devices.LeaveLinkMulticast(dev, group)
	}
	return nil
}

// Groups returns the groups joined on dev.
func (s *Stack) Groups(dev device.ID) []netip.Addr {
	ifc, ok := s.ifaces[dev]
	if !ok {
		return nil
	}
	return append(ifc.igmp.Groups(), ifc.mld.Groups()...)
}

// layerContext connects the device layer to the stack.
type layerContext struct{ s *Stack }

func (c layerContext) SendFrame(dev device.ID, frame []byte) error {
	return c.s.disp.SendFrame(dev, frame)
}

func (c layerContext) ReceiveIP(dev device.ID, version core.IPVersion, packet []byte) {
	c.s.receiveIP(dev, version, packet)
}

func (c layerContext) ScheduleTimeout(deadline time.Time, id device.TimerID) {
	c.s.disp.ScheduleTimeout(deadline, TimerID{Kind: TimerDevice, Device: id.Device, Link: id})
}

func (c layerContext) CancelTimeout(id device.TimerID) {
	c.s.disp.CancelTimeout(TimerID{Kind: TimerDevice, Device: id.Device, Link: id})
}

func (c layerContext) Now() time.Time { return c.s.disp.Now() }

// groupTimers maps a membership host's per-group timers to stack timers.
type groupTimers struct {
	s    *Stack
	dev  device.ID
	kind TimerKind
}

var _ gmp.TimerContext = groupTimers{}

func (t groupTimers) ScheduleTimeout(deadline time.Time, group netip.Addr) {
	t.s.disp.ScheduleTimeout(deadline, TimerID{Kind: t.kind, Device: t.dev, Group: group})
}

func (t groupTimers) CancelTimeout(group netip.Addr) {
	t.s.disp.CancelTimeout(TimerID{Kind: t.kind, Device: t.dev, Group: group})
}
