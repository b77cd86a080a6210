// Package arp keeps the IPv4 neighbor state of one Ethernet device: learned
// and static mappings, frames waiting for a resolution and the request
// retransmission policy. The packet format itself is gopacket's layers.ARP.
package arp

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/wire"
)

// Config is the resolution policy.
type Config struct {
	// RequestTimeout is the wait before a request is sent again.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// MaxRetries is the number of requests sent before pending frames are
	// dropped.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// MaxPending bounds the frames queued per unresolved address. The
	// oldest frame is dropped when it is exceeded.
	MaxPending int `mapstructure:"max_pending" yaml:"max_pending"`
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{RequestTimeout: time.Second, MaxRetries: 3, MaxPending: 16}
}

// TimerID identifies the retransmit timer of one pending resolution.
type TimerID struct {
	Addr netip.Addr
}

func (t TimerID) String() string { return "arp:" + t.Addr.String() }

type entry struct {
	mac    net.HardwareAddr
	static bool
}

type pending struct {
	frames  [][]byte
	retries int
}

// Table is the ARP state of one device.
type Table struct {
	cfg     Config
	entries map[netip.Addr]entry
	pending map[netip.Addr]*pending
}

// NewTable returns an empty table.
func NewTable(cfg Config) *Table {
	return &Table{
		cfg:     cfg,
		entries: make(map[netip.Addr]entry),
		pending: make(map[netip.Addr]*pending),
	}
}

// Config returns the table's policy.
func (t *Table) Config() Config { return t.cfg }

// Lookup returns the hardware address of ip.
func (t *Table) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	e, ok := t.entries[ip]
	return e.mac, ok
}

// AddStatic installs a mapping that learning never overrides.
func (t *Table) AddStatic(ip netip.Addr, mac net.HardwareAddr) {
	t.entries[ip] = entry{mac: mac, static: true}
}

// Learn records ip as reachable at mac and returns the frames that were
// waiting for it. resolved reports whether a resolution was pending, in
// which case the caller cancels its retransmit timer.
func (t *Table) Learn(ip netip.Addr, mac net.HardwareAddr) (frames [][]byte, resolved bool) {
	if e, ok := t.entries[ip]; !ok || !e.static {
		t.entries[ip] = entry{mac: append(net.HardwareAddr(nil), mac...)}
	}
	p, ok := t.pending[ip]
	if !ok {
		return nil, false
	}
	delete(t.pending, ip)
	return p.frames, true
}

// Known reports whether ip already has an entry. Senders of packets not
// addressed to us only update existing entries (RFC 826 merge).
func (t *Table) Known(ip netip.Addr) bool {
	_, ok := t.entries[ip]
	return ok
}

// Enqueue queues frame until ip resolves. started reports whether this is a
// new resolution, in which case the caller sends the first request and arms
// the retransmit timer. dropped is set if the queue was full.
func (t *Table) Enqueue(ip netip.Addr, frame []byte) (started, dropped bool) {
	p, ok := t.pending[ip]
	if !ok {
		p = &pending{}
		t.pending[ip] = p
		started = true
	}
	if t.cfg.MaxPending > 0 && len(p.frames) >= t.cfg.MaxPending {
		p.frames = p.frames[1:]
		dropped = true
	}
	p.frames = append(p.frames, frame)
	return started, dropped
}

// Pending returns the number of frames waiting for ip.
func (t *Table) Pending(ip netip.Addr) int {
	if p, ok := t.pending[ip]; ok {
		return len(p.frames)
	}
	return 0
}

// Timeout handles the retransmit timer for ip. It returns retry when
// another request should go out, otherwise the resolution is abandoned and
// the number of discarded frames is returned.
func (t *Table) Timeout(ip netip.Addr) (retry bool, dropped int) {
	p, ok := t.pending[ip]
	if !ok {
		return false, 0
	}
	p.retries++
	if p.retries < t.cfg.MaxRetries {
		return true, 0
	}
	delete(t.pending, ip)
	return false, len(p.frames)
}

// Request returns an ARP request for target sent from srcMAC/srcIP.
func Request(srcMAC net.HardwareAddr, srcIP, target netip.Addr) *layers.ARP {
	return newPacket(layers.ARPRequest, srcMAC, srcIP, make(net.HardwareAddr, 6), target)
}

// Reply returns an ARP reply telling dstMAC/dstIP that srcIP is at srcMAC.
func Reply(srcMAC net.HardwareAddr, srcIP netip.Addr, dstMAC net.HardwareAddr, dstIP netip.Addr) *layers.ARP {
	return newPacket(layers.ARPReply, srcMAC, srcIP, dstMAC, dstIP)
}

func newPacket(op uint16, srcMAC net.HardwareAddr, srcIP netip.Addr, dstMAC net.HardwareAddr, dstIP netip.Addr) *layers.ARP {
	return &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: srcIP.AsSlice(),
		DstHwAddress:      dstMAC,
		DstProtAddress:    dstIP.AsSlice(),
	}
}

// Packet is a decoded Ethernet/IPv4 ARP packet.
type Packet struct {
	Operation uint16
	SenderMAC net.HardwareAddr
	SenderIP  netip.Addr
	TargetMAC net.HardwareAddr
	TargetIP  netip.Addr
}

// Parse decodes an ARP packet for IPv4 over Ethernet. Addresses are views
// into buf.
func Parse(buf []byte) (Packet, error) {
	var a layers.ARP
	if err := a.DecodeFromBytes(buf, gopacket.NilDecodeFeedback); err != nil {
		return Packet{}, wire.Errorf("arp", core.ErrBufferTooShort, "%v", err)
	}
	if a.AddrType != layers.LinkTypeEthernet || a.Protocol != layers.EthernetTypeIPv4 ||
		a.HwAddressSize != 6 || a.ProtAddressSize != 4 {
		return Packet{}, wire.Errorf("arp", core.ErrUnsupportedProto, "hardware %s, protocol %s", a.AddrType, a.Protocol)
	}
	if a.Operation != layers.ARPRequest && a.Operation != layers.ARPReply {
		return Packet{}, wire.Errorf("arp", core.ErrUnrecognizedType, "operation %d", a.Operation)
	}
	return Packet{
		Operation: a.Operation,
		SenderMAC: net.HardwareAddr(a.SourceHwAddress),
		SenderIP:  netip.AddrFrom4([4]byte(a.SourceProtAddress)),
		TargetMAC: net.HardwareAddr(a.DstHwAddress),
		TargetIP:  netip.AddrFrom4([4]byte(a.DstProtAddress)),
	}, nil
}

func (p Packet) String() string {
	if p.Operation == layers.ARPRequest {
		return fmt.Sprintf("who-has %s tell %s", p.TargetIP, p.SenderIP)
	}
	return fmt.Sprintf("%s is-at %s", p.SenderIP, p.SenderMAC)
}
