package device

import (
	"errors"
	"net"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/device/arp"
	"firestige.xyz/netcore/internal/wire"
)

var (
	mac1 = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	mac2 = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
)

type sent struct {
	dev   ID
	frame []byte
}

type delivered struct {
	dev     ID
	version core.IPVersion
	packet  []byte
}

type fakeContext struct {
	now       time.Time
	sent      []sent
	delivered []delivered
	timers    map[TimerID]time.Time
}

func newFakeContext() *fakeContext {
	return &fakeContext{now: time.Unix(1700000000, 0), timers: make(map[TimerID]time.Time)}
}

func (c *fakeContext) SendFrame(dev ID, frame []byte) error {
	c.sent = append(c.sent, sent{dev, append([]byte(nil), frame...)})
	return nil
}

func (c *fakeContext) ReceiveIP(dev ID, version core.IPVersion, packet []byte) {
	c.delivered = append(c.delivered, delivered{dev, version, packet})
}

func (c *fakeContext) ScheduleTimeout(deadline time.Time, id TimerID) { c.timers[id] = deadline }
func (c *fakeContext) CancelTimeout(id TimerID)                       { delete(c.timers, id) }
func (c *fakeContext) Now() time.Time                                 { return c.now }

func payload(n int) wire.Chain {
	return wire.Chain{gopacket.Payload(make([]byte, n))}
}

func TestDeviceIDsUniqueFromOne(t *testing.T) {
	l := NewLayer(arp.DefaultConfig())

	var ids []ID
	for i := 0; i < 50; i++ {
		ids = append(ids, l.AddEthernetDevice(mac1, 1500))
	}

	for i, id := range ids {
		assert.Equal(t, uint64(i+1), id.Uint64())
		assert.Equal(t, ProtocolEthernet, id.Protocol())
		assert.True(t, id.IsValid())
	}
	seen := make(map[uint64]bool)
	for _, id := range ids {
		assert.False(t, seen[id.Uint64()], "id %d reused", id.Uint64())
		seen[id.Uint64()] = true
	}
	assert.Equal(t, ids, l.Devices())
	assert.False(t, ID{}.IsValid())
}

func TestIDOrderAndString(t *testing.T) {
	l := NewLayer(arp.DefaultConfig())
	a := l.AddEthernetDevice(mac1, 1500)
	b := l.AddEthernetDevice(mac2, 1500)

	assert.Equal(t, "ethernet1", a.String())
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))

	ids := []ID{b, a}
	slices.SortFunc(ids, ID.Compare)
	assert.Equal(t, []ID{a, b}, ids)

	assert.Equal(t, "ethernet1/arp:10.0.0.1", TimerID{Device: a, Kind: TimerARPIPv4, ARP: arp.TimerID{Addr: netip.MustParseAddr("10.0.0.1")}}.String())
}

func TestSendIPFrameDispatch(t *testing.T) {
	l := NewLayer(arp.DefaultConfig())
	a := l.AddEthernetDevice(mac1, 1500)
	b := l.AddEthernetDevice(mac2, 1500)
	ctx := newFakeContext()

	require.NoError(t, l.SendIPFrame(ctx, b, netip.MustParseAddr("224.0.0.1"), payload(50)))
	require.Len(t, ctx.sent, 1)
	assert.Equal(t, b, ctx.sent[0].dev)
	assert.Equal(t, []byte(mac2), ctx.sent[0].frame[6:12])

	require.NoError(t, l.SendIPFrame(ctx, a, netip.MustParseAddr("224.0.0.1"), payload(50)))
	assert.Equal(t, a, ctx.sent[1].dev)
}

func TestSendIPFrameUnknownDevice(t *testing.T) {
	l := NewLayer(arp.DefaultConfig())
	l.AddEthernetDevice(mac1, 1500)

	for _, dev := range []ID{{}, {id: 7, proto: ProtocolEthernet}, {id: 1, proto: Protocol(9)}} {
		err := l.SendIPFrame(newFakeContext(), dev, netip.MustParseAddr("224.0.0.1"), payload(1))
		assert.ErrorIs(t, err, core.ErrDeviceNotFound, "device %s", dev)
	}
}

func TestSendIPFrameMTUReturnsBody(t *testing.T) {
	l := NewLayer(arp.DefaultConfig())
	dev := l.AddEthernetDevice(mac1, 576)
	ctx := newFakeContext()
	body := payload(577)

	err := l.SendIPFrame(ctx, dev, netip.MustParseAddr("224.0.0.1"), body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrMTUExceeded))

	var mtuErr *MTUError
	require.ErrorAs(t, err, &mtuErr)
	assert.Equal(t, dev, mtuErr.Device)
	assert.Equal(t, 576, mtuErr.MTU)
	assert.Equal(t, 577, mtuErr.Size)
	assert.Equal(t, body, mtuErr.Body)
	assert.Empty(t, ctx.sent)

	// The body is intact and can be sent somewhere larger.
	big := l.AddEthernetDevice(mac2, 1500)
	require.NoError(t, l.SendIPFrame(ctx, big, netip.MustParseAddr("224.0.0.1"), mtuErr.Body))
	assert.Len(t, ctx.sent, 1)
}

func TestReceiveFrameDispatch(t *testing.T) {
	l := NewLayer(arp.DefaultConfig())
	a := l.AddEthernetDevice(mac1, 1500)
	b := l.AddEthernetDevice(mac2, 1500)
	ctx := newFakeContext()

	frame := append(append(append([]byte(nil), mac2...), mac1...), 0x86, 0xdd)
	frame = append(frame, make([]byte, 46)...)

	l.ReceiveFrame(ctx, a, frame)
	assert.Empty(t, ctx.delivered, "not addressed to device a")

	l.ReceiveFrame(ctx, b, frame)
	require.Len(t, ctx.delivered, 1)
	assert.Equal(t, b, ctx.delivered[0].dev)
	assert.Equal(t, core.IPv6, ctx.delivered[0].version)

	assert.NotPanics(t, func() { l.ReceiveFrame(ctx, ID{id: 99, proto: ProtocolEthernet}, frame) })
	assert.Len(t, ctx.delivered, 1)
}

func TestARPTimerRouting(t *testing.T) {
	l := NewLayer(arp.DefaultConfig())
	dev := l.AddEthernetDevice(mac1, 1500)
	require.NoError(t, l.SetIPAddrSubnet(dev, netip.MustParsePrefix("10.0.0.2/24")))
	ctx := newFakeContext()
	peer := netip.MustParseAddr("10.0.0.1")

	require.NoError(t, l.SendIPFrame(ctx, dev, peer, payload(40)))
	require.Len(t, ctx.sent, 1, "arp request")

	id := TimerID{Device: dev, Kind: TimerARPIPv4, ARP: arp.TimerID{Addr: peer}}
	require.Contains(t, ctx.timers, id)
	assert.Equal(t, ctx.now.Add(time.Second), ctx.timers[id])

	l.HandleTimeout(ctx, id)
	assert.Len(t, ctx.sent, 2, "retransmitted request")

	// Unknown kinds and devices are ignored.
	l.HandleTimeout(ctx, TimerID{Device: dev, Kind: TimerKind(42)})
	l.HandleTimeout(ctx, TimerID{Device: ID{id: 99, proto: ProtocolEthernet}, Kind: TimerARPIPv4})
	assert.Len(t, ctx.sent, 2)
}

func TestDeviceProperties(t *testing.T) {
	l := NewLayer(arp.DefaultConfig())
	dev := l.AddEthernetDevice(mac1, 9000)

	mtu, err := l.MTU(dev)
	require.NoError(t, err)
	assert.Equal(t, 9000, mtu)

	mac, err := l.MAC(dev)
	require.NoError(t, err)
	assert.Equal(t, mac1, mac)

	_, err = l.IPAddrSubnet(dev, core.IPv4)
	assert.ErrorIs(t, err, core.ErrNoAddress)

	p := netip.MustParsePrefix("10.1.2.3/16")
	require.NoError(t, l.SetIPAddrSubnet(dev, p))
	got, err := l.IPAddrSubnet(dev, core.IPv4)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	missing := ID{id: 5, proto: ProtocolEthernet}
	_, err = l.MTU(missing)
	assert.ErrorIs(t, err, core.ErrDeviceNotFound)
	_, err = l.MAC(missing)
	assert.ErrorIs(t, err, core.ErrDeviceNotFound)
	assert.ErrorIs(t, l.SetIPAddrSubnet(missing, p), core.ErrDeviceNotFound)
	assert.ErrorIs(t, l.AddStaticNeighbor(missing, netip.MustParseAddr("10.1.0.1"), mac2), core.ErrDeviceNotFound)
	assert.ErrorIs(t, l.JoinLinkMulticast(missing, netip.MustParseAddr("224.0.0.1")), core.ErrDeviceNotFound)
}

func TestStaticNeighborAndMulticast(t *testing.T) {
	l := NewLayer(arp.DefaultConfig())
	dev := l.AddEthernetDevice(mac1, 1500)
	ctx := newFakeContext()
	peer := netip.MustParseAddr("fe80::2")

	require.NoError(t, l.AddStaticNeighbor(dev, peer, mac2))
	require.NoError(t, l.SendIPFrame(ctx, dev, peer, payload(40)))
	require.Len(t, ctx.sent, 1)
	assert.Equal(t, []byte(mac2), ctx.sent[0].frame[0:6])

	group := netip.MustParseAddr("ff02::fb")
	frame := append([]byte{0x33, 0x33, 0, 0, 0, 0xfb}, mac2...)
	frame = append(frame, 0x86, 0xdd)
	frame = append(frame, make([]byte, 46)...)

	l.ReceiveFrame(ctx, dev, frame)
	assert.Empty(t, ctx.delivered)

	require.NoError(t, l.JoinLinkMulticast(dev, group))
	l.ReceiveFrame(ctx, dev, frame)
	assert.Len(t, ctx.delivered, 1)

	require.NoError(t, l.LeaveLinkMulticast(dev, group))
	l.ReceiveFrame(ctx, dev, frame)
	assert.Len(t, ctx.delivered, 1)
}
