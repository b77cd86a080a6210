package igmp

import (
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netcore/internal/gmp"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestV1QuerySetsRouterPresent(t *testing.T) {
	proto := New(DefaultConfig())
	rng := rand.New(rand.NewPCG(3, 4))

	// From delaying.
	g := gmp.JoinGroup[State, Action](proto, State{}, epoch)
	actions := g.QueryReceived(proto, rng, 0, epoch)
	require.Len(t, actions, 1)
	assert.Equal(t, gmp.ActionSpecific, actions[0].Kind)
	assert.Equal(t, 400*time.Second, actions[0].Specific.ScheduleV1RouterPresentTimer)
	assert.True(t, g.ProtocolSpecific().V1RouterPresent)

	// From idle.
	g = gmp.JoinGroup[State, Action](proto, State{}, epoch)
	g.ReportReceived()
	actions = g.QueryReceived(proto, rng, 0, epoch)
	require.Len(t, actions, 1)
	assert.Equal(t, 400*time.Second, actions[0].Specific.ScheduleV1RouterPresentTimer)
	assert.True(t, g.ProtocolSpecific().V1RouterPresent)
}

func TestV2QueryKeepsState(t *testing.T) {
	proto := New(DefaultConfig())
	g := gmp.JoinGroup[State, Action](proto, State{V1RouterPresent: true}, epoch)
	actions := g.QueryReceived(proto, rand.New(rand.NewPCG(1, 1)), time.Second, epoch)
	assert.Empty(t, actions)
	assert.True(t, g.ProtocolSpecific().V1RouterPresent)
}

func TestLegacyRouterInterop(t *testing.T) {
	proto := New(DefaultConfig())
	rng := rand.New(rand.NewPCG(5, 6))
	g := gmp.JoinGroup[State, Action](proto, State{}, epoch)

	g.QueryReceived(proto, rng, 0, epoch)
	deadline, ok := g.ReportTimer()
	require.True(t, ok)
	assert.True(t, deadline.Before(epoch.Add(10*time.Second)))

	actions := g.ReportTimerExpired()
	require.Len(t, actions, 1)
	assert.Equal(t, gmp.ActionSendReport, actions[0].Kind)
	assert.Equal(t, State{V1RouterPresent: true}, actions[0].Report)

	// The v1 router present timer fires.
	g.UpdateProtocolSpecific(func(State) State { return State{} })

	now := epoch.Add(400 * time.Second)
	assert.Empty(t, g.QueryReceived(proto, rng, 5*time.Second, now))
	actions = g.ReportTimerExpired()
	require.Len(t, actions, 1)
	assert.Equal(t, State{V1RouterPresent: false}, actions[0].Report)
}

type nopTimers struct{}

func (nopTimers) ScheduleTimeout(time.Time, netip.Addr) {}
func (nopTimers) CancelTimeout(netip.Addr)              {}

func TestHostV1RouterPresentTimerExpired(t *testing.T) {
	group := netip.MustParseAddr("239.0.0.1")
	h := NewHost(DefaultConfig(), nopTimers{}, rand.New(rand.NewPCG(1, 2)))
	h.JoinGroup(group, epoch)

	actions := h.QueryReceived(netip.IPv4Unspecified(), 0, epoch)
	require.Len(t, actions, 1)
	assert.Equal(t, group, actions[0].Group)

	st, _ := h.Group(group)
	assert.True(t, st.ProtocolSpecific().V1RouterPresent)

	V1RouterPresentTimerExpired(h)
	assert.False(t, st.ProtocolSpecific().V1RouterPresent)
}

func TestLeaveOnlyFromLastReporter(t *testing.T) {
	group := netip.MustParseAddr("239.0.0.1")
	h := NewHost(DefaultConfig(), nopTimers{}, rand.New(rand.NewPCG(1, 2)))
	h.JoinGroup(group, epoch)
	h.ReportTimerExpired(group)
	_, actions := h.LeaveGroup(group)
	require.Len(t, actions, 1)
	assert.Equal(t, gmp.ActionSendLeave, actions[0].Kind)

	h.JoinGroup(group, epoch)
	h.ReportReceived(group)
	_, actions = h.LeaveGroup(group)
	assert.Empty(t, actions)
}
