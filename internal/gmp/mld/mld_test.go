package mld

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netcore/internal/gmp"
)

func TestZeroMaxRespDelay(t *testing.T) {
	proto := New(DefaultConfig())
	assert.Equal(t, time.Millisecond, proto.MaxRespTime(0))
	assert.Equal(t, 3*time.Second, proto.MaxRespTime(3*time.Second))

	now := time.Unix(1000, 0)
	g := gmp.JoinGroup[State, Action](proto, State{}, now)
	g.ReportReceived()
	assert.Empty(t, g.QueryReceived(proto, rand.New(rand.NewPCG(1, 1)), 0, now))
	deadline, ok := g.ReportTimer()
	require.True(t, ok)
	assert.True(t, deadline.Before(now.Add(time.Millisecond)))
}

func TestReportThenLeave(t *testing.T) {
	proto := New(DefaultConfig())
	g := gmp.JoinGroup[State, Action](proto, State{}, time.Unix(0, 0))
	require.Len(t, g.ReportTimerExpired(), 1)
	actions := g.LeaveGroup(proto)
	require.Len(t, actions, 1)
	assert.Equal(t, gmp.ActionSendLeave, actions[0].Kind)
}
