package gmp

import (
	"log/slog"
	"maps"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"firestige.xyz/netcore/internal/core"
)

// TimerContext arms and disarms the per-group report timers of a Host. The
// owner maps the group to its own timer id and calls
// Host.ReportTimerExpired when the deadline passes.
type TimerContext interface {
	ScheduleTimeout(deadline time.Time, group netip.Addr)
	CancelTimeout(group netip.Addr)
}

// GroupAction is an Action together with the group it concerns.
type GroupAction[P, A any] struct {
	Group netip.Addr
	Action[P, A]
}

type membership[P, A any] struct {
	joins int
	state *GroupState[P, A]
}

// Host runs the membership protocol for every group joined on one
// interface. It counts joins so the group is only left when every joiner
// has left, answers general queries for all groups and keeps the caller's
// timers in step with each group's report deadline.
type Host[P, A any] struct {
	name   string
	proto  Protocol[P, A]
	timers TimerContext
	rng    *rand.Rand
	groups map[netip.Addr]*membership[P, A]
}

// NewHost creates a Host. name is used in log records.
func NewHost[P, A any](name string, proto Protocol[P, A], timers TimerContext, rng *rand.Rand) *Host[P, A] {
	return &Host[P, A]{
		name:   name,
		proto:  proto,
		timers: timers,
		rng:    rng,
		groups: make(map[netip.Addr]*membership[P, A]),
	}
}

// JoinGroup joins group, or adds a reference to an existing membership. It
// reports whether the group was newly joined, in which case the caller must
// start receiving its link-layer multicast.
func (h *Host[P, A]) JoinGroup(group netip.Addr, now time.Time) bool {
	if m, ok := h.groups[group]; ok {
		m.joins++
		return false
	}
	var zero P
	m := &membership[P, A]{joins: 1, state: JoinGroup(h.proto, zero, now)}
	h.groups[group] = m
	h.sync(group, m.state, time.Time{}, false)
	slog.Debug("multicast group joined", core.LabelGMPProto, h.name, core.LabelGMPGroup, group)
	return true
}

// LeaveGroup drops one reference to group. When the last reference goes the
// membership ends, left is true and actions may hold a leave. Leaving a
// group that is not joined does nothing.
func (h *Host[P, A]) LeaveGroup(group netip.Addr) (left bool, actions []GroupAction[P, A]) {
	m, ok := h.groups[group]
	if !ok {
		return false, nil
	}
	m.joins--
	if m.joins > 0 {
		return false, nil
	}
	delete(h.groups, group)
	if m.state.Delaying() {
		h.timers.CancelTimeout(group)
	}
	slog.Debug("multicast group left", core.LabelGMPProto, h.name, core.LabelGMPGroup, group)
	return true, tag(group, m.state.LeaveGroup(h.proto))
}

// QueryReceived handles a query. An unspecified group makes it a general
// query that applies to every joined group; a query for a group we have not
// joined is ignored.
func (h *Host[P, A]) QueryReceived(group netip.Addr, maxRespTime time.Duration, now time.Time) []GroupAction[P, A] {
	if !group.IsUnspecified() {
		m, ok := h.groups[group]
		if !ok {
			return nil
		}
		return h.query(group, m, maxRespTime, now)
	}
	var actions []GroupAction[P, A]
	// Sorted so that rng draws do not depend on map order.
	for _, g := range slices.SortedFunc(maps.Keys(h.groups), netip.Addr.Compare) {
		actions = append(actions, h.query(g, h.groups[g], maxRespTime, now)...)
	}
	return actions
}

func (h *Host[P, A]) query(group netip.Addr, m *membership[P, A], maxRespTime time.Duration, now time.Time) []GroupAction[P, A] {
	before, had := m.state.ReportTimer()
	actions := m.state.QueryReceived(h.proto, h.rng, maxRespTime, now)
	h.sync(group, m.state, before, had)
	return tag(group, actions)
}

// ReportReceived handles another host's report for group.
func (h *Host[P, A]) ReportReceived(group netip.Addr) {
	m, ok := h.groups[group]
	if !ok {
		return
	}
	before, had := m.state.ReportTimer()
	m.state.ReportReceived()
	h.sync(group, m.state, before, had)
}

// ReportTimerExpired handles the expiry of group's report timer.
func (h *Host[P, A]) ReportTimerExpired(group netip.Addr) []GroupAction[P, A] {
	m, ok := h.groups[group]
	if !ok {
		return nil
	}
	return tag(group, m.state.ReportTimerExpired())
}

// UpdateProtocolSpecific applies f to the protocol-specific state of every
// joined group.
func (h *Host[P, A]) UpdateProtocolSpecific(f func(P) P) {
	for _, m := range h.groups {
		m.state.UpdateProtocolSpecific(f)
	}
}

// Group returns the state of group if it is joined.
func (h *Host[P, A]) Group(group netip.Addr) (*GroupState[P, A], bool) {
	m, ok := h.groups[group]
	if !ok {
		return nil, false
	}
	return m.state, true
}

// IsJoined reports whether group is joined.
func (h *Host[P, A]) IsJoined(group netip.Addr) bool {
	_, ok := h.groups[group]
	return ok
}

// Groups returns the joined groups in address order.
func (h *Host[P, A]) Groups() []netip.Addr {
	return slices.SortedFunc(maps.Keys(h.groups), netip.Addr.Compare)
}

// sync brings the caller's timer for group in line with the deadline the
// transition left behind.
func (h *Host[P, A]) sync(group netip.Addr, g *GroupState[P, A], before time.Time, had bool) {
	after, has := g.ReportTimer()
	switch {
	case has && (!had || !after.Equal(before)):
		h.timers.ScheduleTimeout(after, group)
	case !has && had:
		h.timers.CancelTimeout(group)
	}
}

func tag[P, A any](group netip.Addr, actions []Action[P, A]) []GroupAction[P, A] {
	if len(actions) == 0 {
		return nil
	}
	out := make([]GroupAction[P, A], len(actions))
	for i, a := range actions {
		out[i] = GroupAction[P, A]{Group: group, Action: a}
	}
	return out
}
