// Package gmp implements the group membership state machine shared by IGMPv2
// (RFC 2236) and MLDv1 (RFC 2710).
//
// The engine performs no I/O. Every transition returns the actions the caller
// must realize, such as sending a report, and the report deadline the caller
// must arm with its timer service. Protocol differences are injected through
// Protocol; the engine never asks which protocol it is running.
package gmp

import (
	"math/rand/v2"
	"time"
)

// Protocol supplies the policies of one concrete membership protocol. P is
// the protocol-specific state carried by each group and A is the protocol's
// own action type.
type Protocol[P, A any] interface {
	// UnsolicitedReportInterval is the delay before the first report after
	// joining a group.
	UnsolicitedReportInterval() time.Duration
	// SendLeaveAnyway makes LeaveGroup emit a leave even when another host
	// sent the last report.
	SendLeaveAnyway() bool
	// MaxRespTime maps the max response time carried by a query to the
	// window used for the report delay. A zero input is the legacy query
	// signal and must map to a non-zero window.
	MaxRespTime(d time.Duration) time.Duration
	// QueryReceived runs on every query for the group, whatever its state,
	// and returns the new protocol-specific state plus any actions.
	QueryReceived(maxRespTime time.Duration, old P) (P, []A)
}

// ActionKind discriminates Action.
type ActionKind uint8

const (
	// ActionSendReport asks the caller to send a report built from the
	// Report snapshot.
	ActionSendReport ActionKind = iota + 1
	// ActionSendLeave asks the caller to send a leave message.
	ActionSendLeave
	// ActionSpecific carries a protocol action in Specific.
	ActionSpecific
)

func (k ActionKind) String() string {
	switch k {
	case ActionSendReport:
		return "send_report"
	case ActionSendLeave:
		return "send_leave"
	case ActionSpecific:
		return "specific"
	default:
		return "unknown"
	}
}

// Action is one step the caller must perform after a transition.
type Action[P, A any] struct {
	Kind     ActionKind
	Report   P // ActionSendReport
	Specific A // ActionSpecific
}

// SendReport returns an ActionSendReport carrying p.
func SendReport[P, A any](p P) Action[P, A] {
	return Action[P, A]{Kind: ActionSendReport, Report: p}
}

// SendLeave returns an ActionSendLeave.
func SendLeave[P, A any]() Action[P, A] {
	return Action[P, A]{Kind: ActionSendLeave}
}

// Specific returns an ActionSpecific carrying a.
func Specific[P, A any](a A) Action[P, A] {
	return Action[P, A]{Kind: ActionSpecific, Specific: a}
}

type memberState uint8

const (
	delaying memberState = iota + 1
	idle
)

// GroupState is the membership state of one joined group. A group that is
// not joined has no GroupState at all, so every method can assume
// membership.
type GroupState[P, A any] struct {
	state        memberState
	reportTimer  time.Time
	specific     P
	lastReporter bool
}

// JoinGroup creates the state of a newly joined group. The group starts in
// the delaying state with its first report due after the protocol's
// unsolicited report interval.
func JoinGroup[P, A any](proto Protocol[P, A], specific P, now time.Time) *GroupState[P, A] {
	return &GroupState[P, A]{
		state:       delaying,
		reportTimer: now.Add(proto.UnsolicitedReportInterval()),
		specific:    specific,
	}
}

// QueryReceived handles a general or group-specific query. An idle group
// starts delaying with a random deadline in [0, max); a delaying group keeps
// whichever deadline is earlier.
func (g *GroupState[P, A]) QueryReceived(proto Protocol[P, A], rng *rand.Rand, maxRespTime time.Duration, now time.Time) []Action[P, A] {
	specific, extra := proto.QueryReceived(maxRespTime, g.specific)
	g.specific = specific

	deadline := now.Add(delay(rng, proto.MaxRespTime(maxRespTime)))
	switch g.state {
	case idle:
		g.state = delaying
		g.reportTimer = deadline
	case delaying:
		if deadline.Before(g.reportTimer) {
			g.reportTimer = deadline
		}
	}

	if len(extra) == 0 {
		return nil
	}
	actions := make([]Action[P, A], 0, len(extra))
	for _, a := range extra {
		actions = append(actions, Specific[P](a))
	}
	return actions
}

func delay(rng *rand.Rand, window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(rng.Int64N(int64(window)))
}

// ReportReceived handles another host's report for the group, suppressing
// our pending report.
func (g *GroupState[P, A]) ReportReceived() {
	if g.state == delaying {
		g.state = idle
		g.reportTimer = time.Time{}
	}
	g.lastReporter = false
}

// ReportTimerExpired sends the pending report. It returns nothing if the
// group is idle, which only happens when the caller failed to cancel a
// suppressed timer.
func (g *GroupState[P, A]) ReportTimerExpired() []Action[P, A] {
	if g.state != delaying {
		return nil
	}
	g.state = idle
	g.reportTimer = time.Time{}
	g.lastReporter = true
	return []Action[P, A]{SendReport[P, A](g.specific)}
}

// LeaveGroup ends the membership. The caller must drop the GroupState
// afterwards and cancel any outstanding report timer.
func (g *GroupState[P, A]) LeaveGroup(proto Protocol[P, A]) []Action[P, A] {
	if g.lastReporter || proto.SendLeaveAnyway() {
		return []Action[P, A]{SendLeave[P, A]()}
	}
	return nil
}

// ReportTimer returns the pending report deadline.
func (g *GroupState[P, A]) ReportTimer() (time.Time, bool) {
	return g.reportTimer, g.state == delaying
}

// Delaying reports whether a report is pending.
func (g *GroupState[P, A]) Delaying() bool { return g.state == delaying }

// LastReporter reports whether this host sent the most recent report.
func (g *GroupState[P, A]) LastReporter() bool { return g.lastReporter }

// ProtocolSpecific returns the protocol-specific state.
func (g *GroupState[P, A]) ProtocolSpecific() P { return g.specific }

// UpdateProtocolSpecific replaces the protocol-specific state with f(old).
func (g *GroupState[P, A]) UpdateProtocolSpecific(f func(P) P) {
	g.specific = f(g.specific)
}
