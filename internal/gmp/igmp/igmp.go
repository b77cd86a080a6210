// Package igmp is the IGMPv2 extension of the membership engine, including
// the IGMPv1 router compatibility of RFC 2236 section 4.
package igmp

import (
	"math/rand/v2"
	"time"

	"firestige.xyz/netcore/internal/gmp"
)

// State is the IGMP-specific state of a group.
type State struct {
	// V1RouterPresent is set after an IGMPv1 query until the router present
	// timeout passes. Reports are sent as version 1 while it is set.
	V1RouterPresent bool
}

// Action is the IGMP-specific action.
type Action struct {
	// ScheduleV1RouterPresentTimer asks the caller to (re)arm the v1 router
	// present timer to fire after this duration.
	ScheduleV1RouterPresentTimer time.Duration
}

// Config holds the IGMP timing policy.
type Config struct {
	UnsolicitedReportInterval time.Duration `mapstructure:"unsolicited_report_interval" yaml:"unsolicited_report_interval"`
	V1RouterPresentTimeout    time.Duration `mapstructure:"v1_router_present_timeout" yaml:"v1_router_present_timeout"`
	// LegacyMaxRespTime is the response window used for v1 queries, which
	// carry no max response time.
	LegacyMaxRespTime time.Duration `mapstructure:"legacy_max_resp_time" yaml:"legacy_max_resp_time"`
	SendLeaveAnyway   bool          `mapstructure:"send_leave_anyway" yaml:"send_leave_anyway"`
}

// DefaultConfig returns the RFC 2236 defaults.
func DefaultConfig() Config {
	return Config{
		UnsolicitedReportInterval: 10 * time.Second,
		V1RouterPresentTimeout:    400 * time.Second,
		LegacyMaxRespTime:         10 * time.Second,
	}
}

// Protocol implements gmp.Protocol for IGMPv2.
type Protocol struct {
	cfg Config
}

var _ gmp.Protocol[State, Action] = Protocol{}

// New returns the IGMPv2 protocol with cfg.
func New(cfg Config) Protocol { return Protocol{cfg: cfg} }

func (p Protocol) UnsolicitedReportInterval() time.Duration { return p.cfg.UnsolicitedReportInterval }

func (p Protocol) SendLeaveAnyway() bool { return p.cfg.SendLeaveAnyway }

func (p Protocol) MaxRespTime(d time.Duration) time.Duration {
	if d == 0 {
		return p.cfg.LegacyMaxRespTime
	}
	return d
}

// QueryReceived treats a zero max response time as an IGMPv1 query.
func (p Protocol) QueryReceived(maxRespTime time.Duration, old State) (State, []Action) {
	if maxRespTime != 0 {
		return old, nil
	}
	return State{V1RouterPresent: true}, []Action{{ScheduleV1RouterPresentTimer: p.cfg.V1RouterPresentTimeout}}
}

type (
	// Host is the per-interface IGMP membership host.
	Host = gmp.Host[State, Action]
	// GroupAction is an action for one group.
	GroupAction = gmp.GroupAction[State, Action]
	// GroupState is the state of one joined group.
	GroupState = gmp.GroupState[State, Action]
)

// NewHost creates an IGMP host.
func NewHost(cfg Config, timers gmp.TimerContext, rng *rand.Rand) *Host {
	return gmp.NewHost[State, Action]("igmp", New(cfg), timers, rng)
}

// V1RouterPresentTimerExpired returns every group on h to IGMPv2 operation.
func V1RouterPresentTimerExpired(h *Host) {
	h.UpdateProtocolSpecific(func(State) State { return State{} })
}
