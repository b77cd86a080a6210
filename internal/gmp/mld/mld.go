// Package mld is the MLDv1 extension of the membership engine. MLDv1 has no
// earlier version to stay compatible with, so its protocol state is empty.
package mld

import (
	"math/rand/v2"
	"time"

	"firestige.xyz/netcore/internal/gmp"
)

// MinMaxRespTime is the window used for a query advertising zero max
// response delay.
const MinMaxRespTime = time.Millisecond

// State is the MLD-specific group state. It carries nothing.
type State struct{}

// Action is the MLD-specific action. MLD never emits one.
type Action struct{}

// Config holds the MLD timing policy.
type Config struct {
	UnsolicitedReportInterval time.Duration `mapstructure:"unsolicited_report_interval" yaml:"unsolicited_report_interval"`
	SendLeaveAnyway           bool          `mapstructure:"send_leave_anyway" yaml:"send_leave_anyway"`
}

// DefaultConfig returns the RFC 2710 defaults.
func DefaultConfig() Config {
	return Config{UnsolicitedReportInterval: 10 * time.Second}
}

// Protocol implements gmp.Protocol for MLDv1.
type Protocol struct {
	cfg Config
}

var _ gmp.Protocol[State, Action] = Protocol{}

func New(cfg Config) Protocol { return Protocol{cfg: cfg} }

func (p Protocol) UnsolicitedReportInterval() time.Duration { return p.cfg.UnsolicitedReportInterval }

func (p Protocol) SendLeaveAnyway() bool { return p.cfg.SendLeaveAnyway }

func (Protocol) MaxRespTime(d time.Duration) time.Duration {
	if d == 0 {
		return MinMaxRespTime
	}
	return d
}

func (Protocol) QueryReceived(_ time.Duration, old State) (State, []Action) { return old, nil }

type (
	Host        = gmp.Host[State, Action]
	GroupAction = gmp.GroupAction[State, Action]
)

// NewHost creates an MLD host.
func NewHost(cfg Config, timers gmp.TimerContext, rng *rand.Rand) *Host {
	return gmp.NewHost[State, Action]("mld", New(cfg), timers, rng)
}
