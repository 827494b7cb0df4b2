// Package strategy implements the Strategy Manager: the five-stage
// (S1/O1/Z1/ZE1/E1) condition state machine that evaluates indicator updates
// per (strategy, symbol) pair and arbitrates the scarce execution resources
// — signal slots and symbol locks — that gate order submission.
package strategy

import "time"

// Direction is the trading direction a strategy is permitted to take.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionBoth  Direction = "BOTH"
)

// State enumerates every state in the strategy lifecycle. It is total: every
// strategy is always in exactly one of these states.
type State string

const (
	StateInactive              State = "INACTIVE"
	StateMonitoring            State = "MONITORING"
	StateSignalDetected        State = "SIGNAL_DETECTED"
	StateSignalCancelled       State = "SIGNAL_CANCELLED"
	StateEntryEvaluation       State = "ENTRY_EVALUATION"
	StatePositionActive        State = "POSITION_ACTIVE"
	StateCloseOrderEvaluation  State = "CLOSE_ORDER_EVALUATION"
	StateEmergencyExit         State = "EMERGENCY_EXIT"
	StateExited                State = "EXITED"
)

// GroupName identifies one of the five ordered condition groups a Strategy
// owns.
type GroupName string

const (
	GroupS1  GroupName = "s1_signal"    // entry-signal gate
	GroupO1  GroupName = "o1_cancel"    // post-signal cancellation gate
	GroupZ1  GroupName = "z1_entry"     // position-opening gate
	GroupZE1 GroupName = "ze1_close"    // normal-exit gate
	GroupE1  GroupName = "emergency_exit"
)

// RiskPoint is one knot of a piecewise-linear interpolation table, used both
// for position-size risk multipliers and close-price adjustment percentages.
type RiskPoint struct {
	RiskValue  float64 `json:"riskValue"`
	Multiplier float64 `json:"multiplier"`
}

// GlobalLimits carries the numeric policy parameters that size and pace a
// strategy's trading, distinct from its condition logic.
type GlobalLimits struct {
	BasePositionPct             float64     `json:"basePositionPct"`
	MinPositionPct              float64     `json:"minPositionPct"`
	MaxPositionPct              float64     `json:"maxPositionPct"`
	MaxLeverage                 int         `json:"maxLeverage"`
	RiskAdjustmentPoints        []RiskPoint `json:"riskAdjustmentPoints,omitempty"`
	ClosePriceAdjustmentPoints  []RiskPoint `json:"closePriceAdjustmentPoints,omitempty"`
	SignalCancellationCooldownMinutes float64 `json:"signalCancellationCooldownMinutes"`
	EmergencyExitCooldownMinutes      float64 `json:"emergencyExitCooldownMinutes"`
	NormalExitCooldownMinutes        float64 `json:"normalExitCooldownMinutes"`
}

// DefaultGlobalLimits returns the standard global limit defaults.
func DefaultGlobalLimits() GlobalLimits {
	return GlobalLimits{
		BasePositionPct:                   0.05,
		MinPositionPct:                    0.01,
		MaxPositionPct:                    0.25,
		MaxLeverage:                       5,
		SignalCancellationCooldownMinutes: 5,
		EmergencyExitCooldownMinutes:      30,
		NormalExitCooldownMinutes:         5,
	}
}

// Strategy is a named, enabled/disabled policy owning five ordered condition
// groups plus runtime lifecycle state. There is exactly one Strategy type —
// no per-strategy-kind inheritance — because every strategy is fully
// described by its condition groups and limits.
type Strategy struct {
	Name      string
	Symbol    string
	Direction Direction
	Enabled   bool

	Groups map[GroupName]*ConditionGroup

	Limits GlobalLimits

	// Runtime state.
	CurrentState       State
	PositionActive     bool
	SignalDetectedAt   time.Time
	EntryAt            time.Time
	ExitAt             time.Time
	CooldownUntil      time.Time
	CooldownReason      string
}

// NewStrategy constructs a Strategy in the INACTIVE state with empty groups
// for all five stages (an empty group evaluates FALSE, never TRUE — callers
// must explicitly populate conditions to make a stage live).
func NewStrategy(name, symbol string, direction Direction) *Strategy {
	s := &Strategy{
		Name:         name,
		Symbol:       symbol,
		Direction:    direction,
		Enabled:      true,
		CurrentState: StateInactive,
		Limits:       DefaultGlobalLimits(),
		Groups:       make(map[GroupName]*ConditionGroup, 5),
	}
	for _, g := range []GroupName{GroupS1, GroupO1, GroupZ1, GroupZE1, GroupE1} {
		s.Groups[g] = &ConditionGroup{Name: string(g), RequireAll: true}
	}
	return s
}

// Activate moves an INACTIVE strategy into MONITORING whether or not it is
// Enabled; a disabled strategy is skipped at evaluation time instead.
func (s *Strategy) Activate() {
	if s.CurrentState == StateInactive {
		s.CurrentState = StateMonitoring
	}
}

// EntryAction returns the order side a TRUE S1 should generate, derived from
// the strategy's configured direction.
func (s *Strategy) EntryAction() string {
	if s.Direction == DirectionShort {
		return "SHORT"
	}
	return "BUY"
}

// ExitAction returns the order side that closes whatever EntryAction opened.
func (s *Strategy) ExitAction() string {
	if s.Direction == DirectionShort {
		return "COVER"
	}
	return "SELL"
}
