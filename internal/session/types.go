// Package session implements the Session Manager: admission control for
// multi-tenant trading sessions layered on top of a single market adapter
// — per-symbol circuit breakers, a global sliding-window rate
// limiter, and session resource quotas/lifecycle.
package session

import (
	"fmt"
	"time"
)

// Mode is the trading mode a session was started in.
type Mode string

const (
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
	ModeBacktest Mode = "backtest"
)

// State is a session's lifecycle state.
type State string

const (
	StateStarting    State = "STARTING"
	StateRunning     State = "RUNNING"
	StateCircuitOpen State = "CIRCUIT_OPEN"
	StateFailed      State = "FAILED"
	StateStopped     State = "STOPPED"
)

// Session is one client's admitted trading session.
type Session struct {
	SessionID           string
	ClientID            string
	Symbols             []string
	Mode                Mode
	State               State
	StartTime           time.Time
	LastActivity        time.Time
	Operations          int64
	Failures            int64
	Throttled           int64
	ActiveSubscriptions map[string]struct{}
}

// snapshot returns a value copy safe to hand to a caller outside the
// Manager's mutex.
func (s *Session) snapshot() Session {
	cp := *s
	cp.Symbols = append([]string(nil), s.Symbols...)
	cp.ActiveSubscriptions = make(map[string]struct{}, len(s.ActiveSubscriptions))
	for k := range s.ActiveSubscriptions {
		cp.ActiveSubscriptions[k] = struct{}{}
	}
	return cp
}

// ResourceUnavailable reports a rejected admission-control check: a resource
// quota, rate limit, or circuit breaker denied the operation. The
// session's own state is left untouched.
type ResourceUnavailable struct {
	Resource string
	Reason   string
}

func (e *ResourceUnavailable) Error() string {
	return fmt.Sprintf("session manager: resource unavailable: %s: %s", e.Resource, e.Reason)
}

// ResourceLimits are the per-client/per-session/per-symbol admission quotas.
type ResourceLimits struct {
	MaxSessionsPerClient int
	MaxTotalSessions     int
	MaxSymbolsPerSession int
}

// DefaultResourceLimits returns the spec-documented defaults.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxSessionsPerClient: 5,
		MaxTotalSessions:     50,
		MaxSymbolsPerSession: 20,
	}
}

// MarketAdapter is the external collaborator a session subscribes symbols
// through. The core treats the concrete exchange/market-data adapter as an
// opaque pluggable interface.
type MarketAdapter interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
}
