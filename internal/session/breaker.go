package session

import (
	"sync"
	"time"
)

// BreakerState is the three-state circuit-breaker lifecycle.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig carries the thresholds a CircuitBreaker trips and resets on.
type BreakerConfig struct {
	FailureThreshold int
	Timeout          time.Duration
	SuccessThreshold int
}

// DefaultBreakerConfig returns the standard breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Timeout: 60 * time.Second, SuccessThreshold: 3}
}

// CircuitBreaker is a per-symbol breaker shared across every session that
// touches the symbol.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	symbol          string
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// NewCircuitBreaker constructs a breaker in the CLOSED state for symbol.
func NewCircuitBreaker(symbol string, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, symbol: symbol, state: BreakerClosed}
}

// Allow reports whether an operation against this breaker's symbol may
// proceed. CLOSED and HALF_OPEN both allow (HALF_OPEN admits trial
// operations); OPEN allows only once its retry-after has elapsed, at which
// point it transitions to HALF_OPEN and admits the probe.
func (b *CircuitBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if !now.Before(b.nextAttemptTime) {
			b.state = BreakerHalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess feeds a successful operation to the breaker. In HALF_OPEN,
// SuccessThreshold consecutive successes close the breaker; in CLOSED,
// successes decay the failure count toward zero so transient blips don't
// accumulate indefinitely. Returns true the instant the breaker closes.
func (b *CircuitBreaker) RecordSuccess() (closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
			return true
		}
	case BreakerClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
	return false
}

// RecordFailure feeds a failed operation to the breaker. Reaching
// FailureThreshold (from CLOSED) or any failure while HALF_OPEN trips the
// breaker OPEN and arms a retry-after timer. Returns true the instant the
// breaker opens.
func (b *CircuitBreaker) RecordFailure(now time.Time) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = now
	b.failureCount++

	switch b.state {
	case BreakerHalfOpen:
		b.trip(now)
		return true
	case BreakerClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip(now)
			return true
		}
	}
	return false
}

func (b *CircuitBreaker) trip(now time.Time) {
	b.state = BreakerOpen
	b.nextAttemptTime = now.Add(b.cfg.Timeout)
	b.successCount = 0
}

// State returns a point-in-time snapshot of the breaker's state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current failure tally (decayed while CLOSED,
// reset on transition to CLOSED from HALF_OPEN).
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// breakerRegistry is the global, shared-across-sessions per-symbol registry
// of circuit breakers: one breaker per symbol, never one per session.
type breakerRegistry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func newBreakerRegistry(cfg BreakerConfig) *breakerRegistry {
	return &breakerRegistry{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

func (r *breakerRegistry) get(symbol string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[symbol]
	if !ok {
		b = NewCircuitBreaker(symbol, r.cfg)
		r.breakers[symbol] = b
	}
	return b
}

func (r *breakerRegistry) snapshot() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for symbol, b := range r.breakers {
		out[symbol] = b.State()
	}
	return out
}
