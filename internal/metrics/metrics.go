// Package metrics exports operational gauges and counters (slot occupancy,
// symbol-lock holders, circuit-breaker state, rate-limiter drops) plus order/position
// throughput as Prometheus gauges/counters/histograms: package-level
// promauto.With(Registry) vars, namespace/subsystem naming, thin Record*/
// Set* helper functions.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry is the custom prometheus registry for this engine's metrics.
	Registry = prometheus.NewRegistry()

	mu sync.RWMutex

	// ============================================
	// Strategy Manager: arbitration invariants
	// ============================================

	SlotsHeld = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "pumpcore", Subsystem: "strategy", Name: "slots_held",
		Help: "Number of signal slots currently held.",
	})

	SlotsMax = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "pumpcore", Subsystem: "strategy", Name: "slots_max",
		Help: "Configured maximum concurrent signal slots.",
	})

	SymbolLocksHeld = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "pumpcore", Subsystem: "strategy", Name: "symbol_locks_held",
		Help: "Number of symbols currently locked by a strategy.",
	})

	EvaluationsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "pumpcore", Subsystem: "strategy", Name: "evaluations_total",
		Help: "Total strategy evaluations, by strategy and the state the evaluation started in.",
	}, []string{"strategy", "event_type"})

	EvaluationsRateLimited = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "pumpcore", Subsystem: "strategy", Name: "evaluations_rate_limited_total",
		Help: "Evaluations dropped by the per-second evaluation rate limit.",
	})

	EvaluationLatencySeconds = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "pumpcore", Subsystem: "strategy", Name: "evaluation_latency_seconds",
		Help:    "Wall-clock duration of a single (strategy,symbol) evaluation.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// ============================================
	// Order Manager
	// ============================================

	OrdersTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "pumpcore", Subsystem: "order", Name: "orders_total",
		Help: "Total orders submitted, by side and status.",
	}, []string{"side", "status"})

	PositionsOpen = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "pumpcore", Subsystem: "order", Name: "positions_open",
		Help: "Number of currently open (non-flat) positions.",
	})

	RealizedPnLTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "pumpcore", Subsystem: "order", Name: "realized_pnl_total",
		Help: "Cumulative realized P&L across every closed position leg.",
	})

	// ============================================
	// Session Manager
	// ============================================

	CircuitBreakerState = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pumpcore", Subsystem: "session", Name: "circuit_breaker_state",
		Help: "Per-symbol circuit breaker state (0=CLOSED, 1=HALF_OPEN, 2=OPEN).",
	}, []string{"symbol"})

	SessionsActive = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "pumpcore", Subsystem: "session", Name: "sessions_active",
		Help: "Number of currently RUNNING sessions.",
	})

	RateLimiterRejectedTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "pumpcore", Subsystem: "session", Name: "rate_limiter_rejected_total",
		Help: "Operations rejected by the global sliding-window rate limiter.",
	})

	RateLimiterRingOccupancy = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "pumpcore", Subsystem: "session", Name: "rate_limiter_ring_occupancy",
		Help: "Current occupancy of the bounded operation-timestamp ring.",
	})
)

// RecordEvaluation increments the per-(strategy,event) evaluation counter.
func RecordEvaluation(strategyName, eventType string) {
	EvaluationsTotal.WithLabelValues(strategyName, eventType).Inc()
}

// RecordOrder increments the per-(side,status) order counter.
func RecordOrder(side, status string) {
	OrdersTotal.WithLabelValues(side, status).Inc()
}

// SetSlotStatus sets the slot occupancy gauges.
func SetSlotStatus(held, max int) {
	mu.Lock()
	defer mu.Unlock()
	SlotsHeld.Set(float64(held))
	SlotsMax.Set(float64(max))
}

// breakerStateValue maps a breaker's textual state onto the gauge's numeric
// encoding (0/1/2), matching the comment on CircuitBreakerState.
func breakerStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

// SetCircuitBreakerState records symbol's current breaker state.
func SetCircuitBreakerState(symbol, state string) {
	CircuitBreakerState.WithLabelValues(symbol).Set(breakerStateValue(state))
}

// Init registers the standard Go runtime/process collectors alongside the
// engine's own metrics.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}
