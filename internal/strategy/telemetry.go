package strategy

import (
	"time"

	"github.com/atlas-desktop/pumpcore/internal/telemetry"
)

// StrategyTelemetry is the per-strategy runtime record kept in the Manager's
// "telemetry" shared map (§4.1 lists it alongside strategies/
// active_strategies/indicator_values/global_signal_slots/symbol_locks as one
// of the component-scoped maps every mutation must go through its own
// mutex): the last diagnostic event published for the strategy, when that
// event was published (LastStateChange; events such as cooldown_active or
// signal_slot_unavailable update it without a state change), and which
// symbols it has been evaluated against.
type StrategyTelemetry struct {
	LastEvent       string
	LastStateChange time.Time
	ActiveSymbols   map[string]struct{}
}

// touchTelemetry records that strategyName just published eventType for
// symbol at now, creating its telemetry record on first use, then refreshes
// the business.active_strategies gauge on the bounded telemetry store.
func (m *Manager) touchTelemetry(strategyName, symbol, eventType string, now time.Time) {
	m.telemetryMu.Lock()
	tel, ok := m.telemetry[strategyName]
	if !ok {
		tel = &StrategyTelemetry{ActiveSymbols: make(map[string]struct{})}
		m.telemetry[strategyName] = tel
	}
	tel.LastEvent = eventType
	tel.LastStateChange = now
	tel.ActiveSymbols[symbol] = struct{}{}
	m.telemetryMu.Unlock()

	m.metrics.IncrementCounter("strategy.executions_total", 1, map[string]string{"strategy": strategyName, "event": eventType})
	m.metrics.SetGauge("business.active_strategies", float64(m.activeStrategyCount()), nil)
}

// activeStrategyCount is the total number of distinct strategies currently
// active across every symbol, mirroring get_total_active_strategies_count.
func (m *Manager) activeStrategyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, set := range m.activeBySymbol {
		for name := range set {
			seen[name] = struct{}{}
		}
	}
	return len(seen)
}

// StrategyTelemetry returns a copy-safe snapshot of strategyName's telemetry
// record, or false if nothing has been recorded for it yet.
func (m *Manager) StrategyTelemetry(strategyName string) (StrategyTelemetry, bool) {
	m.telemetryMu.Lock()
	defer m.telemetryMu.Unlock()

	tel, ok := m.telemetry[strategyName]
	if !ok {
		return StrategyTelemetry{}, false
	}
	symbols := make(map[string]struct{}, len(tel.ActiveSymbols))
	for s := range tel.ActiveSymbols {
		symbols[s] = struct{}{}
	}
	return StrategyTelemetry{LastEvent: tel.LastEvent, LastStateChange: tel.LastStateChange, ActiveSymbols: symbols}, true
}

// MetricsStore exposes the Strategy Manager's bounded in-process telemetry
// store (§5: series cap 1000, counters 10 000, gauges 5000, histograms
// 1000 x 1000 values, oldest-first eviction), for diagnostics or tests.
func (m *Manager) MetricsStore() *telemetry.Store {
	return m.metrics
}
