package strategy

import (
	"strings"
	"time"

	"github.com/atlas-desktop/pumpcore/internal/metrics"
)

// setIndicator stores value under symbol/key, lowercasing the key so lookups
// are case-insensitive regardless of how the producer spelled the indicator
// name.
func (m *Manager) setIndicator(symbol, key string, value float64) {
	key = strings.ToLower(key)

	m.indicatorMu.Lock()
	defer m.indicatorMu.Unlock()
	bucket, ok := m.indicators[symbol]
	if !ok {
		bucket = make(map[string]float64)
		m.indicators[symbol] = bucket
	}
	bucket[key] = value
}

// snapshotIndicators returns a copy of the current indicator map for symbol,
// safe to evaluate conditions against outside the indicator lock.
func (m *Manager) snapshotIndicators(symbol string) map[string]float64 {
	m.indicatorMu.RLock()
	defer m.indicatorMu.RUnlock()
	src := m.indicators[symbol]
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// allowEvaluation enforces the rolling 50-evaluations-per-second ceiling
//. Excess evaluations are dropped rather than queued.
func (m *Manager) allowEvaluation(now time.Time) bool {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()

	cutoff := now.Add(-time.Second)
	kept := m.rateWindow[:0]
	for _, t := range m.rateWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.rateWindow = kept

	if len(m.rateWindow) >= m.cfg.MaxEvaluationsPerSecond {
		metrics.EvaluationsRateLimited.Inc()
		return false
	}
	m.rateWindow = append(m.rateWindow, now)
	return true
}

// markInProgress short-circuits a re-entrant evaluation for the same
// (strategy, symbol) pair arriving while one is already running. Returns
// false (and does not mark) if an evaluation is already in flight.
func (m *Manager) markInProgress(key string) bool {
	m.inProgressMu.Lock()
	defer m.inProgressMu.Unlock()
	if _, ok := m.inProgress[key]; ok {
		return false
	}
	m.inProgress[key] = struct{}{}
	return true
}

func (m *Manager) clearInProgress(key string) {
	m.inProgressMu.Lock()
	defer m.inProgressMu.Unlock()
	delete(m.inProgress, key)
}
