package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/pumpcore/internal/eventbus"
	"github.com/atlas-desktop/pumpcore/internal/metrics"
	"go.uber.org/zap"
)

func (m *Manager) handleIndicatorUpdated(e eventbus.Event) error {
	update, ok := e.Payload.(IndicatorUpdate)
	if !ok {
		return fmt.Errorf("strategy manager: unexpected indicator.updated payload type %T", e.Payload)
	}

	key := update.IndicatorType
	if key == "" {
		key = update.Indicator
	}
	m.setIndicator(update.Symbol, key, update.Value)
	m.evaluateSymbol(context.Background(), update.Symbol)
	return nil
}

func (m *Manager) handlePriceUpdate(e eventbus.Event) error {
	update, ok := e.Payload.(PriceUpdate)
	if !ok {
		return fmt.Errorf("strategy manager: unexpected market.price_update payload type %T", e.Payload)
	}

	m.setIndicator(update.Symbol, "price", update.Price)
	m.setIndicator(update.Symbol, "last_price", update.Price)
	m.evaluateSymbol(context.Background(), update.Symbol)
	return nil
}

func (m *Manager) activeStrategyNames(symbol string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.activeBySymbol[symbol]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names
}

// evaluateSymbol re-evaluates every strategy currently active on symbol.
// Evaluations for distinct strategies on the same symbol may interleave;
// the symbol lock, not this loop, is what bounds concurrent active signals
// on the symbol to one.
func (m *Manager) evaluateSymbol(ctx context.Context, symbol string) {
	for _, name := range m.activeStrategyNames(symbol) {
		m.evaluateStrategy(ctx, name)
	}
}

// evaluateStrategy is the single entry point driving one (strategy, symbol)
// through its current state's pure evaluation function. It enforces the
// rolling rate limit, the re-entrancy guard, and the strategy's evaluation
// mutex before dispatching: look up active strategies, acquire each
// strategy's evaluation mutex, then dispatch on current_state.
func (m *Manager) evaluateStrategy(ctx context.Context, strategyName string) {
	now := time.Now()
	if !m.allowEvaluation(now) {
		m.logger.Debug("rate_limit_exceeded", zap.String("strategy", strategyName))
		return
	}

	s, ok := m.Strategy(strategyName)
	if !ok || !s.Enabled {
		return
	}

	key := strategyName + "|" + s.Symbol
	if !m.markInProgress(key) {
		return
	}
	defer m.clearInProgress(key)

	evalMu := m.strategyEvalMutex(strategyName)
	evalMu.Lock()
	defer evalMu.Unlock()

	start := time.Now()
	state := s.CurrentState
	defer func() {
		elapsedMs := float64(time.Since(start).Microseconds()) / 1000
		metrics.EvaluationLatencySeconds.Observe(elapsedMs / 1000)
		metrics.RecordEvaluation(strategyName, string(state))
		m.metrics.Record("strategy.execution_time", elapsedMs, map[string]string{"strategy": strategyName})
	}()

	switch s.CurrentState {
	case StateExited, StateSignalCancelled:
		if now.Before(s.CooldownUntil) {
			m.publishCooldownActive(s)
			return
		}
		m.resetToMonitoring(s, now)
	case StateMonitoring:
		m.evalMonitoring(ctx, s, now)
	case StateSignalDetected:
		m.evalSignalDetected(ctx, s, now)
	case StateEntryEvaluation:
		m.evalEntryEvaluation(ctx, s, now)
	case StatePositionActive:
		m.evalPositionActive(ctx, s, now)
	case StateCloseOrderEvaluation:
		m.evalCloseOrderEvaluation(ctx, s, now)
	case StateEmergencyExit:
		m.evalEmergencyExit(ctx, s, now)
	}
}

func (m *Manager) evalMonitoring(ctx context.Context, s *Strategy, now time.Time) {
	indicators := m.snapshotIndicators(s.Symbol)
	if s.Groups[GroupS1].Evaluate(indicators) != ResultTrue {
		return
	}

	if !m.acquireSignalSlot(s.Name) {
		m.publishStrategyEvent(s.Symbol, s.Name, "signal_slot_unavailable", s.CurrentState)
		return
	}
	if !m.lockSymbol(s.Symbol, s.Name) {
		m.releaseSignalSlot(s.Name)
		m.publishStrategyEvent(s.Symbol, s.Name, "symbol_lock_unavailable", s.CurrentState)
		return
	}

	s.SignalDetectedAt = now
	s.CurrentState = StateSignalDetected
	status := m.SlotStatus()
	m.bus.Publish(TopicSlotAcquired, SlotAcquired{StrategyName: s.Name, Symbol: s.Symbol, Held: status.Held, Max: status.Max})
	m.publishStrategyEvent(s.Symbol, s.Name, "signal_detected", s.CurrentState)
	m.publishSignal(s, "S1", s.EntryAction(), 0, indicators["price"], indicators, s.Groups[GroupS1].ConditionsMet(indicators))
}

func (m *Manager) evalSignalDetected(ctx context.Context, s *Strategy, now time.Time) {
	indicators := m.snapshotIndicators(s.Symbol)
	indicators["signal_age_seconds"] = now.Sub(s.SignalDetectedAt).Seconds()

	if s.Groups[GroupO1].Evaluate(indicators) == ResultTrue {
		m.releaseSignalSlot(s.Name)
		m.releaseSymbolLock(s.Symbol, s.Name)
		s.CurrentState = StateSignalCancelled
		s.CooldownUntil = now.Add(minutes(s.Limits.SignalCancellationCooldownMinutes))
		s.CooldownReason = "signal_cancelled"
		m.bus.Publish(TopicSlotReleased, SlotReleased{StrategyName: s.Name, Symbol: s.Symbol})
		m.publishStrategyEvent(s.Symbol, s.Name, "signal_cancelled", s.CurrentState)
		return
	}

	if s.Groups[GroupZ1].Evaluate(indicators) == ResultTrue {
		s.CurrentState = StateEntryEvaluation
		m.publishStrategyEvent(s.Symbol, s.Name, "entry_evaluation", s.CurrentState)
	}
}

func (m *Manager) evalEntryEvaluation(ctx context.Context, s *Strategy, now time.Time) {
	indicators := m.snapshotIndicators(s.Symbol)
	price := indicators["price"]
	riskIndicator := indicators["risk_indicator"]

	quantity := s.PositionSize(price, riskIndicator, m.risk)

	if m.risk != nil {
		if err := m.risk.AssessPositionRisk(s.Symbol, quantity, price); err != nil {
			m.logger.Info("entry rejected by risk manager", zap.String("strategy", s.Name), zap.Error(err))
			m.revertToMonitoring(s)
			return
		}
		if !m.risk.CanOpenPositionSync(s.Symbol) {
			m.logger.Info("entry rejected by risk manager", zap.String("strategy", s.Name))
			m.revertToMonitoring(s)
			return
		}
	}

	if err := m.orders.SubmitEntry(ctx, s.Symbol, s.EntryAction(), quantity, price, s.Name, s.Limits.MaxLeverage); err != nil {
		m.logger.Warn("entry order failed", zap.String("strategy", s.Name), zap.Error(err))
		m.revertToMonitoring(s)
		return
	}

	s.CurrentState = StatePositionActive
	s.PositionActive = true
	s.EntryAt = now
	m.publishStrategyEvent(s.Symbol, s.Name, "position_active", s.CurrentState)
}

// evalPositionActive enforces invariant 6: E1 is always evaluated strictly
// before ZE1, never in parallel, never reordered.
func (m *Manager) evalPositionActive(ctx context.Context, s *Strategy, now time.Time) {
	indicators := m.snapshotIndicators(s.Symbol)

	if s.Groups[GroupE1].Evaluate(indicators) == ResultTrue {
		s.CurrentState = StateEmergencyExit
		s.CooldownUntil = now.Add(minutes(s.Limits.EmergencyExitCooldownMinutes))
		s.CooldownReason = "emergency_exit"
		m.publishStrategyEvent(s.Symbol, s.Name, "emergency_exit_triggered", s.CurrentState)
		m.publishSignal(s, "E1", s.ExitAction(), 0, indicators["price"], indicators, s.Groups[GroupE1].ConditionsMet(indicators))
		return
	}

	if s.Groups[GroupZE1].Evaluate(indicators) == ResultTrue {
		s.CurrentState = StateCloseOrderEvaluation
		m.publishStrategyEvent(s.Symbol, s.Name, "close_order_evaluation", s.CurrentState)
		m.publishSignal(s, "ZE1", s.ExitAction(), 0, indicators["price"], indicators, s.Groups[GroupZE1].ConditionsMet(indicators))
	}
}

func (m *Manager) evalCloseOrderEvaluation(ctx context.Context, s *Strategy, now time.Time) {
	indicators := m.snapshotIndicators(s.Symbol)
	price := indicators["price"]
	adjusted := s.AdjustedClosePrice(price, indicators["risk_indicator"])

	if err := m.orders.ClosePosition(ctx, s.Symbol, adjusted); err != nil {
		m.logger.Warn("close order failed", zap.String("strategy", s.Name), zap.Error(err))
		return
	}

	s.CurrentState = StateExited
	s.ExitAt = now
	s.PositionActive = false
	s.CooldownUntil = now.Add(minutes(s.Limits.NormalExitCooldownMinutes))
	s.CooldownReason = "normal_exit"
	m.releaseSignalSlot(s.Name)
	m.releaseSymbolLock(s.Symbol, s.Name)
	m.bus.Publish(TopicSlotReleased, SlotReleased{StrategyName: s.Name, Symbol: s.Symbol})
	m.publishStrategyEvent(s.Symbol, s.Name, "exited", s.CurrentState)
}

func (m *Manager) evalEmergencyExit(ctx context.Context, s *Strategy, now time.Time) {
	indicators := m.snapshotIndicators(s.Symbol)
	price := indicators["price"]

	if err := m.orders.EmergencyExit(ctx, s.Symbol, price); err != nil {
		m.logger.Warn("emergency exit failed", zap.String("strategy", s.Name), zap.Error(err))
		return
	}

	s.CurrentState = StateExited
	s.ExitAt = now
	s.PositionActive = false
	m.releaseSignalSlot(s.Name)
	m.releaseSymbolLock(s.Symbol, s.Name)
	m.bus.Publish(TopicSlotReleased, SlotReleased{StrategyName: s.Name, Symbol: s.Symbol})
	m.publishStrategyEvent(s.Symbol, s.Name, "exited", s.CurrentState)
}

// revertToMonitoring is used when ENTRY_EVALUATION fails (risk rejection or
// order failure): invariant 1 requires a MONITORING strategy to hold no
// slot, so both the slot and the symbol lock are released here.
func (m *Manager) revertToMonitoring(s *Strategy) {
	m.releaseSignalSlot(s.Name)
	m.releaseSymbolLock(s.Symbol, s.Name)
	s.CurrentState = StateMonitoring
	s.SignalDetectedAt = time.Time{}
	m.bus.Publish(TopicSlotReleased, SlotReleased{StrategyName: s.Name, Symbol: s.Symbol})
	m.publishStrategyEvent(s.Symbol, s.Name, "reverted_to_monitoring", s.CurrentState)
}

func (m *Manager) resetToMonitoring(s *Strategy, now time.Time) {
	previous := s.CurrentState
	s.CurrentState = StateMonitoring
	s.SignalDetectedAt = time.Time{}
	s.EntryAt = time.Time{}
	s.ExitAt = time.Time{}
	s.CooldownUntil = time.Time{}
	s.CooldownReason = ""
	m.touchTelemetry(s.Name, s.Symbol, "monitoring_resumed", now)
	m.bus.Publish(TopicMonitoringResumed, MonitoringResumed{
		StrategyName:  s.Name,
		Symbol:        s.Symbol,
		PreviousState: previous,
		Reason:        "cooldown_expired",
		Timestamp:     now,
	})
}

func (m *Manager) publishSignal(s *Strategy, signalType, action string, quantity, price float64, indicators map[string]float64, conditionsMet []string) {
	m.bus.Publish(TopicSignalGenerated, SignalGenerated{
		SignalID:        fmt.Sprintf("%s-%s-%d", s.Name, signalType, time.Now().UnixNano()),
		SignalType:      signalType,
		Symbol:          s.Symbol,
		Side:            strings.ToLower(action),
		Action:          action,
		Quantity:        quantity,
		Price:           price,
		StrategyName:    s.Name,
		Triggered:       true,
		ConditionsMet:   conditionsMet,
		IndicatorValues: indicators,
		Timestamp:       time.Now().Unix(),
		Source:          eventSource,
	})
}

func (m *Manager) publishCooldownActive(s *Strategy) {
	m.publishStrategyEvent(s.Symbol, s.Name, "cooldown_active", s.CurrentState)
}

func minutes(n float64) time.Duration {
	return time.Duration(n * float64(time.Minute))
}
