package strategy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/pumpcore/internal/eventbus"
	"github.com/atlas-desktop/pumpcore/internal/strategy"
	"go.uber.org/zap"
)

type fakeOrders struct {
	mu          sync.Mutex
	entries     []string
	closes      []string
	emergencies []string
	rejectEntry bool
}

func (f *fakeOrders) SubmitEntry(ctx context.Context, symbol, action string, quantity, price float64, strategyName string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectEntry {
		return errors.New("rejected")
	}
	f.entries = append(f.entries, strategyName)
	return nil
}

func (f *fakeOrders) ClosePosition(ctx context.Context, symbol string, price float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, symbol)
	return nil
}

func (f *fakeOrders) EmergencyExit(ctx context.Context, symbol string, price float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencies = append(f.emergencies, symbol)
	return nil
}

func newTestManager(t *testing.T, orders strategy.OrderSubmitter) (*strategy.Manager, *eventbus.EventBus) {
	t.Helper()
	bus := eventbus.New(zap.NewNop())
	mgr := strategy.New(strategy.DefaultConfig(), zap.NewNop(), bus, orders, nil, nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr, bus
}

// pumpTrader builds the S1-scenario strategy: LONG, S1={pump_magnitude_pct>=5
// AND volume_surge_ratio>=2}, Z1={pump_magnitude_pct>=4},
// ZE1={profit_pct>=10}, E1={price_velocity<=-15}.
func pumpTrader(t *testing.T, name, symbol string) *strategy.Strategy {
	t.Helper()
	s := strategy.NewStrategy(name, symbol, strategy.DirectionLong)
	s.Groups[strategy.GroupS1].Conditions = []*strategy.Condition{
		mustCondition(t, "magnitude", "pump_magnitude_pct", "gte", 5),
		mustCondition(t, "volume", "volume_surge_ratio", "gte", 2),
	}
	s.Groups[strategy.GroupZ1].Conditions = []*strategy.Condition{
		mustCondition(t, "magnitude", "pump_magnitude_pct", "gte", 4),
	}
	s.Groups[strategy.GroupZE1].Conditions = []*strategy.Condition{
		mustCondition(t, "profit", "profit_pct", "gte", 10),
	}
	s.Groups[strategy.GroupE1].Conditions = []*strategy.Condition{
		mustCondition(t, "velocity", "price_velocity", "lte", -15),
	}
	return s
}

func publishIndicator(bus *eventbus.EventBus, symbol, key string, value float64) {
	bus.Publish(strategy.TopicIndicatorUpdated, strategy.IndicatorUpdate{
		Symbol: symbol, IndicatorType: key, Value: value, Timestamp: time.Now(),
	})
}

func publishPrice(bus *eventbus.EventBus, symbol string, price float64) {
	bus.Publish(strategy.TopicMarketPriceUpdate, strategy.PriceUpdate{
		Symbol: symbol, Price: price, Timestamp: time.Now(),
	})
}

// TestS1FullProfitableCycle walks a full profitable cycle end to end:
// signal detection, entry, a favorable price move, and a clean exit.
func TestS1FullProfitableCycle(t *testing.T) {
	orders := &fakeOrders{}
	mgr, bus := newTestManager(t, orders)

	s := pumpTrader(t, "pump_trader", "DOGEUSDT")
	mgr.AddStrategy(s)

	publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 7.5)
	publishIndicator(bus, s.Symbol, "volume_surge_ratio", 3.0)

	got, _ := mgr.Strategy(s.Name)
	if got.CurrentState != strategy.StateSignalDetected {
		t.Fatalf("after S1: state = %v, want SIGNAL_DETECTED", got.CurrentState)
	}
	if holder, ok := mgr.SymbolLockHolder(s.Symbol); !ok || holder != s.Name {
		t.Fatalf("expected %q to hold the symbol lock", s.Name)
	}

	publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 6.0)
	if got.CurrentState != strategy.StateEntryEvaluation {
		t.Fatalf("after Z1: state = %v, want ENTRY_EVALUATION", got.CurrentState)
	}

	publishPrice(bus, s.Symbol, 51000)
	if got.CurrentState != strategy.StatePositionActive {
		t.Fatalf("after entry evaluation: state = %v, want POSITION_ACTIVE", got.CurrentState)
	}
	if len(orders.entries) != 1 {
		t.Fatalf("expected exactly 1 entry order, got %d", len(orders.entries))
	}

	publishIndicator(bus, s.Symbol, "profit_pct", 12)
	if got.CurrentState != strategy.StateCloseOrderEvaluation {
		t.Fatalf("after ZE1: state = %v, want CLOSE_ORDER_EVALUATION", got.CurrentState)
	}

	publishIndicator(bus, s.Symbol, "momentum", 0) // any further event drives the close
	if got.CurrentState != strategy.StateExited {
		t.Fatalf("after close: state = %v, want EXITED", got.CurrentState)
	}
	if len(orders.closes) != 1 {
		t.Fatalf("expected exactly 1 close order, got %d", len(orders.closes))
	}
	if _, held := mgr.SymbolLockHolder(s.Symbol); held {
		t.Fatal("symbol lock should be released after EXITED")
	}
}

// TestS2EmergencyOverridesProfit confirms invariant 6: when both E1 and ZE1
// would be TRUE in the same evaluation, the next state is EMERGENCY_EXIT,
// never CLOSE_ORDER_EVALUATION.
func TestS2EmergencyOverridesProfit(t *testing.T) {
	orders := &fakeOrders{}
	mgr, bus := newTestManager(t, orders)

	s := pumpTrader(t, "pump_trader", "SOLUSDT")
	mgr.AddStrategy(s)

	// Prime both exit indicators before POSITION_ACTIVE is reached; neither
	// is consulted outside POSITION_ACTIVE so priming here is inert.
	publishIndicator(bus, s.Symbol, "profit_pct", 10)
	publishIndicator(bus, s.Symbol, "price_velocity", -20)

	publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 7.5)
	publishIndicator(bus, s.Symbol, "volume_surge_ratio", 3.0)
	publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 6.0)
	publishPrice(bus, s.Symbol, 51000)

	got, _ := mgr.Strategy(s.Name)
	if got.CurrentState != strategy.StatePositionActive {
		t.Fatalf("precondition failed: state = %v, want POSITION_ACTIVE", got.CurrentState)
	}

	// One more evaluation with both E1 and ZE1 satisfied in the cache.
	publishIndicator(bus, s.Symbol, "momentum", 0)

	if got.CurrentState != strategy.StateEmergencyExit {
		t.Fatalf("state = %v, want EMERGENCY_EXIT (E1 must win over ZE1)", got.CurrentState)
	}
	if len(orders.closes) != 0 {
		t.Fatal("a normal close must not have been submitted")
	}
}

// TestS3O1CancelsSignal drives SIGNAL_DETECTED -> SIGNAL_CANCELLED via O1.
func TestS3O1CancelsSignal(t *testing.T) {
	orders := &fakeOrders{}
	mgr, bus := newTestManager(t, orders)

	s := pumpTrader(t, "pump_trader", "ADAUSDT")
	s.Groups[strategy.GroupO1].Conditions = []*strategy.Condition{
		mustCondition(t, "fade", "pump_magnitude_pct", "lt", 3),
	}
	mgr.AddStrategy(s)

	publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 7.5)
	publishIndicator(bus, s.Symbol, "volume_surge_ratio", 3.0)

	got, _ := mgr.Strategy(s.Name)
	if got.CurrentState != strategy.StateSignalDetected {
		t.Fatalf("precondition failed: state = %v, want SIGNAL_DETECTED", got.CurrentState)
	}

	before := time.Now()
	publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 2.0)

	if got.CurrentState != strategy.StateSignalCancelled {
		t.Fatalf("state = %v, want SIGNAL_CANCELLED", got.CurrentState)
	}
	if got.CooldownUntil.Before(before.Add(4 * time.Minute)) {
		t.Fatalf("expected ~5 minute cooldown, got until %v", got.CooldownUntil)
	}
	if _, held := mgr.SymbolLockHolder(s.Symbol); held {
		t.Fatal("symbol lock should be released on cancellation")
	}
}

// TestS4SlotContention confirms exactly MaxConcurrentSignals strategies win
// the race when fed simultaneously on distinct symbols.
func TestS4SlotContention(t *testing.T) {
	orders := &fakeOrders{}
	mgr, bus := newTestManager(t, orders)

	const n = 10
	strategies := make([]*strategy.Strategy, n)
	for i := 0; i < n; i++ {
		s := strategy.NewStrategy(
			"s"+string(rune('a'+i)),
			"SYM"+string(rune('A'+i)),
			strategy.DirectionLong,
		)
		s.Groups[strategy.GroupS1].Conditions = []*strategy.Condition{
			mustCondition(t, "magnitude", "pump_magnitude_pct", "gte", 5),
		}
		strategies[i] = s
		mgr.AddStrategy(s)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for _, s := range strategies {
		s := s
		go func() {
			defer wg.Done()
			publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 7.5)
		}()
	}
	wg.Wait()

	detected := 0
	for _, s := range strategies {
		got, _ := mgr.Strategy(s.Name)
		if got.CurrentState == strategy.StateSignalDetected {
			detected++
		}
	}

	if detected != 3 {
		t.Fatalf("expected exactly 3 strategies to reach SIGNAL_DETECTED, got %d", detected)
	}
	if status := mgr.SlotStatus(); status.Held != 3 {
		t.Fatalf("expected 3 held slots, got %d", status.Held)
	}
}

// TestS6CooldownResume confirms an expired cooldown resets EXITED back to
// MONITORING on the next evaluation, clearing lifecycle timestamps.
func TestS6CooldownResume(t *testing.T) {
	orders := &fakeOrders{}
	mgr, bus := newTestManager(t, orders)

	s := pumpTrader(t, "pump_trader", "XRPUSDT")
	s.CurrentState = strategy.StateExited
	s.CooldownUntil = time.Now().Add(-time.Second)
	s.SignalDetectedAt = time.Now().Add(-time.Hour)
	mgr.AddStrategy(s)

	publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 0)

	got, _ := mgr.Strategy(s.Name)
	if got.CurrentState != strategy.StateMonitoring {
		t.Fatalf("state = %v, want MONITORING", got.CurrentState)
	}
	if !got.SignalDetectedAt.IsZero() {
		t.Fatal("expected signal_detection_time to be cleared")
	}
	if !got.CooldownUntil.IsZero() {
		t.Fatal("expected cooldown_until to be cleared")
	}
}

func TestEntryRejectionReturnsToMonitoringWithSlotReleased(t *testing.T) {
	orders := &fakeOrders{rejectEntry: true}
	mgr, bus := newTestManager(t, orders)

	s := pumpTrader(t, "pump_trader", "LTCUSDT")
	mgr.AddStrategy(s)

	publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 7.5)
	publishIndicator(bus, s.Symbol, "volume_surge_ratio", 3.0)
	publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 6.0)
	publishPrice(bus, s.Symbol, 100)

	got, _ := mgr.Strategy(s.Name)
	if got.CurrentState != strategy.StateMonitoring {
		t.Fatalf("state = %v, want MONITORING after a rejected entry", got.CurrentState)
	}
	if _, held := mgr.SymbolLockHolder(s.Symbol); held {
		t.Fatal("symbol lock must be released after reverting to MONITORING")
	}
}

// TestStrategyTelemetryTracksLastEventAndActiveSymbols confirms the
// Manager's per-strategy telemetry map (§4.1's "telemetry" shared map) is
// populated on every transition and the bounded metrics store reflects it.
func TestStrategyTelemetryTracksLastEventAndActiveSymbols(t *testing.T) {
	orders := &fakeOrders{}
	mgr, bus := newTestManager(t, orders)

	s := pumpTrader(t, "pump_trader", "DOGEUSDT")
	mgr.AddStrategy(s)

	publishIndicator(bus, s.Symbol, "pump_magnitude_pct", 7.5)
	publishIndicator(bus, s.Symbol, "volume_surge_ratio", 3.0)

	tel, ok := mgr.StrategyTelemetry(s.Name)
	if !ok {
		t.Fatal("expected a telemetry record after the first transition")
	}
	if tel.LastEvent != "signal_detected" {
		t.Fatalf("expected last_event = signal_detected, got %q", tel.LastEvent)
	}
	if _, tracked := tel.ActiveSymbols[s.Symbol]; !tracked {
		t.Fatalf("expected %q in active symbols, got %v", s.Symbol, tel.ActiveSymbols)
	}
	if tel.LastStateChange.IsZero() {
		t.Fatal("expected last_state_change to be set")
	}

	if got, ok := mgr.MetricsStore().Gauge("business.active_strategies", nil); !ok || got < 1 {
		t.Fatalf("expected business.active_strategies gauge >= 1, got %v (ok=%v)", got, ok)
	}
}

func TestShutdownUnsubscribesEveryHandler(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	mgr := strategy.New(strategy.DefaultConfig(), zap.NewNop(), bus, &fakeOrders{}, nil, nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := bus.SubscriberCount(strategy.TopicIndicatorUpdated); got != 0 {
		t.Fatalf("expected 0 subscribers after shutdown, got %d", got)
	}
	if got := bus.SubscriberCount(strategy.TopicMarketPriceUpdate); got != 0 {
		t.Fatalf("expected 0 subscribers after shutdown, got %d", got)
	}
}
