package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/pumpcore/internal/eventbus"
	"github.com/atlas-desktop/pumpcore/internal/order"
	"github.com/atlas-desktop/pumpcore/internal/risk"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*risk.Manager, *eventbus.EventBus) {
	t.Helper()
	bus := eventbus.New(zap.NewNop())
	cfg := risk.DefaultConfig()
	m := risk.New(cfg, zap.NewNop(), bus)
	m.Start(context.Background())
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, bus
}

func TestAvailableCapitalStartsAtInitialCapital(t *testing.T) {
	m, _ := newTestManager(t)
	if got := m.AvailableCapital(); got != 10000 {
		t.Fatalf("expected 10000, got %v", got)
	}
}

func TestAssessPositionRiskRejectsOverMaxPositionValue(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.AssessPositionRisk("BTCUSDT", 1, 6000); err == nil {
		t.Fatal("expected rejection: notional exceeds MaxPositionValue")
	}
}

func TestAssessPositionRiskAccountsForExistingExposure(t *testing.T) {
	m, bus := newTestManager(t)
	bus.Publish(order.TopicPositionOpened, order.PositionEvent{Symbol: "BTCUSDT", Quantity: 10, Price: 200})
	if err := m.AssessPositionRisk("BTCUSDT", 10, 200); err == nil {
		t.Fatal("expected rejection once symbol exposure ceiling is breached")
	}
}

func TestKillSwitchTripsOnConsecutiveLosses(t *testing.T) {
	m, bus := newTestManager(t)
	for i := 0; i < 5; i++ {
		bus.Publish(order.TopicPositionClosed, order.PositionEvent{Symbol: "BTCUSDT", RealizedPnL: -1})
	}
	if m.CanOpenPositionSync("BTCUSDT") {
		t.Fatal("expected the kill switch to block new entries after 5 consecutive losses")
	}
	if err := m.AssessPositionRisk("BTCUSDT", 1, 10); err == nil {
		t.Fatal("expected AssessPositionRisk to reject while the kill switch is active")
	}
}

func TestKillSwitchTripsOnDailyLossThreshold(t *testing.T) {
	m, bus := newTestManager(t)
	bus.Publish(order.TopicPositionClosed, order.PositionEvent{Symbol: "ETHUSDT", RealizedPnL: -1000})
	if m.CanOpenPositionSync("ETHUSDT") {
		t.Fatal("expected the kill switch to trip once the daily loss threshold is reached")
	}
}

func TestConsecutiveLossesResetOnProfit(t *testing.T) {
	m, bus := newTestManager(t)
	for i := 0; i < 4; i++ {
		bus.Publish(order.TopicPositionClosed, order.PositionEvent{Symbol: "BTCUSDT", RealizedPnL: -1})
	}
	bus.Publish(order.TopicPositionClosed, order.PositionEvent{Symbol: "BTCUSDT", RealizedPnL: 50})
	if !m.CanOpenPositionSync("BTCUSDT") {
		t.Fatal("a profitable close should reset the consecutive-loss streak")
	}
	stats := m.Stats()
	if stats.ConsecutiveLosses != 0 {
		t.Fatalf("expected consecutive losses reset to 0, got %d", stats.ConsecutiveLosses)
	}
}
