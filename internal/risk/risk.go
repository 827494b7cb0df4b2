// Package risk implements the optional Risk Manager collaborator the
// Strategy Manager consults during ENTRY_EVALUATION when one is wired. It
// tracks exposure and daily P&L by subscribing to
// the Order Manager's position lifecycle events and exposes a kill switch
// that blocks further entries once tripped.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/pumpcore/internal/eventbus"
	"github.com/atlas-desktop/pumpcore/internal/order"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config carries the Risk Manager's policy thresholds, expressed in
// decimal.Decimal for exact monetary aggregation rather than the Strategy
// Manager's raw float64 — the interface boundary between the two
// (AvailableCapital() float64) is where the conventions meet.
type Config struct {
	InitialCapital       decimal.Decimal
	MaxPositionValue     decimal.Decimal
	MaxSymbolExposurePct decimal.Decimal
	MaxTotalExposurePct  decimal.Decimal
	MaxConsecutiveLosses int
	KillSwitchThreshold  decimal.Decimal
	CooldownPeriod       time.Duration
}

// DefaultConfig returns reasonable engine defaults.
func DefaultConfig() Config {
	return Config{
		InitialCapital:       decimal.NewFromInt(10000),
		MaxPositionValue:     decimal.NewFromInt(5000),
		MaxSymbolExposurePct: decimal.NewFromFloat(0.25),
		MaxTotalExposurePct:  decimal.NewFromFloat(0.75),
		MaxConsecutiveLosses: 5,
		KillSwitchThreshold:  decimal.NewFromInt(1000),
		CooldownPeriod:       4 * time.Hour,
	}
}

// Manager is the Risk Manager. It satisfies strategy.RiskManager.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	bus    *eventbus.EventBus

	mu                sync.RWMutex
	capital           decimal.Decimal
	symbolExposure    map[string]decimal.Decimal
	dailyPnL          decimal.Decimal
	consecutiveLosses int
	killSwitch        bool
	killSwitchUntil   time.Time

	subs []*eventbus.Subscription
}

// New constructs a Risk Manager.
func New(cfg Config, logger *zap.Logger, bus *eventbus.EventBus) *Manager {
	return &Manager{
		cfg:            cfg,
		logger:         logger.Named("risk-manager"),
		bus:            bus,
		capital:        cfg.InitialCapital,
		symbolExposure: make(map[string]decimal.Decimal),
	}
}

// Start subscribes to the Order Manager's position lifecycle events so
// exposure and daily P&L stay current without the Strategy Manager having
// to push them through explicitly.
func (m *Manager) Start(ctx context.Context) {
	m.subs = append(m.subs,
		m.bus.Subscribe(order.TopicPositionOpened, m.handlePositionEvent),
		m.bus.Subscribe(order.TopicPositionUpdated, m.handlePositionEvent),
		m.bus.Subscribe(order.TopicPositionClosed, m.handlePositionClosed),
	)
}

// Shutdown unsubscribes every handler this component registered.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, sub := range m.subs {
		m.bus.Unsubscribe(sub)
	}
	m.subs = nil
}

func (m *Manager) handlePositionEvent(e eventbus.Event) error {
	ev, ok := e.Payload.(order.PositionEvent)
	if !ok {
		return fmt.Errorf("risk manager: unexpected payload type %T on %s", e.Payload, e.Topic)
	}
	notional := decimal.NewFromFloat(ev.Quantity).Abs().Mul(decimal.NewFromFloat(ev.Price))

	m.mu.Lock()
	m.symbolExposure[ev.Symbol] = notional
	m.mu.Unlock()
	return nil
}

func (m *Manager) handlePositionClosed(e eventbus.Event) error {
	ev, ok := e.Payload.(order.PositionEvent)
	if !ok {
		return fmt.Errorf("risk manager: unexpected payload type %T on %s", e.Payload, e.Topic)
	}

	realized := decimal.NewFromFloat(ev.RealizedPnL)

	m.mu.Lock()
	delete(m.symbolExposure, ev.Symbol)
	m.dailyPnL = m.dailyPnL.Add(realized)
	m.capital = m.capital.Add(realized)
	if realized.IsNegative() {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}
	shouldTrip := m.shouldTripKillSwitch()
	if shouldTrip {
		m.killSwitch = true
		m.killSwitchUntil = time.Now().Add(m.cfg.CooldownPeriod)
	}
	m.mu.Unlock()

	if shouldTrip {
		m.logger.Warn("risk kill switch tripped",
			zap.String("symbol", ev.Symbol),
			zap.String("daily_pnl", m.dailyPnL.String()),
			zap.Int("consecutive_losses", m.consecutiveLosses),
		)
	}
	return nil
}

// shouldTripKillSwitch must be called with mu held.
func (m *Manager) shouldTripKillSwitch() bool {
	if m.dailyPnL.Neg().GreaterThanOrEqual(m.cfg.KillSwitchThreshold) {
		return true
	}
	return m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses
}

// killSwitchActive must be called with mu held (read lock suffices).
func (m *Manager) killSwitchActive() bool {
	return m.killSwitch && time.Now().Before(m.killSwitchUntil)
}

// AvailableCapital implements strategy.CapitalSource: capital net of
// currently committed exposure, floored at zero.
func (m *Manager) AvailableCapital() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, v := range m.symbolExposure {
		total = total.Add(v)
	}
	available := m.capital.Sub(total)
	if available.IsNegative() {
		return 0
	}
	f, _ := available.Float64()
	return f
}

// AssessPositionRisk rejects an entry that would breach the position-value,
// symbol-exposure, or total-exposure ceilings, or while the kill switch is
// active.
func (m *Manager) AssessPositionRisk(symbol string, quantity, price float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.killSwitchActive() {
		return fmt.Errorf("risk manager: kill switch active until %s", m.killSwitchUntil.Format(time.RFC3339))
	}

	notional := decimal.NewFromFloat(quantity).Abs().Mul(decimal.NewFromFloat(price))
	if notional.GreaterThan(m.cfg.MaxPositionValue) {
		return fmt.Errorf("risk manager: position value %s exceeds max %s", notional, m.cfg.MaxPositionValue)
	}

	maxSymbol := m.capital.Mul(m.cfg.MaxSymbolExposurePct)
	newSymbolExposure := m.symbolExposure[symbol].Add(notional)
	if newSymbolExposure.GreaterThan(maxSymbol) {
		return fmt.Errorf("risk manager: symbol exposure %s would exceed max %s", newSymbolExposure, maxSymbol)
	}

	total := decimal.Zero
	for _, v := range m.symbolExposure {
		total = total.Add(v)
	}
	maxTotal := m.capital.Mul(m.cfg.MaxTotalExposurePct)
	if total.Add(notional).GreaterThan(maxTotal) {
		return fmt.Errorf("risk manager: total exposure would exceed max %s", maxTotal)
	}
	return nil
}

// CanOpenPositionSync is the fast synchronous gate the Strategy Manager
// checks alongside AssessPositionRisk; it only considers the kill switch,
// since the more granular exposure checks already live in
// AssessPositionRisk.
func (m *Manager) CanOpenPositionSync(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.killSwitchActive()
}

// Stats is a point-in-time snapshot for diagnostics/metrics export.
type Stats struct {
	Capital           float64
	TotalExposure     float64
	DailyPnL          float64
	ConsecutiveLosses int
	KillSwitchActive  bool
}

// Stats returns a snapshot of the Risk Manager's current state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, v := range m.symbolExposure {
		total = total.Add(v)
	}
	capital, _ := m.capital.Float64()
	exposure, _ := total.Float64()
	pnl, _ := m.dailyPnL.Float64()
	return Stats{
		Capital:           capital,
		TotalExposure:     exposure,
		DailyPnL:          pnl,
		ConsecutiveLosses: m.consecutiveLosses,
		KillSwitchActive:  m.killSwitchActive(),
	}
}
