package order

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/pumpcore/internal/eventbus"
	"github.com/atlas-desktop/pumpcore/internal/metrics"
	"go.uber.org/zap"
)

// Topics this component publishes.
const (
	TopicOrderCreated     eventbus.Topic = "order_created"
	TopicOrderFilled      eventbus.Topic = "order_filled"
	TopicOrderCancelled   eventbus.Topic = "order_cancelled"
	TopicPositionOpened   eventbus.Topic = "position_opened"
	TopicPositionUpdated  eventbus.Topic = "position_updated"
	TopicPositionClosed   eventbus.Topic = "position_closed"
)

const maxReasonableMagnitude = 1e15

// Config carries the Order Manager's policy defaults.
type Config struct {
	// DefaultMaxSlippagePct is applied to entry/emergency-exit MARKET orders
	// the Strategy Manager submits without an explicit slippage budget.
	DefaultMaxSlippagePct float64
}

// DefaultConfig returns the engine-wide default.
func DefaultConfig() Config {
	return Config{DefaultMaxSlippagePct: 0.1}
}

// SubmitOrderRequest is the validated input to SubmitOrder.
type SubmitOrderRequest struct {
	Symbol         string
	Side           Side
	Quantity       float64
	Price          float64
	StrategyName   string
	Leverage       int
	Kind           Kind
	MaxSlippagePct float64
}

// Manager is the Order Manager: order/position bookkeeping for every symbol,
// guarded by a single component mutex — every position update rule runs
// under that same mutex.
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	bus       *eventbus.EventBus
	slippage  *SlippageModel
	sequence  atomic.Int64

	mu        sync.Mutex
	orders    map[string]*Order
	positions map[string]*Position
}

// New constructs an Order Manager. slippage must not be nil; pass
// order.NewSlippageModel(rand.New(rand.NewSource(seed))) for deterministic
// tests.
func New(cfg Config, logger *zap.Logger, bus *eventbus.EventBus, slippage *SlippageModel) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger.Named("order-manager"),
		bus:       bus,
		slippage:  slippage,
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
	}
}

// validate rejects bad inputs with a ValidationError and mutates nothing.
func validate(req SubmitOrderRequest) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "empty or whitespace"}
	}
	if req.Quantity <= 0 || math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) {
		return &ValidationError{Field: "quantity", Reason: "must be positive and finite"}
	}
	if req.Price <= 0 || math.IsNaN(req.Price) || math.IsInf(req.Price, 0) {
		return &ValidationError{Field: "price", Reason: "must be positive and finite"}
	}
	if math.Abs(req.Quantity) > maxReasonableMagnitude || math.Abs(req.Price) > maxReasonableMagnitude {
		return &ValidationError{Field: "magnitude", Reason: "exceeds 1e15"}
	}
	if req.Leverage < 1 || req.Leverage > 10 {
		return &ValidationError{Field: "leverage", Reason: "must be within [1,10]"}
	}
	if req.MaxSlippagePct < 0 {
		return &ValidationError{Field: "max_slippage_pct", Reason: "must be non-negative"}
	}
	return nil
}

// SubmitOrder validates, fills, and updates position atomically.
func (m *Manager) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*Order, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.Leverage > 5 {
		m.logger.Warn("leverage above 5 narrows the liquidation distance",
			zap.String("symbol", req.Symbol), zap.Int("leverage", req.Leverage))
	}

	orderID := fmt.Sprintf("ord-%d", m.sequence.Add(1))
	now := time.Now()

	var actual, slippagePct float64
	if req.Kind == KindLimit {
		actual, slippagePct = req.Price, 0
	} else {
		actual, slippagePct = m.slippage.Simulate(req.Side, req.Price, req.MaxSlippagePct)
	}

	ord := &Order{
		OrderID:           orderID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Quantity:          req.Quantity,
		RequestedPrice:    req.Price,
		ActualPrice:       actual,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		StrategyName:      req.StrategyName,
		Leverage:          req.Leverage,
		Kind:              req.Kind,
		MaxSlippagePct:    req.MaxSlippagePct,
		ActualSlippagePct: slippagePct,
	}

	m.mu.Lock()
	m.orders[orderID] = ord
	pos, ok := m.positions[req.Symbol]
	if !ok {
		pos = &Position{Symbol: req.Symbol}
		m.positions[req.Symbol] = pos
	}
	events, err := applyFill(pos, req.Side, req.Quantity, actual, req.Leverage, now)
	if err != nil {
		delete(m.orders, orderID)
		if !ok {
			delete(m.positions, req.Symbol)
		}
		m.mu.Unlock()
		m.logger.Warn("order precondition failed", zap.String("symbol", req.Symbol), zap.Error(err))
		return nil, err
	}
	ord.Status = StatusFilled
	ord.UpdatedAt = now
	openPositions := m.countOpenPositionsLocked()
	m.mu.Unlock()

	metrics.RecordOrder(string(req.Side), string(ord.Status))
	metrics.PositionsOpen.Set(float64(openPositions))

	m.bus.Publish(TopicOrderCreated, orderSnapshot(ord))
	m.bus.Publish(TopicOrderFilled, orderSnapshot(ord))
	for _, ev := range events {
		if ev.Kind == eventPositionClosed {
			metrics.RealizedPnLTotal.Add(ev.RealizedPnL)
		}
		m.publishPositionEvent(req.Symbol, ev)
	}
	return ord, nil
}

// countOpenPositionsLocked must be called with mu held.
func (m *Manager) countOpenPositionsLocked() int {
	n := 0
	for _, p := range m.positions {
		if p.Type() != PositionFlat {
			n++
		}
	}
	return n
}

func orderSnapshot(o *Order) Order { return *o }

func (m *Manager) publishPositionEvent(symbol string, ev positionEvent) {
	topic := TopicPositionUpdated
	switch ev.Kind {
	case eventPositionOpened:
		topic = TopicPositionOpened
	case eventPositionClosed:
		topic = TopicPositionClosed
	}
	m.bus.Publish(topic, PositionEvent{
		Symbol:      symbol,
		Quantity:    ev.Quantity,
		Price:       ev.Price,
		RealizedPnL: ev.RealizedPnL,
		Timestamp:   time.Now(),
	})
}

// PositionEvent is the payload published on the position_* topics.
type PositionEvent struct {
	Symbol      string
	Quantity    float64
	Price       float64
	RealizedPnL float64
	Timestamp   time.Time
}

// Position returns a copy of symbol's position, or nil if the symbol has no
// position record. A position closed back to flat is still returned, with
// zero Quantity.
func (m *Manager) Position(symbol string) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Order returns a copy of the order by ID.
func (m *Manager) Order(orderID string) (*Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// SubmitEntry adapts the Strategy Manager's narrower OrderSubmitter contract
// onto SubmitOrder: a MARKET order at the engine's default slippage budget.
func (m *Manager) SubmitEntry(ctx context.Context, symbol, action string, quantity, price float64, strategyName string, leverage int) error {
	if leverage < 1 {
		leverage = 1
	}
	_, err := m.SubmitOrder(ctx, SubmitOrderRequest{
		Symbol:         symbol,
		Side:           Side(action),
		Quantity:       quantity,
		Price:          price,
		StrategyName:   strategyName,
		Leverage:       leverage,
		Kind:           KindMarket,
		MaxSlippagePct: m.cfg.DefaultMaxSlippagePct,
	})
	return err
}

// ClosePosition dispatches SELL for a LONG position or COVER for a SHORT one
// , filled as a LIMIT order at the Strategy Manager's
// already risk-adjusted price (zero further slippage, since the adjustment
// already accounts for execution risk). Returns nil if flat.
func (m *Manager) ClosePosition(ctx context.Context, symbol string, price float64) error {
	pos := m.Position(symbol)
	if pos == nil || pos.Type() == PositionFlat {
		return nil
	}
	side := SideSell
	if pos.Type() == PositionShort {
		side = SideCover
	}
	_, err := m.SubmitOrder(ctx, SubmitOrderRequest{
		Symbol:       symbol,
		Side:         side,
		Quantity:     math.Abs(pos.Quantity),
		Price:        price,
		StrategyName: "",
		Leverage:     max(pos.Leverage, 1),
		Kind:         KindLimit,
	})
	return err
}

// EmergencyExit closes symbol's position the same way ClosePosition does
// (SELL for LONG, COVER for SHORT, nil if flat) but as a MARKET order at the
// default slippage budget, since urgency outweighs price precision in an
// emergency exit. The order carries no label that marks it as an emergency
// exit.
func (m *Manager) EmergencyExit(ctx context.Context, symbol string, price float64) error {
	pos := m.Position(symbol)
	if pos == nil || pos.Type() == PositionFlat {
		return nil
	}
	side := SideSell
	if pos.Type() == PositionShort {
		side = SideCover
	}
	_, err := m.SubmitOrder(ctx, SubmitOrderRequest{
		Symbol:         symbol,
		Side:           side,
		Quantity:       math.Abs(pos.Quantity),
		Price:          price,
		StrategyName:   "",
		Leverage:       max(pos.Leverage, 1),
		Kind:           KindMarket,
		MaxSlippagePct: m.cfg.DefaultMaxSlippagePct,
	})
	return err
}
