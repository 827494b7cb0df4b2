package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/pumpcore/internal/eventbus"
	"github.com/atlas-desktop/pumpcore/internal/telemetry"
	"go.uber.org/zap"
)

// Topics this component publishes and subscribes to.
const (
	TopicIndicatorUpdated  eventbus.Topic = "indicator.updated"
	TopicMarketPriceUpdate eventbus.Topic = "market.price_update"
	TopicSignalGenerated   eventbus.Topic = "signal_generated"
	TopicSlotAcquired      eventbus.Topic = "signal.slot_acquired"
	TopicSlotReleased      eventbus.Topic = "signal.slot_released"
	TopicMonitoringResumed eventbus.Topic = "monitoring_resumed"
	topicStrategyEventFmt  = "strategy.%s"
)

// eventSource tags every event this component publishes so its own handlers
// can ignore their own output.
const eventSource = "strategy_manager"

// OrderSubmitter is the Order Manager collaborator interface the Strategy
// Manager drives entry/exit orders through. Kept narrow and interface-typed
// so tests can substitute a fake. ClosePosition and EmergencyExit both take
// the final execution price the Strategy Manager already computed (risk
// adjustment is entirely this package's concern); the Order Manager only
// needs to know which side closes the open position.
type OrderSubmitter interface {
	SubmitEntry(ctx context.Context, symbol, action string, quantity, price float64, strategyName string, leverage int) error
	ClosePosition(ctx context.Context, symbol string, price float64) error
	EmergencyExit(ctx context.Context, symbol string, price float64) error
}

// RiskManager is the optional collaborator consulted during ENTRY_EVALUATION
// . A nil RiskManager means every entry
// is approved.
type RiskManager interface {
	CapitalSource
	AssessPositionRisk(symbol string, quantity, price float64) error
	CanOpenPositionSync(symbol string) bool
}

// Config carries the engine-wide defaults for the arbitration and
// rate-limiting knobs.
type Config struct {
	MaxConcurrentSignals     int
	MaxEvaluationsPerSecond  int
	DiagnosticPublishTimeout time.Duration
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSignals:     3,
		MaxEvaluationsPerSecond:  50,
		DiagnosticPublishTimeout: 50 * time.Millisecond,
	}
}

// Manager is the Strategy Manager: it owns the (strategy, symbol) state
// machines, the indicator cache, and the slot/symbol-lock arbitration
// primitives. Lock order, when more than one of its mutexes must be held at
// once, is fixed at evaluation-mutex(strategy) -> slotsMu -> symbolLocksMu ->
// indicatorMu — never acquired in any other order.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	bus    *eventbus.EventBus
	orders OrderSubmitter
	risk   RiskManager
	store  Store

	mu             sync.RWMutex
	strategies     map[string]*Strategy
	activeBySymbol map[string]map[string]struct{}

	evalMu      sync.Mutex
	evalMutexes map[string]*sync.Mutex

	slotsMu   sync.Mutex
	heldSlots map[string]struct{}

	symbolLocksMu sync.Mutex
	symbolLocks   map[string]string

	indicatorMu sync.RWMutex
	indicators  map[string]map[string]float64

	inProgressMu sync.Mutex
	inProgress   map[string]struct{}

	rateMu     sync.Mutex
	rateWindow []time.Time

	telemetryMu sync.Mutex
	telemetry   map[string]*StrategyTelemetry
	metrics     *telemetry.Store

	tasks *taskTracker
	subs  []*eventbus.Subscription
}

// New constructs a Strategy Manager. orders must not be nil; risk and store
// may be nil (a nil Store means strategies are never persisted, only kept in
// memory).
func New(cfg Config, logger *zap.Logger, bus *eventbus.EventBus, orders OrderSubmitter, risk RiskManager, store Store) *Manager {
	return &Manager{
		cfg:            cfg,
		logger:         logger.Named("strategy-manager"),
		bus:            bus,
		orders:         orders,
		risk:           risk,
		store:          store,
		strategies:     make(map[string]*Strategy),
		activeBySymbol: make(map[string]map[string]struct{}),
		evalMutexes:    make(map[string]*sync.Mutex),
		heldSlots:      make(map[string]struct{}),
		symbolLocks:    make(map[string]string),
		indicators:     make(map[string]map[string]float64),
		inProgress:     make(map[string]struct{}),
		telemetry:      make(map[string]*StrategyTelemetry),
		metrics:        telemetry.New(),
		tasks:          newTaskTracker(),
	}
}

// Start subscribes to the indicator and price-update topics and, if a Store
// is configured, loads every enabled strategy from it.
func (m *Manager) Start(ctx context.Context) error {
	m.subs = append(m.subs,
		m.bus.Subscribe(TopicIndicatorUpdated, m.handleIndicatorUpdated),
		m.bus.Subscribe(TopicMarketPriceUpdate, m.handlePriceUpdate),
	)

	if m.store == nil {
		return nil
	}

	loaded, err := m.store.LoadEnabled(ctx)
	if err != nil {
		return fmt.Errorf("strategy manager: load enabled strategies: %w", err)
	}
	for _, s := range loaded {
		m.AddStrategy(s)
	}
	m.logger.Info("loaded strategies", zap.Int("count", len(loaded)))
	return nil
}

// Shutdown cancels every tracked background task and unsubscribes every
// handler this component registered, leaving no dangling goroutines or
// event bus subscriptions behind.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.tasks.shutdown(ctx)
	for _, sub := range m.subs {
		m.bus.Unsubscribe(sub)
	}
	m.subs = nil
	return nil
}

// AddStrategy registers s for evaluation. If s is INACTIVE it is activated
// into MONITORING.
func (m *Manager) AddStrategy(s *Strategy) {
	s.Activate()

	m.mu.Lock()
	m.strategies[s.Name] = s
	if m.activeBySymbol[s.Symbol] == nil {
		m.activeBySymbol[s.Symbol] = make(map[string]struct{})
	}
	m.activeBySymbol[s.Symbol][s.Name] = struct{}{}
	m.mu.Unlock()

	m.evalMu.Lock()
	if _, ok := m.evalMutexes[s.Name]; !ok {
		m.evalMutexes[s.Name] = &sync.Mutex{}
	}
	m.evalMu.Unlock()
}

// RemoveStrategy drops s from evaluation. Any slot or symbol lock it still
// holds is released first so other strategies are never starved by a
// strategy that was removed mid-cycle.
func (m *Manager) RemoveStrategy(name string) {
	m.mu.Lock()
	s, ok := m.strategies[name]
	if ok {
		delete(m.strategies, name)
		if set := m.activeBySymbol[s.Symbol]; set != nil {
			delete(set, name)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.releaseSignalSlot(name)
	m.releaseSymbolLock(s.Symbol, name)
}

// Strategy returns a registered strategy by name.
func (m *Manager) Strategy(name string) (*Strategy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[name]
	return s, ok
}

// SlotStatus is a consistent-at-the-instant-copied snapshot: callers
// must treat it as stale immediately after it is returned and must never
// use it to decide whether to acquire a slot — only the merged
// acquireSignalSlot operation is safe for that.
type SlotStatus struct {
	Held int
	Max  int
}

// SlotStatus returns a snapshot of slot occupancy.
func (m *Manager) SlotStatus() SlotStatus {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	return SlotStatus{Held: len(m.heldSlots), Max: m.cfg.MaxConcurrentSignals}
}

func (m *Manager) strategyEvalMutex(name string) *sync.Mutex {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()
	mu, ok := m.evalMutexes[name]
	if !ok {
		mu = &sync.Mutex{}
		m.evalMutexes[name] = mu
	}
	return mu
}
