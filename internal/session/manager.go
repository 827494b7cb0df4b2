package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/pumpcore/internal/eventbus"
	"github.com/atlas-desktop/pumpcore/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topics this component publishes.
const (
	TopicSessionStarted     eventbus.Topic = "session.started"
	TopicSessionStopped     eventbus.Topic = "session.stopped"
	TopicSessionCircuitOpen eventbus.Topic = "session.circuit_opened"
	TopicSessionHealth      eventbus.Topic = "session.health"
	TopicIncidentAlert      eventbus.Topic = "incident.alert"
	TopicIncidentResolved   eventbus.Topic = "incident.resolved"
)

// Config carries the Session Manager's engine-wide defaults.
type Config struct {
	Limits          ResourceLimits
	Breaker         BreakerConfig
	RateLimit       RateLimitConfig
	HeartbeatPeriod time.Duration
	InactiveTimeout time.Duration
	ExpirySweep     time.Duration
	SessionMaxAge   time.Duration
}

// DefaultConfig returns the standard resource/rate-limit/breaker defaults.
func DefaultConfig() Config {
	return Config{
		Limits:          DefaultResourceLimits(),
		Breaker:         DefaultBreakerConfig(),
		RateLimit:       DefaultRateLimitConfig(),
		HeartbeatPeriod: 30 * time.Second,
		InactiveTimeout: 300 * time.Second,
		ExpirySweep:     300 * time.Second,
		SessionMaxAge:   24 * time.Hour,
	}
}

// Manager is the Session Manager: admission control for multi-tenant
// trading sessions layered on top of a single MarketAdapter.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	bus     *eventbus.EventBus
	adapter MarketAdapter
	limiter *RateLimiter
	breakers *breakerRegistry

	mu       sync.RWMutex
	sessions map[string]*Session
	byClient map[string]map[string]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Session Manager. adapter may be nil in a backtest-only
// deployment (StartSession then never attempts a real subscription and
// always succeeds trivially).
func New(cfg Config, logger *zap.Logger, bus *eventbus.EventBus, adapter MarketAdapter) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("session-manager"),
		bus:      bus,
		adapter:  adapter,
		limiter:  NewRateLimiter(cfg.RateLimit),
		breakers: newBreakerRegistry(cfg.Breaker),
		sessions: make(map[string]*Session),
		byClient: make(map[string]map[string]struct{}),
	}
}

// Start launches the health-heartbeat and expiry-sweeper background loops.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.heartbeatLoop(loopCtx)
	go m.expiryLoop(loopCtx)
}

// Shutdown stops the background loops and waits for them to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// StartSession admits a new session if resource limits allow it, then
// attempts to subscribe every requested symbol through the market adapter
//. Entering RUNNING requires at least one successful subscription;
// otherwise the session is FAILED and cleaned up immediately.
func (m *Manager) StartSession(clientID string, symbols []string, mode Mode) (*Session, error) {
	if len(symbols) > m.cfg.Limits.MaxSymbolsPerSession {
		return nil, &ResourceUnavailable{Resource: "symbols_per_session", Reason: "exceeds per-session symbol limit"}
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.Limits.MaxTotalSessions {
		m.mu.Unlock()
		return nil, &ResourceUnavailable{Resource: "total_sessions", Reason: "global session limit reached"}
	}
	if len(m.byClient[clientID]) >= m.cfg.Limits.MaxSessionsPerClient {
		m.mu.Unlock()
		return nil, &ResourceUnavailable{Resource: "client_sessions", Reason: "per-client session limit reached"}
	}

	now := time.Now()
	s := &Session{
		SessionID:           uuid.NewString(),
		ClientID:            clientID,
		Symbols:             append([]string(nil), symbols...),
		Mode:                mode,
		State:               StateStarting,
		StartTime:           now,
		LastActivity:        now,
		ActiveSubscriptions: make(map[string]struct{}),
	}
	m.sessions[s.SessionID] = s
	if m.byClient[clientID] == nil {
		m.byClient[clientID] = make(map[string]struct{})
	}
	m.byClient[clientID][s.SessionID] = struct{}{}
	m.mu.Unlock()

	succeeded := 0
	for _, symbol := range symbols {
		m.breakers.get(symbol) // install the shared breaker up front
		if m.adapter == nil {
			succeeded++
			m.mu.Lock()
			s.ActiveSubscriptions[symbol] = struct{}{}
			m.mu.Unlock()
			continue
		}
		if err := m.adapter.Subscribe(symbol); err != nil {
			m.logger.Warn("symbol subscription failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		succeeded++
		m.mu.Lock()
		s.ActiveSubscriptions[symbol] = struct{}{}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if succeeded == 0 {
		s.State = StateFailed
		delete(m.sessions, s.SessionID)
		delete(m.byClient[clientID], s.SessionID)
		m.mu.Unlock()
		return nil, fmt.Errorf("session manager: start session: every symbol subscription failed")
	}
	s.State = StateRunning
	snap := s.snapshot()
	active := m.countActiveLocked()
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(active))
	m.bus.Publish(TopicSessionStarted, snap)
	return &snap, nil
}

// countActiveLocked must be called with mu held.
func (m *Manager) countActiveLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.State == StateRunning {
			n++
		}
	}
	return n
}

// StopSession tears a session down: unsubscribes every active symbol (best
// effort), removes it from the registry, and publishes session.stopped.
func (m *Manager) StopSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session manager: unknown session %q", sessionID)
	}
	delete(m.sessions, sessionID)
	if set := m.byClient[s.ClientID]; set != nil {
		delete(set, sessionID)
	}
	s.State = StateStopped
	snap := s.snapshot()
	active := m.countActiveLocked()
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(active))

	if m.adapter != nil {
		for symbol := range snap.ActiveSubscriptions {
			if err := m.adapter.Unsubscribe(symbol); err != nil {
				m.logger.Warn("symbol unsubscribe failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}
	}

	m.bus.Publish(TopicSessionStopped, snap)
	return nil
}

// Session returns a snapshot of a registered session.
func (m *Manager) Session(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// CanSubscribeSymbol runs the admission sequence atomically: (a) check the
// global rate limit, (b) record this check as an operation, (c) query the
// symbol's circuit breaker. Any failed check rejects.
func (m *Manager) CanSubscribeSymbol(symbol string) error {
	now := time.Now()
	// Holding mu across the whole sequence keeps concurrent callers from
	// both passing the rate-limit check before either records its operation.
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.limiter.Allow(now) {
		metrics.RateLimiterRejectedTotal.Inc()
		return &ResourceUnavailable{Resource: "rate_limit", Reason: "global operation rate exceeded"}
	}
	m.limiter.Record(now)
	metrics.RateLimiterRingOccupancy.Set(float64(m.limiter.Len()))

	breaker := m.breakers.get(symbol)
	if !breaker.Allow(now) {
		metrics.SetCircuitBreakerState(symbol, string(breaker.State()))
		return &ResourceUnavailable{Resource: "circuit_breaker", Reason: fmt.Sprintf("%s is OPEN", symbol)}
	}
	return nil
}

// RecordOperation feeds an operation outcome into the symbol's circuit
// breaker and the session's counters. A breaker trip transitions the
// session into CIRCUIT_OPEN and publishes session.circuit_opened plus
// incident.alert; a breaker close (from a previously-open state) publishes
// incident.resolved.
func (m *Manager) RecordOperation(sessionID, symbol string, success bool, opType string) {
	now := time.Now()
	breaker := m.breakers.get(symbol)

	var opened, closed bool
	if success {
		closed = breaker.RecordSuccess()
	} else {
		opened = breaker.RecordFailure(now)
	}
	metrics.SetCircuitBreakerState(symbol, string(breaker.State()))

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		s.LastActivity = now
		s.Operations++
		if !success {
			s.Failures++
		}
		if opened {
			s.State = StateCircuitOpen
		}
	}
	var snap Session
	if ok {
		snap = s.snapshot()
	}
	m.mu.Unlock()

	if opened {
		m.logger.Warn("circuit breaker opened", zap.String("symbol", symbol), zap.String("op_type", opType))
		m.bus.Publish(TopicSessionCircuitOpen, snap)
		m.bus.Publish(TopicIncidentAlert, IncidentEvent{Symbol: symbol, Reason: "circuit_breaker_open", Timestamp: now})
	}
	if closed {
		m.bus.Publish(TopicIncidentResolved, IncidentEvent{Symbol: symbol, Reason: "circuit_breaker_closed", Timestamp: now})
	}
}

// IncidentEvent is the payload published on incident.alert/incident.resolved.
type IncidentEvent struct {
	Symbol    string
	Reason    string
	Timestamp time.Time
}

// HealthSnapshot is the payload published on session.health.
type HealthSnapshot struct {
	SessionID  string
	State      State
	Operations int64
	Failures   int64
	Throttled  int64
	Timestamp  time.Time
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.runHeartbeat(now)
		}
	}
}

func (m *Manager) runHeartbeat(now time.Time) {
	m.mu.RLock()
	inactive := make([]string, 0)
	healthy := make([]HealthSnapshot, 0, len(m.sessions))
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity) > m.cfg.InactiveTimeout {
			inactive = append(inactive, id)
			continue
		}
		healthy = append(healthy, HealthSnapshot{
			SessionID: s.SessionID, State: s.State, Operations: s.Operations,
			Failures: s.Failures, Throttled: s.Throttled, Timestamp: now,
		})
	}
	m.mu.RUnlock()

	for _, h := range healthy {
		m.bus.Publish(TopicSessionHealth, h)
	}
	for _, id := range inactive {
		m.logger.Info("stopping inactive session", zap.String("session_id", id))
		_ = m.StopSession(id)
	}
}

func (m *Manager) expiryLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ExpirySweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.runExpirySweep(now)
		}
	}
}

func (m *Manager) runExpirySweep(now time.Time) {
	m.mu.RLock()
	expired := make([]string, 0)
	for id, s := range m.sessions {
		if now.Sub(s.StartTime) > m.cfg.SessionMaxAge {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.logger.Info("stopping expired session", zap.String("session_id", id))
		_ = m.StopSession(id)
	}
}

// BreakerStates returns a snapshot of every tracked symbol's breaker state,
// for diagnostics/metrics export.
func (m *Manager) BreakerStates() map[string]BreakerState {
	return m.breakers.snapshot()
}
