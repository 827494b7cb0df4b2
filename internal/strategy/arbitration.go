package strategy

import "github.com/atlas-desktop/pumpcore/internal/metrics"

// acquireSignalSlot is a merged check-and-acquire: it rejects if the
// strategy already holds a slot (a strategy with a slot is never
// MONITORING, so re-acquiring is always a bug) or if the global total
// already equals MaxConcurrentSignals. Callers must already hold the
// strategy's evaluation mutex; this method only ever takes slotsMu, honoring
// the fixed lock order.
func (m *Manager) acquireSignalSlot(strategyName string) bool {
	m.slotsMu.Lock()
	if _, held := m.heldSlots[strategyName]; held {
		m.slotsMu.Unlock()
		return false
	}
	if len(m.heldSlots) >= m.cfg.MaxConcurrentSignals {
		m.slotsMu.Unlock()
		return false
	}
	m.heldSlots[strategyName] = struct{}{}
	held := len(m.heldSlots)
	m.slotsMu.Unlock()

	metrics.SetSlotStatus(held, m.cfg.MaxConcurrentSignals)
	return true
}

// releaseSignalSlot is idempotent: releasing a slot the strategy does not
// hold is a no-op, never an error.
func (m *Manager) releaseSignalSlot(strategyName string) {
	m.slotsMu.Lock()
	delete(m.heldSlots, strategyName)
	held := len(m.heldSlots)
	m.slotsMu.Unlock()

	metrics.SetSlotStatus(held, m.cfg.MaxConcurrentSignals)
}

// lockSymbol grants strategyName exclusive claim on symbol. It is idempotent
// for the current holder (re-locking a symbol you already hold succeeds) and
// rejects any other strategy while held.
func (m *Manager) lockSymbol(symbol, strategyName string) bool {
	m.symbolLocksMu.Lock()

	holder, locked := m.symbolLocks[symbol]
	if locked && holder != strategyName {
		m.symbolLocksMu.Unlock()
		return false
	}
	m.symbolLocks[symbol] = strategyName
	count := len(m.symbolLocks)
	m.symbolLocksMu.Unlock()

	metrics.SymbolLocksHeld.Set(float64(count))
	return true
}

// releaseSymbolLock releases symbol only if strategyName is its current
// holder; releasing a symbol you don't hold is a no-op.
func (m *Manager) releaseSymbolLock(symbol, strategyName string) {
	m.symbolLocksMu.Lock()
	if m.symbolLocks[symbol] == strategyName {
		delete(m.symbolLocks, symbol)
	}
	count := len(m.symbolLocks)
	m.symbolLocksMu.Unlock()

	metrics.SymbolLocksHeld.Set(float64(count))
}

// SymbolLockHolder reports who, if anyone, currently holds symbol's lock.
// Like SlotStatus, this is a point-in-time copy; do not use it to decide
// whether to lock — call lockSymbol through an evaluation instead.
func (m *Manager) SymbolLockHolder(symbol string) (string, bool) {
	m.symbolLocksMu.Lock()
	defer m.symbolLocksMu.Unlock()
	holder, ok := m.symbolLocks[symbol]
	return holder, ok
}
