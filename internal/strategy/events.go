package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/pumpcore/internal/eventbus"
)

func eventbusTopicForStrategyEvent(eventType string) eventbus.Topic {
	return eventbus.Topic(fmt.Sprintf(topicStrategyEventFmt, eventType))
}

// IndicatorUpdate is the payload contract for the "indicator.updated" topic
// produced externally by indicator producers and consumed here.
type IndicatorUpdate struct {
	Symbol        string
	Indicator     string
	IndicatorType string
	Value         float64
	Timestamp     time.Time
}

// PriceUpdate is the payload contract for "market.price_update". Its
// value is stored into the indicator cache under both "price" and
// "last_price".
type PriceUpdate struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// SignalGenerated is published whenever a state transition produces a
// tradeable action.
type SignalGenerated struct {
	SignalID        string
	SignalType      string // S1, ZE1, E1
	Symbol          string
	Side            string // buy, sell, short, cover
	Action          string // BUY, SELL, SHORT, COVER
	Quantity        float64
	Price           float64
	StrategyName    string
	Triggered       bool
	ConditionsMet   []string
	IndicatorValues map[string]float64
	Metadata        map[string]any
	Timestamp       int64 // epoch seconds
	Source          string
}

// StrategyEvent is the payload for the per-transition "strategy.<event>"
// diagnostic topic.
type StrategyEvent struct {
	StrategyName string
	Symbol       string
	EventType    string
	State        State
	Timestamp    time.Time
	Source       string
}

// MonitoringResumed is published when a cooldown expires and a strategy
// resets to MONITORING.
type MonitoringResumed struct {
	StrategyName  string
	Symbol        string
	PreviousState State
	Reason        string
	Timestamp     time.Time
}

// SlotAcquired/SlotReleased are published on "signal.slot_acquired" and
// "signal.slot_released".
type SlotAcquired struct {
	StrategyName string
	Symbol       string
	Held         int
	Max          int
}

type SlotReleased struct {
	StrategyName string
	Symbol       string
}

// publishStrategyEvent fires the per-transition "strategy.<event>"
// diagnostic off as a tracked background task (§4.1: "Background tasks
// (diagnostic publishes with 50 ms timeouts) are tracked in a set and
// cancelled on shutdown") rather than inline on the evaluation path, so a
// slow diagnostic subscriber can never stall a state transition.
// bus.Publish takes no context, so neither the task's timeout nor shutdown's
// cancellation interrupts a publish already under way; shutdown waits for
// it only up to its own grace period.
func (m *Manager) publishStrategyEvent(symbol, strategyName, eventType string, state State) {
	now := time.Now()
	payload := StrategyEvent{
		StrategyName: strategyName,
		Symbol:       symbol,
		EventType:    eventType,
		State:        state,
		Timestamp:    now,
		Source:       eventSource,
	}
	topic := eventbusTopicForStrategyEvent(eventType)
	m.tasks.spawn(context.Background(), m.cfg.DiagnosticPublishTimeout, func(ctx context.Context) {
		m.bus.Publish(topic, payload)
	})
	m.touchTelemetry(strategyName, symbol, eventType, now)
}
