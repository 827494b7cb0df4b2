// Package eventbus provides the in-process pub/sub backbone connecting the
// Strategy Manager, Order Manager, and Session Manager.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Topic identifies a stream of events. Topics are plain strings ("indicator.updated",
// "signal_generated", "order_filled", ...) rather than a closed enum: external
// indicator producers and future components publish topics this package never
// needs to know about.
type Topic string

// Event is the payload delivered to subscribers. Handlers receive the topic
// alongside the payload so one handler subscribed to several topics can
// dispatch on it.
type Event struct {
	Topic     Topic
	Payload   any
	Timestamp time.Time
}

// Handler processes a single event. A Handler must not block for long;
// publish awaits every handler before returning.
type Handler func(Event) error

// Subscription is the handle returned by Subscribe. Hold onto it to
// Unsubscribe later; components must store their own subscriptions so they
// can remove them on shutdown (the Event Bus never tracks ownership).
type Subscription struct {
	id     int64
	topic  Topic
	handler Handler
}

// EventBus is a typed, in-process publish/subscribe hub. Unlike a queued
// worker-pool bus, Publish dispatches to every current subscriber
// concurrently and blocks until all of them have returned, so callers can
// rely on side effects (an order having been submitted, a position having
// been updated) being visible once Publish returns.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*Subscription

	nextID int64

	published atomic.Int64
	delivered atomic.Int64
	errored   atomic.Int64

	logger *zap.Logger
}

// New creates an Event Bus. logger is named "eventbus" for every log line it
// emits, matching the per-component logger convention used throughout this
// engine.
func New(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[Topic][]*Subscription),
		logger:      logger.Named("eventbus"),
	}
}

// Subscribe registers handler for topic. Subscribers for a topic are kept in
// an ordered slice; dispatch order during Publish follows subscription
// order.
func (b *EventBus) Subscribe(topic Topic, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic, handler: handler}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	return sub
}

// Unsubscribe removes sub. It is safe to call with a subscription that was
// already removed or that belongs to a topic with no remaining subscribers —
// both are no-ops, never an error. Repeated/duplicate unsubscribe calls
// during a noisy shutdown sequence must not panic.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns how many handlers are currently registered for
// topic. Exposed for shutdown-invariant tests.
func (b *EventBus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Publish fans payload out to every subscriber of topic concurrently and
// waits for all of them to finish. A handler that returns an error or panics
// is isolated: the error is logged, counted, and never propagated to the
// caller or to sibling handlers. Publish is safe to call from inside a
// handler — it does not hold any lock across dispatch.
func (b *EventBus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	b.published.Add(1)
	if len(subs) == 0 {
		return
	}

	event := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, sub := range subs {
		go func(sub *Subscription) {
			defer wg.Done()
			b.dispatch(sub, event)
		}(sub)
	}
	wg.Wait()
}

func (b *EventBus) dispatch(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errored.Add(1)
			b.logger.Error("handler panicked",
				zap.String("topic", string(event.Topic)),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.handler(event); err != nil {
		b.errored.Add(1)
		b.logger.Warn("handler returned error",
			zap.String("topic", string(event.Topic)),
			zap.Error(err),
		)
		return
	}
	b.delivered.Add(1)
}

// Stats is a point-in-time snapshot of bus throughput counters.
type Stats struct {
	Published int64
	Delivered int64
	Errored   int64
}

// Stats returns current throughput counters.
func (b *EventBus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Errored:   b.errored.Load(),
	}
}
