package event

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ClareAI/astra-call-control/pkg/logger"
)

var ErrBusClosed = errors.New("event bus is closed")

// EventHandler represents a function that handles events
type EventHandler func(event *CallEvent)

// EventMiddleware represents middleware that can wrap event handlers
type EventMiddleware func(next EventHandler) EventHandler

// Unsubscribe removes one subscription; calling it more than once is harmless
type Unsubscribe func()

// EventBus fans endpoint events out to the tasks listening on a call.
// Handlers run synchronously in subscription order so that digit and
// transcript ordering is preserved.
type EventBus interface {
	Publish(eventType EventType, callSid string, data interface{}) error
	PublishEvent(event *CallEvent) error
	Subscribe(eventType EventType, handler EventHandler) (Unsubscribe, error)
	Use(middleware EventMiddleware)
	Close() error
	GetStats() BusStats
}

// BusStats contains statistics about the event bus
type BusStats struct {
	TotalEvents     int64            `json:"total_events"`
	EventsByType    map[string]int64 `json:"events_by_type"`
	ActiveHandlers  int              `json:"active_handlers"`
	SubscriberCount map[string]int   `json:"subscriber_count"`
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// DefaultEventBus is the default implementation of EventBus
type DefaultEventBus struct {
	subscribers map[EventType][]subscription
	middleware  []EventMiddleware
	nextID      uint64
	closed      bool
	mutex       sync.RWMutex
	stats       BusStats
	statsMutex  sync.Mutex
}

// NewEventBus creates a new event bus instance with the default middleware chain
func NewEventBus() EventBus {
	b := &DefaultEventBus{
		subscribers: make(map[EventType][]subscription),
		stats: BusStats{
			EventsByType:    make(map[string]int64),
			SubscriberCount: make(map[string]int),
		},
	}
	for _, mw := range CreateDefaultMiddlewareChain() {
		b.Use(mw)
	}
	return b
}

// Publish publishes an event with the given type and data
func (b *DefaultEventBus) Publish(eventType EventType, callSid string, data interface{}) error {
	return b.PublishEvent(NewCallEvent(eventType, callSid).WithData(data))
}

// PublishEvent publishes a complete event
func (b *DefaultEventBus) PublishEvent(event *CallEvent) error {
	b.mutex.RLock()
	if b.closed {
		b.mutex.RUnlock()
		return ErrBusClosed
	}
	subs := make([]subscription, len(b.subscribers[event.Type]))
	copy(subs, b.subscribers[event.Type])
	middleware := b.middleware
	b.mutex.RUnlock()

	b.updateStats(event.Type)

	for _, sub := range subs {
		if !b.active(event.Type, sub.id) {
			continue
		}
		finalHandler := sub.handler
		for i := len(middleware) - 1; i >= 0; i-- {
			finalHandler = middleware[i](finalHandler)
		}
		finalHandler(event)
	}

	return nil
}

// active reports whether a subscription is still registered; a handler removed
// by an earlier handler for the same event must not fire
func (b *DefaultEventBus) active(eventType EventType, id uint64) bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	for _, s := range b.subscribers[eventType] {
		if s.id == id {
			return true
		}
	}
	return false
}

// Subscribe subscribes to events of a specific type
func (b *DefaultEventBus) Subscribe(eventType EventType, handler EventHandler) (Unsubscribe, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})

	b.statsMutex.Lock()
	b.stats.SubscriberCount[string(eventType)]++
	b.stats.ActiveHandlers++
	b.statsMutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}, nil
}

func (b *DefaultEventBus) unsubscribe(eventType EventType, id uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)

		b.statsMutex.Lock()
		b.stats.SubscriberCount[string(eventType)]--
		b.stats.ActiveHandlers--
		b.statsMutex.Unlock()
		return
	}
}

// Use adds middleware to the event bus
func (b *DefaultEventBus) Use(middleware EventMiddleware) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.middleware = append(b.middleware, middleware)
}

// Close drops all subscribers; later publishes fail with ErrBusClosed
func (b *DefaultEventBus) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.closed = true
	b.subscribers = make(map[EventType][]subscription)

	b.statsMutex.Lock()
	b.stats.ActiveHandlers = 0
	b.stats.SubscriberCount = make(map[string]int)
	b.statsMutex.Unlock()

	logger.Base().Debug("event bus closed")
	return nil
}

// GetStats returns current bus statistics
func (b *DefaultEventBus) GetStats() BusStats {
	b.statsMutex.Lock()
	defer b.statsMutex.Unlock()

	stats := BusStats{
		TotalEvents:     b.stats.TotalEvents,
		EventsByType:    make(map[string]int64),
		ActiveHandlers:  b.stats.ActiveHandlers,
		SubscriberCount: make(map[string]int),
	}
	for k, v := range b.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range b.stats.SubscriberCount {
		stats.SubscriberCount[k] = v
	}
	return stats
}

func (b *DefaultEventBus) updateStats(eventType EventType) {
	b.statsMutex.Lock()
	defer b.statsMutex.Unlock()

	b.stats.TotalEvents++
	b.stats.EventsByType[string(eventType)]++
}
