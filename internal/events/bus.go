package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventSignalOutcome   EventType = "SIGNAL_OUTCOME"
	EventStatsUpdate     EventType = "STATS_UPDATE"
	EventOrderFlowUpdate EventType = "ORDER_FLOW_UPDATE"
	EventCoinAdded       EventType = "COIN_ADDED"
	EventCoinRemoved     EventType = "COIN_REMOVED"
	EventCoinToggled     EventType = "COIN_TOGGLED"
	EventStreamStatus    EventType = "STREAM_STATUS"
	EventContextUpdate   EventType = "CONTEXT_UPDATE"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes a signal generated event
func (eb *EventBus) PublishSignal(symbol, signalType, direction string, confidence float64, priority int) {
	eb.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"signal_type": signalType,
			"direction":   direction,
			"confidence":  confidence,
			"priority":    priority,
		},
	})
}

// PublishSignalOutcome publishes a resolved signal outcome event
func (eb *EventBus) PublishSignalOutcome(symbol, signalType, outcome string, pnlPct float64) {
	eb.Publish(Event{
		Type: EventSignalOutcome,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"signal_type": signalType,
			"outcome":     outcome,
			"pnl_pct":     pnlPct,
		},
	})
}

// PublishStats publishes a periodic stats snapshot event
func (eb *EventBus) PublishStats(stats map[string]interface{}) {
	eb.Publish(Event{
		Type: EventStatsUpdate,
		Data: stats,
	})
}

// PublishOrderFlow publishes an order flow update for a symbol
func (eb *EventBus) PublishOrderFlow(symbol string, flow map[string]interface{}) {
	data := map[string]interface{}{
		"symbol": symbol,
	}
	for k, v := range flow {
		data[k] = v
	}
	eb.Publish(Event{
		Type: EventOrderFlowUpdate,
		Data: data,
	})
}

// PublishCoinChange publishes a dashboard coin list change event
func (eb *EventBus) PublishCoinChange(eventType EventType, symbol string, active bool) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"symbol": symbol,
			"active": active,
		},
	})
}

// PublishContext publishes a market context update for a base symbol
func (eb *EventBus) PublishContext(symbol string, data map[string]interface{}) {
	payload := map[string]interface{}{
		"symbol": symbol,
	}
	for k, v := range data {
		payload[k] = v
	}
	eb.Publish(Event{
		Type: EventContextUpdate,
		Data: payload,
	})
}

// PublishStreamStatus publishes a stream connection state change
func (eb *EventBus) PublishStreamStatus(state string, attempt int) {
	eb.Publish(Event{
		Type: EventStreamStatus,
		Data: map[string]interface{}{
			"state":   state,
			"attempt": attempt,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
