package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Unit event topics.
const (
	TopicUnitStateChanged = "unit.state_changed"
	TopicUnitTokens       = "unit.tokens"
)

// Run event topics.
const (
	TopicRunStarted  = "run.started"
	TopicRunFinished = "run.finished"
	TopicRunRetrying = "run.retrying"
)

// UnitStateChangedEvent is published when a unit's status changes.
type UnitStateChangedEvent struct {
	UnitID    string // Unit ID
	Role      string // Unit role (task, workflow, maintainer)
	OldStatus string // Previous status (e.g. active)
	NewStatus string // New status (e.g. waiting)
}

// UnitTokensEvent is published when a run's token counts are updated.
type UnitTokensEvent struct {
	UnitID           string  // Unit ID
	RunID            string  // Run ID
	PromptTokens     int     // Prompt tokens
	CompletionTokens int     // Completion tokens
	EstimatedCostUSD float64 // Estimated cost in USD
}

// RunStartedEvent is published when a worker begins executing a run.
type RunStartedEvent struct {
	UnitID     string // Unit ID
	RunID      string // Run ID
	Occurrence string // Scheduled occurrence (RFC3339)
}

// RunFinishedEvent is published when a run reaches a terminal status.
type RunFinishedEvent struct {
	UnitID string // Unit ID
	RunID  string // Run ID
	Status string // Terminal status (done, wait, failed, interrupted)
	Steps  int    // Agent steps consumed
}

// RunRetryingEvent is published when a failed run is scheduled for retry.
type RunRetryingEvent struct {
	UnitID  string // Unit ID
	Attempt int    // Consecutive failure count
	ErrType string // Failure classification (network, auth, ...)
	NextTry string // Earliest re-admission time (RFC3339)
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
