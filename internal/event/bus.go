package event

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles an event.
type Handler func(Event)

// Wildcard is the event type that matches every published event.
const Wildcard = "*"

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// Bus is a synchronous pub-sub event bus.
// Handlers run on the publisher's goroutine, so publishers must not hold
// locks that a handler could try to take.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	nextID        atomic.Uint64
	logger        *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used to report handler panics.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates a new event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subscriptions: make(map[string][]subscription),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a specific event type and returns a
// subscription ID for Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[eventType] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to all registered handlers.
// Specific handlers are called first, then wildcard handlers, each group in
// registration order. A panicking handler is logged and skipped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	eventType := e.EventType()
	specific := append([]subscription(nil), b.subscriptions[eventType]...)
	wildcard := append([]subscription(nil), b.subscriptions[Wildcard]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, e)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, e)
	}
}

func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", e.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(e)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string][]subscription)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
