// Package bus distributes search events to subscribers and persists them for
// replay. It decouples the engine from observers such as loggers, the SSE
// endpoint and monitoring.
package bus

import "github.com/petal-labs/bestfirst/search"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event search.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan search.Event

	// Close unsubscribes and releases resources.
	Close() error
}
