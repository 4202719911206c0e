package bus

import (
	"sync"

	"github.com/petal-labs/bestfirst/search"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int

	// KeepRunSubscriptions keeps run subscriptions open after the run's
	// EventSearchTerminated. By default they are closed once that event has
	// been delivered.
	KeepRunSubscriptions bool
}

// MemBus is an in-memory event bus. Slow subscribers lose events rather than
// block the engine.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // runID -> subscribers
	globalSubs []*memSub
	bufSize    int
	keepRuns   bool
	closed     bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:     make(map[string][]*memSub),
		bufSize:  bufSize,
		keepRuns: config.KeepRunSubscriptions,
	}
}

// Publish sends an event to the subscribers of its run and to all global
// subscribers. Events published after Close are dropped.
func (b *MemBus) Publish(event search.Event) {
	terminal := event.Kind == search.EventSearchTerminated && !b.keepRuns
	if terminal {
		b.mu.Lock()
		defer b.mu.Unlock()
	} else {
		b.mu.RLock()
		defer b.mu.RUnlock()
	}

	if b.closed {
		return
	}

	for _, sub := range b.subs[event.RunID] {
		sub.send(event)
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}

	if terminal {
		for _, sub := range b.subs[event.RunID] {
			sub.close()
		}
		delete(b.subs, event.RunID)
	}
}

// Subscribe registers a subscriber for a specific run.
func (b *MemBus) Subscribe(runID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize, func(s *memSub) { b.remove(runID, s) })
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[runID] = append(b.subs[runID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all runs.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize, func(s *memSub) { b.remove("", s) })
	if b.closed {
		sub.close()
		return sub
	}
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Subscribers returns the number of open subscriptions for runID.
func (b *MemBus) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

// remove detaches a subscription. An empty runID means a global subscription.
func (b *MemBus) remove(runID string, s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.globalSubs = without(b.globalSubs, s)
		return
	}
	if subs := without(b.subs[runID], s); len(subs) > 0 {
		b.subs[runID] = subs
	} else {
		delete(b.subs, runID)
	}
}

func without(subs []*memSub, s *memSub) []*memSub {
	out := subs[:0]
	for _, sub := range subs {
		if sub != s {
			out = append(out, sub)
		}
	}
	return out
}

type memSub struct {
	ch       chan search.Event
	detach   func(*memSub)
	mu       sync.Mutex
	closed   bool
	detached sync.Once
}

func newMemSub(bufSize int, detach func(*memSub)) *memSub {
	return &memSub{
		ch:     make(chan search.Event, bufSize),
		detach: detach,
	}
}

func (s *memSub) Events() <-chan search.Event {
	return s.ch
}

// Close unsubscribes and closes the event channel.
func (s *memSub) Close() error {
	s.detached.Do(func() { s.detach(s) })
	s.close()
	return nil
}

// close is guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send drops the event if the channel is full or closed.
func (s *memSub) send(event search.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
