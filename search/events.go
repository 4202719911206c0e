// Package search provides the anytime best-first search engine.
package search

import (
	"time"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventSearchInitialized is returned by the first Step once all roots are labeled.
	EventSearchInitialized EventKind = "search.initialized"

	// EventGraphInitialized is emitted once per root that made it onto OPEN.
	EventGraphInitialized EventKind = "graph.initialized"

	// EventNodeCreated is emitted when a node record is created, before it is labeled.
	EventNodeCreated EventKind = "node.created"

	// EventNodeLabeled is emitted when a node received its score.
	EventNodeLabeled EventKind = "node.labeled"

	// EventNodeStatus is emitted whenever a node changes its lifecycle status.
	EventNodeStatus EventKind = "node.status"

	// EventNodeAnnotated is emitted after labeling when the node carries annotations.
	EventNodeAnnotated EventKind = "node.annotated"

	// EventNodeRemoved is emitted when a node is dropped by parent discarding.
	EventNodeRemoved EventKind = "node.removed"

	// EventNodeParentSwitched is emitted when a closed node is reopened with a better parent.
	EventNodeParentSwitched EventKind = "node.parent_switched"

	// EventSuccessorsComputed is emitted after the graph generator returned the
	// successors of the node being expanded.
	EventSuccessorsComputed EventKind = "successors.computed"

	// EventExpansionSubmitted is emitted when all successor builders of a node
	// were handed off. It is also the event returned by Step for an expansion.
	EventExpansionSubmitted EventKind = "expansion.submitted"

	// EventExpansionCompleted is emitted once every successor of an expanded
	// node has been labeled and integrated.
	EventExpansionCompleted EventKind = "expansion.completed"

	// EventGoalRemoved is returned by Step when the selected node was a goal
	// root; goals are never expanded.
	EventGoalRemoved EventKind = "goal.removed"

	// EventSolutionFound is emitted for every registered solution.
	EventSolutionFound EventKind = "solution.found"

	// EventSearchProgress carries periodic counters. It is safe to coalesce.
	EventSearchProgress EventKind = "search.progress"

	// EventSearchTerminated is the last event of every run.
	EventSearchTerminated EventKind = "search.terminated"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// NodeID identifies a node record within one engine. IDs are dense and
// assigned in creation order.
type NodeID int

// NoNode marks events that do not refer to a node, and roots' parents.
const NoNode NodeID = -1

// NodeStatus is the lifecycle status of a node record.
type NodeStatus string

const (
	StatusCreated   NodeStatus = "created"
	StatusPruned    NodeStatus = "pruned"
	StatusTimedOut  NodeStatus = "timed_out"
	StatusOpen      NodeStatus = "open"
	StatusSolution  NodeStatus = "solution"
	StatusExpanding NodeStatus = "expanding"
	StatusClosed    NodeStatus = "closed"
	StatusDiscarded NodeStatus = "discarded"
)

// Event is a structured, streamable record of what happened during a search.
// Heads are carried in their fmt representation so that events stay
// independent of the problem's node type.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// NodeID is the node record the event refers to (NoNode for run-level events).
	NodeID NodeID

	// ParentID is the parent record of NodeID (NoNode for roots and run-level events).
	ParentID NodeID

	// Head is the formatted external node.
	Head string

	// Status is set on EventNodeStatus events.
	Status NodeStatus

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:     kind,
		RunID:    runID,
		NodeID:   NoNode,
		ParentID: NoNode,
		Time:     time.Now(),
		Payload:  make(map[string]any),
	}
}

// WithNode sets the node information on the event.
func (e Event) WithNode(id, parent NodeID, head string) Event {
	e.NodeID = id
	e.ParentID = parent
	e.Head = head
	return e
}

// WithStatus sets the node status on the event.
func (e Event) WithStatus(s NodeStatus) Event {
	e.Status = s
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// HasNode reports whether the event refers to a node record.
func (e Event) HasNode() bool {
	return e.NodeID != NoNode
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace metadata).
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the engine
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
// Handlers run synchronously on the emitting goroutine and must not call
// back into the engine.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
