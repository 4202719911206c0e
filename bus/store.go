package bus

import (
	"context"
	"errors"

	"github.com/petal-labs/bestfirst/search"
)

// ErrUnencodable is returned by stores for events that can never be stored,
// such as events whose payload cannot be encoded. Retrying does not help.
var ErrUnencodable = errors.New("event cannot be encoded")

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event search.Event) error

	// List returns events for a run in sequence order.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]search.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// RunIDs returns the distinct run IDs in the store, sorted.
	RunIDs(ctx context.Context) ([]string, error)
}
