package bus

import (
	"context"
	"slices"
	"sync"

	"github.com/petal-labs/bestfirst/search"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]search.Event // runID -> events ordered by Seq
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]search.Event),
	}
}

// Append stores event. Events may arrive out of sequence order when several
// goroutines publish; they are kept sorted by Seq.
func (s *MemEventStore) Append(_ context.Context, event search.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[event.RunID]
	i := len(events)
	for i > 0 && events[i-1].Seq > event.Seq {
		i--
	}
	s.events[event.RunID] = slices.Insert(events, i, event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]search.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []search.Event
	for _, e := range s.events[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[runID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func (s *MemEventStore) RunIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

var _ EventStore = (*MemEventStore)(nil)
