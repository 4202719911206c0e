package bus

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/bestfirst/search"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often coalesced events are flushed.
	// Default: 100ms
	CoalesceInterval time.Duration

	// Kinds are the event kinds to coalesce. Default: search.progress.
	Kinds []search.EventKind
}

// ThrottledEmitter wraps a search.EventEmitter and coalesces high-frequency
// events. Within each interval only the latest event per run, kind and node
// is kept; all other kinds pass through immediately. A terminal event flushes
// the pending events of its run first, so nothing trails it.
type ThrottledEmitter struct {
	emit     search.EventEmitter
	interval time.Duration
	kinds    []search.EventKind

	mu      sync.Mutex
	pending map[string]search.Event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a ThrottledEmitter around emit and starts its
// flush loop. Close must be called to stop it.
func NewThrottledEmitter(emit search.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = []search.EventKind{search.EventSearchProgress}
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		kinds:    kinds,
		pending:  make(map[string]search.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go te.run()
	return te
}

// Emit sends an event through the throttle.
func (te *ThrottledEmitter) Emit(e search.Event) {
	if e.Kind == search.EventSearchTerminated {
		te.flushRun(e.RunID)
		te.emit(e)
		return
	}
	if !slices.Contains(te.kinds, e.Kind) {
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	if te.closed {
		return
	}
	te.pending[throttleKey(e)] = e
}

// Close flushes pending events and stops the flush loop. It is safe to call
// Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush(func(search.Event) bool { return true })
		case <-te.stopCh:
			te.flush(func(search.Event) bool { return true })
			return
		}
	}
}

func (te *ThrottledEmitter) flushRun(runID string) {
	te.flush(func(e search.Event) bool { return e.RunID == runID })
}

// flush emits the selected pending events in sequence order.
func (te *ThrottledEmitter) flush(match func(search.Event) bool) {
	te.mu.Lock()
	var out []search.Event
	for k, e := range te.pending {
		if match(e) {
			out = append(out, e)
			delete(te.pending, k)
		}
	}
	te.mu.Unlock()

	slices.SortFunc(out, func(a, b search.Event) int { return cmp.Compare(a.Seq, b.Seq) })
	for _, e := range out {
		te.emit(e)
	}
}

func throttleKey(e search.Event) string {
	return fmt.Sprintf("%s|%s|%d", e.RunID, e.Kind, e.NodeID)
}
