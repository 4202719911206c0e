package search

import (
	"cmp"
	"time"

	"github.com/petal-labs/bestfirst/core"
)

// Stats is a point-in-time summary of a search.
type Stats struct {
	State      State
	Created    int64
	Labeled    int64
	Pruned     int64
	TimedOut   int64
	Discarded  int64
	Reopened   int64
	Expanded   int64
	Closed     int64
	Duplicates int
	Open       int
	ActiveJobs int
	Solutions  int
	Elapsed    time.Duration
}

// Stats returns the current counters of the search.
func (e *Engine[N, A, V]) Stats() Stats {
	st := Stats{
		State:      e.State(),
		Created:    e.created.Load(),
		Labeled:    e.labeled.Load(),
		Pruned:     e.pruned.Load(),
		TimedOut:   e.timedOut.Load(),
		Discarded:  e.discarded.Load(),
		Reopened:   e.reopened.Load(),
		Expanded:   e.expanded.Load(),
		Closed:     e.closed.Load(),
		ActiveJobs: e.jobs.count(),
	}

	e.openMu.Lock()
	st.Open = e.open.len()
	e.openMu.Unlock()

	e.graphMu.Lock()
	st.Duplicates = e.graph.duplicates
	e.graphMu.Unlock()

	e.solMu.Lock()
	st.Solutions = len(e.solutions)
	e.solMu.Unlock()

	e.emitMu.Lock()
	if !e.started.IsZero() {
		st.Elapsed = e.opts.Now().Sub(e.started)
	}
	e.emitMu.Unlock()
	return st
}

// OpenNode describes a node on OPEN.
type OpenNode[N comparable, V cmp.Ordered] struct {
	ID    NodeID
	Head  N
	Score V
	Depth int
}

// Open returns the nodes currently on OPEN, best first.
func (e *Engine[N, A, V]) Open() []OpenNode[N, V] {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	e.graphMu.Lock()
	defer e.graphMu.Unlock()

	items := e.open.ordered()
	out := make([]OpenNode[N, V], 0, len(items))
	for _, item := range items {
		rec, _ := e.graph.get(item.ID)
		out = append(out, OpenNode[N, V]{ID: item.ID, Head: rec.head, Score: item.Score, Depth: item.Depth})
	}
	return out
}

// peekOpen returns the best score on OPEN.
func (e *Engine[N, A, V]) peekOpen() (V, bool) {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	item, ok := e.open.peek()
	return item.Score, ok
}

// Solutions returns all solutions registered so far, in discovery order.
func (e *Engine[N, A, V]) Solutions() []core.Solution[N, A, V] {
	e.solMu.Lock()
	defer e.solMu.Unlock()
	out := make([]core.Solution[N, A, V], len(e.solutions))
	copy(out, e.solutions)
	return out
}

// BestSolution returns the solution with the lowest score. Ties go to the
// solution found first.
func (e *Engine[N, A, V]) BestSolution() (core.Solution[N, A, V], bool) {
	e.solMu.Lock()
	defer e.solMu.Unlock()
	if len(e.solutions) == 0 {
		return core.Solution[N, A, V]{}, false
	}
	best := e.solutions[0]
	for _, s := range e.solutions[1:] {
		if s.Score < best.Score {
			best = s
		}
	}
	return best, true
}

func (e *Engine[N, A, V]) solutionAt(i int) (core.Solution[N, A, V], bool) {
	e.solMu.Lock()
	defer e.solMu.Unlock()
	if i < 0 || i >= len(e.solutions) {
		return core.Solution[N, A, V]{}, false
	}
	return e.solutions[i], true
}

// PathTo returns the current path to head.
func (e *Engine[N, A, V]) PathTo(head N) (core.Path[N, A], bool) {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	rec, ok := e.graph.canonical(head)
	if !ok {
		return core.Path[N, A]{}, false
	}
	return rec.path.WithAnnotations(nil), true
}

// Score returns the score of head, if it has been labeled.
func (e *Engine[N, A, V]) Score(head N) (V, bool) {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	rec, ok := e.graph.canonical(head)
	if !ok || !rec.scored {
		var zero V
		return zero, false
	}
	return rec.score, true
}

// Annotations returns a copy of the annotations of head.
func (e *Engine[N, A, V]) Annotations(head N) (map[string]any, bool) {
	e.graphMu.Lock()
	rec, ok := e.graph.canonical(head)
	e.graphMu.Unlock()
	if !ok {
		return nil, false
	}
	return rec.ann.Snapshot(), true
}

// Status returns the lifecycle status of head.
func (e *Engine[N, A, V]) Status(head N) (NodeStatus, bool) {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	rec, ok := e.graph.canonical(head)
	if !ok {
		return "", false
	}
	return rec.status, true
}
