package search

import (
	"cmp"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/petal-labs/bestfirst/core"
)

// tally counts the successors of one expansion that are still being built.
type tally[N comparable, A any, V cmp.Ordered] struct {
	parent     *record[N, A, V]
	generation int
	total      int
	remaining  atomic.Int64
}

// build creates, labels and integrates one successor. It runs inline on the
// driver goroutine or on a pool goroutine.
func (e *Engine[N, A, V]) build(ctx context.Context, t *tally[N, A, V], s core.Successor[N, A]) {
	defer e.finishSuccessor(t)
	if err := e.buildNode(ctx, t.parent, s); err != nil {
		e.fail(err)
	}
}

func (e *Engine[N, A, V]) buildNode(ctx context.Context, parent *record[N, A, V], s core.Successor[N, A]) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	e.graphMu.Lock()
	if e.opts.ParentDiscarding != DiscardNone && parent.path.Contains(s.Node) {
		// A path back into its own ancestry is never better than the ancestor.
		e.graphMu.Unlock()
		e.discarded.Add(1)
		return nil
	}
	rec, err := e.graph.newChild(parent.id, s.Node, s.Arc)
	if err != nil {
		e.graphMu.Unlock()
		return err
	}
	ref := rec.ref()
	path := rec.path
	e.graphMu.Unlock()

	e.created.Add(1)
	e.emitNode(EventNodeCreated, ref, withPayload("depth", path.Depth()))

	goal := e.problem.Goal.IsGoal(path)
	score, ok, err := e.label(ctx, rec, path)
	if err != nil || !ok {
		return err
	}
	return e.integrate(rec, score, goal)
}

// integrate applies the parent discarding policy to a freshly labeled node
// and puts it onto OPEN or registers it as a solution.
func (e *Engine[N, A, V]) integrate(rec *record[N, A, V], score V, goal bool) error {
	var out []Event

	e.openMu.Lock()
	e.graphMu.Lock()
	rec.score, rec.scored, rec.goal = score, true, goal

	accepted := true
	var err error
	if e.opts.ParentDiscarding != DiscardNone {
		accepted, err = e.discardLocked(rec, &out)
	}
	if accepted && err == nil {
		if goal {
			rec.status = StatusSolution
		} else {
			rec.status = StatusOpen
			err = e.open.add(rec.id, score, rec.depth)
		}
		out = append(out, e.nodeEvent(EventNodeStatus, rec.ref()).WithStatus(rec.status))
	}
	ref := rec.ref()
	var sol core.Solution[N, A, V]
	if accepted && goal {
		sol = solutionOf(rec)
	}
	e.graphMu.Unlock()
	e.openMu.Unlock()

	for _, ev := range out {
		e.emitEvent(ev)
	}
	if err != nil {
		return err
	}
	if accepted && !goal {
		e.jobs.notify()
	}
	if accepted && goal && !e.caps.ReportsSolutions {
		e.registerSolution(sol, ref)
	}
	return nil
}

// discardLocked resolves a second path to an already known node. It reports
// whether rec should be inserted. Called with openMu and graphMu held.
func (e *Engine[N, A, V]) discardLocked(rec *record[N, A, V], out *[]Event) (bool, error) {
	canon, ok := e.graph.canonical(rec.head)
	if !ok || canon.id == rec.id {
		return true, nil
	}

	switch canon.status {
	case StatusOpen:
		if rec.score < canon.score {
			e.open.remove(canon.id)
			e.dropLocked(canon, out)
			e.graph.promote(rec)
			return true, nil
		}
		e.dropLocked(rec, out)
		return false, nil

	case StatusExpanding:
		// The better path takes effect once the running expansion completes.
		if e.opts.ParentDiscarding == DiscardAll && rec.score < canon.score &&
			(canon.better == nil || rec.score < canon.better.score) {
			canon.better = &betterParent[A, V]{parent: rec.parent, arc: rec.arc, score: rec.score}
		}
		e.dropLocked(rec, out)
		return false, nil

	case StatusClosed:
		if e.opts.ParentDiscarding == DiscardAll && rec.score < canon.score {
			if err := e.reopenLocked(canon, betterParent[A, V]{parent: rec.parent, arc: rec.arc, score: rec.score}, out); err != nil {
				return false, err
			}
			e.closed.Add(-1)
		}
		e.dropLocked(rec, out)
		return false, nil

	case StatusSolution:
		if rec.goal && !(rec.score < canon.score) {
			e.dropLocked(rec, out)
			return false, nil
		}
		e.graph.promote(rec)
		return true, nil

	default:
		// The canonical node is still being labeled or left the search.
		e.graph.promote(rec)
		return true, nil
	}
}

func (e *Engine[N, A, V]) dropLocked(rec *record[N, A, V], out *[]Event) {
	rec.status = StatusDiscarded
	e.discarded.Add(1)
	*out = append(*out, e.nodeEvent(EventNodeRemoved, rec.ref()).WithPayload("score", rec.score))
}

func (e *Engine[N, A, V]) finishSuccessor(t *tally[N, A, V]) {
	if t.remaining.Add(-1) == 0 {
		e.completeExpansion(t)
	}
}

// reopenLocked moves rec below a strictly better parent and puts it back
// onto OPEN. Called with openMu and graphMu held.
func (e *Engine[N, A, V]) reopenLocked(rec *record[N, A, V], b betterParent[A, V], out *[]Event) error {
	oldParent := rec.parent
	if err := e.graph.reparent(rec, b.parent, b.arc, b.score); err != nil {
		return err
	}
	rec.status = StatusOpen
	if err := e.open.add(rec.id, rec.score, rec.depth); err != nil {
		return err
	}
	e.reopened.Add(1)
	*out = append(*out,
		e.nodeEvent(EventNodeParentSwitched, rec.ref()).
			WithPayload("old_parent", int(oldParent)).
			WithPayload("score", rec.score),
		e.nodeEvent(EventNodeStatus, rec.ref()).WithStatus(StatusOpen),
	)
	return nil
}

// completeExpansion closes the parent once every successor is integrated.
// A parent that learned of a better path during its expansion is reopened
// instead.
func (e *Engine[N, A, V]) completeExpansion(t *tally[N, A, V]) {
	var out []Event
	var err error

	e.openMu.Lock()
	e.graphMu.Lock()
	rec := t.parent
	current := rec.status == StatusExpanding && rec.generation == t.generation
	reopen := current && rec.better != nil
	switch {
	case reopen:
		b := *rec.better
		rec.better = nil
		err = e.reopenLocked(rec, b, &out)
	case current:
		rec.status = StatusClosed
		out = append(out, e.nodeEvent(EventNodeStatus, rec.ref()).WithStatus(StatusClosed))
	}
	ref := rec.ref()
	e.graphMu.Unlock()
	e.openMu.Unlock()

	if current && !reopen {
		e.closed.Add(1)
	}
	for _, ev := range out {
		e.emitEvent(ev)
	}
	e.emitNode(EventExpansionCompleted, ref, withPayload("successors", t.total))
	if err != nil {
		e.fail(err)
		return
	}
	if reopen {
		e.jobs.notify()
	}
}

// registerSolution stores a solution and queues its event for Step.
func (e *Engine[N, A, V]) registerSolution(sol core.Solution[N, A, V], ref nodeRef) {
	e.solMu.Lock()
	idx := len(e.solutions)
	e.solutions = append(e.solutions, sol)
	ev := e.emitEvent(e.nodeEvent(EventSolutionFound, ref).
		WithPayload("index", idx).
		WithPayload("score", sol.Score).
		WithPayload("depth", sol.Path.Depth()).
		WithPayload("path", formatNodes(sol.Path.Nodes())))
	e.pending = append(e.pending, ev)
	e.solMu.Unlock()

	e.logger.Debug("solution found",
		"run_id", e.runID,
		"node", ref.label,
		"score", sol.Score,
	)
	e.jobs.notify()
}

// reportSolution is handed to evaluators that report solutions themselves.
func (e *Engine[N, A, V]) reportSolution(sol core.Solution[N, A, V]) {
	if e.IsTerminated() {
		return
	}
	ref := nodeRef{id: NoNode, parent: NoNode, label: fmt.Sprint(sol.Path.Head())}
	e.graphMu.Lock()
	if rec, ok := e.graph.canonical(sol.Path.Head()); ok {
		ref = rec.ref()
	}
	e.graphMu.Unlock()
	sol.Path = sol.Path.WithAnnotations(nil)
	e.registerSolution(sol, ref)
}

func (e *Engine[N, A, V]) popPending() (Event, bool) {
	e.solMu.Lock()
	defer e.solMu.Unlock()
	if len(e.pending) == 0 {
		return Event{}, false
	}
	ev := e.pending[0]
	e.pending = e.pending[1:]
	return ev, true
}

func (e *Engine[N, A, V]) hasPending() bool {
	e.solMu.Lock()
	defer e.solMu.Unlock()
	return len(e.pending) > 0
}

// solutionOf must be called with graphMu held.
func solutionOf[N comparable, A any, V cmp.Ordered](rec *record[N, A, V]) core.Solution[N, A, V] {
	return core.Solution[N, A, V]{
		Path:        rec.path.WithAnnotations(nil),
		Score:       rec.score,
		Annotations: rec.ann.Snapshot(),
	}
}

func formatNodes[N any](nodes []N) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = fmt.Sprint(n)
	}
	return out
}
