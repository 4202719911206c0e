package search

import (
	"context"
	"errors"
	"iter"

	"github.com/petal-labs/bestfirst/core"
)

// All returns an iterator over the remaining events of the search. The
// iteration ends after EventSearchTerminated; the terminal error, if any, is
// yielded with that event.
func (e *Engine[N, A, V]) All(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := e.Step(ctx)
			if errors.Is(err, ErrTerminated) && ev.Kind == "" {
				return
			}
			if !yield(ev, err) {
				return
			}
			if ev.Kind == EventSearchTerminated || err != nil {
				return
			}
		}
	}
}

// NextSolution steps until the next solution is found. It returns
// ErrExhausted when the search space holds no more solutions.
func (e *Engine[N, A, V]) NextSolution(ctx context.Context) (core.Solution[N, A, V], error) {
	var zero core.Solution[N, A, V]
	for {
		ev, err := e.Step(ctx)
		if err != nil {
			return zero, err
		}
		switch ev.Kind {
		case EventSolutionFound:
			idx, _ := ev.Payload["index"].(int)
			if sol, ok := e.solutionAt(idx); ok {
				return sol, nil
			}
		case EventSearchTerminated:
			return zero, ErrExhausted
		}
	}
}

// NextExpansion steps until the next node was expanded or removed as a goal.
func (e *Engine[N, A, V]) NextExpansion(ctx context.Context) (Event, error) {
	for {
		ev, err := e.Step(ctx)
		if err != nil {
			return ev, err
		}
		switch ev.Kind {
		case EventExpansionSubmitted, EventGoalRemoved:
			return ev, nil
		case EventSearchTerminated:
			return ev, ErrExhausted
		}
	}
}

// NextSolutionThatDominatesOpen keeps searching until the best solution found
// by this call scores no worse than every node on OPEN.
func (e *Engine[N, A, V]) NextSolutionThatDominatesOpen(ctx context.Context) (core.Solution[N, A, V], error) {
	var (
		best  core.Solution[N, A, V]
		found bool
	)
	for {
		sol, err := e.NextSolution(ctx)
		if err != nil {
			if found && errors.Is(err, ErrExhausted) {
				return best, nil
			}
			return best, err
		}
		if !found || sol.Score < best.Score {
			best, found = sol, true
		}
		if top, ok := e.peekOpen(); !ok || !(top < best.Score) {
			return best, nil
		}
	}
}

// Run drives the search to its end and returns the best solution. When the
// search was canceled, timed out or failed, the best solution found so far is
// returned together with the error.
func (e *Engine[N, A, V]) Run(ctx context.Context) (core.Solution[N, A, V], error) {
	var runErr error
	for _, err := range e.All(ctx) {
		if err != nil {
			runErr = err
		}
	}
	best, ok := e.BestSolution()
	if runErr != nil {
		return best, runErr
	}
	if !ok {
		return best, ErrNoSolution
	}
	return best, nil
}
