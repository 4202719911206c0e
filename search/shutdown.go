package search

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc/panics"
)

var errExhausted = errors.New("search space exhausted")

// terminate shuts the search down once and returns the terminal event with
// the reason it ended. self is the claim token of the calling driver, or 0.
func (e *Engine[N, A, V]) terminate(cause error, self uint64) (Event, error) {
	e.shutdownOnce.Do(func() { e.shutdown(cause, self) })
	return e.terminated, e.termErr
}

// shutdown stops all search activity. It runs exactly once:
//  1. mark the engine terminated so that Step refuses further work
//  2. cancel every running expansion except the caller's own
//  3. cancel the builder pool and wait for it, bounded by ShutdownGrace
//  4. force the job counter to zero and wake all waiters
//  5. cancel the evaluator's background work
//  6. emit EventSearchTerminated and seal the emitter
func (e *Engine[N, A, V]) shutdown(cause error, self uint64) {
	// An earlier cancellation wins over the reason the caller noticed.
	if e.runCtx.Err() != nil {
		cause = context.Cause(e.runCtx)
	}

	e.state.Store(int32(StateTerminated))
	if t := e.timer.Load(); t != nil {
		t.Stop()
	}

	e.expandMu.Lock()
	for id, claim := range e.expanding {
		if claim.token != self {
			claim.cancel(ErrTerminated)
		}
		delete(e.expanding, id)
	}
	e.expandMu.Unlock()

	stopCause := cause
	if stopCause == nil {
		stopCause = errExhausted
	}
	e.cancelRun(stopCause)

	if e.pool != nil && !e.pool.shutdown(stopCause, e.opts.ShutdownGrace) {
		e.logger.Warn("node builders did not stop within the shutdown grace period",
			"run_id", e.runID,
			"grace", e.opts.ShutdownGrace,
		)
	}
	e.jobs.zero()

	if e.caps.Cancelable {
		if r := panics.Try(e.problem.Evaluator.CancelActive); r != nil {
			e.logger.Error("canceling evaluator panicked",
				"run_id", e.runID,
				"error", r.AsError(),
			)
		}
	}

	reason := terminationReason(cause)
	st := e.Stats()
	ev := NewEvent(EventSearchTerminated, e.runID).
		WithPayload("reason", reason).
		WithPayload("created", st.Created).
		WithPayload("expanded", st.Expanded).
		WithPayload("solutions", st.Solutions)
	if cause != nil {
		ev = ev.WithPayload("error", cause.Error())
	}
	e.terminated = e.emitEvent(ev)
	e.termErr = cause

	e.logger.Info("search terminated",
		"run_id", e.runID,
		"reason", reason,
		"created", st.Created,
		"expanded", st.Expanded,
		"solutions", st.Solutions,
	)
}

func terminationReason(cause error) string {
	switch {
	case cause == nil:
		return "exhausted"
	case errors.Is(cause, ErrSearchTimeout):
		return "timeout"
	case errors.Is(cause, ErrSearchCanceled):
		return "canceled"
	case errors.Is(cause, ErrTerminated):
		return "closed"
	default:
		return "failed"
	}
}
