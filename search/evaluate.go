package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/panics"

	"github.com/petal-labs/bestfirst/core"
)

type evalResult[V any] struct {
	score V
	err   error
}

// callEval runs f and converts a panic into an error.
func callEval[N comparable, A any, V cmp.Ordered](ctx context.Context, f core.EvalFunc[N, A, V], p core.Path[N, A]) (score V, err error) {
	if r := panics.Try(func() { score, err = f(ctx, p) }); r != nil {
		var zero V
		return zero, fmt.Errorf("evaluator panicked: %w", r.AsError())
	}
	return score, err
}

// evaluate applies the primary evaluator under the node timeout. When the
// budget runs out the evaluation is abandoned and ErrEvaluationTimeout is
// returned; its late result is discarded. Cancellation of ctx itself is
// reported as the context's cause, never as a timeout.
func (e *Engine[N, A, V]) evaluate(ctx context.Context, p core.Path[N, A]) (V, error) {
	eval := e.problem.Evaluator.Eval
	if e.opts.NodeTimeout <= 0 {
		return callEval(ctx, eval, p)
	}

	tctx, cancel := context.WithTimeoutCause(ctx, e.opts.NodeTimeout, core.ErrEvaluationTimeout)
	defer cancel()

	res := make(chan evalResult[V], 1)
	go func() {
		v, err := callEval(tctx, eval, p)
		res <- evalResult[V]{score: v, err: err}
	}()

	var zero V
	select {
	case r := <-res:
		if r.err != nil && ctx.Err() == nil && errors.Is(context.Cause(tctx), core.ErrEvaluationTimeout) {
			return zero, core.ErrEvaluationTimeout
		}
		return r.score, r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}
		return zero, core.ErrEvaluationTimeout
	}
}

// label scores rec. It returns ok=false when the node was pruned or timed
// out without a usable fallback score; the matching status event has been
// emitted then. A non-nil error is fatal for the search.
func (e *Engine[N, A, V]) label(ctx context.Context, rec *record[N, A, V], p core.Path[N, A]) (score V, ok bool, err error) {
	var zero V
	e.graphMu.Lock()
	ref := rec.ref()
	e.graphMu.Unlock()
	evalCtx := ContextWithEmitter(ctx, nodeEmitter(e.emit, e.runID, ref))

	start := e.opts.Now()
	score, err = e.evaluate(evalCtx, p)
	elapsed := e.opts.Now().Sub(start)
	rec.ann.Set(core.AnnotationTime, elapsed)

	if ctx.Err() != nil {
		// The search is shutting down; whatever the evaluator returned is moot.
		return zero, false, context.Cause(ctx)
	}

	switch {
	case err == nil:
	case errors.Is(err, core.ErrEvaluationTimeout):
		return e.labelFallback(evalCtx, rec, p)
	case errors.Is(err, core.ErrPrune):
		rec.ann.Set(core.AnnotationError, "pruned by evaluator")
		e.markExcluded(rec, StatusPruned, nil)
		return zero, false, nil
	default:
		evalErr := core.EvaluationError{Node: rec.label, Err: err}
		rec.ann.Set(core.AnnotationError, err.Error())
		e.logger.Warn("node evaluation failed",
			"run_id", e.runID,
			"node_id", rec.id,
			"node", rec.label,
			"error", evalErr,
		)
		e.markExcluded(rec, StatusPruned, evalErr)
		return zero, false, nil
	}

	if e.caps.AnnotatesUncertainty {
		if _, found := rec.ann.Get(core.AnnotationUncertainty); !found {
			return zero, false, core.Violation("evaluator %q claims to annotate uncertainty but node %s has no %s annotation",
				e.problem.Evaluator.Name, rec.label, core.AnnotationUncertainty)
		}
	}

	e.labeled.Add(1)
	e.emitNode(EventNodeLabeled, ref, func(ev Event) Event {
		return ev.WithPayload("score", score).WithPayload("eval_ms", elapsed.Milliseconds())
	})
	if rec.ann.Len() > 0 {
		e.emitNode(EventNodeAnnotated, ref, func(ev Event) Event {
			return ev.WithPayload("annotations", annotationPayload(rec.ann.Snapshot()))
		})
	}
	return score, true, nil
}

// labelFallback handles a node whose primary evaluation timed out.
func (e *Engine[N, A, V]) labelFallback(ctx context.Context, rec *record[N, A, V], p core.Path[N, A]) (V, bool, error) {
	var zero V
	rec.ann.Set(core.AnnotationError, "timeout")
	e.timedOut.Add(1)
	e.graphMu.Lock()
	rec.status = StatusTimedOut
	ref := rec.ref()
	e.graphMu.Unlock()
	e.emitNode(EventNodeStatus, ref, func(ev Event) Event {
		return ev.WithStatus(StatusTimedOut).WithPayload("timeout_ms", e.opts.NodeTimeout.Milliseconds())
	})

	if e.opts.TimeoutEvaluator == nil {
		return zero, false, nil
	}

	score, err := callEval(ctx, e.opts.TimeoutEvaluator, p)
	if ctx.Err() != nil {
		return zero, false, context.Cause(ctx)
	}
	if err != nil {
		if !errors.Is(err, core.ErrPrune) {
			e.logger.Warn("timeout evaluator failed",
				"run_id", e.runID,
				"node_id", rec.id,
				"error", err,
			)
		}
		e.markExcluded(rec, StatusPruned, err)
		return zero, false, nil
	}

	e.labeled.Add(1)
	e.emitNode(EventNodeLabeled, ref, func(ev Event) Event {
		return ev.WithPayload("score", score).WithPayload("fallback", true)
	})
	return score, true, nil
}

// markExcluded records that rec will not take part in the search.
func (e *Engine[N, A, V]) markExcluded(rec *record[N, A, V], status NodeStatus, cause error) {
	e.graphMu.Lock()
	rec.status = status
	ref := rec.ref()
	e.graphMu.Unlock()

	if status == StatusPruned {
		e.pruned.Add(1)
	}
	e.emitNode(EventNodeStatus, ref, func(ev Event) Event {
		ev = ev.WithStatus(status)
		if cause != nil {
			ev = ev.WithPayload("error", cause.Error())
		}
		return ev
	})
}

// annotationPayload converts annotations into JSON-friendly values.
func annotationPayload(ann map[string]any) map[string]any {
	out := make(map[string]any, len(ann))
	for k, v := range ann {
		switch tv := v.(type) {
		case fmt.Stringer:
			out[k] = tv.String()
		case error:
			out[k] = tv.Error()
		default:
			out[k] = v
		}
	}
	return out
}
