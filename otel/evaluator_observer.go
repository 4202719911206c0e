package otel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/bestfirst/core"
)

// EvaluatorObserver records every call of an evaluator into OpenTelemetry.
type EvaluatorObserver struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewEvaluatorObserver creates an observer bound to the provided meter and
// tracer. tracer may be nil to record metrics only.
func NewEvaluatorObserver(meter metric.Meter, tracer trace.Tracer) (*EvaluatorObserver, error) {
	invocations, err := meter.Int64Counter(
		"bestfirst.evaluator.invocations",
		metric.WithDescription("Number of evaluator calls by outcome"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"bestfirst.evaluator.latency",
		metric.WithDescription("Evaluator latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &EvaluatorObserver{
		tracer:      tracer,
		invocations: invocations,
		latency:     latency,
	}, nil
}

// Outcome classifies the result of one evaluator call.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "scored"
	case errors.Is(err, core.ErrPrune):
		return "pruned"
	case errors.Is(err, core.ErrEvaluationTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// observe records one call.
func (o *EvaluatorObserver) observe(ctx context.Context, evaluator, node string, d time.Duration, err error) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("evaluator", evaluator),
		attribute.String("outcome", Outcome(err)),
	}
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(context.Background(), 1, options)
	o.latency.Record(context.Background(), d.Seconds(), options)

	if o.tracer == nil {
		return
	}
	end := time.Now()
	_, span := o.tracer.Start(ctx, "evaluate:"+node,
		trace.WithAttributes(append(attrs, attribute.String("bestfirst.node", node))...),
		trace.WithTimestamp(end.Add(-d)),
	)
	if err != nil && Outcome(err) == "error" {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
}

// ObserveEvaluator wraps ev so that every call of its Eval is recorded by o.
// All other hooks of ev are kept.
func ObserveEvaluator[N comparable, A any, V cmp.Ordered](ev core.Evaluator[N, A, V], o *EvaluatorObserver) core.Evaluator[N, A, V] {
	if o == nil || ev.Eval == nil {
		return ev
	}
	inner := ev.Eval
	name := ev.Name
	if name == "" {
		name = "unnamed"
	}
	ev.Eval = func(ctx context.Context, p core.Path[N, A]) (V, error) {
		start := time.Now()
		score, err := inner(ctx, p)
		o.observe(ctx, name, fmt.Sprint(p.Head()), time.Since(start), err)
		return score, err
	}
	return ev
}
