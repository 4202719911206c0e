package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/bestfirst/search"
)

// MetricsHandler translates search events into OpenTelemetry metrics.
type MetricsHandler struct {
	nodesCreated   metric.Int64Counter
	nodesExcluded  metric.Int64Counter
	expansions     metric.Int64Counter
	solutions      metric.Int64Counter
	reopened       metric.Int64Counter
	evalDuration   metric.Float64Histogram
	successorCount metric.Int64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	h := &MetricsHandler{}
	var err error

	if h.nodesCreated, err = meter.Int64Counter("bestfirst.nodes.created",
		metric.WithDescription("Number of search nodes created"),
	); err != nil {
		return nil, err
	}
	if h.nodesExcluded, err = meter.Int64Counter("bestfirst.nodes.excluded",
		metric.WithDescription("Number of nodes pruned, timed out or discarded"),
	); err != nil {
		return nil, err
	}
	if h.expansions, err = meter.Int64Counter("bestfirst.expansions",
		metric.WithDescription("Number of node expansions"),
	); err != nil {
		return nil, err
	}
	if h.solutions, err = meter.Int64Counter("bestfirst.solutions",
		metric.WithDescription("Number of solutions found"),
	); err != nil {
		return nil, err
	}
	if h.reopened, err = meter.Int64Counter("bestfirst.nodes.reopened",
		metric.WithDescription("Number of closed nodes reopened after a parent switch"),
	); err != nil {
		return nil, err
	}
	if h.evalDuration, err = meter.Float64Histogram("bestfirst.node.eval.duration",
		metric.WithDescription("Duration of node evaluation in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if h.successorCount, err = meter.Int64Histogram("bestfirst.expansion.successors",
		metric.WithDescription("Number of successors per expansion"),
	); err != nil {
		return nil, err
	}
	if h.runDuration, err = meter.Float64Histogram("bestfirst.run.duration",
		metric.WithDescription("Duration of a search run in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return h, nil
}

// Handle processes a search event and records the matching metrics.
// It implements search.EventHandler semantics.
func (h *MetricsHandler) Handle(e search.Event) {
	ctx := context.Background()

	switch e.Kind {
	case search.EventNodeCreated:
		h.nodesCreated.Add(ctx, 1)
	case search.EventNodeLabeled:
		if ms, ok := floatPayload(e.Payload, "eval_ms"); ok {
			h.evalDuration.Record(ctx, (time.Duration(ms) * time.Millisecond).Seconds())
		}
	case search.EventNodeStatus:
		if e.Status == search.StatusPruned || e.Status == search.StatusTimedOut {
			h.nodesExcluded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(e.Status))))
		}
	case search.EventNodeRemoved:
		h.nodesExcluded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(search.StatusDiscarded))))
	case search.EventNodeParentSwitched:
		h.reopened.Add(ctx, 1)
	case search.EventExpansionSubmitted:
		h.expansions.Add(ctx, 1)
		if n, ok := intPayload(e.Payload, "successors"); ok {
			h.successorCount.Record(ctx, int64(n))
		}
	case search.EventSolutionFound:
		h.solutions.Add(ctx, 1)
	case search.EventSearchTerminated:
		reason, _ := e.Payload["reason"].(string)
		h.runDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(attribute.String("reason", reason)))
	}
}
