package otel

import (
	"github.com/petal-labs/bestfirst/search"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
//
// An event about a node carries the span of that node's running expansion.
// Events about a node being built carry the span of the parent's expansion.
// All other events of a run carry the run span. When no span is active, the
// event passes through unchanged.
func EnrichEmitter(emit search.EventEmitter, tracing *TracingHandler) search.EventEmitter {
	return func(e search.Event) {
		if e.TraceID == "" {
			sc := tracing.ActiveSpanContext(e.RunID, e.NodeID)
			if !sc.IsValid() && e.ParentID != search.NoNode {
				sc = tracing.ActiveSpanContext(e.RunID, e.ParentID)
			}
			if !sc.IsValid() {
				sc = tracing.ActiveRunSpanContext(e.RunID)
			}
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator returns EnrichEmitter as a search.EventEmitterDecorator.
func Decorator(tracing *TracingHandler) search.EventEmitterDecorator {
	return func(next search.EventEmitter) search.EventEmitter {
		return EnrichEmitter(next, tracing)
	}
}
