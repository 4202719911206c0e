// Package otel translates search events into OpenTelemetry spans and metrics.
package otel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/bestfirst/search"
)

// TracingHandler translates search events into OpenTelemetry spans. Every run
// gets a root span that lives until EventSearchTerminated; every expansion of
// a node gets a child span from the moment the node is claimed until its
// EventExpansionCompleted. Solutions and excluded nodes are recorded as span
// events.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	runSpans   map[string]trace.Span
	runCtxs    map[string]context.Context
	expansions map[string]trace.Span // runID:nodeID -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from search events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		runSpans:   make(map[string]trace.Span),
		runCtxs:    make(map[string]context.Context),
		expansions: make(map[string]trace.Span),
	}
}

// Handle processes a search event and creates or ends spans accordingly.
// It implements search.EventHandler semantics.
func (h *TracingHandler) Handle(e search.Event) {
	if e.RunID == "" {
		return
	}
	ctx := h.runContext(e)

	switch e.Kind {
	case search.EventNodeStatus:
		switch e.Status {
		case search.StatusExpanding:
			h.startExpansion(ctx, e)
		case search.StatusPruned, search.StatusTimedOut:
			h.addNodeEvent(e, "node."+string(e.Status))
		}
	case search.EventExpansionCompleted:
		h.endExpansion(e)
	case search.EventNodeRemoved:
		h.addNodeEvent(e, "node.discarded")
	case search.EventNodeParentSwitched:
		h.addNodeEvent(e, "node.reopened")
	case search.EventGoalRemoved, search.EventSolutionFound:
		h.addRunEvent(e)
	case search.EventSearchTerminated:
		h.endRun(e)
	}
}

// runContext returns the context of the run span, starting the span on the
// first event of a run. The span start is back-dated to the run start.
func (h *TracingHandler) runContext(e search.Event) context.Context {
	h.mu.RLock()
	ctx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if ok {
		return ctx
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx, ok := h.runCtxs[e.RunID]; ok {
		return ctx
	}
	ctx, span := h.tracer.Start(context.Background(), "search:"+e.RunID,
		trace.WithAttributes(attribute.String("bestfirst.run_id", e.RunID)),
		trace.WithTimestamp(e.Time.Add(-e.Elapsed)),
	)
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	return ctx
}

func (h *TracingHandler) startExpansion(parent context.Context, e search.Event) {
	_, span := h.tracer.Start(parent, "expand:"+e.Head,
		trace.WithAttributes(
			attribute.String("bestfirst.run_id", e.RunID),
			attribute.Int("bestfirst.node_id", int(e.NodeID)),
			attribute.String("bestfirst.node", e.Head),
		),
		trace.WithTimestamp(e.Time),
	)

	key := spanKey(e.RunID, e.NodeID)
	h.mu.Lock()
	// A reopened node is expanded again; the old span has already ended.
	h.expansions[key] = span
	h.mu.Unlock()
}

func (h *TracingHandler) endExpansion(e search.Event) {
	key := spanKey(e.RunID, e.NodeID)
	h.mu.Lock()
	span, ok := h.expansions[key]
	delete(h.expansions, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	if n, ok := intPayload(e.Payload, "successors"); ok {
		span.SetAttributes(attribute.Int("bestfirst.successors", n))
	}
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// addNodeEvent records e on the expansion span of the node's parent, or on
// the run span for roots.
func (h *TracingHandler) addNodeEvent(e search.Event, name string) {
	h.mu.RLock()
	span, ok := h.expansions[spanKey(e.RunID, e.ParentID)]
	if !ok {
		span, ok = h.runSpans[e.RunID]
	}
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("bestfirst.node_id", int(e.NodeID)),
		attribute.String("bestfirst.node", e.Head),
	}
	if msg, ok := e.Payload["error"].(string); ok {
		attrs = append(attrs, attribute.String("bestfirst.error", msg))
	}
	span.AddEvent(name, trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) addRunEvent(e search.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("bestfirst.node_id", int(e.NodeID)),
		attribute.String("bestfirst.node", e.Head),
	}
	if score, ok := e.Payload["score"]; ok {
		attrs = append(attrs, attribute.String("bestfirst.score", fmt.Sprint(score)))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// endRun ends the run span and every expansion span the run left open.
func (h *TracingHandler) endRun(e search.Event) {
	prefix := e.RunID + ":"

	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)
	var orphans []trace.Span
	for key, s := range h.expansions {
		if strings.HasPrefix(key, prefix) {
			orphans = append(orphans, s)
			delete(h.expansions, key)
		}
	}
	h.mu.Unlock()

	for _, s := range orphans {
		s.SetStatus(codes.Error, "search terminated during expansion")
		s.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	reason, _ := e.Payload["reason"].(string)
	attrs := []attribute.KeyValue{
		attribute.String("bestfirst.reason", reason),
		attribute.String("bestfirst.duration", e.Elapsed.Round(time.Microsecond).String()),
	}
	for _, key := range []string{"created", "expanded", "solutions"} {
		if n, ok := intPayload(e.Payload, key); ok {
			attrs = append(attrs, attribute.Int("bestfirst."+key, n))
		}
	}
	span.SetAttributes(attrs...)

	switch reason {
	case "exhausted", "closed":
		span.SetStatus(codes.Ok, "")
	default:
		msg, _ := e.Payload["error"].(string)
		if msg == "" {
			msg = "search " + reason
		}
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the running expansion of node.
// Returns an empty SpanContext if the node is not being expanded.
func (h *TracingHandler) ActiveSpanContext(runID string, node search.NodeID) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.expansions[spanKey(runID, node)]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func spanKey(runID string, node search.NodeID) string {
	return fmt.Sprintf("%s:%d", runID, node)
}

// intPayload reads an integer payload value. Values that went through JSON
// come back as float64.
func intPayload(p map[string]any, key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// floatPayload reads a numeric payload value.
func floatPayload(p map[string]any, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

type spanError string

func (e spanError) Error() string { return string(e) }
