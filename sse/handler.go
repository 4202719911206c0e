// Package sse streams search events to HTTP clients as Server-Sent Events.
// Stored events are replayed first, live events from the event bus follow.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/bestfirst/bus"
	"github.com/petal-labs/bestfirst/search"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// wireEvent is the JSON representation of a search event on the stream.
type wireEvent struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	NodeID    *int           `json:"node_id,omitempty"`
	ParentID  *int           `json:"parent_id,omitempty"`
	Head      string         `json:"head,omitempty"`
	Status    string         `json:"status,omitempty"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func nodeRef(id search.NodeID) *int {
	if id == search.NoNode {
		return nil
	}
	v := int(id)
	return &v
}

func toWireEvent(e search.Event) wireEvent {
	return wireEvent{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		NodeID:    nodeRef(e.NodeID),
		ParentID:  nodeRef(e.ParentID),
		Head:      e.Head,
		Status:    string(e.Status),
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   bus.EncodablePayload(e.Payload),
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// SSEHandler serves an SSE stream of the events of one search run.
// It first replays stored events from the EventStore, then subscribes to live
// events via the EventBus. Events already sent (by sequence number) are skipped.
//
// The handler expects a "run_id" path value and an optional "after" query
// parameter holding the last sequence number the client has seen.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent periodically.
// The stream closes after a "search.terminated" event or when the client disconnects.
type SSEHandler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewSSEHandler creates a new SSEHandler with the given EventStore and EventBus.
func NewSSEHandler(store bus.EventStore, eb bus.EventBus) *SSEHandler {
	return &SSEHandler{
		store:     store,
		bus:       eb,
		heartbeat: HeartbeatInterval,
	}
}

// WithHeartbeat returns a copy of the handler that pings every d.
func (h *SSEHandler) WithHeartbeat(d time.Duration) *SSEHandler {
	out := *h
	if d > 0 {
		out.heartbeat = d
	}
	return &out
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so that nothing published in between is lost.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	lastSeq := afterSeq
	finished, err := h.replayStored(ctx, w, flusher, runID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	h.streamLive(ctx, w, flusher, sub, &lastSeq)
}

// replayStored writes the stored events after afterSeq. It reports whether
// the terminal event was among them.
func (h *SSEHandler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	runID string,
	afterSeq uint64,
	lastSeq *uint64,
) (finished bool, err error) {
	if h.store == nil {
		return false, nil
	}
	events, err := h.store.List(ctx, runID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err := writeSSEEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()

		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}

		if evt.Kind == search.EventSearchTerminated {
			return true, nil
		}
	}

	return false, nil
}

func (h *SSEHandler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}

			if evt.Seq <= *lastSeq {
				continue
			}

			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

			*lastSeq = evt.Seq

			if evt.Kind == search.EventSearchTerminated {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt search.Event) error {
	wire := toWireEvent(evt)
	data, err := json.Marshal(wire)
	if err != nil {
		// Keep the stream alive; the event is still delivered without payload.
		wire.Payload = map[string]any{"error": "payload cannot be encoded: " + err.Error()}
		if data, err = json.Marshal(wire); err != nil {
			return err
		}
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}

// RunsHandler lists the run IDs known to the store as a JSON array.
func RunsHandler(store bus.EventStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids, err := store.RunIDs(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"runs": ids})
	})
}

// Routes registers the event stream and the run listing on mux.
func Routes(mux *http.ServeMux, store bus.EventStore, eb bus.EventBus) {
	mux.Handle("GET /runs/{run_id}/events", NewSSEHandler(store, eb))
	mux.Handle("GET /runs", RunsHandler(store))
}
