package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/bestfirst/bus"
	"github.com/petal-labs/bestfirst/problems"
	"github.com/petal-labs/bestfirst/search"
	"github.com/petal-labs/bestfirst/sse"
)

// testEvent creates a node event with the given sequence number and kind.
func testEvent(runID string, seq uint64, kind search.EventKind) search.Event {
	return search.Event{
		Kind:     kind,
		RunID:    runID,
		NodeID:   search.NodeID(seq),
		ParentID: search.NoNode,
		Head:     "n",
		Time:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Elapsed:  time.Duration(seq) * time.Millisecond,
		Payload:  map[string]any{"seq_val": float64(seq)},
		Seq:      seq,
	}
}

// sseMessage represents a parsed SSE message from the stream.
type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// parseSSEMessages reads SSE messages from the response body string.
func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.ID != "" || current.Event != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ": "):
			// heartbeat
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}

	return msgs
}

func messageIDs(msgs []sseMessage) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// setupTestServer creates a test mux with the SSE routes registered.
func setupTestServer(store bus.EventStore, eb bus.EventBus) *httptest.Server {
	mux := http.NewServeMux()
	sse.Routes(mux, store, eb)
	return httptest.NewServer(mux)
}

type result struct {
	body string
	err  error
}

// stream opens the event stream in the background and waits until the
// handler is subscribed to the bus.
func stream(t *testing.T, ts *httptest.Server, eb *bus.MemBus, runID, query string) <-chan result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/runs/"+runID+"/events"+query, nil)
	if err != nil {
		t.Fatal(err)
	}

	out := make(chan result, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			out <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		out <- result{body: string(body)}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for eb.Subscribers(runID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return out
}

func await(t *testing.T, ch <-chan result) string {
	t.Helper()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatal(res.err)
		}
		return res.body
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream to close")
		return ""
	}
}

func TestSSEHandler_ReplayFromStore(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-replay"
	ctx := context.Background()
	for i, kind := range []search.EventKind{
		search.EventNodeCreated,
		search.EventNodeLabeled,
		search.EventSearchInitialized,
		search.EventSearchTerminated,
	} {
		if err := store.Append(ctx, testEvent(runID, uint64(i+1), kind)); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/" + runID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type text/event-stream, got %s", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	msgs := parseSSEMessages(string(body))
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %s", len(msgs), body)
	}
	if msgs[0].ID != "1" || msgs[0].Event != "node.created" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[3].ID != "4" || msgs[3].Event != "search.terminated" {
		t.Errorf("last message = %+v", msgs[3])
	}
}

func TestSSEHandler_LiveSubscription(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-live"
	ts := setupTestServer(store, eb)
	defer ts.Close()

	ch := stream(t, ts, eb, runID, "")
	eb.Publish(testEvent(runID, 1, search.EventNodeCreated))
	eb.Publish(testEvent(runID, 2, search.EventNodeLabeled))
	eb.Publish(testEvent(runID, 3, search.EventSearchTerminated))
	// Published after the terminal event; never delivered.
	eb.Publish(testEvent(runID, 4, search.EventNodeCreated))

	msgs := parseSSEMessages(await(t, ch))
	if got := strings.Join(messageIDs(msgs), ","); got != "1,2,3" {
		t.Fatalf("ids = %s, want 1,2,3", got)
	}
	if msgs[2].Event != "search.terminated" {
		t.Errorf("expected search.terminated, got %s", msgs[2].Event)
	}
}

func TestSSEHandler_AfterCursor(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-cursor"
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		kind := search.EventNodeStatus
		if i == 5 {
			kind = search.EventSearchTerminated
		}
		if err := store.Append(ctx, testEvent(runID, i, kind)); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/" + runID + "/events?after=3")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	msgs := parseSSEMessages(string(body))
	if got := strings.Join(messageIDs(msgs), ","); got != "4,5" {
		t.Fatalf("ids = %s, want 4,5", got)
	}
}

func TestSSEHandler_ReplayThenLiveDedup(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		stored []uint64
		live   []uint64
		want   string
	}{
		{name: "overlap", stored: []uint64{1, 2, 3}, live: []uint64{2, 3, 4, 5}, want: "1,2,3,4,5"},
		{name: "after cursor", query: "?after=2", stored: []uint64{1, 2, 3}, live: []uint64{3, 4, 5}, want: "3,4,5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := bus.NewMemEventStore()
			eb := bus.NewMemBus(bus.MemBusConfig{})
			defer eb.Close()

			runID := "run-dedup"
			for _, seq := range tt.stored {
				if err := store.Append(context.Background(), testEvent(runID, seq, search.EventNodeCreated)); err != nil {
					t.Fatal(err)
				}
			}

			ts := setupTestServer(store, eb)
			defer ts.Close()

			ch := stream(t, ts, eb, runID, tt.query)
			for i, seq := range tt.live {
				kind := search.EventNodeCreated
				if i == len(tt.live)-1 {
					kind = search.EventSearchTerminated
				}
				eb.Publish(testEvent(runID, seq, kind))
			}

			msgs := parseSSEMessages(await(t, ch))
			if got := strings.Join(messageIDs(msgs), ","); got != tt.want {
				t.Fatalf("ids = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSSEHandler_HeartbeatSent(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-heartbeat"
	mux := http.NewServeMux()
	mux.Handle("GET /runs/{run_id}/events", sse.NewSSEHandler(store, eb).WithHeartbeat(20*time.Millisecond))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ch := stream(t, ts, eb, runID, "")
	time.Sleep(100 * time.Millisecond)
	eb.Publish(testEvent(runID, 1, search.EventSearchTerminated))

	raw := await(t, ch)
	if !strings.Contains(raw, ": ping\n\n") {
		t.Errorf("expected heartbeat ': ping' in body, got: %s", raw)
	}
	msgs := parseSSEMessages(raw)
	if len(msgs) != 1 || msgs[0].Event != "search.terminated" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSSEHandler_ClientDisconnectUnsubscribes(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-disconnect"
	ts := setupTestServer(store, eb)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/runs/"+runID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for eb.Subscribers(runID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	resp.Body.Close()

	deadline = time.Now().Add(2 * time.Second)
	for eb.Subscribers(runID) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler kept its subscription after the client left")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEHandler_BadRequests(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	w := httptest.NewRecorder()
	sse.NewSSEHandler(store, eb).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing run_id: expected 400, got %d", w.Code)
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/runs/run-1/events?after=notanumber")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid after: expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandler_SSEFormat(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-format"
	ctx := context.Background()

	evt := search.Event{
		Kind:     search.EventNodeStatus,
		RunID:    runID,
		NodeID:   7,
		ParentID: 2,
		Head:     "2/3",
		Status:   search.StatusOpen,
		Time:     time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		Elapsed:  1500 * time.Millisecond,
		Payload:  map[string]any{"score": 1.5},
		Seq:      42,
		TraceID:  "abc123",
		SpanID:   "def456",
	}
	if err := store.Append(ctx, evt); err != nil {
		t.Fatal(err)
	}
	terminated := search.NewEvent(search.EventSearchTerminated, runID)
	terminated.Seq = 43
	if err := store.Append(ctx, terminated); err != nil {
		t.Fatal(err)
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/" + runID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	raw := string(body)

	if !strings.Contains(raw, "id: 42\nevent: node.status\ndata: {") {
		t.Errorf("unexpected framing: %s", raw)
	}

	msgs := parseSSEMessages(raw)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(msgs[0].Data), &data); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	want := map[string]any{
		"kind":       "node.status",
		"run_id":     runID,
		"node_id":    float64(7),
		"parent_id":  float64(2),
		"head":       "2/3",
		"status":     "open",
		"elapsed_ms": float64(1500),
		"seq":        float64(42),
		"trace_id":   "abc123",
		"span_id":    "def456",
	}
	for k, v := range want {
		if data[k] != v {
			t.Errorf("%s = %v, want %v", k, data[k], v)
		}
	}
	if payload, ok := data["payload"].(map[string]any); !ok || payload["score"] != 1.5 {
		t.Errorf("payload = %v", data["payload"])
	}

	var run map[string]any
	if err := json.Unmarshal([]byte(msgs[1].Data), &run); err != nil {
		t.Fatal(err)
	}
	if _, ok := run["node_id"]; ok {
		t.Error("run-level event carries a node_id")
	}
}

func TestSSEHandler_NonFiniteAndUnencodablePayloads(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	runID := "run-inf"
	ctx := context.Background()

	inf := testEvent(runID, 1, search.EventNodeLabeled)
	inf.Payload = map[string]any{"score": math.Inf(1), "fallback": true}
	bad := testEvent(runID, 2, search.EventNodeAnnotated)
	bad.Payload = map[string]any{"hook": func() {}}
	terminated := search.NewEvent(search.EventSearchTerminated, runID)
	terminated.Seq = 3
	for _, ev := range []search.Event{inf, bad, terminated} {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/" + runID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	msgs := parseSSEMessages(string(body))
	if got := messageIDs(msgs); strings.Join(got, ",") != "1,2,3" {
		t.Fatalf("ids = %v, want the stream to survive every payload", got)
	}

	var data struct {
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal([]byte(msgs[0].Data), &data); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if data.Payload["score"] != "+Inf" || data.Payload["fallback"] != true {
		t.Errorf("payload = %v, want score +Inf", data.Payload)
	}

	data.Payload = nil
	if err := json.Unmarshal([]byte(msgs[1].Data), &data); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if msg, _ := data.Payload["error"].(string); !strings.HasPrefix(msg, "payload cannot be encoded") {
		t.Errorf("payload = %v, want an encoding error", data.Payload)
	}
}

func TestSSEHandler_StreamsARealSearch(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: 1024})
	defer eb.Close()

	ts := setupTestServer(store, eb)
	defer ts.Close()

	opts := search.DefaultOptions[problems.TreeNode, int, float64]()
	opts.RunID = "run-search"
	opts.EventBus = eb
	opts.Workers = 2
	e, err := search.New(problems.TreeProblem(problems.BalancedTree{Branching: 2, Depth: 3}, problems.DepthScore()), opts)
	if err != nil {
		t.Fatal(err)
	}

	ch := stream(t, ts, eb, opts.RunID, "")
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	msgs := parseSSEMessages(await(t, ch))
	if len(msgs) == 0 || msgs[len(msgs)-1].Event != "search.terminated" {
		t.Fatalf("stream did not end with search.terminated: %+v", msgs)
	}
	solutions := 0
	var last uint64
	for i, m := range msgs {
		if m.Event == "solution.found" {
			solutions++
		}
		seq, err := strconv.ParseUint(m.ID, 10, 64)
		if err != nil {
			t.Fatalf("message %d has id %q", i, m.ID)
		}
		if seq <= last {
			t.Fatalf("ids not increasing at %d: %d after %d", i, seq, last)
		}
		last = seq
	}
	if solutions != 8 {
		t.Errorf("solution.found messages = %d, want 8", solutions)
	}
}

func TestRunsHandler(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		if err := store.Append(ctx, testEvent(id, 1, search.EventNodeCreated)); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Runs []string `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if strings.Join(out.Runs, ",") != "a,b" {
		t.Fatalf("runs = %v, want [a b]", out.Runs)
	}
}
