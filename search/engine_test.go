package search_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/petal-labs/bestfirst/core"
	"github.com/petal-labs/bestfirst/problems"
	"github.com/petal-labs/bestfirst/search"
)

// recorder collects every event the engine emits.
type recorder struct {
	mu     sync.Mutex
	events []search.Event
}

func (r *recorder) handle(e search.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []search.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]search.Event(nil), r.events...)
}

func (r *recorder) count(kind search.EventKind) int {
	n := 0
	for _, e := range r.all() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func treeOptions(workers int, rec *recorder) search.Options[problems.TreeNode, int, float64] {
	opts := search.DefaultOptions[problems.TreeNode, int, float64]()
	opts.Workers = workers
	opts.RunID = "test-run"
	if rec != nil {
		opts.EventHandler = rec.handle
	}
	return opts
}

func newTreeEngine(t *testing.T, tree problems.BalancedTree, eval core.Evaluator[problems.TreeNode, int, float64], opts search.Options[problems.TreeNode, int, float64]) *search.Engine[problems.TreeNode, int, float64] {
	t.Helper()
	e, err := search.New(problems.TreeProblem(tree, eval), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// stepAll drives the engine to its end and returns the events Step returned.
func stepAll(t *testing.T, e interface {
	Step(context.Context) (search.Event, error)
}) ([]search.Event, error) {
	t.Helper()
	var out []search.Event
	for i := 0; i < 100000; i++ {
		ev, err := e.Step(context.Background())
		if ev.Kind != "" {
			out = append(out, ev)
		}
		if ev.Kind == search.EventSearchTerminated || err != nil {
			return out, err
		}
	}
	t.Fatal("search did not terminate")
	return nil, nil
}

func kinds(events []search.Event) []search.EventKind {
	out := make([]search.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestEngine_BinaryTreeScenario(t *testing.T) {
	for _, workers := range []int{0, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			rec := &recorder{}
			tree := problems.BalancedTree{Branching: 2, Depth: 3}
			e := newTreeEngine(t, tree, problems.DepthScore(), treeOptions(workers, rec))

			returned, err := stepAll(t, e)
			if err != nil {
				t.Fatalf("Step() error = %v", err)
			}

			if got := rec.count(search.EventSolutionFound); got != 8 {
				t.Fatalf("solution.found events = %d, want 8", got)
			}
			if got := rec.count(search.EventExpansionCompleted); got != 7 {
				t.Fatalf("expansion.completed events = %d, want 7", got)
			}
			if got := rec.count(search.EventNodeCreated); got != tree.Size() {
				t.Fatalf("node.created events = %d, want %d", got, tree.Size())
			}
			for _, ev := range rec.all() {
				if (ev.Kind == search.EventExpansionSubmitted || ev.Kind == search.EventGoalRemoved) && len(ev.Head) > 0 && ev.Head[0] == '3' {
					t.Fatalf("leaf %s was selected for expansion", ev.Head)
				}
			}

			var solutions, submitted int
			for _, ev := range returned {
				switch ev.Kind {
				case search.EventSolutionFound:
					solutions++
				case search.EventExpansionSubmitted:
					submitted++
				}
			}
			if solutions != 8 || submitted != 7 {
				t.Fatalf("Step() returned %d solutions and %d expansions, want 8 and 7", solutions, submitted)
			}
			if returned[0].Kind != search.EventSearchInitialized {
				t.Fatalf("first event = %s, want %s", returned[0].Kind, search.EventSearchInitialized)
			}

			st := e.Stats()
			if st.State != search.StateTerminated || st.Expanded != 7 || st.Closed != 7 || st.ActiveJobs != 0 {
				t.Fatalf("Stats() = %+v", st)
			}
			if _, err := e.Step(context.Background()); !errors.Is(err, search.ErrTerminated) {
				t.Fatalf("Step() after termination error = %v, want ErrTerminated", err)
			}
		})
	}
}

func TestEngine_StepSequenceInline(t *testing.T) {
	tree := problems.BalancedTree{Branching: 2, Depth: 2}
	e := newTreeEngine(t, tree, problems.DepthScore(), treeOptions(0, nil))

	returned, err := stepAll(t, e)
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}

	want := []search.EventKind{
		search.EventSearchInitialized,
		search.EventExpansionSubmitted,
		search.EventExpansionSubmitted,
		search.EventSolutionFound,
		search.EventSolutionFound,
		search.EventExpansionSubmitted,
		search.EventSolutionFound,
		search.EventSolutionFound,
		search.EventSearchTerminated,
	}
	if diff := cmp.Diff(want, kinds(returned)); diff != "" {
		t.Fatalf("Step() kinds mismatch (-want +got):\n%s", diff)
	}

	var heads []string
	for _, sol := range e.Solutions() {
		heads = append(heads, sol.Path.Head().String())
	}
	if diff := cmp.Diff([]string{"2/0", "2/1", "2/2", "2/3"}, heads); diff != "" {
		t.Fatalf("solution heads mismatch (-want +got):\n%s", diff)
	}

	var last uint64
	for _, ev := range returned {
		if ev.Seq <= last {
			t.Fatalf("returned events not in sequence order: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
		if ev.RunID != "test-run" {
			t.Fatalf("event RunID = %q, want test-run", ev.RunID)
		}
	}
}

func TestEngine_NoDuplicateHeadsOnOpen(t *testing.T) {
	policies := []search.ParentDiscarding{search.DiscardNone, search.DiscardOpen, search.DiscardAll}
	for _, policy := range policies {
		for _, workers := range []int{0, 4} {
			t.Run(fmt.Sprintf("%s/workers=%d", policy, workers), func(t *testing.T) {
				g := problems.Lattice(5, 3)
				opts := search.DefaultOptions[problems.Cell, float64, float64]()
				opts.ParentDiscarding = policy
				opts.Workers = workers
				e, err := search.New(g.Problem(g.CostEvaluator()), opts)
				if err != nil {
					t.Fatalf("New() error = %v", err)
				}
				defer e.Close()

				for {
					ev, err := e.Step(context.Background())
					if err != nil {
						t.Fatalf("Step() error = %v", err)
					}
					if policy != search.DiscardNone {
						seen := make(map[problems.Cell]bool)
						for _, n := range e.Open() {
							if seen[n.Head] {
								t.Fatalf("head %v on OPEN twice under %s", n.Head, policy)
							}
							seen[n.Head] = true
						}
					}
					if ev.Kind == search.EventSearchTerminated {
						break
					}
				}

				st := e.Stats()
				if policy == search.DiscardNone && st.Duplicates == 0 {
					t.Fatal("expected duplicate paths under parent discarding none")
				}
				if policy != search.DiscardNone && st.Discarded == 0 {
					t.Fatalf("expected discarded paths under %s, stats = %+v", policy, st)
				}
				if len(e.Solutions()) == 0 {
					t.Fatal("no solutions found")
				}
			})
		}
	}
}

// reopenGraph is a graph in which the cheaper path to C is found only after
// C was expanded, because the heuristic of B is misleading.
func reopenGraph() *problems.Graph[string] {
	return problems.NewGraph("S").
		Edge("S", "A", 1).
		Edge("S", "B", 1).
		Edge("A", "C", 3).
		Edge("B", "C", 1).
		Edge("C", "G", 1).
		Heuristic("B", 5).
		Goal("G")
}

func TestEngine_ParentDiscardingClosedNodes(t *testing.T) {
	tests := []struct {
		policy        search.ParentDiscarding
		wantSolutions int
		wantBest      float64
		wantReopened  int64
		wantPathToC   []string
	}{
		{policy: search.DiscardNone, wantSolutions: 2, wantBest: 3, wantReopened: 0, wantPathToC: []string{"S", "A", "C"}},
		{policy: search.DiscardOpen, wantSolutions: 1, wantBest: 5, wantReopened: 0, wantPathToC: []string{"S", "A", "C"}},
		{policy: search.DiscardAll, wantSolutions: 2, wantBest: 3, wantReopened: 1, wantPathToC: []string{"S", "B", "C"}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			g := reopenGraph()
			rec := &recorder{}
			opts := search.DefaultOptions[string, float64, float64]()
			opts.ParentDiscarding = tt.policy
			opts.EventHandler = rec.handle
			e, err := search.New(g.Problem(g.CostEvaluator()), opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer e.Close()

			best, err := e.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if best.Score != tt.wantBest {
				t.Fatalf("best score = %v, want %v", best.Score, tt.wantBest)
			}
			if got := len(e.Solutions()); got != tt.wantSolutions {
				t.Fatalf("solutions = %d, want %d", got, tt.wantSolutions)
			}
			if got := e.Stats().Reopened; got != tt.wantReopened {
				t.Fatalf("reopened = %d, want %d", got, tt.wantReopened)
			}
			if got := rec.count(search.EventNodeParentSwitched); int64(got) != tt.wantReopened {
				t.Fatalf("parent_switched events = %d, want %d", got, tt.wantReopened)
			}
			path, ok := e.PathTo("C")
			if !ok {
				t.Fatal("PathTo(C) not found")
			}
			if diff := cmp.Diff(tt.wantPathToC, path.Nodes()); diff != "" {
				t.Fatalf("PathTo(C) mismatch (-want +got):\n%s", diff)
			}

			assertMonotonicClosing(t, rec.all(), tt.policy)
		})
	}
}

// gate is a channel that is closed once.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("gate never opened")
	}
}

func TestEngine_ParentDiscardingDuringPooledExpansion(t *testing.T) {
	tests := []struct {
		policy       search.ParentDiscarding
		wantBest     float64
		wantBestPath []string
		wantPathToC  []string
		wantReopened int64
	}{
		{policy: search.DiscardOpen, wantBest: 5, wantBestPath: []string{"S", "A", "C", "G"}, wantPathToC: []string{"S", "A", "C"}},
		{policy: search.DiscardAll, wantBest: 3, wantBestPath: []string{"S", "B", "C", "G"}, wantPathToC: []string{"S", "B", "C"}, wantReopened: 1},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			defer goleak.VerifyNone(t)

			// B is labeled only once C is being expanded, and G below A-C
			// only once the path S-B-C has been resolved against the
			// expanding C. So the cheaper path arrives mid-expansion.
			cExpanding, cResolved := newGate(), newGate()
			rec := &recorder{}
			g := reopenGraph()
			cost := g.CostEvaluator()
			eval := cost
			eval.Eval = func(ctx context.Context, p core.Path[string, float64]) (float64, error) {
				switch {
				case p.Head() == "B":
					if err := cExpanding.wait(ctx); err != nil {
						return 0, err
					}
				case p.Head() == "G" && p.Contains("A"):
					if err := cResolved.wait(ctx); err != nil {
						return 0, err
					}
				}
				return cost.Eval(ctx, p)
			}

			opts := search.DefaultOptions[string, float64, float64]()
			opts.ParentDiscarding = tt.policy
			opts.Workers = 4
			opts.EventHandler = func(ev search.Event) {
				rec.handle(ev)
				if ev.Head != "C" {
					return
				}
				switch {
				case ev.Kind == search.EventNodeStatus && ev.Status == search.StatusExpanding:
					cExpanding.open()
				case ev.Kind == search.EventNodeRemoved:
					cResolved.open()
				}
			}
			e, err := search.New(g.Problem(eval), opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer e.Close()

			best, err := e.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if best.Score != tt.wantBest {
				t.Fatalf("best score = %v, want %v", best.Score, tt.wantBest)
			}
			if diff := cmp.Diff(tt.wantBestPath, best.Path.Nodes()); diff != "" {
				t.Fatalf("best path mismatch (-want +got):\n%s", diff)
			}
			path, ok := e.PathTo("C")
			if !ok {
				t.Fatal("PathTo(C) not found")
			}
			if diff := cmp.Diff(tt.wantPathToC, path.Nodes()); diff != "" {
				t.Fatalf("PathTo(C) mismatch (-want +got):\n%s", diff)
			}
			if got := e.Stats().Reopened; got != tt.wantReopened {
				t.Fatalf("reopened = %d, want %d", got, tt.wantReopened)
			}
			if got := rec.count(search.EventNodeParentSwitched); int64(got) != tt.wantReopened {
				t.Fatalf("parent_switched events = %d, want %d", got, tt.wantReopened)
			}
			if got := e.Stats().ActiveJobs; got != 0 {
				t.Fatalf("active jobs after termination = %d, want 0", got)
			}
			assertMonotonicClosing(t, rec.all(), tt.policy)
		})
	}
}

// assertMonotonicClosing checks that a closed node only returns to OPEN
// through a parent switch, and only under DiscardAll.
func assertMonotonicClosing(t *testing.T, events []search.Event, policy search.ParentDiscarding) {
	t.Helper()
	closed := make(map[search.NodeID]bool)
	switched := make(map[search.NodeID]bool)
	for _, ev := range events {
		switch {
		case ev.Kind == search.EventNodeParentSwitched:
			if policy != search.DiscardAll {
				t.Fatalf("parent switch of node %d under %s", ev.NodeID, policy)
			}
			switched[ev.NodeID] = true
		case ev.Kind == search.EventNodeStatus && ev.Status == search.StatusClosed:
			closed[ev.NodeID] = true
			switched[ev.NodeID] = false
		case ev.Kind == search.EventNodeStatus && ev.Status == search.StatusOpen:
			if closed[ev.NodeID] && !switched[ev.NodeID] {
				t.Fatalf("closed node %d (%s) returned to OPEN without a parent switch", ev.NodeID, ev.Head)
			}
		}
	}
}

func TestEngine_BackpressureFindsAllSolutions(t *testing.T) {
	rec := &recorder{}
	tree := problems.BalancedTree{Branching: 3, Depth: 4}
	eval := problems.Sleeping(problems.DepthScore(), 0, 3*time.Millisecond)
	e := newTreeEngine(t, tree, eval, treeOptions(4, rec))

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := len(e.Solutions()); got != tree.Leaves() {
		t.Fatalf("solutions = %d, want %d", got, tree.Leaves())
	}
	inner := tree.Size() - tree.Leaves()
	if got := e.Stats().Expanded; got != int64(inner) {
		t.Fatalf("expanded = %d, want %d", got, inner)
	}
	if got := rec.count(search.EventExpansionCompleted); got != inner {
		t.Fatalf("expansion.completed events = %d, want %d", got, inner)
	}
	if got := e.Stats().ActiveJobs; got != 0 {
		t.Fatalf("active jobs after termination = %d, want 0", got)
	}
}

func TestEngine_ExpansionCompletedAfterAllSuccessorsLabeled(t *testing.T) {
	rec := &recorder{}
	tree := problems.BalancedTree{Branching: 4, Depth: 3}
	eval := problems.Sleeping(problems.DepthScore(), 0, 5*time.Millisecond)
	e := newTreeEngine(t, tree, eval, treeOptions(3, rec))

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	events := rec.all()
	completedAt := make(map[search.NodeID]uint64)
	for _, ev := range events {
		if ev.Kind == search.EventExpansionCompleted {
			completedAt[ev.NodeID] = ev.Seq
		}
	}
	labeled := make(map[search.NodeID]int)
	for _, ev := range events {
		if ev.Kind != search.EventNodeLabeled || ev.ParentID == search.NoNode {
			continue
		}
		done, ok := completedAt[ev.ParentID]
		if !ok {
			t.Fatalf("parent %d of labeled node %d never completed its expansion", ev.ParentID, ev.NodeID)
		}
		if ev.Seq > done {
			t.Fatalf("node %d labeled (seq %d) after expansion of %d completed (seq %d)", ev.NodeID, ev.Seq, ev.ParentID, done)
		}
		labeled[ev.ParentID]++
	}
	for parent, n := range labeled {
		if n != tree.Branching {
			t.Fatalf("parent %d has %d labeled successors, want %d", parent, n, tree.Branching)
		}
	}
}

// slowOddEvaluator blocks on depth-1 nodes with an odd index until the
// context is done.
func slowOddEvaluator() core.Evaluator[problems.TreeNode, int, float64] {
	return core.Evaluator[problems.TreeNode, int, float64]{
		Name: "slow-odd",
		Eval: func(ctx context.Context, p core.Path[problems.TreeNode, int]) (float64, error) {
			if h := p.Head(); h.Depth == 1 && h.Index%2 == 1 {
				<-ctx.Done()
				return 0, ctx.Err()
			}
			return float64(p.Depth()), nil
		},
	}
}

func TestEngine_NodeTimeout(t *testing.T) {
	slow := problems.TreeNode{Depth: 1, Index: 1}
	tests := []struct {
		name          string
		fallback      core.EvalFunc[problems.TreeNode, int, float64]
		wantSolutions int
		wantStatus    search.NodeStatus
	}{
		{
			name:          "without fallback the node is dropped",
			wantSolutions: 2,
			wantStatus:    search.StatusTimedOut,
		},
		{
			name: "fallback score keeps the node",
			fallback: func(context.Context, core.Path[problems.TreeNode, int]) (float64, error) {
				return 100, nil
			},
			wantSolutions: 4,
			wantStatus:    search.StatusClosed,
		},
		{
			name: "failing fallback prunes the node",
			fallback: func(context.Context, core.Path[problems.TreeNode, int]) (float64, error) {
				return 0, core.ErrPrune
			},
			wantSolutions: 2,
			wantStatus:    search.StatusPruned,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := treeOptions(0, nil)
			opts.NodeTimeout = 20 * time.Millisecond
			opts.TimeoutEvaluator = tt.fallback
			e := newTreeEngine(t, problems.BalancedTree{Branching: 2, Depth: 2}, slowOddEvaluator(), opts)

			if _, err := e.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := len(e.Solutions()); got != tt.wantSolutions {
				t.Fatalf("solutions = %d, want %d", got, tt.wantSolutions)
			}
			if got := e.Stats().TimedOut; got != 1 {
				t.Fatalf("timed out = %d, want 1", got)
			}
			status, _ := e.Status(slow)
			if status != tt.wantStatus {
				t.Fatalf("Status(%v) = %s, want %s", slow, status, tt.wantStatus)
			}
			ann, _ := e.Annotations(slow)
			if ann[core.AnnotationError] != "timeout" {
				t.Fatalf("f_error = %v, want timeout", ann[core.AnnotationError])
			}
		})
	}
}

func TestEngine_PrunedAndFailedNodes(t *testing.T) {
	boom := errors.New("boom")
	eval := core.Evaluator[problems.TreeNode, int, float64]{
		Name: "picky",
		Eval: func(_ context.Context, p core.Path[problems.TreeNode, int]) (float64, error) {
			switch p.Head() {
			case problems.TreeNode{Depth: 1, Index: 0}:
				return 0, core.ErrPrune
			case problems.TreeNode{Depth: 2, Index: 3}:
				return 0, boom
			case problems.TreeNode{Depth: 2, Index: 2}:
				panic("evaluator bug")
			}
			return float64(p.Depth()), nil
		},
	}
	rec := &recorder{}
	e := newTreeEngine(t, problems.BalancedTree{Branching: 2, Depth: 2}, eval, treeOptions(2, rec))

	_, err := e.Run(context.Background())
	if !errors.Is(err, search.ErrNoSolution) {
		t.Fatalf("Run() error = %v, want ErrNoSolution", err)
	}
	if got := e.Stats().Pruned; got != 3 {
		t.Fatalf("pruned = %d, want 3", got)
	}
	ann, _ := e.Annotations(problems.TreeNode{Depth: 2, Index: 3})
	if ann[core.AnnotationError] != "boom" {
		t.Fatalf("f_error = %v, want boom", ann[core.AnnotationError])
	}
	if st, _ := e.Status(problems.TreeNode{Depth: 1, Index: 0}); st != search.StatusPruned {
		t.Fatalf("Status(1/0) = %s, want pruned", st)
	}
	if _, ok := e.Status(problems.TreeNode{Depth: 2, Index: 0}); ok {
		t.Fatal("children of a pruned node were generated")
	}
}

func TestEngine_RootFailures(t *testing.T) {
	tests := []struct {
		name string
		eval core.Evaluator[problems.TreeNode, int, float64]
		want error
	}{
		{
			name: "pruned root",
			eval: core.EvaluatorFunc(func(context.Context, core.Path[problems.TreeNode, int]) (float64, error) {
				return 0, core.ErrPrune
			}),
			want: core.ErrRootNotLabeled,
		},
		{
			name: "missing uncertainty annotation",
			eval: core.Evaluator[problems.TreeNode, int, float64]{
				Eval:                 problems.DepthScore().Eval,
				AnnotatesUncertainty: true,
			},
			want: core.ErrStructuralViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTreeEngine(t, problems.BalancedTree{Branching: 2, Depth: 2}, tt.eval, treeOptions(0, nil))
			ev, err := e.Step(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Step() error = %v, want %v", err, tt.want)
			}
			if ev.Kind != search.EventSearchTerminated {
				t.Fatalf("Step() event = %s, want %s", ev.Kind, search.EventSearchTerminated)
			}
			if ev.Payload["reason"] != "failed" {
				t.Fatalf("reason = %v, want failed", ev.Payload["reason"])
			}
		})
	}
}

func TestEngine_UncertaintyAnnotations(t *testing.T) {
	eval := problems.Uncertain(problems.DepthScore(), 0.25)
	e := newTreeEngine(t, problems.BalancedTree{Branching: 2, Depth: 2}, eval, treeOptions(0, nil))

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, sol := range e.Solutions() {
		if sol.Annotations[core.AnnotationUncertainty] != 0.25 {
			t.Fatalf("solution annotations = %v", sol.Annotations)
		}
		if _, ok := sol.Annotations[core.AnnotationTime]; !ok {
			t.Fatalf("solution has no %s annotation", core.AnnotationTime)
		}
	}
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	tree := problems.BalancedTree{Branching: 3, Depth: 8}
	var canceled atomic.Int32
	eval := problems.Sleeping(problems.DepthScore(), time.Millisecond, 10*time.Millisecond)
	eval.CancelActive = func() { canceled.Add(1) }

	opts := treeOptions(4, rec)
	opts.ShutdownGrace = 2 * time.Second
	e, err := search.New(problems.TreeProblem(tree, eval), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := e.Step(context.Background()); err != nil {
			t.Fatalf("Step() error = %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Close()
		}()
	}
	wg.Wait()
	_ = e.Close()

	if !e.IsTerminated() {
		t.Fatal("IsTerminated() = false after Close")
	}
	if got := canceled.Load(); got != 1 {
		t.Fatalf("CancelActive called %d times, want 1", got)
	}
	if got := rec.count(search.EventSearchTerminated); got != 1 {
		t.Fatalf("search.terminated events = %d, want 1", got)
	}
	if _, err := e.Step(context.Background()); !errors.Is(err, search.ErrTerminated) {
		t.Fatalf("Step() after Close error = %v, want ErrTerminated", err)
	}
	if got := e.Stats().ActiveJobs; got != 0 {
		t.Fatalf("active jobs after Close = %d, want 0", got)
	}

	// Nothing is emitted after the terminal event.
	events := rec.all()
	if last := events[len(events)-1]; last.Kind != search.EventSearchTerminated {
		t.Fatalf("last event = %s, want %s", last.Kind, search.EventSearchTerminated)
	}
}

func TestEngine_CloseBeforeStart(t *testing.T) {
	e := newTreeEngine(t, problems.BalancedTree{Branching: 2, Depth: 2}, problems.DepthScore(), treeOptions(2, nil))
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := e.Step(context.Background()); !errors.Is(err, search.ErrTerminated) {
		t.Fatalf("Step() error = %v, want ErrTerminated", err)
	}
}

func TestEngine_CallerCancellation(t *testing.T) {
	tree := problems.BalancedTree{Branching: 2, Depth: 30}
	e := newTreeEngine(t, tree, problems.DepthScore(), treeOptions(2, nil))

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		if _, err := e.Step(ctx); err != nil {
			t.Fatalf("Step() error = %v", err)
		}
	}
	cancel()

	ev, err := e.Step(ctx)
	if !errors.Is(err, search.ErrSearchCanceled) {
		t.Fatalf("Step() error = %v, want ErrSearchCanceled", err)
	}
	if ev.Kind != search.EventSearchTerminated || ev.Payload["reason"] != "canceled" {
		t.Fatalf("Step() event = %s %v", ev.Kind, ev.Payload)
	}
	if _, err := e.Step(context.Background()); !errors.Is(err, search.ErrTerminated) {
		t.Fatalf("Step() after cancel error = %v, want ErrTerminated", err)
	}
}

func TestEngine_OverallTimeout(t *testing.T) {
	opts := treeOptions(0, nil)
	opts.Timeout = 50 * time.Millisecond
	eval := problems.Sleeping(problems.DepthScore(), time.Millisecond, 2*time.Millisecond)
	e := newTreeEngine(t, problems.BalancedTree{Branching: 2, Depth: 1000}, eval, opts)

	start := time.Now()
	_, err := e.Run(context.Background())
	if !errors.Is(err, search.ErrSearchTimeout) {
		t.Fatalf("Run() error = %v, want ErrSearchTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run() took %s after a 50ms timeout", elapsed)
	}
}

func TestEngine_SelectForExpansion(t *testing.T) {
	e := newTreeEngine(t, problems.BalancedTree{Branching: 2, Depth: 2}, problems.DepthScore(), treeOptions(0, nil))
	ctx := context.Background()

	if _, err := e.Step(ctx); err != nil { // initialize
		t.Fatalf("Step() error = %v", err)
	}
	if _, err := e.NextExpansion(ctx); err != nil { // root
		t.Fatalf("NextExpansion() error = %v", err)
	}

	if err := e.SelectForExpansion(problems.TreeNode{Depth: 2, Index: 0}); !errors.Is(err, search.ErrUnknownNode) {
		t.Fatalf("SelectForExpansion(unknown) error = %v, want ErrUnknownNode", err)
	}
	if err := e.SelectForExpansion(problems.TreeNode{Depth: 1, Index: 1}); err != nil {
		t.Fatalf("SelectForExpansion() error = %v", err)
	}
	ev, err := e.NextExpansion(ctx)
	if err != nil {
		t.Fatalf("NextExpansion() error = %v", err)
	}
	if ev.Head != "1/1" {
		t.Fatalf("expanded %s, want preselected 1/1", ev.Head)
	}
}

func TestEngine_NextSolutionThatDominatesOpen(t *testing.T) {
	g := problems.NewGraph("S").
		Edge("S", "A", 1).
		Edge("S", "G1", 10).
		Edge("A", "G2", 2).
		Goal("G1", "G2")
	e, err := search.New(g.Problem(g.CostEvaluator()), search.DefaultOptions[string, float64, float64]())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	first, err := e.NextSolution(context.Background())
	if err != nil {
		t.Fatalf("NextSolution() error = %v", err)
	}
	if first.Path.Head() != "G1" {
		t.Fatalf("first solution = %s, want G1", first.Path.Head())
	}

	best, err := e.NextSolutionThatDominatesOpen(context.Background())
	if err != nil {
		t.Fatalf("NextSolutionThatDominatesOpen() error = %v", err)
	}
	if best.Path.Head() != "G2" || best.Score != 3 {
		t.Fatalf("dominating solution = %s (%v), want G2 (3)", best.Path.Head(), best.Score)
	}

	if _, err := e.NextSolution(context.Background()); !errors.Is(err, search.ErrExhausted) {
		t.Fatalf("NextSolution() error = %v, want ErrExhausted", err)
	}
}

func TestEngine_SolutionReportingEvaluator(t *testing.T) {
	tree := problems.BalancedTree{Branching: 2, Depth: 2}
	var (
		report func(core.Solution[problems.TreeNode, int, float64])
		bound  atomic.Int32
	)
	eval := core.Evaluator[problems.TreeNode, int, float64]{
		Name: "reporting",
		Eval: func(_ context.Context, p core.Path[problems.TreeNode, int]) (float64, error) {
			score := float64(p.Depth())
			if tree.IsGoal(p) {
				report(core.Solution[problems.TreeNode, int, float64]{Path: p, Score: score})
			}
			return score, nil
		},
		BindGraph: func(core.GraphGenerator[problems.TreeNode, int], core.GoalTester[problems.TreeNode, int]) error {
			bound.Add(1)
			return nil
		},
		SubscribeSolutions: func(r func(core.Solution[problems.TreeNode, int, float64])) {
			report = r
		},
	}
	rec := &recorder{}
	e := newTreeEngine(t, tree, eval, treeOptions(0, rec))
	if caps := e.Capabilities(); !caps.ReportsSolutions || !caps.GraphDependent {
		t.Fatalf("Capabilities() = %+v", caps)
	}

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(e.Solutions()); got != tree.Leaves() {
		t.Fatalf("solutions = %d, want %d (each reported once)", got, tree.Leaves())
	}
	if got := bound.Load(); got != 1 {
		t.Fatalf("BindGraph called %d times, want 1", got)
	}
}

func TestEngine_EvaluatorEventsCarryNode(t *testing.T) {
	const rollout search.EventKind = "evaluator.rollout"
	eval := core.Evaluator[problems.TreeNode, int, float64]{
		Eval: func(ctx context.Context, p core.Path[problems.TreeNode, int]) (float64, error) {
			search.EmitterFromContext(ctx)(search.NewEvent(rollout, "").WithPayload("samples", 3))
			return float64(p.Depth()), nil
		},
	}
	rec := &recorder{}
	e := newTreeEngine(t, problems.BalancedTree{Branching: 2, Depth: 1}, eval, treeOptions(0, rec))
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var n int
	for _, ev := range rec.all() {
		if ev.Kind != rollout {
			continue
		}
		n++
		if ev.RunID != "test-run" || !ev.HasNode() || ev.Head == "" {
			t.Fatalf("rollout event not attributed: %+v", ev)
		}
	}
	if n != 3 {
		t.Fatalf("rollout events = %d, want 3", n)
	}
}

func TestEngine_AllIterator(t *testing.T) {
	e := newTreeEngine(t, problems.BalancedTree{Branching: 2, Depth: 2}, problems.DepthScore(), treeOptions(0, nil))

	var got []search.EventKind
	for ev, err := range e.All(context.Background()) {
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		got = append(got, ev.Kind)
	}
	if len(got) == 0 || got[len(got)-1] != search.EventSearchTerminated {
		t.Fatalf("All() kinds = %v, want terminated last", got)
	}
	for range e.All(context.Background()) {
		t.Fatal("All() yielded after termination")
	}
}

func TestNew_RejectsInvalidInput(t *testing.T) {
	if _, err := search.New(core.Problem[string, int, float64]{}, search.DefaultOptions[string, int, float64]()); !errors.Is(err, core.ErrInvalidProblem) {
		t.Fatalf("New(empty problem) error = %v, want ErrInvalidProblem", err)
	}

	opts := treeOptions(-1, nil)
	if _, err := search.New(problems.TreeProblem(problems.BalancedTree{Branching: 2, Depth: 1}, problems.DepthScore()), opts); err == nil {
		t.Fatal("New(negative workers) error = nil")
	}
}
