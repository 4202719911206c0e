package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/bestfirst/core"
)

// Engine errors
var (
	ErrSearchCanceled = errors.New("search was canceled")
	ErrSearchTimeout  = errors.New("search timed out")
	ErrTerminated     = errors.New("search is terminated")
	ErrExhausted      = errors.New("search space exhausted")
	ErrNoSolution     = errors.New("no solution found")
	ErrGenerator      = errors.New("graph generator failed")
	ErrUnknownNode    = errors.New("unknown node")
)

// State is the lifecycle state of an Engine.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateTerminated
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type expansionClaim struct {
	token  uint64
	cancel context.CancelCauseFunc
}

// Engine is an anytime best-first search over the graph of a core.Problem.
//
// The engine is driven by Step; every call returns one event. Step must not
// be called from event handlers. Lock order: stepMu, openMu, graphMu,
// expandMu. solMu and emitMu are leaves.
type Engine[N comparable, A any, V cmp.Ordered] struct {
	problem core.Problem[N, A, V]
	caps    core.Capabilities
	opts    Options[N, A, V]
	logger  *slog.Logger
	runID   string

	state atomic.Int32

	emitMu  sync.Mutex
	sealed  bool
	started time.Time
	seq     *seqGen
	publish EventEmitter
	emit    EventEmitter

	stepMu sync.Mutex

	openMu    sync.Mutex
	open      *openSet[V]
	preselect *N

	graphMu sync.Mutex
	graph   *arena[N, A, V]

	expandMu  sync.Mutex
	expanding map[NodeID]expansionClaim
	tokens    atomic.Uint64

	solMu     sync.Mutex
	solutions []core.Solution[N, A, V]
	pending   []Event

	jobs *jobTracker
	pool *builderPool

	runCtx    context.Context
	cancelRun context.CancelCauseFunc
	timer     atomic.Pointer[time.Timer]

	shutdownOnce sync.Once
	terminated   Event
	termErr      error

	created   atomic.Int64
	labeled   atomic.Int64
	pruned    atomic.Int64
	timedOut  atomic.Int64
	discarded atomic.Int64
	reopened  atomic.Int64
	expanded  atomic.Int64
	closed    atomic.Int64
}

// New creates an engine for the given problem. The search starts with the first Step.
func New[N comparable, A any, V cmp.Ordered](p core.Problem[N, A, V], opts Options[N, A, V]) (*Engine[N, A, V], error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	runCtx, cancelRun := context.WithCancelCause(context.Background())
	e := &Engine[N, A, V]{
		problem:   p,
		caps:      p.Evaluator.Capabilities(),
		opts:      opts,
		logger:    opts.Logger,
		runID:     runID,
		seq:       newSeqGen(),
		open:      newOpenSet(opts.Comparator),
		graph:     newArena[N, A, V](),
		expanding: make(map[NodeID]expansionClaim),
		jobs:      newJobTracker(),
		runCtx:    runCtx,
		cancelRun: cancelRun,
	}

	e.publish = e.deliver
	if opts.EventEmitterDecorator != nil {
		e.publish = opts.EventEmitterDecorator(e.publish)
	}
	e.emit = func(ev Event) { e.emitEvent(ev) }

	if opts.Workers > 0 {
		e.pool = newBuilderPool(runCtx, opts.Workers, e.logger)
	}
	return e, nil
}

// RunID returns the identifier stamped on all events of this engine.
func (e *Engine[N, A, V]) RunID() string { return e.runID }

// Capabilities returns the capabilities of the evaluator.
func (e *Engine[N, A, V]) Capabilities() core.Capabilities { return e.caps }

// State returns the current lifecycle state.
func (e *Engine[N, A, V]) State() State { return State(e.state.Load()) }

// IsTerminated reports whether the search has ended.
func (e *Engine[N, A, V]) IsTerminated() bool { return e.State() == StateTerminated }

// Step advances the search and returns the next event.
//
// The first call initializes the graph and returns EventSearchInitialized.
// Later calls return a pending EventSolutionFound if there is one, and
// otherwise expand one node (EventExpansionSubmitted or EventGoalRemoved).
// When the search ends, Step returns EventSearchTerminated together with the
// reason: nil if the graph was exhausted, an error wrapping ErrSearchCanceled
// or ErrSearchTimeout, or the fatal error. Every call after that returns
// ErrTerminated.
//
// Canceling ctx cancels the whole search.
func (e *Engine[N, A, V]) Step(ctx context.Context) (Event, error) {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	if e.State() == StateTerminated {
		return Event{}, ErrTerminated
	}

	if ctx.Err() != nil {
		e.cancelRun(canceledCause(ctx))
	}
	stop := context.AfterFunc(ctx, func() { e.cancelRun(canceledCause(ctx)) })
	defer stop()

	if e.state.CompareAndSwap(int32(StateCreated), int32(StateActive)) {
		return e.initialize()
	}
	return e.next()
}

func canceledCause(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrSearchCanceled, context.Cause(ctx))
}

// initialize labels the roots and puts them onto OPEN.
func (e *Engine[N, A, V]) initialize() (Event, error) {
	e.emitMu.Lock()
	e.started = e.opts.Now()
	e.emitMu.Unlock()

	if d := e.opts.Timeout; d > 0 {
		e.timer.Store(time.AfterFunc(d, func() {
			e.cancelRun(fmt.Errorf("%w after %s", ErrSearchTimeout, d))
		}))
	}

	e.logger.Info("search started",
		"run_id", e.runID,
		"workers", e.opts.Workers,
		"parent_discarding", e.opts.ParentDiscarding.String(),
		"evaluator", e.problem.Evaluator.Name,
	)

	ev := e.problem.Evaluator
	if e.caps.GraphDependent {
		if err := ev.BindGraph(e.problem.Generator, e.problem.Goal); err != nil {
			return e.terminate(fmt.Errorf("binding graph to evaluator: %w", err), 0)
		}
	}
	if e.caps.ReportsSolutions {
		ev.SubscribeSolutions(e.reportSolution)
	}

	roots, err := e.problem.Generator.Roots(e.runCtx)
	if err != nil {
		if e.runCtx.Err() != nil {
			return e.terminate(context.Cause(e.runCtx), 0)
		}
		return e.terminate(fmt.Errorf("%w: roots: %w", ErrGenerator, err), 0)
	}

	for _, root := range roots {
		if err := e.initRoot(root); err != nil {
			return e.terminate(err, 0)
		}
	}

	init := e.emitEvent(NewEvent(EventSearchInitialized, e.runID).
		WithPayload("roots", len(roots)).
		WithPayload("workers", e.opts.Workers).
		WithPayload("parent_discarding", e.opts.ParentDiscarding.String()))
	return init, nil
}

func (e *Engine[N, A, V]) initRoot(root N) error {
	e.graphMu.Lock()
	rec := e.graph.newRoot(root)
	ref := rec.ref()
	path := rec.path
	e.graphMu.Unlock()

	e.created.Add(1)
	e.emitNode(EventNodeCreated, ref, withPayload("depth", 0))

	goal := e.problem.Goal.IsGoal(path)
	score, ok, err := e.label(e.runCtx, rec, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRootNotLabeled, ref.label)
	}

	e.openMu.Lock()
	e.graphMu.Lock()
	rec.score, rec.scored, rec.goal = score, true, goal
	rec.status = StatusOpen
	err = e.open.add(rec.id, score, 0)
	var sol core.Solution[N, A, V]
	if goal {
		sol = solutionOf(rec)
	}
	e.graphMu.Unlock()
	e.openMu.Unlock()
	if err != nil {
		return err
	}

	e.emitNode(EventNodeStatus, ref, withStatus(StatusOpen))
	e.emitNode(EventGraphInitialized, ref, withPayload("score", score))
	if goal && !e.caps.ReportsSolutions {
		e.registerSolution(sol, ref)
	}
	return nil
}

// next performs one Step on an active engine.
func (e *Engine[N, A, V]) next() (Event, error) {
	for {
		if ev, ok := e.popPending(); ok {
			return ev, nil
		}
		if e.runCtx.Err() != nil {
			return e.terminate(context.Cause(e.runCtx), 0)
		}

		// Backpressure: wait for a free builder slot before expanding.
		if e.pool != nil {
			n, changed := e.jobs.snapshot()
			if n >= e.opts.Workers {
				select {
				case <-changed:
				case <-e.runCtx.Done():
				}
				continue
			}
		}

		rec, wait := e.selectNext()
		if rec == nil {
			if wait == nil {
				return e.terminate(nil, 0)
			}
			select {
			case <-wait:
			case <-e.runCtx.Done():
			}
			continue
		}
		return e.expand(rec)
	}
}

// selectNext removes the next node from OPEN. If OPEN is empty it returns a
// channel to wait on while builders are still running, or nil when the
// search space is exhausted.
func (e *Engine[N, A, V]) selectNext() (*record[N, A, V], <-chan struct{}) {
	// The job count must be read before OPEN: builders insert into OPEN
	// before they report completion.
	active, changed := e.jobs.snapshot()

	e.openMu.Lock()
	defer e.openMu.Unlock()

	if rec := e.takePreselectedLocked(); rec != nil {
		return rec, nil
	}
	if item, ok := e.open.popMin(); ok {
		e.graphMu.Lock()
		rec, _ := e.graph.get(item.ID)
		e.graphMu.Unlock()
		return rec, nil
	}
	if e.hasPending() {
		return nil, closedCh
	}
	if active == 0 {
		return nil, nil
	}
	return nil, changed
}

func (e *Engine[N, A, V]) takePreselectedLocked() *record[N, A, V] {
	if e.preselect == nil {
		return nil
	}
	head := *e.preselect
	e.preselect = nil

	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	for _, item := range e.open.ordered() {
		if rec, _ := e.graph.get(item.ID); rec.head == head {
			e.open.remove(item.ID)
			return rec
		}
	}
	e.logger.Warn("preselected node left OPEN before it could be expanded",
		"run_id", e.runID,
		"node", fmt.Sprint(head),
	)
	return nil
}

// SelectForExpansion makes head the next node to be expanded, regardless of
// its score. The node must currently be on OPEN.
func (e *Engine[N, A, V]) SelectForExpansion(head N) error {
	if e.IsTerminated() {
		return ErrTerminated
	}
	e.openMu.Lock()
	defer e.openMu.Unlock()
	e.graphMu.Lock()
	defer e.graphMu.Unlock()

	for _, item := range e.open.ordered() {
		if rec, _ := e.graph.get(item.ID); rec.head == head {
			e.preselect = &head
			return nil
		}
	}
	return fmt.Errorf("%w: %v is not on OPEN", ErrUnknownNode, head)
}

// expand claims rec, computes its successors and hands them to node builders.
func (e *Engine[N, A, V]) expand(rec *record[N, A, V]) (Event, error) {
	token := e.tokens.Add(1)
	claimCtx, cancelClaim := context.WithCancelCause(e.runCtx)
	defer cancelClaim(nil)

	e.expandMu.Lock()
	if _, dup := e.expanding[rec.id]; dup {
		e.expandMu.Unlock()
		return e.terminate(core.Violation("node %d selected for expansion while being expanded", rec.id), token)
	}
	e.expanding[rec.id] = expansionClaim{token: token, cancel: cancelClaim}
	e.expandMu.Unlock()
	defer e.release(rec.id, token)

	e.graphMu.Lock()
	ref := rec.ref()
	head, goal, depth := rec.head, rec.goal, rec.depth
	if goal {
		rec.status = StatusSolution
	} else {
		rec.status = StatusExpanding
		rec.generation++
	}
	generation := rec.generation
	e.graphMu.Unlock()

	if goal {
		return e.emitNode(EventGoalRemoved, ref, nil), nil
	}
	e.emitNode(EventNodeStatus, ref, withStatus(StatusExpanding))

	successors, err := e.problem.Generator.Successors(claimCtx, head)
	if err != nil {
		if e.runCtx.Err() != nil {
			return e.terminate(context.Cause(e.runCtx), token)
		}
		return e.terminate(fmt.Errorf("%w: successors of %s: %w", ErrGenerator, ref.label, err), token)
	}
	e.expanded.Add(1)
	e.emitNode(EventSuccessorsComputed, ref, withPayload("successors", len(successors)))

	e.logger.Debug("expanding node",
		"run_id", e.runID,
		"node_id", ref.id,
		"node", ref.label,
		"successors", len(successors),
	)

	submitted := e.emitNode(EventExpansionSubmitted, ref, func(ev Event) Event {
		return ev.WithPayload("successors", len(successors)).WithPayload("depth", depth)
	})

	t := &tally[N, A, V]{parent: rec, generation: generation, total: len(successors)}
	t.remaining.Store(int64(len(successors)))
	if len(successors) == 0 {
		e.completeExpansion(t)
	}
	for _, s := range successors {
		if e.pool == nil {
			e.build(e.runCtx, t, s)
			if e.runCtx.Err() != nil {
				break
			}
			continue
		}
		e.jobs.add(1)
		e.pool.submit(func(ctx context.Context) { e.build(ctx, t, s) }, e.jobs.done)
	}

	if e.runCtx.Err() != nil {
		return e.terminate(context.Cause(e.runCtx), token)
	}
	e.emitProgress()
	return submitted, nil
}

func (e *Engine[N, A, V]) release(id NodeID, token uint64) {
	e.expandMu.Lock()
	defer e.expandMu.Unlock()
	if c, ok := e.expanding[id]; ok && c.token == token {
		delete(e.expanding, id)
	}
}

// fail records a fatal error raised off the driver goroutine. The driver
// notices the canceled run and shuts the search down.
func (e *Engine[N, A, V]) fail(err error) {
	if e.runCtx.Err() == nil {
		e.logger.Error("search failed",
			"run_id", e.runID,
			"error", err,
		)
	}
	e.cancelRun(err)
	e.jobs.notify()
}

// Close terminates the search. It is idempotent and safe to call
// concurrently with Step and after the search ended on its own.
func (e *Engine[N, A, V]) Close() error {
	e.terminate(ErrTerminated, 0)
	return nil
}

func withStatus(s NodeStatus) func(Event) Event {
	return func(ev Event) Event { return ev.WithStatus(s) }
}

func withPayload(key string, value any) func(Event) Event {
	return func(ev Event) Event { return ev.WithPayload(key, value) }
}
